package dtmf

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
)

const (
	// DefaultToneDuration длительность локального тона
	DefaultToneDuration = 100 * time.Millisecond
	// DefaultForwardTimeout ограничение на доставку цифры шлюзу
	DefaultForwardTimeout = 5 * time.Second
)

// Tone звучащий тон. Stop идемпотентен.
type Tone interface {
	Stop()
}

// ToneSink локальный выход для тона, аналог пары осцилляторов.
type ToneSink interface {
	StartTone(pair FrequencyPair) (Tone, error)
}

// DigitSender доставляет цифру удаленной стороне
type DigitSender interface {
	SendDigit(ctx context.Context, digit string) error
}

// Event нажатие клавиши
type Event struct {
	Digit       Digit
	TimestampMs int64
}

// Config конфигурация движка
type Config struct {
	Sink           ToneSink
	Sender         DigitSender
	ToneDuration   time.Duration
	ForwardTimeout time.Duration
	Clock          clock.Clock
	Logger         *zerolog.Logger

	// OnForwardError вызывается, если шлюз не принял цифру
	OnForwardError func(digit Digit, err error)
	// OnEvent вызывается на каждое принятое нажатие
	OnEvent func(Event)
}

// Engine проигрывает тон локально и независимо передает цифру шлюзу.
// Ошибка передачи не влияет на тон, тон не ждет передачи.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	tones  map[*clock.Timer]Tone
	wg     sync.WaitGroup
	closed bool
}

// NewEngine создает движок
func NewEngine(cfg Config) *Engine {
	if cfg.ToneDuration <= 0 {
		cfg.ToneDuration = DefaultToneDuration
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Engine{
		cfg:   cfg,
		tones: make(map[*clock.Timer]Tone),
	}
}

// Play только проигрывает тон. Возвращает false для неизвестной цифры.
func (e *Engine) Play(digit Digit) bool {
	return e.play(context.Background(), digit, false)
}

// PlayAndSend проигрывает тон и передает цифру шлюзу.
// Неизвестная цифра - no-op, возвращается false.
func (e *Engine) PlayAndSend(ctx context.Context, digit Digit) bool {
	return e.play(ctx, digit, true)
}

// PlaySequence проигрывает и передает последовательность с паузой gap.
// Прерывается по отмене ctx.
func (e *Engine) PlaySequence(ctx context.Context, s string, gap time.Duration) error {
	digits, err := ParseSequence(s)
	if err != nil {
		return err
	}
	for i, d := range digits {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.cfg.Clock.After(e.cfg.ToneDuration + gap):
			}
		}
		e.PlayAndSend(ctx, d)
	}
	return nil
}

func (e *Engine) play(ctx context.Context, digit Digit, forward bool) bool {
	pair, ok := digit.Frequencies()
	if !ok {
		return false
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(Event{Digit: digit, TimestampMs: e.cfg.Clock.Now().UnixMilli()})
	}

	e.startTone(digit, pair)

	if forward && e.cfg.Sender != nil {
		e.wg.Add(1)
		go e.forward(context.WithoutCancel(ctx), digit)
	}
	return true
}

func (e *Engine) startTone(digit Digit, pair FrequencyPair) {
	if e.cfg.Sink == nil {
		return
	}
	tone, err := e.cfg.Sink.StartTone(pair)
	if err != nil {
		e.cfg.Logger.Warn().Err(err).Str("digit", digit.String()).Msg("не удалось воспроизвести тон")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var timer *clock.Timer
	timer = e.cfg.Clock.AfterFunc(e.cfg.ToneDuration, func() {
		e.mu.Lock()
		delete(e.tones, timer)
		e.mu.Unlock()
		tone.Stop()
	})
	e.tones[timer] = tone
}

func (e *Engine) forward(ctx context.Context, digit Digit) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ForwardTimeout)
	defer cancel()

	if err := e.cfg.Sender.SendDigit(ctx, digit.String()); err != nil {
		err = media.NewSignalingError("send_digit", err)
		e.cfg.Logger.Warn().Err(err).Str("digit", digit.String()).Msg("цифра не доставлена")
		if e.cfg.OnForwardError != nil {
			e.cfg.OnForwardError(digit, err)
		}
	}
}

// ActiveTones количество звучащих тонов
func (e *Engine) ActiveTones() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tones)
}

// Close глушит звучащие тоны и ждет завершения передач.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	tones := e.tones
	e.tones = make(map[*clock.Timer]Tone)
	e.mu.Unlock()

	for timer, tone := range tones {
		timer.Stop()
		tone.Stop()
	}
	e.wg.Wait()
}
