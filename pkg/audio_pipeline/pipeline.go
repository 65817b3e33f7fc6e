// Package audio_pipeline измеряет уровень звука привязанного потока
// для индикатора в UI и определения "есть ли звук у собеседника".
//
// Цикл визуализации запускается и останавливается только контроллером
// вызова, сам по себе не стартует. Поиск дорожек, пришедших после
// привязки потока, работает отдельно от цикла: через подписку на
// появление дорожек, а если поток ее не поддерживает - опросом.
package audio_pipeline

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
)

const (
	// DefaultPollInterval интервал опроса дорожек
	DefaultPollInterval = 2 * time.Second
	// DefaultLevelMaxAge после этого времени без PCM дорожка считается тихой
	DefaultLevelMaxAge = 200 * time.Millisecond
)

// Config конфигурация конвейера
type Config struct {
	Threshold    float64
	Decay        time.Duration
	PollInterval time.Duration
	// MaxPollDuration ограничивает опрос; 0 - до отвязки потока
	MaxPollDuration time.Duration
	// LevelMaxAge срок годности уровня дорожки (DTX, удержание, потери)
	LevelMaxAge time.Duration

	Scheduler FrameScheduler
	Clock     clock.Clock
	Logger    *zerolog.Logger

	// OnLevel вызывается на каждом кадре визуализации
	OnLevel func(level float64, detected bool)
	// OnTrackFound вызывается, когда начато измерение новой дорожки
	OnTrackFound func(track media.Track)
}

// trackLevel уровень последнего кадра дорожки и время его получения
type trackLevel struct {
	level float64
	at    time.Time
}

// Pipeline конвейер измерения уровня.
type Pipeline struct {
	cfg Config

	level    atomic.Uint64 // math.Float64bits
	detected atomic.Bool

	mu        sync.Mutex
	stream    media.Stream
	taps      map[string]func()
	trackLvls map[string]trackLevel
	tracks    map[string]media.Track
	detector  Detector

	running  bool
	frame    FrameHandle
	hasFrame bool
	frameSeq uint64

	unobserve func()
	stopPoll  func()
	polling   atomic.Bool
}

// New создает конвейер
func New(cfg Config) *Pipeline {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Decay <= 0 {
		cfg.Decay = DefaultDecay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LevelMaxAge <= 0 {
		cfg.LevelMaxAge = DefaultLevelMaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewClockScheduler(cfg.Clock, DefaultFrameInterval)
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Pipeline{
		cfg:       cfg,
		taps:      make(map[string]func()),
		trackLvls: make(map[string]trackLevel),
		tracks:    make(map[string]media.Track),
		detector:  Detector{Threshold: cfg.Threshold, Decay: cfg.Decay},
	}
}

// Attach привязывает поток, заменяя предыдущий.
// Повторная привязка того же потока ничего не делает.
func (p *Pipeline) Attach(stream media.Stream) {
	if stream == nil {
		p.Detach()
		return
	}

	p.mu.Lock()
	if p.stream == stream {
		p.mu.Unlock()
		return
	}
	release := p.releaseLocked()
	p.stream = stream
	p.mu.Unlock()
	release()

	p.cfg.Logger.Debug().Str("stream_id", stream.ID()).Msg("поток привязан к конвейеру")

	p.scan(stream)

	if obs, ok := stream.(media.TrackObserver); ok {
		cancel := obs.OnTrackAdded(func(media.Track) { p.scan(stream) })
		p.mu.Lock()
		if p.stream == stream {
			p.unobserve = cancel
			cancel = nil
		}
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	p.startPoller(stream)
}

// Detach отвязывает поток и снимает все подписки. Идемпотентен.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	release := p.releaseLocked()
	p.mu.Unlock()
	release()
}

// releaseLocked отвязывает поток под p.mu и возвращает функцию,
// которую нужно вызвать уже без блокировки.
func (p *Pipeline) releaseLocked() func() {
	taps := p.taps
	unobserve := p.unobserve
	stopPoll := p.stopPoll

	p.stream = nil
	p.taps = make(map[string]func())
	p.trackLvls = make(map[string]trackLevel)
	p.tracks = make(map[string]media.Track)
	p.unobserve = nil
	p.stopPoll = nil
	p.detector.Reset()
	p.polling.Store(false)
	p.level.Store(0)
	p.detected.Store(false)

	return func() {
		for _, cancel := range taps {
			cancel()
		}
		if unobserve != nil {
			unobserve()
		}
		if stopPoll != nil {
			stopPoll()
		}
	}
}

// scan подключает измерение ко всем еще не подключенным аудио дорожкам
func (p *Pipeline) scan(stream media.Stream) int {
	var found []media.Track
	for _, track := range stream.AudioTracks() {
		p.mu.Lock()
		if p.stream != stream {
			p.mu.Unlock()
			return 0
		}
		if _, ok := p.tracks[track.ID()]; ok {
			p.mu.Unlock()
			continue
		}
		p.tracks[track.ID()] = track
		if src, ok := track.(media.PCMSource); ok {
			id := track.ID()
			p.taps[id] = src.TapPCM(func(frame []int16) {
				lvl := trackLevel{level: media.RMSLevel(frame), at: p.cfg.Clock.Now()}
				p.mu.Lock()
				if _, ok := p.tracks[id]; ok {
					p.trackLvls[id] = lvl
				}
				p.mu.Unlock()
			})
		}
		p.mu.Unlock()
		found = append(found, track)
	}

	for _, track := range found {
		p.cfg.Logger.Debug().Str("track_id", track.ID()).Msg("найдена аудио дорожка")
		if p.cfg.OnTrackFound != nil {
			p.cfg.OnTrackFound(track)
		}
	}
	return len(found)
}

func (p *Pipeline) startPoller(stream media.Stream) {
	ticker := p.cfg.Clock.Ticker(p.cfg.PollInterval)
	quit := make(chan struct{})
	started := p.cfg.Clock.Now()

	p.mu.Lock()
	if p.stream != stream {
		p.mu.Unlock()
		ticker.Stop()
		return
	}
	var once sync.Once
	p.stopPoll = func() {
		once.Do(func() { close(quit) })
	}
	p.polling.Store(true)
	p.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case now := <-ticker.C:
				p.scan(stream)
				if p.cfg.MaxPollDuration > 0 && now.Sub(started) >= p.cfg.MaxPollDuration {
					p.cfg.Logger.Debug().Msg("опрос дорожек завершен по времени")
					p.mu.Lock()
					if p.stream == stream {
						p.polling.Store(false)
					}
					p.mu.Unlock()
					return
				}
			}
		}
	}()
}

// Start запускает цикл визуализации. Повторный запуск ничего не делает.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.requestFrameLocked()
}

// Stop останавливает цикл и отменяет запрошенный кадр.
// Безопасен при повторном вызове.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	h, ok := p.frame, p.hasFrame
	p.hasFrame = false
	p.mu.Unlock()

	if ok {
		p.cfg.Scheduler.CancelFrame(h)
	}
}

// Running сообщает, идет ли цикл визуализации
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) requestFrameLocked() {
	p.frameSeq++
	seq := p.frameSeq
	p.frame = p.cfg.Scheduler.RequestFrame(func(now time.Time) { p.onFrame(seq, now) })
	p.hasFrame = true
}

func (p *Pipeline) onFrame(seq uint64, now time.Time) {
	p.mu.Lock()
	if !p.running || !p.hasFrame || p.frameSeq != seq {
		p.mu.Unlock()
		return
	}
	p.hasFrame = false

	level := 0.0
	for id, lvl := range p.trackLvls {
		// дорожка без новых кадров молчит
		if now.Sub(lvl.at) > p.cfg.LevelMaxAge {
			continue
		}
		if t, ok := p.tracks[id]; ok && t.Enabled() && lvl.level > level {
			level = lvl.level
		}
	}
	detected := p.detector.Observe(level, now)
	p.level.Store(math.Float64bits(level))
	p.detected.Store(detected)

	p.requestFrameLocked()
	p.mu.Unlock()

	if p.cfg.OnLevel != nil {
		p.cfg.OnLevel(level, detected)
	}
}

// SampleLevel последняя оценка амплитуды в [0,1]. Не блокирует.
func (p *Pipeline) SampleLevel() float64 {
	return math.Float64frombits(p.level.Load())
}

// IsAudioDetected был ли звук выше порога в пределах окна спада.
func (p *Pipeline) IsAudioDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detector.Detected(p.cfg.Clock.Now())
}

// HasAudioTracks сообщает, найдены ли у потока аудио дорожки
func (p *Pipeline) HasAudioTracks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks) > 0
}

// Attached текущий поток или nil
func (p *Pipeline) Attached() media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

// Polling сообщает, идет ли опрос дорожек
func (p *Pipeline) Polling() bool {
	return p.polling.Load()
}
