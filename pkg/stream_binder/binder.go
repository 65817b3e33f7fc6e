// Package stream_binder подключает локальный и удаленный потоки к приемникам
// воспроизведения и переживает запрет автоматического воспроизведения.
package stream_binder

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
	"github.com/arzzra/web_phone/pkg/prefs"
)

// Sink приемник воспроизведения (аналог audio/video элемента).
type Sink interface {
	SetSource(stream media.Stream)
	ClearSource()
	SetMuted(muted bool)
	SetVolume(volume float64)
	// Play запускает воспроизведение. Запрет платформы сообщается
	// ошибкой класса media.ErrorKindPlaybackPolicy.
	Play(ctx context.Context) error
}

// GestureSource сообщает о следующем действии пользователя.
// Обработчик вызывается не более одного раза.
type GestureSource interface {
	OnceUserGesture(fn func()) (cancel func())
}

// Config конфигурация binder
type Config struct {
	Prefs    prefs.Store
	Gestures GestureSource
	Logger   *zerolog.Logger
}

type binding struct {
	stream media.Stream
	remote bool
	// disarm снимает обработчик жеста, nil если не взведен
	disarm func()
	// armed номер взвода обработчика жеста, 0 если не взведен
	armed uint64
	// gen увеличивается при каждой привязке и отвязке
	gen uint64
}

// Binder связывает потоки с приемниками.
type Binder struct {
	cfg Config

	mu       sync.Mutex
	bindings map[Sink]*binding
	gen      uint64
	armSeq   uint64
}

// New создает Binder
func New(cfg Config) *Binder {
	if cfg.Prefs == nil {
		cfg.Prefs = prefs.NewMemoryStore()
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Binder{
		cfg:      cfg,
		bindings: make(map[Sink]*binding),
	}
}

// BindLocal подключает локальный поток. Всегда без звука, чтобы не было эха.
func (b *Binder) BindLocal(stream media.Stream, sink Sink) error {
	if stream == nil {
		return media.NewNoStreamError("BindLocal")
	}

	b.mu.Lock()
	old := b.replaceLocked(sink, stream, false)
	b.mu.Unlock()
	disarm(old)

	sink.SetMuted(true)
	sink.SetSource(stream)
	b.cfg.Logger.Debug().Str("stream_id", stream.ID()).Msg("локальный поток подключен")
	return nil
}

// BindRemote подключает удаленный поток со звуком, громкостью из настроек
// и пытается запустить воспроизведение. Запрет автовоспроизведения
// ошибкой не считается: до следующего жеста пользователя NeedsUserAction
// вернет true.
func (b *Binder) BindRemote(ctx context.Context, stream media.Stream, sink Sink) error {
	if stream == nil {
		return media.NewNoStreamError("BindRemote")
	}

	b.mu.Lock()
	old := b.replaceLocked(sink, stream, true)
	gen := b.gen
	b.mu.Unlock()
	disarm(old)

	sink.SetMuted(false)
	sink.SetVolume(prefs.CallVolume(b.cfg.Prefs))
	sink.SetSource(stream)

	return b.play(ctx, sink, gen)
}

func (b *Binder) replaceLocked(sink Sink, stream media.Stream, remote bool) func() {
	var old func()
	if prev, ok := b.bindings[sink]; ok {
		old = prev.disarm
	}
	b.gen++
	b.bindings[sink] = &binding{stream: stream, remote: remote, gen: b.gen}
	return old
}

func disarm(fn func()) {
	if fn != nil {
		fn()
	}
}

// play запускает воспроизведение и при запрете взводит повтор по жесту.
// gen защищает от устаревших повторов после перепривязки.
func (b *Binder) play(ctx context.Context, sink Sink, gen uint64) error {
	err := sink.Play(ctx)
	if err == nil {
		b.mu.Lock()
		var old func()
		if bd, ok := b.bindings[sink]; ok && bd.gen == gen {
			old = bd.disarm
			bd.disarm = nil
			bd.armed = 0
		}
		b.mu.Unlock()
		disarm(old)
		return nil
	}

	if media.KindOf(err) != media.ErrorKindPlaybackPolicy {
		return errors.Wrap(err, "failed to start playback")
	}

	b.cfg.Logger.Info().Err(err).Msg("автовоспроизведение запрещено, ждем действия пользователя")
	b.arm(sink, gen)
	return nil
}

func (b *Binder) arm(sink Sink, gen uint64) {
	b.mu.Lock()
	bd, ok := b.bindings[sink]
	if !ok || bd.gen != gen || bd.armed != 0 {
		b.mu.Unlock()
		return
	}
	b.armSeq++
	seq := b.armSeq
	bd.armed = seq
	b.mu.Unlock()

	if b.cfg.Gestures == nil {
		return
	}

	var cancel func()
	cancel = b.cfg.Gestures.OnceUserGesture(func() {
		b.mu.Lock()
		cur, ok := b.bindings[sink]
		if !ok || cur.gen != gen || cur.armed != seq {
			b.mu.Unlock()
			return
		}
		cur.disarm = nil
		cur.armed = 0
		b.mu.Unlock()

		if err := b.play(context.Background(), sink, gen); err != nil {
			b.cfg.Logger.Warn().Err(err).Msg("повтор воспроизведения по жесту не удался")
		}
	})

	b.mu.Lock()
	cur, ok := b.bindings[sink]
	if ok && cur.gen == gen && cur.armed == seq {
		cur.disarm = cancel
		cancel = nil
	}
	b.mu.Unlock()
	// обработчик уже сработал или привязка сменилась
	disarm(cancel)
}

// NeedsUserAction сообщает, ждет ли какой-либо удаленный приемник
// действия пользователя для запуска звука.
func (b *Binder) NeedsUserAction() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.remote && bd.armed != 0 {
			return true
		}
	}
	return false
}

// EnableAudio ручной запуск звука для всех приемников, ждущих действия
// пользователя.
func (b *Binder) EnableAudio(ctx context.Context) error {
	type pending struct {
		sink Sink
		gen  uint64
	}

	b.mu.Lock()
	var list []pending
	for sink, bd := range b.bindings {
		if bd.remote && bd.armed != 0 {
			list = append(list, pending{sink: sink, gen: bd.gen})
		}
	}
	b.mu.Unlock()

	if len(list) == 0 {
		return media.NewNoStreamError("EnableAudio")
	}

	var firstErr error
	for _, p := range list {
		if err := b.play(ctx, p.sink, p.gen); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Unbind очищает источник приемника и снимает обработчик жеста.
// Вызывается при любом завершении сессии, повторный вызов безопасен.
func (b *Binder) Unbind(sink Sink) {
	if sink == nil {
		return
	}

	b.mu.Lock()
	var old func()
	if bd, ok := b.bindings[sink]; ok {
		old = bd.disarm
		delete(b.bindings, sink)
	}
	b.gen++
	b.mu.Unlock()

	disarm(old)
	sink.ClearSource()
}

// UnbindAll отвязывает все приемники
func (b *Binder) UnbindAll() {
	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.bindings))
	for sink := range b.bindings {
		sinks = append(sinks, sink)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		b.Unbind(sink)
	}
}

// Bound возвращает поток, привязанный к приемнику
func (b *Binder) Bound(sink Sink) media.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd, ok := b.bindings[sink]; ok {
		return bd.stream
	}
	return nil
}

// BoundCount количество привязанных приемников
func (b *Binder) BoundCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}
