package devices

import (
	"context"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MalgoEnumerator перечисляет аудио устройства через miniaudio (malgo).
type MalgoEnumerator struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// NewMalgoEnumerator инициализирует контекст miniaudio.
func NewMalgoEnumerator(logger *zerolog.Logger) (*MalgoEnumerator, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		if logger != nil {
			logger.Debug().Str("component", "malgo").Msg(msg)
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "не удалось инициализировать malgo контекст")
	}
	return &MalgoEnumerator{ctx: ctx}, nil
}

// Enumerate возвращает устройства захвата и воспроизведения.
func (m *MalgoEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil, errors.New("malgo контекст закрыт")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Device
	captures, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.Wrap(err, "устройства захвата")
	}
	for _, info := range captures {
		out = append(out, Device{
			ID:        info.ID.String(),
			Label:     info.Name(),
			Kind:      KindAudioInput,
			IsDefault: info.IsDefault != 0,
		})
	}

	playbacks, err := m.ctx.Devices(malgo.Playback)
	if err != nil {
		return out, errors.Wrap(err, "устройства воспроизведения")
	}
	for _, info := range playbacks {
		out = append(out, Device{
			ID:        info.ID.String(),
			Label:     info.Name(),
			Kind:      KindAudioOutput,
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}

// Close освобождает контекст miniaudio
func (m *MalgoEnumerator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

// StaticEnumerator отдает заранее известный список устройств.
// Используется для камер, которые miniaudio не видит.
type StaticEnumerator []Device

func (s StaticEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	return append([]Device(nil), s...), nil
}

// EnumeratorFunc адаптер функции к Enumerator
type EnumeratorFunc func(ctx context.Context) ([]Device, error)

func (f EnumeratorFunc) Enumerate(ctx context.Context) ([]Device, error) { return f(ctx) }
