// Package devices перечисляет устройства ввода/вывода и хранит выбор
// пользователя. Выбор вступает в силу при следующем захвате потока,
// уже живые потоки не переключаются.
package devices

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
	"github.com/arzzra/web_phone/pkg/prefs"
)

// Kind вид устройства
type Kind string

const (
	KindAudioInput  Kind = "audioinput"
	KindAudioOutput Kind = "audiooutput"
	KindVideoInput  Kind = "videoinput"
)

// Valid проверяет вид устройства
func (k Kind) Valid() bool {
	switch k {
	case KindAudioInput, KindAudioOutput, KindVideoInput:
		return true
	}
	return false
}

func (k Kind) prefKey() string {
	switch k {
	case KindAudioInput:
		return prefs.KeyAudioInput
	case KindAudioOutput:
		return prefs.KeyAudioOutput
	case KindVideoInput:
		return prefs.KeyVideoInput
	}
	return ""
}

// Device описание устройства
type Device struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Kind      Kind   `json:"kind"`
	IsDefault bool   `json:"is_default"`
}

// Devices текущие наборы устройств по видам
type Devices struct {
	AudioInputs  []Device `json:"audio_inputs"`
	AudioOutputs []Device `json:"audio_outputs"`
	VideoInputs  []Device `json:"video_inputs"`
}

// ByKind возвращает набор устройств указанного вида
func (d Devices) ByKind(kind Kind) []Device {
	switch kind {
	case KindAudioInput:
		return d.AudioInputs
	case KindAudioOutput:
		return d.AudioOutputs
	case KindVideoInput:
		return d.VideoInputs
	}
	return nil
}

func (d Devices) equal(o Devices) bool {
	return sameDevices(d.AudioInputs, o.AudioInputs) &&
		sameDevices(d.AudioOutputs, o.AudioOutputs) &&
		sameDevices(d.VideoInputs, o.VideoInputs)
}

func sameDevices(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Label != b[i].Label {
			return false
		}
	}
	return true
}

// Enumerator источник устройств платформы
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// Watcher уведомляет о подключении и отключении устройств.
// Если платформа такого не умеет, реестр опрашивает перечислители.
type Watcher interface {
	Subscribe(fn func()) (cancel func())
}

// ErrUnknownKind неизвестный вид устройства
var ErrUnknownKind = errors.New("неизвестный вид устройства")

// Config конфигурация реестра
type Config struct {
	Enumerators []Enumerator
	Store       prefs.Store
	// Watcher опционален
	Watcher Watcher
	// PollInterval интервал опроса при отсутствии Watcher
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *zerolog.Logger
}

// Registry реестр устройств
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	current  Devices
	lastErr  error
	onChange []func(Devices)

	watchMu  sync.Mutex
	stopFunc func()
}

// NewRegistry создает реестр
func NewRegistry(cfg Config) *Registry {
	if cfg.Store == nil {
		cfg.Store = prefs.NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Registry{cfg: cfg}
}

// ListDevices опрашивает все перечислители. Ошибка перечислителя
// возвращается как DeviceAccessError, но устройства остальных
// перечислителей все равно попадают в результат.
func (r *Registry) ListDevices(ctx context.Context) (Devices, error) {
	var (
		out      Devices
		firstErr error
	)
	for _, e := range r.cfg.Enumerators {
		list, err := e.Enumerate(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = media.NewDeviceAccessError("enumerate", err)
			}
			r.cfg.Logger.Warn().Err(err).Msg("перечисление устройств не удалось")
			continue
		}
		for _, d := range list {
			switch d.Kind {
			case KindAudioInput:
				out.AudioInputs = append(out.AudioInputs, d)
			case KindAudioOutput:
				out.AudioOutputs = append(out.AudioOutputs, d)
			case KindVideoInput:
				out.VideoInputs = append(out.VideoInputs, d)
			}
		}
	}
	sortDevices(out.AudioInputs)
	sortDevices(out.AudioOutputs)
	sortDevices(out.VideoInputs)

	r.mu.Lock()
	changed := !r.current.equal(out)
	r.current = out
	r.lastErr = firstErr
	listeners := append(([]func(Devices))(nil), r.onChange...)
	r.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(out)
		}
	}
	return out, firstErr
}

// устройство по умолчанию идет первым, дальше порядок перечислителя
func sortDevices(list []Device) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].IsDefault && !list[j].IsDefault
	})
}

// Current последний результат перечисления
func (r *Registry) Current() Devices {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// LastError последняя ошибка перечисления
func (r *Registry) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// SelectDevice сохраняет выбор. Действует со следующего захвата потока.
func (r *Registry) SelectDevice(kind Kind, id string) error {
	if !kind.Valid() {
		return errors.Wrapf(ErrUnknownKind, "%q", kind)
	}
	if err := r.cfg.Store.Set(kind.prefKey(), id); err != nil {
		return errors.Wrap(err, "сохранение выбора устройства")
	}
	r.cfg.Logger.Info().Str("kind", string(kind)).Str("device_id", id).Msg("выбрано устройство")
	return nil
}

// Preferred применяет политику выбора: сохраненное устройство,
// если оно присутствует, иначе первое доступное.
func (r *Registry) Preferred(kind Kind) (Device, bool) {
	list := r.Current().ByKind(kind)
	if len(list) == 0 {
		return Device{}, false
	}
	if saved := r.cfg.Store.String(kind.prefKey()); saved != "" {
		for _, d := range list {
			if d.ID == saved {
				return d, true
			}
		}
	}
	return list[0], true
}

// Selection выбор устройств для следующего захвата потока
func (r *Registry) Selection() prefs.DevicePreference {
	var p prefs.DevicePreference
	if d, ok := r.Preferred(KindAudioInput); ok {
		p.AudioInputID = d.ID
	}
	if d, ok := r.Preferred(KindAudioOutput); ok {
		p.AudioOutputID = d.ID
	}
	if d, ok := r.Preferred(KindVideoInput); ok {
		p.VideoInputID = d.ID
	}
	return p
}

// OnChange регистрирует обработчик изменения набора устройств
func (r *Registry) OnChange(fn func(Devices)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// Watch начинает отслеживать горячее подключение. Повторный вызов
// без Stop ничего не делает.
func (r *Registry) Watch(ctx context.Context) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.stopFunc != nil {
		return
	}

	if r.cfg.Watcher != nil {
		r.stopFunc = r.cfg.Watcher.Subscribe(func() {
			_, _ = r.ListDevices(ctx)
		})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := r.cfg.Clock.Ticker(r.cfg.PollInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = r.ListDevices(ctx)
			}
		}
	}()
	r.stopFunc = func() {
		cancel()
		<-done
	}
}

// Stop прекращает отслеживание, безопасен при повторном вызове
func (r *Registry) Stop() {
	r.watchMu.Lock()
	stop := r.stopFunc
	r.stopFunc = nil
	r.watchMu.Unlock()

	if stop != nil {
		stop()
	}
}

// Watching сообщает, идет ли отслеживание
func (r *Registry) Watching() bool {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	return r.stopFunc != nil
}
