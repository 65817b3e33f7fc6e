// Package sound воспроизводит звук на настольной платформе через miniaudio
// (malgo): рингтон, тоны DTMF и удаленный поток собеседника.
package sound

import (
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/dtmf"
	"github.com/arzzra/web_phone/pkg/prefs"
	"github.com/arzzra/web_phone/pkg/ringer"
)

const (
	DefaultToneSampleRate   = 8000
	DefaultToneAmplitude    = 0.25
	DefaultStreamSampleRate = 48000
)

// device открытое устройство воспроизведения
type device interface {
	Start() error
	Uninit()
}

// openFunc открывает моно S16 устройство с частотой sampleRate
type openFunc func(deviceID string, sampleRate int, r renderer) (device, error)

// Config конфигурация вывода
type Config struct {
	// Prefs источник выбранного устройства вывода, читается при каждом открытии
	Prefs            prefs.Store
	ToneSampleRate   int
	ToneAmplitude    float64
	StreamSampleRate int
	Logger           *zerolog.Logger
}

// Output фабрика проигрываний на устройстве вывода.
// Реализует ringer.Player и dtmf.ToneSink.
type Output struct {
	cfg  Config
	open openFunc

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

var (
	_ ringer.Player = (*Output)(nil)
	_ dtmf.ToneSink = (*Output)(nil)
)

// NewOutput инициализирует контекст miniaudio.
func NewOutput(cfg Config) (*Output, error) {
	o := newOutput(cfg, nil)
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		o.cfg.Logger.Debug().Str("component", "malgo").Msg(msg)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to init malgo context")
	}
	o.ctx = ctx
	o.open = o.openMalgo
	return o, nil
}

func newOutput(cfg Config, open openFunc) *Output {
	if cfg.Prefs == nil {
		cfg.Prefs = prefs.NewMemoryStore()
	}
	if cfg.ToneSampleRate <= 0 {
		cfg.ToneSampleRate = DefaultToneSampleRate
	}
	if cfg.ToneAmplitude <= 0 || cfg.ToneAmplitude > 0.5 {
		cfg.ToneAmplitude = DefaultToneAmplitude
	}
	if cfg.StreamSampleRate <= 0 {
		cfg.StreamSampleRate = DefaultStreamSampleRate
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Output{cfg: cfg, open: open}
}

func (o *Output) openMalgo(deviceID string, sampleRate int, r renderer) (device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		return nil, errors.New("malgo context closed")
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(sampleRate)

	if deviceID != "" {
		infos, err := o.ctx.Devices(malgo.Playback)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list playback devices")
		}
		found := false
		for _, info := range infos {
			if info.ID.String() == deviceID {
				id := info.ID
				devCfg.Playback.DeviceID = id.Pointer()
				found = true
				break
			}
		}
		if !found {
			o.cfg.Logger.Warn().Str("device_id", deviceID).Msg("выбранное устройство вывода не найдено, используется устройство по умолчанию")
		}
	}

	var samples []int16
	onData := func(out, _ []byte, frameCount uint32) {
		n := int(frameCount)
		if cap(samples) < n {
			samples = make([]int16, n)
		}
		samples = samples[:n]
		r.Render(samples)
		writeS16LE(out, samples)
	}

	dev, err := malgo.InitDevice(o.ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open playback device")
	}
	return dev, nil
}

// start открывает и запускает устройство на выбранном пользователем выходе
func (o *Output) start(sampleRate int, r renderer) (*playback, error) {
	return o.startOn(prefs.LoadDevicePreference(o.cfg.Prefs).AudioOutputID, sampleRate, r)
}

// startOn открывает устройство deviceID, пустой id - системное по умолчанию
func (o *Output) startOn(deviceID string, sampleRate int, r renderer) (*playback, error) {
	dev, err := o.open(deviceID, sampleRate, r)
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, errors.Wrap(err, "failed to start playback device")
	}
	return &playback{dev: dev}, nil
}

// Loop реализует ringer.Player на выбранном пользователем устройстве
func (o *Output) Loop(asset ringer.Asset, volume float64) (ringer.Playback, error) {
	return o.loop(prefs.LoadDevicePreference(o.cfg.Prefs).AudioOutputID, asset, volume)
}

func (o *Output) loop(deviceID string, asset ringer.Asset, volume float64) (ringer.Playback, error) {
	if len(asset.PCM) == 0 || asset.SampleRate <= 0 {
		return nil, errors.New("empty ringtone asset")
	}
	pb, err := o.startOn(deviceID, asset.SampleRate, &loopRenderer{pcm: asset.PCM, volume: volume})
	if err != nil {
		return nil, err
	}
	return pb, nil
}

// DefaultDevicePlayer проигрыватель на системном устройстве по умолчанию,
// выбор пользователя не учитывается. Запасной вариант для рингтона,
// когда выбранное устройство не открывается.
func (o *Output) DefaultDevicePlayer() ringer.Player {
	return ringer.PlayerFunc(func(asset ringer.Asset, volume float64) (ringer.Playback, error) {
		return o.loop("", asset, volume)
	})
}

// StartTone реализует dtmf.ToneSink
func (o *Output) StartTone(pair dtmf.FrequencyPair) (dtmf.Tone, error) {
	pb, err := o.start(o.cfg.ToneSampleRate, &toneRenderer{
		low:        pair.Low,
		high:       pair.High,
		sampleRate: float64(o.cfg.ToneSampleRate),
		amplitude:  o.cfg.ToneAmplitude,
	})
	if err != nil {
		return nil, err
	}
	return pb, nil
}

// Close освобождает контекст miniaudio
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		return nil
	}
	err := o.ctx.Uninit()
	o.ctx.Free()
	o.ctx = nil
	return err
}

// playback запущенное устройство. Stop идемпотентен.
type playback struct {
	dev  device
	once sync.Once
}

func (p *playback) Stop() {
	p.once.Do(p.dev.Uninit)
}
