package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/web_phone/pkg/audio_pipeline"
	"github.com/arzzra/web_phone/pkg/call"
	"github.com/arzzra/web_phone/pkg/config"
	"github.com/arzzra/web_phone/pkg/control"
	"github.com/arzzra/web_phone/pkg/devices"
	"github.com/arzzra/web_phone/pkg/gateway"
	"github.com/arzzra/web_phone/pkg/prefs"
	"github.com/arzzra/web_phone/pkg/ringer"
	"github.com/arzzra/web_phone/pkg/sip_gateway"
	"github.com/arzzra/web_phone/pkg/sound"
	"github.com/arzzra/web_phone/pkg/stream_binder"
)

// runner сигнальный клиент с собственным циклом соединения
type runner interface {
	call.Signaling
	Run(ctx context.Context) error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("не удалось загрузить конфигурацию")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger
	logger.Info().Str("env", cfg.Env).Str("file", cfg.File).Str("signaling", cfg.Signaling).Msg("конфигурация загружена")

	if err := run(ctx, cfg, &logger); err != nil {
		logger.Fatal().Err(err).Msg("web_phone завершился с ошибкой")
	}
	logger.Info().Msg("web_phone остановлен")
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := prefs.OpenFileStore(cfg.PrefsFile)
	if err != nil {
		return err
	}

	sig, closeSignaling, err := newSignaling(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSignaling()

	gestures := control.NewGestures()
	clk := clock.New()

	callCfg := call.Config{
		Signaling: sig,
		Pipeline: audio_pipeline.New(audio_pipeline.Config{
			Threshold:       cfg.Audio.Threshold,
			Decay:           cfg.Audio.Decay,
			PollInterval:    cfg.Audio.PollInterval,
			MaxPollDuration: cfg.Audio.MaxPollDuration,
			LevelMaxAge:     cfg.Audio.LevelMaxAge,
			Scheduler:       audio_pipeline.NewClockScheduler(clk, cfg.Audio.FrameInterval),
			Clock:           clk,
			Logger:          logger,
		}),
		Binder: stream_binder.New(stream_binder.Config{
			Prefs:    store,
			Gestures: gestures,
			Logger:   logger,
		}),
		History: call.HistoryFunc(func(c call.CompletedCall) {
			logger.Info().
				Str("session_id", c.SessionID).
				Str("remote", c.RemoteIdentifier).
				Str("direction", string(c.Direction)).
				Str("outcome", string(c.Outcome)).
				Bool("simulated", c.Simulated).
				Dur("duration", c.EndedAt.Sub(c.StartedAt)).
				Msg("вызов завершен")
		}),
		Metrics:          call.NewMetrics(prometheus.DefaultRegisterer),
		RingTimeout:      cfg.Call.RingTimeout,
		CallTimeout:      cfg.Call.CallTimeout,
		WatchdogInterval: cfg.Call.WatchdogInterval,
		Clock:            clk,
		Logger:           logger,
	}

	ringCfg := ringer.Config{Prefs: store, Logger: logger}
	if cfg.Audio.Ringtone != "" {
		asset, err := ringer.LoadRawAsset(cfg.Audio.Ringtone, cfg.Audio.RingtoneSampleRate)
		if err != nil {
			return err
		}
		ringCfg.Asset = asset
	}

	var enumerators []devices.Enumerator
	if cfg.Audio.Enabled {
		out, err := sound.NewOutput(sound.Config{Prefs: store, Logger: logger})
		if err != nil {
			// без звуковой подсистемы телефон работает, но молча
			logger.Warn().Err(err).Msg("вывод звука недоступен")
		} else {
			defer out.Close()
			ringCfg.Primary = out
			ringCfg.Fallback = out.DefaultDevicePlayer()
			callCfg.ToneSink = out
			callCfg.RemoteSink = out.NewSink()
			callCfg.LocalSink = out.NewSink()
		}

		enum, err := devices.NewMalgoEnumerator(logger)
		if err != nil {
			logger.Warn().Err(err).Msg("перечисление устройств недоступно")
		} else {
			defer enum.Close()
			enumerators = append(enumerators, enum)
		}
	}
	callCfg.Ringer = ringer.New(ringCfg)

	ctrl, err := call.New(callCfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	registry := devices.NewRegistry(devices.Config{
		Enumerators:  enumerators,
		Store:        store,
		PollInterval: cfg.Devices.PollInterval,
		Clock:        clk,
		Logger:       logger,
	})
	registry.OnChange(func(d devices.Devices) {
		logger.Info().
			Int("inputs", len(d.AudioInputs)).
			Int("outputs", len(d.AudioOutputs)).
			Msg("список устройств изменился")
	})
	if _, err := registry.ListDevices(ctx); err != nil {
		logger.Warn().Err(err).Msg("перечисление устройств не удалось")
	}
	registry.Watch(ctx)
	defer registry.Stop()

	api := control.New(control.Config{
		Phone:    ctrl,
		Devices:  registry,
		Gestures: gestures,
		Mode:     cfg.Mode,
		Logger:   logger,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("API управления запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, "control api")
		}
	}()
	go func() {
		if err := sig.Run(ctx); err != nil {
			errc <- errors.Wrap(err, "signaling")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	logger.Info().Msg("завершение работы")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API управления остановлен принудительно")
	}
	return runErr
}

func newSignaling(cfg *config.Config, logger *zerolog.Logger) (runner, func(), error) {
	switch cfg.Signaling {
	case config.SignalingSIP:
		agent, err := sip_gateway.New(sip_gateway.Config{
			ListenAddr:     cfg.SIP.ListenAddr,
			Transport:      cfg.SIP.Transport,
			PublicHost:     cfg.SIP.PublicHost,
			Username:       cfg.SIP.Username,
			Password:       cfg.SIP.Password,
			Domain:         cfg.SIP.Domain,
			Registrar:      cfg.SIP.Registrar,
			RegisterExpiry: cfg.SIP.RegisterExpiry,
			RTPHost:        cfg.SIP.RTPHost,
			ReorderDepth:   cfg.SIP.ReorderDepth,
			OnDigit: func(digit string) {
				logger.Info().Str("digit", digit).Msg("DTMF от собеседника")
			},
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return agent, func() { _ = agent.Close() }, nil
	default:
		client := gateway.New(gateway.Config{
			URL:            cfg.Gateway.URL,
			ICEServers:     cfg.Gateway.ICEServers,
			RequestTimeout: cfg.Gateway.RequestTimeout,
			MinBackoff:     cfg.Gateway.MinBackoff,
			MaxBackoff:     cfg.Gateway.MaxBackoff,
			PingInterval:   cfg.Gateway.PingInterval,
			ReorderDepth:   cfg.Gateway.ReorderDepth,
			Logger:         logger,
		})
		return client, func() {}, nil
	}
}
