// Package control HTTP API софтфона на gin: состояние, управление
// вызовом, устройства, события по WebSocket и метрики Prometheus.
package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/call"
	"github.com/arzzra/web_phone/pkg/devices"
	"github.com/arzzra/web_phone/pkg/prefs"
)

const (
	DefaultOperationTimeout = 15 * time.Second
	DefaultPingInterval     = 30 * time.Second
)

// Phone операции контроллера вызовов, доступные через API
type Phone interface {
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Event, func())
	AudioLevel() float64
	IsAudioDetected() bool

	PlaceCall(ctx context.Context, number string, video bool) error
	AcceptIncoming(ctx context.Context, offerID string) error
	RejectIncoming(ctx context.Context, offerID string) error
	Hangup(ctx context.Context) error
	Acknowledge() error

	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	ToggleHold(ctx context.Context) (bool, error)
	SendDigit(ctx context.Context, digit string) bool
	EnableAudio(ctx context.Context) error
}

// DeviceRegistry реестр устройств
type DeviceRegistry interface {
	ListDevices(ctx context.Context) (devices.Devices, error)
	SelectDevice(kind devices.Kind, id string) error
	Selection() prefs.DevicePreference
}

// Config конфигурация API
type Config struct {
	Phone   Phone
	Devices DeviceRegistry
	// Gestures опционален, жесты передаются binder
	Gestures *Gestures
	// Gatherer источник метрик, по умолчанию prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Mode режим gin: debug или release
	Mode             string
	OperationTimeout time.Duration
	PingInterval     time.Duration
	Logger           *zerolog.Logger
}

// Server HTTP API
type Server struct {
	cfg    Config
	logger zerolog.Logger
	engine *gin.Engine

	// base контекст операций, которые переживают HTTP запрос
	base   context.Context
	cancel context.CancelFunc
}

// New собирает маршруты
func New(cfg Config) *Server {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.Mode == gin.ReleaseMode || cfg.Mode == gin.TestMode {
		gin.SetMode(cfg.Mode)
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "control").Logger(),
		base:   base,
		cancel: cancel,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/state", s.handleState)
	r.GET("/events", s.handleEvents)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	actions := r.Group("/", s.gestureMiddleware())
	actions.POST("/call", s.handleCall)
	actions.POST("/hangup", s.handleHangup)
	actions.POST("/answer/:id", s.handleAnswer)
	actions.POST("/reject/:id", s.handleReject)
	actions.POST("/ack", s.handleAck)
	actions.POST("/mute", s.handleMute)
	actions.POST("/hold", s.handleHold)
	actions.POST("/video", s.handleVideo)
	actions.POST("/dtmf", s.handleDigit)
	actions.POST("/enable-audio", s.handleEnableAudio)

	if s.cfg.Devices != nil {
		r.GET("/devices", s.handleDevices)
		actions.PUT("/devices/:kind", s.handleSelectDevice)
	}
	return r
}

// Handler для http.Server
func (s *Server) Handler() http.Handler { return s.engine }

// Close отменяет операции, начатые через API
func (s *Server) Close() { s.cancel() }

// operation контекст операции сигнализации, не зависящий от клиента
func (s *Server) operation() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.base, s.cfg.OperationTimeout)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("запрос")
	}
}

// gestureMiddleware успешный запрос пользователя снимает запрет автовоспроизведения
func (s *Server) gestureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.cfg.Gestures != nil && c.Writer.Status() < http.StatusBadRequest {
			s.cfg.Gestures.Fire()
		}
	}
}
