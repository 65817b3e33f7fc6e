// Package call содержит контроллер сессии вызова: машину состояний,
// управление медиа при переходах, watchdog удаленных дорожек и
// деградацию в симулированный режим при недоступном шлюзе.
//
// Контроллер сериализует все изменения под одним мьютексом и никогда
// не обращается к сигнальному шлюзу, удерживая его. Все побочные
// эффекты над медиа (привязка, конвейер уровня, рингтон) выполняются
// синхронно внутри перехода, поэтому после возврата Hangup ни один
// поток уже не привязан.
package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/audio_pipeline"
	"github.com/arzzra/web_phone/pkg/dtmf"
	"github.com/arzzra/web_phone/pkg/media"
	"github.com/arzzra/web_phone/pkg/ringer"
	"github.com/arzzra/web_phone/pkg/stream_binder"
)

const (
	DefaultRingTimeout      = 45 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultWatchdogInterval = 2500 * time.Millisecond

	subscriberBuffer = 64
)

// AudioPipeline измеритель уровня удаленного потока
type AudioPipeline interface {
	Attach(stream media.Stream)
	Detach()
	Start()
	Stop()
	SampleLevel() float64
	IsAudioDetected() bool
}

// StreamBinder привязка потоков к приемникам
type StreamBinder interface {
	BindLocal(stream media.Stream, sink stream_binder.Sink) error
	BindRemote(ctx context.Context, stream media.Stream, sink stream_binder.Sink) error
	UnbindAll()
	NeedsUserAction() bool
	EnableAudio(ctx context.Context) error
}

// Notifier рингтон входящего вызова
type Notifier interface {
	Ring(offerID string) error
	Stop()
	IsRinging() bool
}

// DigitPlayer тоны DTMF
type DigitPlayer interface {
	Play(digit dtmf.Digit) bool
	PlayAndSend(ctx context.Context, digit dtmf.Digit) bool
}

// Config зависимости и параметры контроллера.
// Незаданные Pipeline, Binder, Ringer и DTMF создаются по умолчанию.
type Config struct {
	Signaling Signaling
	Pipeline  AudioPipeline
	Binder    StreamBinder
	Ringer    Notifier
	DTMF      DigitPlayer
	// ToneSink локальный выход тонов для DTMF по умолчанию
	ToneSink dtmf.ToneSink
	History  HistoryRecorder
	Metrics  *Metrics

	LocalSink  stream_binder.Sink
	RemoteSink stream_binder.Sink

	RingTimeout      time.Duration
	CallTimeout      time.Duration
	WatchdogInterval time.Duration

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// Controller контроллер единственной линии.
type Controller struct {
	cfg       Config
	ownedDTMF *dtmf.Engine

	mu        sync.Mutex
	fsm       *fsm.FSM
	sess      *session
	pending   *Offer
	ringTimer *clock.Timer
	conn      ConnectionState
	watchdog  *watchdog
	closed    bool
	// inflight отменяет ожидающее обращение к шлюзу (набор или ответ)
	inflight context.CancelFunc

	// накапливаются под mu, отдаются после его освобождения
	queued  []Event
	records []CompletedCall

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New создает контроллер и подписывается на уведомления шлюза.
func New(cfg Config) (*Controller, error) {
	if cfg.Signaling == nil {
		return nil, errors.New("signaling is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	logger := cfg.Logger.With().Str("component", "call").Logger()
	cfg.Logger = &logger

	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = audio_pipeline.New(audio_pipeline.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Binder == nil {
		cfg.Binder = stream_binder.New(stream_binder.Config{Logger: cfg.Logger})
	}
	if cfg.Ringer == nil {
		cfg.Ringer = ringer.New(ringer.Config{Logger: cfg.Logger})
	}

	c := &Controller{
		cfg:  cfg,
		conn: cfg.Signaling.ConnectionState(),
		subs: make(map[int]chan Event),
	}
	c.fsm = newFSM(c.afterStateChange)

	if cfg.DTMF == nil {
		c.ownedDTMF = dtmf.NewEngine(dtmf.Config{
			Sink:           cfg.ToneSink,
			Sender:         cfg.Signaling,
			Clock:          cfg.Clock,
			Logger:         cfg.Logger,
			OnForwardError: c.onDigitError,
		})
		c.cfg.DTMF = c.ownedDTMF
	}

	cfg.Signaling.SetHandlers(Handlers{
		OnOffer:           c.onOffer,
		OnOfferCancelled:  c.DismissIncoming,
		OnRemoteHangup:    c.OnRemoteHangup,
		OnConnectionState: c.onConnectionState,
	})
	return c, nil
}

// afterStateChange callback машины состояний
func (c *Controller) afterStateChange(_ context.Context, e *fsm.Event) {
	c.cfg.Logger.Info().
		Str("from", e.Src).
		Str("state", e.Dst).
		Str("session_id", c.sessionIDLocked()).
		Msg("переход состояния вызова")
	c.queueLocked(EventStateChanged, nil)
}

func (c *Controller) stateLocked() State {
	return State(c.fsm.Current())
}

func (c *Controller) transitionLocked(dst State) error {
	src := c.stateLocked()
	if err := c.fsm.Event(context.Background(), formEventName(src, dst)); err != nil {
		return errors.Wrapf(ErrInvalidState, "%s -> %s: %v", src, dst, err)
	}
	return nil
}

func (c *Controller) sessionIDLocked() string {
	if c.sess != nil {
		return c.sess.id
	}
	if c.pending != nil {
		return c.pending.ID
	}
	return ""
}

// ---- события ----

func (c *Controller) queueLocked(kind EventKind, notice *Notice) {
	c.queued = append(c.queued, Event{Kind: kind, Snapshot: c.snapshotLocked(), Notice: notice})
}

func (c *Controller) noticeLocked(level NoticeLevel, msg string, err error) {
	c.queueLocked(EventNotice, &Notice{Level: level, Message: msg, Err: err})
}

// unlock освобождает mu и доставляет накопленные события и записи журнала.
func (c *Controller) unlock() {
	events := c.queued
	records := c.records
	c.queued = nil
	c.records = nil
	c.mu.Unlock()

	for _, rec := range records {
		if c.cfg.History != nil {
			c.cfg.History.RecordCall(rec)
		}
	}
	c.publish(events)
}

func (c *Controller) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ev := range events {
		for id, ch := range c.subs {
			select {
			case ch <- ev:
			default:
				c.cfg.Logger.Warn().Int("subscriber", id).Str("kind", string(ev.Kind)).Msg("подписчик не успевает, событие отброшено")
			}
		}
	}
}

// Subscribe возвращает канал событий и функцию отписки.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// ---- проекция ----

// Snapshot текущее состояние для UI
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           c.stateLocked(),
		Connection:      c.conn,
		NeedsUserAction: c.cfg.Binder.NeedsUserAction(),
	}
	if c.pending != nil {
		offer := *c.pending
		snap.Incoming = &offer
		snap.RemoteIdentifier = offer.RemoteIdentifier
		snap.Direction = DirectionIncoming
		snap.IsVideo = offer.HasVideo()
	}
	if s := c.sess; s != nil {
		snap.SessionID = s.id
		snap.RemoteIdentifier = s.remoteIdentifier
		snap.Direction = s.direction
		snap.IsVideo = s.isVideo
		snap.Simulated = s.simulated
		snap.Muted = s.muted
		snap.OnHold = snap.State == StateOnHold
		snap.VideoEnabled = s.videoEnabled
		snap.StartedAt = s.startedAt
		snap.EndedAt = s.endedAt
		snap.EndReason = s.endReason
		snap.HasLocalStream = s.localStream != nil
		snap.HasRemoteStream = s.remoteStream != nil
	}
	return snap
}

// State текущее состояние
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// AudioLevel уровень удаленного звука в [0,1]
func (c *Controller) AudioLevel() float64 {
	return c.cfg.Pipeline.SampleLevel()
}

// IsAudioDetected слышен ли собеседник
func (c *Controller) IsAudioDetected() bool {
	return c.cfg.Pipeline.IsAudioDetected()
}

// NeedsUserAction ждет ли звук действия пользователя
func (c *Controller) NeedsUserAction() bool {
	return c.cfg.Binder.NeedsUserAction()
}

// EnableAudio ручной запуск звука после запрета автовоспроизведения
func (c *Controller) EnableAudio(ctx context.Context) error {
	return c.cfg.Binder.EnableAudio(ctx)
}

// ---- исходящий вызов ----

// PlaceCall набирает номер. Допустим только из idle.
// При отключенном шлюзе вызов становится симулированным: состояние
// active без медиа, с пометкой Simulated и отдельной меткой в метриках.
func (c *Controller) PlaceCall(ctx context.Context, number string, video bool) error {
	normalized, err := NormalizeNumber(number)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.stateLocked() != StateIdle {
		state := c.stateLocked()
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "place call in %s", state)
	}

	sess := &session{
		id:               uuid.NewString(),
		remoteIdentifier: normalized,
		direction:        DirectionOutgoing,
		isVideo:          video,
		videoEnabled:     video,
		simulated:        c.conn == ConnectionDisconnected,
	}
	c.sess = sess
	if err := c.transitionLocked(StateConnecting); err != nil {
		c.sess = nil
		c.unlock()
		return err
	}

	if sess.simulated {
		c.cfg.Metrics.callStarted(DirectionOutgoing, true)
		sess.startedAt = c.cfg.Clock.Now()
		_ = c.transitionLocked(activeState(video))
		c.cfg.Logger.Warn().Str("session_id", sess.id).Str("number", normalized).Msg("шлюз недоступен, вызов симулирован")
		c.noticeLocked(NoticeWarning, "Шлюз недоступен: симулированный вызов", nil)
		c.unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.inflight = cancel
	c.unlock()

	var timedOut atomic.Bool
	timer := c.cfg.Clock.AfterFunc(c.cfg.CallTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	err = c.cfg.Signaling.PlaceOutboundCall(ctx, normalized, video)
	timer.Stop()
	if err == nil && ctx.Err() != nil && timedOut.Load() {
		err = context.DeadlineExceeded
	}

	// шлюз отвечает без блокировки, данные о потоках берем до нее
	local, remote := c.cfg.Signaling.LocalStream(), c.cfg.Signaling.RemoteStream()

	c.mu.Lock()
	c.inflight = nil
	if c.sess != sess || c.stateLocked() != StateConnecting {
		c.unlock()
		if err == nil {
			// вызов завершили раньше ответа шлюза
			if herr := c.cfg.Signaling.Hangup(context.WithoutCancel(ctx)); herr != nil {
				c.cfg.Logger.Warn().Err(herr).Str("session_id", sess.id).Msg("не удалось завершить отмененный вызов")
			}
		}
		return ErrCallCancelled
	}

	if err != nil {
		if timedOut.Load() {
			err = errors.Wrap(err, "call timeout")
		}
		serr := media.NewSignalingError("place_call", err)
		c.failLocked(StagePlace, serr)
		c.unlock()
		return serr
	}

	c.cfg.Metrics.callStarted(DirectionOutgoing, false)
	sess.startedAt = c.cfg.Clock.Now()
	sess.localStream, sess.remoteStream = local, remote
	c.startMediaLocked(ctx)
	_ = c.transitionLocked(activeState(video))
	c.unlock()
	return nil
}

func activeState(video bool) State {
	if video {
		return StateVideoActive
	}
	return StateActive
}

// failLocked переводит вызов в failed и освобождает медиа
func (c *Controller) failLocked(stage string, err error) {
	c.teardownLocked()
	if c.sess != nil {
		c.sess.endedAt = c.cfg.Clock.Now()
		c.sess.endReason = err.Error()
		c.recordLocked(c.sess, OutcomeFailed)
	}
	c.cfg.Metrics.failure(stage)
	c.cfg.Logger.Error().Err(err).Str("stage", stage).Str("session_id", c.sessionIDLocked()).Msg("вызов не удался")
	_ = c.transitionLocked(StateFailed)
	c.noticeLocked(NoticeError, "Не удалось установить вызов", err)
}

func (c *Controller) recordLocked(s *session, outcome Outcome) {
	c.records = append(c.records, CompletedCall{
		SessionID:        s.id,
		RemoteIdentifier: s.remoteIdentifier,
		Direction:        s.direction,
		IsVideo:          s.isVideo,
		Simulated:        s.simulated,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
		Outcome:          outcome,
	})
}

// ---- входящий вызов ----

func (c *Controller) onOffer(offer Offer) {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	if offer.ReceivedAt.IsZero() {
		offer.ReceivedAt = c.cfg.Clock.Now()
	}

	c.mu.Lock()
	if c.closed || c.stateLocked() != StateIdle {
		state := c.stateLocked()
		c.unlock()
		// линия одна: занятой линии второй вызов не предлагается
		c.cfg.Logger.Info().Str("offer_id", offer.ID).Str("state", state.String()).Msg("линия занята, входящий вызов отклонен")
		if err := c.cfg.Signaling.RejectIncoming(context.Background(), offer); err != nil {
			c.cfg.Metrics.failure(StageReject)
			c.cfg.Logger.Warn().Err(err).Str("offer_id", offer.ID).Msg("не удалось отклонить входящий вызов")
		}
		return
	}

	c.pending = &offer
	_ = c.transitionLocked(StateRinging)
	if err := c.cfg.Ringer.Ring(offer.ID); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("offer_id", offer.ID).Msg("рингтон не запущен")
		c.noticeLocked(NoticeWarning, "Не удалось воспроизвести рингтон", err)
	}

	id := offer.ID
	c.ringTimer = c.cfg.Clock.AfterFunc(c.cfg.RingTimeout, func() { c.ringTimeout(id) })
	c.unlock()
}

func (c *Controller) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// takeOfferLocked проверяет ожидающее предложение и останавливает рингтон
func (c *Controller) takeOfferLocked(offerID string) (Offer, error) {
	if c.pending == nil || c.pending.ID != offerID || c.stateLocked() != StateRinging {
		return Offer{}, errors.Wrapf(ErrNoPendingOffer, "offer %q", offerID)
	}
	c.cfg.Ringer.Stop()
	c.stopRingTimerLocked()
	return *c.pending, nil
}

func (c *Controller) cancelInflightLocked() {
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
}

// AcceptIncoming отвечает на входящий вызов. Рингтон останавливается
// до обращения к шлюзу, независимо от результата.
func (c *Controller) AcceptIncoming(ctx context.Context, offerID string) error {
	c.mu.Lock()
	offer, err := c.takeOfferLocked(offerID)
	if err != nil {
		c.unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.inflight = cancel
	c.unlock()

	timer := c.cfg.Clock.AfterFunc(c.cfg.CallTimeout, cancel)
	err = c.cfg.Signaling.AcceptIncoming(ctx, offer)
	timer.Stop()

	local, remote := c.cfg.Signaling.LocalStream(), c.cfg.Signaling.RemoteStream()

	c.mu.Lock()
	c.inflight = nil
	if c.pending == nil || c.pending.ID != offer.ID || c.stateLocked() != StateRinging {
		c.unlock()
		if err == nil {
			if herr := c.cfg.Signaling.Hangup(context.WithoutCancel(ctx)); herr != nil {
				c.cfg.Logger.Warn().Err(herr).Str("offer_id", offer.ID).Msg("не удалось завершить отмененный вызов")
			}
		}
		return ErrCallCancelled
	}
	c.pending = nil

	video := offer.HasVideo()
	c.sess = &session{
		id:               offer.ID,
		remoteIdentifier: offer.RemoteIdentifier,
		direction:        DirectionIncoming,
		isVideo:          video,
		videoEnabled:     video,
	}

	if err != nil {
		serr := media.NewSignalingError("accept", err)
		c.failLocked(StageAccept, serr)
		c.unlock()
		return serr
	}

	c.cfg.Metrics.callStarted(DirectionIncoming, false)
	c.sess.startedAt = c.cfg.Clock.Now()
	c.sess.localStream, c.sess.remoteStream = local, remote
	c.startMediaLocked(ctx)
	_ = c.transitionLocked(activeState(video))
	c.unlock()
	return nil
}

// RejectIncoming отклоняет входящий вызов. Состояние возвращается в idle
// сразу, ошибка шлюза только сообщается.
func (c *Controller) RejectIncoming(ctx context.Context, offerID string) error {
	c.mu.Lock()
	offer, err := c.takeOfferLocked(offerID)
	if err != nil {
		c.unlock()
		return err
	}
	c.pending = nil
	c.cancelInflightLocked()
	c.records = append(c.records, CompletedCall{
		SessionID:        offer.ID,
		RemoteIdentifier: offer.RemoteIdentifier,
		Direction:        DirectionIncoming,
		IsVideo:          offer.HasVideo(),
		EndedAt:          c.cfg.Clock.Now(),
		Outcome:          OutcomeRejected,
	})
	_ = c.transitionLocked(StateIdle)
	c.unlock()

	if err := c.cfg.Signaling.RejectIncoming(ctx, offer); err != nil {
		serr := media.NewSignalingError("reject", err)
		c.cfg.Metrics.failure(StageReject)
		c.mu.Lock()
		c.noticeLocked(NoticeWarning, "Шлюз не подтвердил отклонение вызова", serr)
		c.unlock()
		return serr
	}
	return nil
}

// DismissIncoming отмена входящего вызова шлюзом. Шлюз уже знает
// об отмене, поэтому обращения к нему нет.
// Предложения, которые уже не ожидают ответа, игнорируются.
func (c *Controller) DismissIncoming(offerID string) {
	c.mu.Lock()
	c.dismissLocked(offerID)
	c.unlock()
}

// ringTimeout входящий вызов без ответа: локально это пропущенный вызов,
// а шлюзу отправляется отказ, чтобы звонящий перестал ждать.
func (c *Controller) ringTimeout(offerID string) {
	c.mu.Lock()
	offer, ok := c.dismissLocked(offerID)
	c.unlock()
	if !ok {
		return
	}
	c.cfg.Logger.Info().Str("offer_id", offerID).Msg("входящий вызов без ответа")

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.cfg.Signaling.RejectIncoming(ctx, offer); err != nil {
		c.cfg.Metrics.failure(StageReject)
		c.cfg.Logger.Warn().Err(err).Str("offer_id", offerID).Msg("не удалось отклонить входящий вызов")
	}
}

func (c *Controller) dismissLocked(offerID string) (Offer, bool) {
	offer, err := c.takeOfferLocked(offerID)
	if err != nil {
		return Offer{}, false
	}
	c.pending = nil
	c.cancelInflightLocked()
	c.records = append(c.records, CompletedCall{
		SessionID:        offer.ID,
		RemoteIdentifier: offer.RemoteIdentifier,
		Direction:        DirectionIncoming,
		IsVideo:          offer.HasVideo(),
		EndedAt:          c.cfg.Clock.Now(),
		Outcome:          OutcomeMissed,
	})
	_ = c.transitionLocked(StateIdle)
	c.noticeLocked(NoticeInfo, "Пропущенный вызов", nil)
	return offer, true
}

// ---- завершение ----

// Hangup завершает вызов из любого состояния кроме idle. Локальные
// ресурсы освобождаются всегда и до обращения к шлюзу; ошибка шлюза
// возвращается, но состояние уже idle.
func (c *Controller) Hangup(ctx context.Context) error {
	c.mu.Lock()
	switch state := c.stateLocked(); {
	case state == StateIdle:
		c.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "hangup in idle")
	case state == StateRinging:
		id := c.pending.ID
		c.mu.Unlock()
		return c.RejectIncoming(ctx, id)
	case state.Terminal():
		c.acknowledgeLocked()
		c.unlock()
		return nil
	}

	simulated := c.sess != nil && c.sess.simulated
	c.endLocked("local hangup")
	c.unlock()

	if simulated {
		return nil
	}
	if err := c.cfg.Signaling.Hangup(ctx); err != nil {
		serr := media.NewSignalingError("hangup", err)
		c.cfg.Metrics.failure(StageHangup)
		c.cfg.Logger.Warn().Err(serr).Msg("шлюз не подтвердил завершение вызова")
		c.mu.Lock()
		c.noticeLocked(NoticeWarning, "Шлюз не подтвердил завершение вызова", serr)
		c.unlock()
		return serr
	}
	return nil
}

// OnRemoteHangup завершение вызова удаленной стороной
func (c *Controller) OnRemoteHangup() {
	c.mu.Lock()
	switch state := c.stateLocked(); {
	case state == StateRinging:
		id := c.pending.ID
		c.mu.Unlock()
		c.DismissIncoming(id)
		return
	case state == StateIdle, state.Terminal():
		c.mu.Unlock()
		return
	}
	c.endLocked("remote hangup")
	c.noticeLocked(NoticeInfo, "Собеседник завершил вызов", nil)
	c.unlock()
}

// endLocked разбирает медиа и проводит вызов через ended в idle
func (c *Controller) endLocked(reason string) {
	c.teardownLocked()
	if s := c.sess; s != nil {
		s.endedAt = c.cfg.Clock.Now()
		s.endReason = reason
		if !s.startedAt.IsZero() {
			c.cfg.Metrics.callDuration.Observe(s.endedAt.Sub(s.startedAt).Seconds())
		}
		c.recordLocked(s, OutcomeCompleted)
	}
	_ = c.transitionLocked(StateEnded)
	c.acknowledgeLocked()
}

// Acknowledge подтверждение UI: ended/failed -> idle
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	if !c.stateLocked().Terminal() {
		state := c.stateLocked()
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "acknowledge in %s", state)
	}
	c.acknowledgeLocked()
	c.unlock()
	return nil
}

func (c *Controller) acknowledgeLocked() {
	c.sess = nil
	_ = c.transitionLocked(StateIdle)
}

// ---- медиа ----

func (c *Controller) startMediaLocked(ctx context.Context) {
	s := c.sess
	c.applyTracksLocked(false)

	if s.localStream != nil && c.cfg.LocalSink != nil {
		if err := c.cfg.Binder.BindLocal(s.localStream, c.cfg.LocalSink); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("локальный поток не привязан")
		}
	}
	c.bindRemoteLocked(ctx)
	c.cfg.Pipeline.Start()
	c.cfg.Metrics.callActive.Set(1)
	c.startWatchdogLocked()
}

func (c *Controller) bindRemoteLocked(ctx context.Context) {
	s := c.sess
	if s.remoteStream == nil {
		return
	}
	c.cfg.Pipeline.Attach(s.remoteStream)
	if c.cfg.RemoteSink == nil {
		return
	}
	if err := c.cfg.Binder.BindRemote(ctx, s.remoteStream, c.cfg.RemoteSink); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("удаленный поток не воспроизводится")
		c.noticeLocked(NoticeWarning, "Не удалось воспроизвести звук собеседника", err)
	}
}

// teardownLocked освобождает все медиа ресурсы. Идемпотентен.
func (c *Controller) teardownLocked() {
	c.cancelInflightLocked()
	c.stopWatchdogLocked()
	c.cfg.Pipeline.Stop()
	c.cfg.Pipeline.Detach()
	c.cfg.Binder.UnbindAll()
	c.cfg.Ringer.Stop()
	c.stopRingTimerLocked()
	c.cfg.Metrics.callActive.Set(0)
}

// applyTracksLocked выставляет включенность дорожек по mute, видео и удержанию
func (c *Controller) applyTracksLocked(onHold bool) {
	s := c.sess
	if s == nil {
		return
	}
	if s.localStream != nil {
		media.SetTracksEnabled(s.localStream.AudioTracks(), !s.muted && !onHold)
		media.SetTracksEnabled(s.localStream.VideoTracks(), s.videoEnabled && !onHold)
	}
	if s.remoteStream != nil {
		media.SetTracksEnabled(s.remoteStream.AudioTracks(), !onHold)
	}
}

// ---- управление в разговоре ----

func (c *Controller) liveSessionLocked() bool {
	state := c.stateLocked()
	return c.sess != nil && (state.InCall() || state == StateOnHold)
}

// ToggleMute включает или выключает микрофон. Возвращает новое значение.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	if !c.liveSessionLocked() {
		c.mu.Unlock()
		return false, errors.Wrap(ErrInvalidState, "mute without call")
	}
	c.sess.muted = !c.sess.muted
	c.applyTracksLocked(c.stateLocked() == StateOnHold)
	muted := c.sess.muted
	c.queueLocked(EventStateChanged, nil)
	c.unlock()
	return muted, nil
}

// ToggleVideo включает или выключает свою камеру. Возвращает новое значение.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	if !c.liveSessionLocked() {
		c.mu.Unlock()
		return false, errors.Wrap(ErrInvalidState, "video without call")
	}
	c.sess.videoEnabled = !c.sess.videoEnabled
	c.applyTracksLocked(c.stateLocked() == StateOnHold)
	enabled := c.sess.videoEnabled
	c.queueLocked(EventStateChanged, nil)
	c.unlock()
	return enabled, nil
}

// ToggleHold ставит вызов на удержание или снимает с него.
// Возвращает true, если вызов теперь на удержании.
func (c *Controller) ToggleHold(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if !c.liveSessionLocked() {
		c.mu.Unlock()
		return false, errors.Wrap(ErrInvalidState, "hold without call")
	}

	s := c.sess
	hold := c.stateLocked() != StateOnHold
	if hold {
		s.resumeState = c.stateLocked()
		c.stopWatchdogLocked()
		c.cfg.Pipeline.Stop()
		c.applyTracksLocked(true)
		_ = c.transitionLocked(StateOnHold)
	} else {
		c.applyTracksLocked(false)
		if !s.simulated {
			c.cfg.Pipeline.Start()
			c.startWatchdogLocked()
		}
		_ = c.transitionLocked(s.resumeState)
	}
	simulated := s.simulated
	c.unlock()

	if hs, ok := c.cfg.Signaling.(HoldSignaling); ok && !simulated {
		if err := hs.SetHold(ctx, hold); err != nil {
			serr := media.NewSignalingError("hold", err)
			c.cfg.Metrics.failure(StageHold)
			c.mu.Lock()
			c.noticeLocked(NoticeWarning, "Шлюз не подтвердил удержание", serr)
			c.unlock()
		}
	}
	return hold, nil
}

// SendDigit проигрывает тон и, в разговоре с реальным шлюзом,
// передает цифру удаленной стороне. Вне разговора звучит только тон.
// Неизвестная цифра игнорируется.
func (c *Controller) SendDigit(ctx context.Context, digit string) bool {
	d, ok := dtmf.ParseDigit(digit)
	if !ok {
		return false
	}

	c.mu.Lock()
	forward := c.sess != nil && !c.sess.simulated && c.stateLocked().InCall()
	c.mu.Unlock()

	if forward {
		return c.cfg.DTMF.PlayAndSend(ctx, d)
	}
	return c.cfg.DTMF.Play(d)
}

func (c *Controller) onDigitError(digit dtmf.Digit, err error) {
	c.cfg.Metrics.failure(StageDigit)
	c.mu.Lock()
	c.noticeLocked(NoticeWarning, "Цифра "+digit.String()+" не доставлена", err)
	c.unlock()
}

// ---- состояние шлюза ----

func (c *Controller) onConnectionState(state ConnectionState) {
	c.mu.Lock()
	if c.conn == state {
		c.mu.Unlock()
		return
	}
	c.conn = state
	c.cfg.Logger.Info().Str("connection", string(state)).Msg("состояние шлюза изменилось")
	c.queueLocked(EventConnection, nil)
	c.unlock()
}

// Connection последнее известное состояние шлюза
func (c *Controller) Connection() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close завершает текущий вызов без обращения к шлюзу и закрывает подписки.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	switch state := c.stateLocked(); {
	case state == StateRinging:
		c.teardownLocked()
		c.pending = nil
		_ = c.transitionLocked(StateIdle)
	case state.Terminal():
		c.acknowledgeLocked()
	case state != StateIdle:
		c.endLocked("shutdown")
	}
	c.unlock()

	if c.ownedDTMF != nil {
		c.ownedDTMF.Close()
	}

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
}
