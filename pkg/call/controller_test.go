package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/web_phone/pkg/audio_pipeline"
	"github.com/arzzra/web_phone/pkg/media"
	"github.com/arzzra/web_phone/pkg/ringer"
	"github.com/arzzra/web_phone/pkg/stream_binder"
)

const videoOfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 5006 RTP/AVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

type ControllerSuite struct {
	suite.Suite

	clock    *clock.Mock
	sig      *fakeSignaling
	sched    *manualScheduler
	pipeline *audio_pipeline.Pipeline
	binder   *stream_binder.Binder
	player   *fakeRingPlayer
	ringer   *ringer.Notifier
	tones    *fakeToneSink
	local    *fakeSink
	remote   *fakeSink
	metrics  *Metrics

	historyMu sync.Mutex
	history   []CompletedCall

	ctrl *Controller
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.sig = newFakeSignaling()
	s.sched = newManualScheduler()
	s.pipeline = audio_pipeline.New(audio_pipeline.Config{
		Scheduler: s.sched,
		Clock:     s.clock,
	})
	s.binder = stream_binder.New(stream_binder.Config{})
	s.player = &fakeRingPlayer{}
	s.ringer = ringer.New(ringer.Config{Primary: s.player})
	s.tones = &fakeToneSink{}
	s.local = &fakeSink{}
	s.remote = &fakeSink{}
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.history = nil

	ctrl, err := New(Config{
		Signaling:  s.sig,
		Pipeline:   s.pipeline,
		Binder:     s.binder,
		Ringer:     s.ringer,
		ToneSink:   s.tones,
		Metrics:    s.metrics,
		LocalSink:  s.local,
		RemoteSink: s.remote,
		History: HistoryFunc(func(call CompletedCall) {
			s.historyMu.Lock()
			s.history = append(s.history, call)
			s.historyMu.Unlock()
		}),
		Clock: s.clock,
	})
	s.Require().NoError(err)
	s.ctrl = ctrl
}

func (s *ControllerSuite) TearDownTest() {
	s.ctrl.Close()
}

func (s *ControllerSuite) History() []CompletedCall {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]CompletedCall(nil), s.history...)
}

// requireDetached проверяет, что медиа полностью освобождены
func (s *ControllerSuite) requireDetached() {
	s.Require().Nil(s.pipeline.Attached())
	s.Require().False(s.pipeline.Running())
	s.Require().Zero(s.sched.Pending())
	s.Require().Zero(s.binder.BoundCount())
	s.Require().Nil(s.remote.Source())
	s.Require().Nil(s.local.Source())
	s.Require().False(s.ctrl.WatchdogRunning())
	s.Require().False(s.ringer.IsRinging())
	s.Require().Zero(s.player.Playing())
	s.Require().Equal(0.0, testutil.ToFloat64(s.metrics.callActive))
}

func (s *ControllerSuite) withStreams() (*media.BasicStream, *media.BasicStream, *media.BasicTrack) {
	mic := media.NewTrack("mic", media.TrackKindAudio)
	cam := media.NewTrack("cam", media.TrackKindVideo)
	local := media.NewStream("local", mic, cam)
	speaker := media.NewTrack("remote-audio", media.TrackKindAudio)
	remote := media.NewStream("remote", speaker)
	s.sig.local = local
	s.sig.remote = remote
	return local, remote, speaker
}

func (s *ControllerSuite) placeActive() {
	s.withStreams()
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "+1 (555) 000-1111", false))
	s.Require().Equal(StateActive, s.ctrl.State())
}

func (s *ControllerSuite) offer(id, from, payload string) {
	s.sig.Handlers().OnOffer(Offer{ID: id, RemoteIdentifier: from, SignalingPayload: payload})
}

// ---- исходящие ----

func (s *ControllerSuite) TestPlaceCallBindsMedia() {
	local, remote, _ := s.withStreams()

	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "555-1234", false))

	snap := s.ctrl.Snapshot()
	s.Equal(StateActive, snap.State)
	s.Equal("5551234", snap.RemoteIdentifier)
	s.Equal(DirectionOutgoing, snap.Direction)
	s.False(snap.Simulated)
	s.True(snap.HasLocalStream)
	s.True(snap.HasRemoteStream)
	s.NotEmpty(snap.SessionID)

	s.Equal([]string{"place:5551234"}, s.sig.Calls())
	s.Equal(media.Stream(local), s.local.Source())
	s.Equal(media.Stream(remote), s.remote.Source())
	s.Equal(media.Stream(remote), s.pipeline.Attached())
	s.True(s.pipeline.Running())
	s.True(s.ctrl.WatchdogRunning())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.callActive))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.callsTotal.WithLabelValues("outgoing", "real")))
}

func (s *ControllerSuite) TestPlaceCallVideo() {
	s.withStreams()
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", true))
	snap := s.ctrl.Snapshot()
	s.Equal(StateVideoActive, snap.State)
	s.True(snap.IsVideo)
	s.True(snap.VideoEnabled)
}

func (s *ControllerSuite) TestPlaceCallSimulatedWhenDisconnected() {
	s.sig.conn = ConnectionDisconnected
	ctrl, err := New(Config{
		Signaling:  s.sig,
		Pipeline:   s.pipeline,
		Binder:     s.binder,
		Ringer:     s.ringer,
		Metrics:    s.metrics,
		RemoteSink: s.remote,
		Clock:      s.clock,
	})
	s.Require().NoError(err)
	defer ctrl.Close()
	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	s.Require().NoError(ctrl.PlaceCall(context.Background(), "555-1234", false))

	snap := ctrl.Snapshot()
	s.Equal(StateActive, snap.State)
	s.True(snap.Simulated)
	s.False(snap.HasRemoteStream)
	s.Empty(s.sig.Calls())
	s.Nil(s.pipeline.Attached())
	s.Zero(s.binder.BoundCount())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.callsTotal.WithLabelValues("outgoing", "simulated")))

	var notice *Notice
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventNotice {
			notice = ev.Notice
		}
	}
	s.Require().NotNil(notice)
	s.Equal(NoticeWarning, notice.Level)
	s.Contains(notice.Message, "симулированный")

	// цифры в симуляции не уходят в шлюз
	s.True(ctrl.SendDigit(context.Background(), "5"))
	s.Empty(s.sig.Calls())

	// снятие с удержания не запускает измерение без потока
	_, err = ctrl.ToggleHold(context.Background())
	s.Require().NoError(err)
	_, err = ctrl.ToggleHold(context.Background())
	s.Require().NoError(err)
	s.Equal(StateActive, ctrl.State())
	s.False(s.pipeline.Running())
	s.Zero(s.sched.Pending())

	s.Require().NoError(ctrl.Hangup(context.Background()))
	s.Equal(StateIdle, ctrl.State())
	s.Empty(s.sig.Calls())
}

func (s *ControllerSuite) TestPlaceCallInvalidNumber() {
	err := s.ctrl.PlaceCall(context.Background(), "call me", false)
	s.ErrorIs(err, ErrInvalidNumber)
	s.Equal(StateIdle, s.ctrl.State())
	s.Empty(s.sig.Calls())
}

func (s *ControllerSuite) TestPlaceCallOnlyFromIdle() {
	s.placeActive()
	err := s.ctrl.PlaceCall(context.Background(), "200", false)
	s.ErrorIs(err, ErrInvalidState)
	s.Equal(StateActive, s.ctrl.State())
}

func (s *ControllerSuite) TestPlaceCallFailure() {
	s.withStreams()
	s.sig.placeErr = errors.New("503 service unavailable")

	err := s.ctrl.PlaceCall(context.Background(), "100", false)
	s.Require().Error(err)
	s.Equal(media.ErrorKindSignaling, media.KindOf(err))

	snap := s.ctrl.Snapshot()
	s.Equal(StateFailed, snap.State)
	s.Contains(snap.EndReason, "503")
	s.requireDetached()
	s.Equal(1.0, testutil.ToFloat64(s.metrics.failuresTotal.WithLabelValues(StagePlace)))
	s.Zero(testutil.ToFloat64(s.metrics.callsTotal.WithLabelValues("outgoing", "real")), "неудачный набор не считается вызовом")

	history := s.History()
	s.Require().Len(history, 1)
	s.Equal(OutcomeFailed, history[0].Outcome)

	s.Require().NoError(s.ctrl.Acknowledge())
	s.Equal(StateIdle, s.ctrl.State())
	s.ErrorIs(s.ctrl.Acknowledge(), ErrInvalidState)
}

func (s *ControllerSuite) TestPlaceCallTimeout() {
	s.withStreams()
	s.sig.placeGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.ctrl.PlaceCall(context.Background(), "100", false) }()

	s.Require().Eventually(func() bool { return len(s.sig.Calls()) == 1 }, time.Second, time.Millisecond)
	s.Equal(StateConnecting, s.ctrl.State())

	s.clock.Add(DefaultCallTimeout)

	var err error
	s.Require().Eventually(func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	s.Equal(media.ErrorKindSignaling, media.KindOf(err))
	s.Contains(err.Error(), "timeout")
	s.Equal(StateFailed, s.ctrl.State())
	s.requireDetached()
}

func (s *ControllerSuite) TestHangupWhileConnecting() {
	s.withStreams()
	s.sig.placeGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.ctrl.PlaceCall(context.Background(), "100", false) }()
	s.Require().Eventually(func() bool { return s.ctrl.State() == StateConnecting && len(s.sig.Calls()) == 1 }, time.Second, time.Millisecond)

	s.Require().NoError(s.ctrl.Hangup(context.Background()))
	s.Equal(StateIdle, s.ctrl.State())

	select {
	case err := <-done:
		s.ErrorIs(err, ErrCallCancelled)
	case <-time.After(time.Second):
		s.FailNow("набор не отменен")
	}
	s.Equal(StateIdle, s.ctrl.State())
	s.requireDetached()
}

// ---- входящие ----

func (s *ControllerSuite) TestIncomingRejectStopsRingtoneFirst() {
	var ringingAtReject bool
	s.sig.onReject = func() { ringingAtReject = s.ringer.IsRinging() }

	s.offer("o-1", "123456789", "")
	snap := s.ctrl.Snapshot()
	s.Equal(StateRinging, snap.State)
	s.Require().NotNil(snap.Incoming)
	s.Equal("123456789", snap.RemoteIdentifier)
	s.Equal(DirectionIncoming, snap.Direction)
	s.True(s.ringer.IsRinging())
	s.Equal(1, s.player.Playing())

	s.Require().NoError(s.ctrl.RejectIncoming(context.Background(), "o-1"))

	s.False(ringingAtReject)
	s.Equal(StateIdle, s.ctrl.State())
	s.Equal([]string{"reject:o-1"}, s.sig.Calls())
	s.requireDetached()

	history := s.History()
	s.Require().Len(history, 1)
	s.Equal(OutcomeRejected, history[0].Outcome)
	s.Equal("123456789", history[0].RemoteIdentifier)
}

func (s *ControllerSuite) TestRejectSignalingErrorStillIdle() {
	s.sig.rejectErr = errors.New("transport closed")
	s.offer("o-1", "123456789", "")

	err := s.ctrl.RejectIncoming(context.Background(), "o-1")
	s.Equal(media.ErrorKindSignaling, media.KindOf(err))
	s.Equal(StateIdle, s.ctrl.State())
	s.requireDetached()
}

func (s *ControllerSuite) TestAcceptIncoming() {
	_, remote, _ := s.withStreams()
	var ringingAtAccept bool
	s.sig.onAccept = func() { ringingAtAccept = s.ringer.IsRinging() }

	s.offer("o-1", "alice", "")
	s.Require().NoError(s.ctrl.AcceptIncoming(context.Background(), "o-1"))

	s.False(ringingAtAccept)
	snap := s.ctrl.Snapshot()
	s.Equal(StateActive, snap.State)
	s.Equal("o-1", snap.SessionID)
	s.Nil(snap.Incoming)
	s.Equal(media.Stream(remote), s.remote.Source())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.callsTotal.WithLabelValues("incoming", "real")))
}

func (s *ControllerSuite) TestAcceptVideoOffer() {
	s.withStreams()
	s.offer("o-1", "alice", videoOfferSDP)
	s.True(s.ctrl.Snapshot().IsVideo)

	s.Require().NoError(s.ctrl.AcceptIncoming(context.Background(), "o-1"))
	s.Equal(StateVideoActive, s.ctrl.State())
}

func (s *ControllerSuite) TestAcceptUnknownOffer() {
	s.offer("o-1", "alice", "")
	s.ErrorIs(s.ctrl.AcceptIncoming(context.Background(), "o-2"), ErrNoPendingOffer)
	s.Equal(StateRinging, s.ctrl.State())
	s.True(s.ringer.IsRinging())
}

func (s *ControllerSuite) TestAcceptFailure() {
	s.sig.acceptErr = errors.New("offer expired")
	s.offer("o-1", "alice", "")

	err := s.ctrl.AcceptIncoming(context.Background(), "o-1")
	s.Equal(media.ErrorKindSignaling, media.KindOf(err))
	s.Equal(StateFailed, s.ctrl.State())
	s.requireDetached()
	s.Equal(1.0, testutil.ToFloat64(s.metrics.failuresTotal.WithLabelValues(StageAccept)))
}

func (s *ControllerSuite) TestSecondOfferAutoRejectedWhenBusy() {
	s.placeActive()
	s.offer("o-2", "bob", "")

	s.Equal(StateActive, s.ctrl.State())
	s.Contains(s.sig.Calls(), "reject:o-2")
	s.False(s.ringer.IsRinging())
	s.Nil(s.ctrl.Snapshot().Incoming)
}

func (s *ControllerSuite) TestRingTimeoutRejectsOffer() {
	s.offer("o-1", "alice", "")
	s.clock.Add(DefaultRingTimeout)

	// звонящий получает отказ, иначе он ждет ответа бесконечно
	s.Require().Eventually(func() bool { return len(s.sig.Calls()) > 0 }, time.Second, time.Millisecond)
	s.Equal([]string{"reject:o-1"}, s.sig.Calls())
	s.Equal(StateIdle, s.ctrl.State())
	s.requireDetached()
	history := s.History()
	s.Require().Len(history, 1)
	s.Equal(OutcomeMissed, history[0].Outcome)

	s.clock.Add(DefaultRingTimeout)
	s.Equal([]string{"reject:o-1"}, s.sig.Calls(), "отказ отправляется один раз")
}

func (s *ControllerSuite) TestRingTimeoutRejectFailureIsCounted() {
	s.sig.rejectErr = errors.New("transport closed")
	s.offer("o-1", "alice", "")
	s.clock.Add(DefaultRingTimeout)

	s.Require().Eventually(func() bool {
		return testutil.ToFloat64(s.metrics.failuresTotal.WithLabelValues(StageReject)) == 1
	}, time.Second, time.Millisecond)
	s.Equal(StateIdle, s.ctrl.State())
}

func (s *ControllerSuite) TestOfferCancelledByGateway() {
	s.offer("o-1", "alice", "")
	s.sig.Handlers().OnOfferCancelled("other")
	s.Equal(StateRinging, s.ctrl.State())

	s.sig.Handlers().OnOfferCancelled("o-1")
	s.Equal(StateIdle, s.ctrl.State())
	s.requireDetached()
	s.Empty(s.sig.Calls(), "отмену шлюзом не нужно подтверждать")
}

func (s *ControllerSuite) TestRejectDuringAcceptCancelsAccept() {
	s.offer("o-1", "alice", "")
	gate := make(chan struct{})
	s.sig.onAccept = func() { <-gate }
	defer close(gate)

	done := make(chan error, 1)
	go func() { done <- s.ctrl.AcceptIncoming(context.Background(), "o-1") }()
	s.Require().Eventually(func() bool { return len(s.sig.Calls()) == 1 }, time.Second, time.Millisecond)

	s.Require().NoError(s.ctrl.Hangup(context.Background()))
	s.Equal(StateIdle, s.ctrl.State())

	gate <- struct{}{}
	s.ErrorIs(<-done, ErrCallCancelled)
	s.Equal(StateIdle, s.ctrl.State())
	// ответ успел пройти, вызов на шлюзе завершен
	s.Contains(s.sig.Calls(), "hangup")
}

// ---- завершение ----

func (s *ControllerSuite) TestHangupFromEveryLiveState() {
	cases := []struct {
		name  string
		setup func()
	}{
		{"active", s.placeActive},
		{"video-active", func() {
			s.withStreams()
			s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", true))
		}},
		{"on-hold", func() {
			s.placeActive()
			_, err := s.ctrl.ToggleHold(context.Background())
			s.Require().NoError(err)
		}},
		{"ringing", func() { s.offer("o-1", "alice", "") }},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			defer s.TearDownTest()
			s.sig.hangupErr = errors.New("gateway gone")
			s.sig.rejectErr = errors.New("gateway gone")
			tc.setup()

			err := s.ctrl.Hangup(context.Background())
			s.Equal(media.ErrorKindSignaling, media.KindOf(err))
			s.Equal(StateIdle, s.ctrl.State())
			s.requireDetached()
		})
	}
}

func (s *ControllerSuite) TestHangupInIdle() {
	s.ErrorIs(s.ctrl.Hangup(context.Background()), ErrInvalidState)
}

func (s *ControllerSuite) TestHangupRecordsHistory() {
	s.placeActive()
	s.clock.Add(90 * time.Second)
	s.Require().NoError(s.ctrl.Hangup(context.Background()))

	history := s.History()
	s.Require().Len(history, 1)
	s.Equal(OutcomeCompleted, history[0].Outcome)
	s.Equal(90*time.Second, history[0].EndedAt.Sub(history[0].StartedAt))
	s.Contains(s.sig.Calls(), "hangup")
}

func (s *ControllerSuite) TestRemoteHangup() {
	s.placeActive()
	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	s.sig.Handlers().OnRemoteHangup()

	s.Equal(StateIdle, s.ctrl.State())
	s.requireDetached()
	s.NotContains(s.sig.Calls(), "hangup")

	var states []State
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventStateChanged {
			states = append(states, ev.Snapshot.State)
		}
	}
	s.Equal([]State{StateEnded, StateIdle}, states)
}

// ---- управление в разговоре ----

func (s *ControllerSuite) TestToggleMute() {
	local, _, _ := s.withStreams()
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", false))

	muted, err := s.ctrl.ToggleMute()
	s.Require().NoError(err)
	s.True(muted)
	s.False(local.AudioTracks()[0].Enabled())
	s.True(s.ctrl.Snapshot().Muted)

	muted, err = s.ctrl.ToggleMute()
	s.Require().NoError(err)
	s.False(muted)
	s.True(local.AudioTracks()[0].Enabled())
}

func (s *ControllerSuite) TestToggleVideo() {
	local, _, _ := s.withStreams()
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", true))
	s.True(local.VideoTracks()[0].Enabled())

	enabled, err := s.ctrl.ToggleVideo()
	s.Require().NoError(err)
	s.False(enabled)
	s.False(local.VideoTracks()[0].Enabled())
}

func (s *ControllerSuite) TestToggleHold() {
	local, _, speaker := s.withStreams()
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", true))

	onHold, err := s.ctrl.ToggleHold(context.Background())
	s.Require().NoError(err)
	s.True(onHold)
	s.Equal(StateOnHold, s.ctrl.State())
	s.True(s.ctrl.Snapshot().OnHold)
	s.False(local.AudioTracks()[0].Enabled())
	s.False(local.VideoTracks()[0].Enabled())
	s.False(speaker.Enabled())
	s.False(s.ctrl.WatchdogRunning())
	s.False(s.pipeline.Running())

	// watchdog не включает дорожки на удержании
	s.clock.Add(2 * DefaultWatchdogInterval)
	s.False(speaker.Enabled())

	onHold, err = s.ctrl.ToggleHold(context.Background())
	s.Require().NoError(err)
	s.False(onHold)
	s.Equal(StateVideoActive, s.ctrl.State())
	s.True(local.AudioTracks()[0].Enabled())
	s.True(speaker.Enabled())
	s.True(s.ctrl.WatchdogRunning())
	s.True(s.pipeline.Running())

	s.Equal([]string{"place:100", "hold", "resume"}, s.sig.Calls())
}

func (s *ControllerSuite) TestHoldSignalingErrorIsNotice() {
	s.placeActive()
	s.sig.holdErr = errors.New("re-INVITE rejected")
	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	onHold, err := s.ctrl.ToggleHold(context.Background())
	s.Require().NoError(err)
	s.True(onHold)
	s.Equal(StateOnHold, s.ctrl.State())

	var notices int
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventNotice {
			notices++
		}
	}
	s.Equal(1, notices)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.failuresTotal.WithLabelValues(StageHold)))
}

func (s *ControllerSuite) TestTogglesRequireCall() {
	_, err := s.ctrl.ToggleMute()
	s.ErrorIs(err, ErrInvalidState)
	_, err = s.ctrl.ToggleVideo()
	s.ErrorIs(err, ErrInvalidState)
	_, err = s.ctrl.ToggleHold(context.Background())
	s.ErrorIs(err, ErrInvalidState)
}

func (s *ControllerSuite) TestSendDigit() {
	s.False(s.ctrl.SendDigit(context.Background(), "x"))

	// вне разговора только тон
	s.True(s.ctrl.SendDigit(context.Background(), "1"))
	s.Equal(1, s.tones.Count())
	s.Empty(s.sig.Calls())

	s.placeActive()
	s.True(s.ctrl.SendDigit(context.Background(), "#"))
	s.Require().Eventually(func() bool {
		for _, c := range s.sig.Calls() {
			if c == "digit:#" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	s.Equal(2, s.tones.Count())
}

func (s *ControllerSuite) TestSendDigitFailureIsNotice() {
	s.placeActive()
	s.sig.digitErr = errors.New("INFO 481")
	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	s.True(s.ctrl.SendDigit(context.Background(), "7"))

	s.Require().Eventually(func() bool {
		select {
		case ev := <-events:
			return ev.Kind == EventNotice && ev.Notice != nil && ev.Notice.Level == NoticeWarning
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	s.Equal(StateActive, s.ctrl.State())
}

// ---- watchdog и поздние дорожки ----

func (s *ControllerSuite) TestLateTrackDetectedAndReEnabled() {
	remote := media.NewStream("remote")
	s.sig.remote = remote
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", false))
	s.False(s.pipeline.HasAudioTracks())

	// дорожка приходит через 2.5 секунды и уже выключена
	s.clock.Add(DefaultWatchdogInterval - time.Millisecond)
	late := media.NewTrack("late", media.TrackKindAudio)
	late.SetEnabled(false)
	remote.AddTrack(late)
	s.True(s.pipeline.HasAudioTracks())

	s.clock.Add(time.Millisecond)
	s.Require().Eventually(late.Enabled, time.Second, time.Millisecond)
	s.Require().Eventually(func() bool {
		return testutil.ToFloat64(s.metrics.watchdogRepairs) == 1
	}, time.Second, time.Millisecond)

	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 16000
	}
	late.PushPCM(loud)
	s.sched.Fire(s.clock.Now())
	s.Greater(s.ctrl.AudioLevel(), 0.0)
	s.True(s.ctrl.IsAudioDetected())
}

func (s *ControllerSuite) TestWatchdogAdoptsLateRemoteStream() {
	s.sig.local = media.NewStream("local", media.NewTrack("mic", media.TrackKindAudio))
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", false))
	s.False(s.ctrl.Snapshot().HasRemoteStream)

	remote := media.NewStream("remote", media.NewTrack("a", media.TrackKindAudio))
	s.sig.setRemote(remote)
	s.clock.Add(DefaultWatchdogInterval)

	s.Require().Eventually(func() bool { return s.ctrl.Snapshot().HasRemoteStream }, time.Second, time.Millisecond)
	s.Equal(media.Stream(remote), s.pipeline.Attached())
	s.Equal(media.Stream(remote), s.remote.Source())
}

func (s *ControllerSuite) TestWatchdogStopsOnHangup() {
	_, _, speaker := s.withStreams()
	s.Require().NoError(s.ctrl.PlaceCall(context.Background(), "100", false))
	s.Require().NoError(s.ctrl.Hangup(context.Background()))

	speaker.SetEnabled(false)
	s.clock.Add(3 * DefaultWatchdogInterval)
	s.False(speaker.Enabled())
	s.Equal(0.0, testutil.ToFloat64(s.metrics.watchdogRepairs))
}

// ---- прочее ----

func (s *ControllerSuite) TestConnectionStateEvents() {
	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	s.sig.Handlers().OnConnectionState(ConnectionDisconnected)
	s.sig.Handlers().OnConnectionState(ConnectionDisconnected)

	s.Equal(ConnectionDisconnected, s.ctrl.Connection())
	s.Require().Len(events, 1)
	ev := <-events
	s.Equal(EventConnection, ev.Kind)
	s.Equal(ConnectionDisconnected, ev.Snapshot.Connection)
}

func (s *ControllerSuite) TestCloseEndsCallWithoutSignaling() {
	s.placeActive()
	events, _ := s.ctrl.Subscribe()

	s.ctrl.Close()
	s.Equal(StateIdle, s.ctrl.State())
	s.requireDetached()
	s.NotContains(s.sig.Calls(), "hangup")

	for range events {
	}
	s.ErrorIs(s.ctrl.PlaceCall(context.Background(), "100", false), ErrInvalidState)
}

func TestNewRequiresSignaling(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
