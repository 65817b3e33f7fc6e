package audio_pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/web_phone/pkg/media"
)

// manualScheduler отдает кадры только по явному вызову fire
type manualScheduler struct {
	mu      sync.Mutex
	next    FrameHandle
	pending map[FrameHandle]func(time.Time)
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{pending: make(map[FrameHandle]func(time.Time))}
}

func (s *manualScheduler) RequestFrame(fn func(now time.Time)) FrameHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.pending[s.next] = fn
	return s.next
}

func (s *manualScheduler) CancelFrame(h FrameHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, h)
}

func (s *manualScheduler) fire(now time.Time) int {
	s.mu.Lock()
	fns := s.pending
	s.pending = make(map[FrameHandle]func(time.Time))
	s.mu.Unlock()
	for _, fn := range fns {
		fn(now)
	}
	return len(fns)
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// plainStream скрывает TrackObserver у вложенного потока
type plainStream struct {
	media.Stream
}

func loud(n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 16000
		} else {
			frame[i] = -16000
		}
	}
	return frame
}

func TestDetector(t *testing.T) {
	base := time.Unix(1000, 0)
	d := Detector{Threshold: DefaultThreshold, Decay: DefaultDecay}

	assert.False(t, d.Observe(0, base), "тишина без истории")
	assert.True(t, d.Observe(0.5, base), "подъем без задержки")
	assert.True(t, d.Observe(0, base.Add(500*time.Millisecond)), "короткая пауза не сбрасывает")
	assert.True(t, d.Observe(0.005, base.Add(999*time.Millisecond)))
	assert.False(t, d.Observe(0, base.Add(time.Second)), "спад после окна")

	d.Observe(0.2, base)
	d.Reset()
	assert.False(t, d.Detected(base))
}

func TestPipelineLevel(t *testing.T) {
	mock := clock.NewMock()
	sched := newManualScheduler()

	var levels []float64
	p := New(Config{
		Clock:     mock,
		Scheduler: sched,
		OnLevel:   func(level float64, _ bool) { levels = append(levels, level) },
	})

	track := media.NewTrack("mic", media.TrackKindAudio)
	p.Attach(media.NewStream("remote", track))
	require.True(t, p.HasAudioTracks())

	p.Start()
	require.Equal(t, 1, sched.count())

	track.PushPCM(loud(160))
	sched.fire(mock.Now())
	assert.InDelta(t, 0.49, p.SampleLevel(), 0.01)
	assert.True(t, p.IsAudioDetected())
	require.Len(t, levels, 1)
	assert.Equal(t, 1, sched.count(), "цикл запрашивает следующий кадр")

	track.PushPCM(make([]int16, 160))
	mock.Add(500 * time.Millisecond)
	sched.fire(mock.Now())
	assert.Zero(t, p.SampleLevel())
	assert.True(t, p.IsAudioDetected(), "индикатор держится в окне спада")

	mock.Add(600 * time.Millisecond)
	sched.fire(mock.Now())
	assert.False(t, p.IsAudioDetected())
}

func TestPipelineLevelExpiresWithoutPCM(t *testing.T) {
	mock := clock.NewMock()
	sched := newManualScheduler()
	p := New(Config{Clock: mock, Scheduler: sched})

	track := media.NewTrack("remote-audio", media.TrackKindAudio)
	p.Attach(media.NewStream("remote", track))
	p.Start()

	track.PushPCM(loud(160))
	sched.fire(mock.Now())
	require.True(t, p.IsAudioDetected())

	// дорожка замолчала: кадры идут, PCM нет
	for elapsed := time.Duration(0); elapsed <= DefaultDecay+100*time.Millisecond; elapsed += 50 * time.Millisecond {
		mock.Add(50 * time.Millisecond)
		sched.fire(mock.Now())
	}
	assert.Zero(t, p.SampleLevel())
	assert.False(t, p.IsAudioDetected())

	track.PushPCM(loud(160))
	sched.fire(mock.Now())
	assert.True(t, p.IsAudioDetected(), "свежий кадр снова поднимает индикатор")
}

func TestPipelineDisabledTrackIsSilent(t *testing.T) {
	mock := clock.NewMock()
	sched := newManualScheduler()
	p := New(Config{Clock: mock, Scheduler: sched})

	track := media.NewTrack("mic", media.TrackKindAudio)
	p.Attach(media.NewStream("local", track))
	p.Start()

	track.PushPCM(loud(160))
	track.SetEnabled(false)
	sched.fire(mock.Now())
	assert.Zero(t, p.SampleLevel())
	assert.False(t, p.IsAudioDetected())
}

func TestPipelineStartStop(t *testing.T) {
	mock := clock.NewMock()
	sched := NewClockScheduler(mock, 0)
	p := New(Config{Clock: mock, Scheduler: sched})

	p.Start()
	p.Start()
	assert.True(t, p.Running())
	assert.Equal(t, 1, sched.Pending())

	p.Stop()
	assert.False(t, p.Running())
	assert.Zero(t, sched.Pending(), "после остановки не остается запрошенных кадров")

	assert.NotPanics(t, p.Stop)
	assert.Zero(t, sched.Pending())
}

func TestPipelineStaleFrameIgnored(t *testing.T) {
	sched := newManualScheduler()
	calls := 0
	p := New(Config{Clock: clock.NewMock(), Scheduler: sched, OnLevel: func(float64, bool) { calls++ }})

	p.Start()
	// кадр уже в очереди планировщика, но цикл остановлен
	fns := sched.pending
	sched.pending = make(map[FrameHandle]func(time.Time))
	p.Stop()
	for _, fn := range fns {
		fn(time.Now())
	}
	assert.Zero(t, calls)
	assert.Zero(t, sched.count())
}

func TestPipelineAttachIdempotent(t *testing.T) {
	mock := clock.NewMock()
	found := 0
	p := New(Config{Clock: mock, Scheduler: newManualScheduler(), OnTrackFound: func(media.Track) { found++ }})

	stream := media.NewStream("s", media.NewTrack("a1", media.TrackKindAudio))
	p.Attach(stream)
	p.Attach(stream)
	assert.Equal(t, 1, found)
	assert.Equal(t, 1, stream.ObserverCount())

	other := media.NewStream("s2")
	p.Attach(other)
	assert.Zero(t, stream.ObserverCount(), "старая подписка снята")
	assert.False(t, p.HasAudioTracks())
	assert.Same(t, other, p.Attached())

	p.Detach()
	p.Detach()
	assert.Nil(t, p.Attached())
	assert.Zero(t, other.ObserverCount())
}

func TestPipelineLateTrackViaObserver(t *testing.T) {
	mock := clock.NewMock()
	p := New(Config{Clock: mock, Scheduler: newManualScheduler()})

	stream := media.NewStream("remote")
	p.Attach(stream)
	assert.False(t, p.HasAudioTracks())
	assert.False(t, p.Polling(), "наблюдатель заменяет опрос")

	mock.Add(2500 * time.Millisecond)
	stream.AddTrack(media.NewTrack("late", media.TrackKindAudio))
	assert.True(t, p.HasAudioTracks())
}

func TestPipelineLateTrackViaPolling(t *testing.T) {
	mock := clock.NewMock()
	p := New(Config{Clock: mock, Scheduler: newManualScheduler()})

	inner := media.NewStream("remote")
	p.Attach(&plainStream{Stream: inner})
	require.True(t, p.Polling())

	mock.Add(2500 * time.Millisecond)
	inner.AddTrack(media.NewTrack("late", media.TrackKindAudio))

	mock.Add(DefaultPollInterval)
	require.Eventually(t, p.HasAudioTracks, time.Second, 5*time.Millisecond)

	p.Detach()
	assert.False(t, p.Polling())
}

func TestPipelinePollingBounded(t *testing.T) {
	mock := clock.NewMock()
	p := New(Config{Clock: mock, Scheduler: newManualScheduler(), MaxPollDuration: 4 * time.Second})

	p.Attach(&plainStream{Stream: media.NewStream("remote")})
	require.True(t, p.Polling())

	for i := 0; i < 3; i++ {
		mock.Add(DefaultPollInterval)
	}
	require.Eventually(t, func() bool { return !p.Polling() }, time.Second, 5*time.Millisecond)
}
