package audio_pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FrameHandle идентификатор запрошенного кадра
type FrameHandle uint64

// FrameScheduler планировщик кадров отрисовки, аналог requestAnimationFrame.
// Каждый запрос срабатывает один раз.
type FrameScheduler interface {
	RequestFrame(fn func(now time.Time)) FrameHandle
	CancelFrame(h FrameHandle)
}

// DefaultFrameInterval 60 кадров в секунду
const DefaultFrameInterval = time.Second / 60

// ClockScheduler планировщик кадров на таймерах clock.
type ClockScheduler struct {
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	next    FrameHandle
	pending map[FrameHandle]*clock.Timer
}

// NewClockScheduler создает планировщик. interval <= 0 означает 60 fps.
func NewClockScheduler(c clock.Clock, interval time.Duration) *ClockScheduler {
	if c == nil {
		c = clock.New()
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &ClockScheduler{
		clock:    c,
		interval: interval,
		pending:  make(map[FrameHandle]*clock.Timer),
	}
}

func (s *ClockScheduler) RequestFrame(fn func(now time.Time)) FrameHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	h := s.next
	s.pending[h] = s.clock.AfterFunc(s.interval, func() {
		s.mu.Lock()
		_, ok := s.pending[h]
		delete(s.pending, h)
		s.mu.Unlock()
		if ok {
			fn(s.clock.Now())
		}
	})
	return h
}

func (s *ClockScheduler) CancelFrame(h FrameHandle) {
	s.mu.Lock()
	t, ok := s.pending[h]
	delete(s.pending, h)
	s.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// Pending количество запрошенных, но не сработавших кадров
func (s *ClockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
