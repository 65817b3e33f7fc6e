package call

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/web_phone/pkg/audio_pipeline"
	"github.com/arzzra/web_phone/pkg/dtmf"
	"github.com/arzzra/web_phone/pkg/media"
	"github.com/arzzra/web_phone/pkg/ringer"
)

// fakeSignaling управляемый сигнальный шлюз
type fakeSignaling struct {
	mu       sync.Mutex
	conn     ConnectionState
	handlers Handlers
	local    media.Stream
	remote   media.Stream

	placeErr  error
	acceptErr error
	rejectErr error
	hangupErr error
	holdErr   error
	digitErr  error
	// placeGate блокирует PlaceOutboundCall до закрытия или отмены ctx
	placeGate chan struct{}

	calls []string
	// onReject вызывается внутри RejectIncoming
	onReject func()
	onAccept func()
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{conn: ConnectionConnected}
}

func (f *fakeSignaling) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSignaling) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSignaling) PlaceOutboundCall(ctx context.Context, number string, withVideo bool) error {
	f.record("place:" + number)
	f.mu.Lock()
	gate, err := f.placeGate, f.placeErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSignaling) AcceptIncoming(ctx context.Context, offer Offer) error {
	f.record("accept:" + offer.ID)
	if f.onAccept != nil {
		f.onAccept()
	}
	return f.acceptErr
}

func (f *fakeSignaling) RejectIncoming(ctx context.Context, offer Offer) error {
	f.record("reject:" + offer.ID)
	if f.onReject != nil {
		f.onReject()
	}
	return f.rejectErr
}

func (f *fakeSignaling) Hangup(ctx context.Context) error {
	f.record("hangup")
	return f.hangupErr
}

func (f *fakeSignaling) SendDigit(ctx context.Context, digit string) error {
	f.record("digit:" + digit)
	return f.digitErr
}

func (f *fakeSignaling) SetHold(ctx context.Context, hold bool) error {
	if hold {
		f.record("hold")
	} else {
		f.record("resume")
	}
	return f.holdErr
}

func (f *fakeSignaling) LocalStream() media.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeSignaling) RemoteStream() media.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeSignaling) setRemote(s media.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = s
}

func (f *fakeSignaling) ConnectionState() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeSignaling) SetHandlers(h Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeSignaling) Handlers() Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

// manualScheduler кадры визуализации только по явному вызову
type manualScheduler struct {
	mu      sync.Mutex
	next    audio_pipeline.FrameHandle
	pending map[audio_pipeline.FrameHandle]func(time.Time)
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{pending: make(map[audio_pipeline.FrameHandle]func(time.Time))}
}

func (s *manualScheduler) RequestFrame(fn func(now time.Time)) audio_pipeline.FrameHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.pending[s.next] = fn
	return s.next
}

func (s *manualScheduler) CancelFrame(h audio_pipeline.FrameHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, h)
}

// Fire выполняет все запрошенные кадры
func (s *manualScheduler) Fire(now time.Time) {
	s.mu.Lock()
	fns := make([]func(time.Time), 0, len(s.pending))
	for h, fn := range s.pending {
		fns = append(fns, fn)
		delete(s.pending, h)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(now)
	}
}

func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// fakeSink приемник без устройства
type fakeSink struct {
	mu     sync.Mutex
	source media.Stream
	muted  bool
}

func (s *fakeSink) SetSource(stream media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = stream
}

func (s *fakeSink) ClearSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = nil
}

func (s *fakeSink) Source() media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *fakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSink) SetVolume(float64) {}

func (s *fakeSink) Play(ctx context.Context) error { return nil }

// fakeRingPlayer считает запущенные и остановленные рингтоны
type fakeRingPlayer struct {
	mu      sync.Mutex
	playing int
	started int
}

type fakeRingPlayback struct {
	p    *fakeRingPlayer
	once sync.Once
}

func (pb *fakeRingPlayback) Stop() {
	pb.once.Do(func() {
		pb.p.mu.Lock()
		pb.p.playing--
		pb.p.mu.Unlock()
	})
}

func (p *fakeRingPlayer) Loop(ringer.Asset, float64) (ringer.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing++
	p.started++
	return &fakeRingPlayback{p: p}, nil
}

func (p *fakeRingPlayer) Playing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// fakeToneSink считает тоны
type fakeToneSink struct {
	mu    sync.Mutex
	pairs []dtmf.FrequencyPair
}

type nopTone struct{}

func (nopTone) Stop() {}

func (s *fakeToneSink) StartTone(pair dtmf.FrequencyPair) (dtmf.Tone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, pair)
	return nopTone{}, nil
}

func (s *fakeToneSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}
