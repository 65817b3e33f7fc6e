package sound

import (
	"context"
	"math"
	"sync"

	"github.com/arzzra/web_phone/pkg/media"
	"github.com/arzzra/web_phone/pkg/stream_binder"
)

// Sink приемник удаленного потока: аудио дорожки потока проигрываются
// на устройстве вывода с частотой StreamSampleRate, PCM другой частоты
// пересчитывается. Реализует stream_binder.Sink.
type Sink struct {
	out   *Output
	queue *frameQueue

	mu        sync.Mutex
	stream    media.Stream
	taps      map[string]func()
	unobserve func()
	pb        *playback
}

var _ stream_binder.Sink = (*Sink)(nil)

// NewSink создает приемник. Очередь рассчитана на полсекунды звука.
func (o *Output) NewSink() *Sink {
	return &Sink{
		out:   o,
		queue: newFrameQueue(o.cfg.StreamSampleRate / 2),
		taps:  make(map[string]func()),
	}
}

func (s *Sink) SetSource(stream media.Stream) {
	s.ClearSource()
	if stream == nil {
		return
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.tapTracks(stream)
	if obs, ok := stream.(media.TrackObserver); ok {
		cancel := obs.OnTrackAdded(func(media.Track) { s.tapTracks(stream) })
		s.mu.Lock()
		if s.stream == stream {
			s.unobserve, cancel = cancel, nil
		}
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (s *Sink) tapTracks(stream media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != stream {
		return
	}
	for _, track := range stream.AudioTracks() {
		if _, ok := s.taps[track.ID()]; ok {
			continue
		}
		src, ok := track.(media.PCMSource)
		if !ok {
			continue
		}
		feed := &trackFeed{
			track:  track,
			target: s.out.cfg.StreamSampleRate,
			queue:  s.queue,
			logger: s.out.cfg.Logger,
		}
		cancel := src.TapPCM(feed.push)
		s.taps[track.ID()] = func() {
			cancel()
			feed.close()
		}
	}
}

// ClearSource отключает поток и останавливает устройство
func (s *Sink) ClearSource() {
	s.mu.Lock()
	taps := s.taps
	unobserve := s.unobserve
	pb := s.pb
	s.taps = make(map[string]func())
	s.unobserve = nil
	s.stream = nil
	s.pb = nil
	s.mu.Unlock()

	for _, cancel := range taps {
		cancel()
	}
	if unobserve != nil {
		unobserve()
	}
	if pb != nil {
		pb.Stop()
	}
	s.queue.Reset()
}

func (s *Sink) SetMuted(muted bool) {
	s.queue.muted.Store(muted)
}

func (s *Sink) SetVolume(volume float64) {
	s.queue.volume.Store(math.Float64bits(volume))
}

// Play запускает устройство вывода. На настольной платформе запрета
// автовоспроизведения нет, ошибка означает проблему с устройством.
func (s *Sink) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return media.NewNoStreamError("Play")
	}
	if s.pb != nil {
		return nil
	}
	pb, err := s.out.start(s.out.cfg.StreamSampleRate, s.queue)
	if err != nil {
		return err
	}
	s.pb = pb
	return nil
}

// Playing запущено ли устройство
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pb != nil
}
