package media

import (
	"sync"
	"sync/atomic"
)

// TrackKind тип медиа дорожки
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track живая медиа дорожка. Выключенная дорожка продолжает существовать,
// но не отдает данные (аналог MediaStreamTrack.enabled).
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
}

// Stream живой медиа поток, состоящий из дорожек.
// Набор дорожек может меняться во времени: сигнальный слой часто
// добавляет дорожки уже после того, как поток был отдан наружу.
type Stream interface {
	ID() string
	AudioTracks() []Track
	VideoTracks() []Track
}

// TrackObserver реализуется потоками, которые умеют уведомлять
// о появлении дорожек. Возвращаемая функция снимает подписку.
type TrackObserver interface {
	OnTrackAdded(fn func(Track)) (cancel func())
}

// PCMSource реализуется аудио дорожками, из которых можно снимать
// декодированные PCM кадры (моно, int16).
type PCMSource interface {
	TapPCM(fn func(frame []int16)) (cancel func())
}

// SampleRateSource реализуется аудио дорожками, которые знают частоту
// своего PCM. 0 означает, что частота еще неизвестна.
type SampleRateSource interface {
	SampleRate() int
}

// SetTracksEnabled включает или выключает все дорожки и возвращает
// количество дорожек, состояние которых изменилось.
func SetTracksEnabled(tracks []Track, enabled bool) int {
	changed := 0
	for _, t := range tracks {
		if t.Enabled() != enabled {
			t.SetEnabled(enabled)
			changed++
		}
	}
	return changed
}

// BasicTrack потокобезопасная реализация Track и PCMSource.
type BasicTrack struct {
	id      string
	kind    TrackKind
	enabled atomic.Bool
	rate    atomic.Int64

	mu     sync.RWMutex
	taps   map[uint64]func([]int16)
	nextID uint64
}

// NewTrack создает включенную дорожку.
func NewTrack(id string, kind TrackKind) *BasicTrack {
	t := &BasicTrack{
		id:   id,
		kind: kind,
		taps: make(map[uint64]func([]int16)),
	}
	t.enabled.Store(true)
	return t
}

func (t *BasicTrack) ID() string      { return t.id }
func (t *BasicTrack) Kind() TrackKind { return t.kind }
func (t *BasicTrack) Enabled() bool   { return t.enabled.Load() }

func (t *BasicTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// SampleRate частота PCM кадров дорожки, 0 если неизвестна
func (t *BasicTrack) SampleRate() int { return int(t.rate.Load()) }

// SetSampleRate задает частоту PCM кадров
func (t *BasicTrack) SetSampleRate(rate int) {
	t.rate.Store(int64(rate))
}

// TapPCM подписывается на PCM кадры дорожки.
func (t *BasicTrack) TapPCM(fn func(frame []int16)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.taps[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.taps, id)
			t.mu.Unlock()
		})
	}
}

// PushPCM раздает кадр подписчикам. Выключенная дорожка кадры
// не раздает, как и заглушенный микрофон в браузере.
func (t *BasicTrack) PushPCM(frame []int16) {
	if !t.Enabled() || len(frame) == 0 {
		return
	}

	t.mu.RLock()
	taps := make([]func([]int16), 0, len(t.taps))
	for _, fn := range t.taps {
		taps = append(taps, fn)
	}
	t.mu.RUnlock()

	for _, fn := range taps {
		fn(frame)
	}
}

// BasicStream потокобезопасная реализация Stream и TrackObserver.
type BasicStream struct {
	id string

	mu        sync.RWMutex
	tracks    []Track
	observers map[uint64]func(Track)
	nextID    uint64
}

// NewStream создает поток с начальным набором дорожек.
func NewStream(id string, tracks ...Track) *BasicStream {
	return &BasicStream{
		id:        id,
		tracks:    append([]Track(nil), tracks...),
		observers: make(map[uint64]func(Track)),
	}
}

func (s *BasicStream) ID() string { return s.id }

func (s *BasicStream) AudioTracks() []Track { return s.byKind(TrackKindAudio) }
func (s *BasicStream) VideoTracks() []Track { return s.byKind(TrackKindVideo) }

func (s *BasicStream) byKind(kind TrackKind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack добавляет дорожку и уведомляет наблюдателей.
// Повторное добавление дорожки с тем же ID игнорируется.
func (s *BasicStream) AddTrack(track Track) {
	s.mu.Lock()
	for _, t := range s.tracks {
		if t.ID() == track.ID() {
			s.mu.Unlock()
			return
		}
	}
	s.tracks = append(s.tracks, track)
	observers := make([]func(Track), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(track)
	}
}

// RemoveTrack удаляет дорожку по ID.
func (s *BasicStream) RemoveTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// OnTrackAdded реализует TrackObserver.
func (s *BasicStream) OnTrackAdded(fn func(Track)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// ObserverCount возвращает количество активных подписок на дорожки.
func (s *BasicStream) ObserverCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}
