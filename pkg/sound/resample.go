package sound

import (
	"math"
	"sync"

	"github.com/dh1tw/gosamplerate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
)

// resampleBuffer размер буферов libsamplerate в отсчетах
const resampleBuffer = 16384

// resampler потоковый пересчет моно PCM из частоты from в частоту to.
// Хранит состояние фильтра между кадрами, не потокобезопасен.
type resampler struct {
	from, to int
	ratio    float64
	chunk    int
	src      gosamplerate.Src
}

func newResampler(from, to int) (*resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, errors.Errorf("invalid sample rates %d -> %d", from, to)
	}
	src, err := gosamplerate.New(gosamplerate.SRC_SINC_FASTEST, 1, resampleBuffer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init resampler")
	}
	ratio := float64(to) / float64(from)
	// вход режется так, чтобы выход с запасом помещался в буфер
	chunk := max(1, int(float64(resampleBuffer)/(ratio*2)))
	return &resampler{from: from, to: to, ratio: ratio, chunk: min(chunk, resampleBuffer), src: src}, nil
}

func (r *resampler) Process(frame []int16) ([]int16, error) {
	out := make([]int16, 0, int(float64(len(frame))*r.ratio)+1)
	in := make([]float32, 0, min(len(frame), r.chunk))
	for len(frame) > 0 {
		n := min(len(frame), r.chunk)
		in = in[:0]
		for _, s := range frame[:n] {
			in = append(in, float32(s)/math.MaxInt16)
		}
		frame = frame[n:]

		res, err := r.src.Process(in, r.ratio, false)
		if err != nil {
			return out, errors.Wrap(err, "resample")
		}
		for _, v := range res {
			out = append(out, toS16(v))
		}
	}
	return out, nil
}

func (r *resampler) Close() {
	_ = gosamplerate.Delete(r.src)
}

func toS16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int16(v * math.MaxInt16)
}

// trackFeed передает PCM одной дорожки в очередь устройства,
// приводя его к частоте устройства.
type trackFeed struct {
	track  media.Track
	target int
	queue  *frameQueue
	logger *zerolog.Logger

	mu     sync.Mutex
	rs     *resampler
	closed bool
}

// trackSampleRate частота PCM дорожки; неизвестная считается равной def
func trackSampleRate(t media.Track, def int) int {
	if sr, ok := t.(media.SampleRateSource); ok {
		if rate := sr.SampleRate(); rate > 0 {
			return rate
		}
	}
	return def
}

func (f *trackFeed) push(frame []int16) {
	rate := trackSampleRate(f.track, f.target)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if rate == f.target {
		f.queue.Push(frame)
		return
	}

	if f.rs == nil || f.rs.from != rate {
		if f.rs != nil {
			f.rs.Close()
			f.rs = nil
		}
		rs, err := newResampler(rate, f.target)
		if err != nil {
			f.logger.Warn().Err(err).Str("track_id", f.track.ID()).Msg("дорожка не будет воспроизведена")
			return
		}
		f.rs = rs
	}

	out, err := f.rs.Process(frame)
	if err != nil {
		f.logger.Debug().Err(err).Str("track_id", f.track.ID()).Msg("кадр не пересчитан")
	}
	f.queue.Push(out)
}

func (f *trackFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.rs != nil {
		f.rs.Close()
		f.rs = nil
	}
}
