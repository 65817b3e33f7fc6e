package sound

import (
	"math"
	"sync"
	"sync/atomic"
)

// renderer заполняет буфер устройства моно отсчетами.
// Вызывается из потока аудио устройства.
type renderer interface {
	Render(out []int16)
}

// loopRenderer проигрывает PCM по кругу
type loopRenderer struct {
	pcm    []int16
	pos    int
	volume float64
}

func (r *loopRenderer) Render(out []int16) {
	if len(r.pcm) == 0 {
		clear(out)
		return
	}
	for i := range out {
		out[i] = scale(r.pcm[r.pos], r.volume)
		r.pos++
		if r.pos == len(r.pcm) {
			r.pos = 0
		}
	}
}

// toneRenderer два непрерывных синусоидальных генератора
type toneRenderer struct {
	low, high  float64
	sampleRate float64
	amplitude  float64
	n          uint64
}

func (r *toneRenderer) Render(out []int16) {
	for i := range out {
		t := float64(r.n) / r.sampleRate
		v := r.amplitude*math.Sin(2*math.Pi*r.low*t) + r.amplitude*math.Sin(2*math.Pi*r.high*t)
		out[i] = int16(v * math.MaxInt16)
		r.n++
	}
}

// frameQueue очередь PCM между дорожкой и устройством.
// При переполнении отбрасываются самые старые отсчеты.
type frameQueue struct {
	mu      sync.Mutex
	samples []int16
	limit   int

	muted  atomic.Bool
	volume atomic.Uint64 // math.Float64bits
}

func newFrameQueue(limit int) *frameQueue {
	q := &frameQueue{limit: limit}
	q.volume.Store(math.Float64bits(1))
	return q
}

func (q *frameQueue) Push(frame []int16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples = append(q.samples, frame...)
	if over := len(q.samples) - q.limit; over > 0 {
		q.samples = append(q.samples[:0], q.samples[over:]...)
	}
}

func (q *frameQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples = q.samples[:0]
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

func (q *frameQueue) Render(out []int16) {
	q.mu.Lock()
	n := copy(out, q.samples)
	q.samples = append(q.samples[:0], q.samples[n:]...)
	q.mu.Unlock()

	clear(out[n:])
	if q.muted.Load() {
		clear(out)
		return
	}
	volume := math.Float64frombits(q.volume.Load())
	if volume == 1 {
		return
	}
	for i := range out[:n] {
		out[i] = scale(out[i], volume)
	}
}

func scale(s int16, volume float64) int16 {
	return int16(float64(s) * volume)
}

// writeS16LE пишет отсчеты в буфер устройства формата S16 little-endian
func writeS16LE(dst []byte, samples []int16) {
	n := min(len(samples), len(dst)/2)
	for i := 0; i < n; i++ {
		dst[i*2] = byte(samples[i])
		dst[i*2+1] = byte(samples[i] >> 8)
	}
	clear(dst[n*2:])
}
