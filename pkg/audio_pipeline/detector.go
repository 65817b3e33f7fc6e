package audio_pipeline

import (
	"time"
)

const (
	DefaultThreshold = 0.01
	DefaultDecay     = time.Second
)

// Detector классифицирует уровень как "есть звук" или "тишина".
// Подъем мгновенный, спад только после окна Decay без превышений порога,
// чтобы естественные паузы речи не давали мерцания индикатора.
type Detector struct {
	Threshold float64
	Decay     time.Duration

	lastAbove time.Time
}

// Observe учитывает отсчет и возвращает состояние на момент at.
func (d *Detector) Observe(level float64, at time.Time) bool {
	if level > d.Threshold {
		d.lastAbove = at
	}
	return d.Detected(at)
}

// Detected состояние на момент at
func (d *Detector) Detected(at time.Time) bool {
	if d.lastAbove.IsZero() {
		return false
	}
	return at.Sub(d.lastAbove) < d.Decay
}

// Reset забывает историю
func (d *Detector) Reset() {
	d.lastAbove = time.Time{}
}
