package ringer

import (
	"encoding/binary"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Параметры европейского сигнала вызова
const (
	RingFrequency  = 425.0
	RingOn         = time.Second
	RingOff        = 4 * time.Second
	RingSampleRate = 8000
)

// Asset моно PCM звук рингтона.
type Asset struct {
	PCM        []int16
	SampleRate int
}

// Duration длительность одного проигрывания
func (a Asset) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.PCM)) * time.Second / time.Duration(a.SampleRate)
}

// DefaultAsset генерирует один период каденции: 1с тона 425 Гц и 4с тишины.
func DefaultAsset() Asset {
	on := int(RingOn.Seconds() * RingSampleRate)
	off := int(RingOff.Seconds() * RingSampleRate)
	pcm := make([]int16, on+off)

	// плавные фронты 10мс без щелчков
	ramp := RingSampleRate / 100
	for i := 0; i < on; i++ {
		gain := 1.0
		if i < ramp {
			gain = float64(i) / float64(ramp)
		} else if on-i <= ramp {
			gain = float64(on-i) / float64(ramp)
		}
		v := math.Sin(2*math.Pi*RingFrequency*float64(i)/RingSampleRate) * gain * 0.5
		pcm[i] = int16(v * math.MaxInt16)
	}
	return Asset{PCM: pcm, SampleRate: RingSampleRate}
}

// LoadRawAsset читает моно signed 16-bit little-endian PCM без заголовка.
func LoadRawAsset(path string, sampleRate int) (Asset, error) {
	if sampleRate <= 0 {
		return Asset{}, errors.Errorf("invalid sample rate %d", sampleRate)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Asset{}, errors.Wrapf(err, "failed to read ringtone %s", path)
	}
	if len(data) < 2 {
		return Asset{}, errors.Errorf("ringtone %s is empty", path)
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return Asset{PCM: pcm, SampleRate: sampleRate}, nil
}
