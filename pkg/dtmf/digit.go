// Package dtmf синтезирует двухтональные сигналы клавиатуры для локальной
// обратной связи и передает нажатия в сигнальный слой.
package dtmf

import (
	"fmt"
	"math"
	"time"
)

// Digit символ клавиатуры 0-9, *, #
type Digit byte

// FrequencyPair частоты строки и столбца клавиатуры
type FrequencyPair struct {
	Low  float64
	High float64
}

// Стандартная матрица DTMF (ITU-T Q.23)
var frequencies = map[Digit]FrequencyPair{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477},
}

// Digits все допустимые символы в порядке клавиатуры
const Digits = "123456789*0#"

// ParseDigit проверяет символ. Буквы A-D не поддерживаются.
func ParseDigit(s string) (Digit, bool) {
	if len(s) != 1 {
		return 0, false
	}
	d := Digit(s[0])
	_, ok := frequencies[d]
	return d, ok
}

// Frequencies возвращает пару частот цифры
func (d Digit) Frequencies() (FrequencyPair, bool) {
	p, ok := frequencies[d]
	return p, ok
}

// Valid сообщает, входит ли символ в набор 0-9, *, #
func (d Digit) Valid() bool {
	_, ok := frequencies[d]
	return ok
}

func (d Digit) String() string {
	if !d.Valid() {
		return "?"
	}
	return string(rune(d))
}

// ParseSequence преобразует строку в последовательность цифр.
// Разделители набора (пробел, дефис, скобки) пропускаются.
func ParseSequence(s string) ([]Digit, error) {
	var digits []Digit
	for _, r := range s {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		}
		if r > 0x7f {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
		d := Digit(r)
		if !d.Valid() {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
		digits = append(digits, d)
	}
	return digits, nil
}

// Synthesize генерирует PCM (моно, int16) двухтонального сигнала:
// сумма двух синусоид с амплитудой amplitude каждой (0..0.5).
// Края сглажены короткой огибающей, чтобы не было щелчков.
func Synthesize(pair FrequencyPair, duration time.Duration, sampleRate int, amplitude float64) []int16 {
	if sampleRate <= 0 || duration <= 0 {
		return nil
	}
	if amplitude <= 0 || amplitude > 0.5 {
		amplitude = 0.5
	}

	n := int(float64(sampleRate) * duration.Seconds())
	out := make([]int16, n)
	ramp := sampleRate / 200 // 5ms
	if ramp*2 > n {
		ramp = n / 2
	}

	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := amplitude*math.Sin(2*math.Pi*pair.Low*t) + amplitude*math.Sin(2*math.Pi*pair.High*t)

		env := 1.0
		if ramp > 0 {
			if i < ramp {
				env = float64(i) / float64(ramp)
			} else if i >= n-ramp {
				env = float64(n-1-i) / float64(ramp)
			}
		}
		out[i] = int16(v * env * 32767)
	}
	return out
}
