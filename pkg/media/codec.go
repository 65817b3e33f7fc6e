package media

import (
	"encoding/binary"
	"math"

	"github.com/pion/opus"
	"github.com/pkg/errors"
)

// PayloadType RTP payload type согласно RFC 3551
type PayloadType uint8

const (
	PayloadTypePCMU PayloadType = 0
	PayloadTypePCMA PayloadType = 8
	// PayloadTypeOpus динамический, значение по умолчанию для WebRTC шлюзов
	PayloadTypeOpus PayloadType = 111
)

const (
	// G711SampleRate частота PCM после декодирования G.711
	G711SampleRate = 8000
	// OpusSampleRate частота PCM после декодирования Opus
	OpusSampleRate = 48000
)

// Decoder превращает полезную нагрузку RTP в PCM кадр.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
	// SampleRate частота выдаваемого PCM
	SampleRate() int
}

// G711Decoder декодер G.711, закон компандирования задает expand
type G711Decoder struct {
	expand func(byte) int16
}

func (d G711Decoder) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = d.expand(b)
	}
	return out, nil
}

func (G711Decoder) SampleRate() int { return G711SampleRate }

var (
	// PCMUDecoder декодирует G.711 μ-law
	PCMUDecoder = G711Decoder{expand: ulawToLinear}
	// PCMADecoder декодирует G.711 A-law
	PCMADecoder = G711Decoder{expand: alawToLinear}
)

// ulawToLinear ITU-T G.711 μ-law -> 16 bit linear
func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// alawToLinear ITU-T G.711 A-law -> 16 bit linear
func alawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exponent := (a >> 4) & 0x07
	mantissa := int32(a & 0x0F)

	var sample int32
	if exponent == 0 {
		sample = (mantissa << 4) + 8
	} else {
		sample = ((mantissa << 4) + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// OpusDecoder декодирует Opus кадры чистым Go декодером pion/opus.
// Стерео сводится в моно.
type OpusDecoder struct {
	dec *opus.Decoder
	buf []byte
}

// NewOpusDecoder создает декодер. Буфер рассчитан на 60ms при 48kHz стерео.
func NewOpusDecoder() *OpusDecoder {
	dec := opus.NewDecoder()
	return &OpusDecoder{
		dec: &dec,
		buf: make([]byte, 2880*2*2),
	}
}

func (d *OpusDecoder) SampleRate() int { return OpusSampleRate }

func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	clear(d.buf)
	_, isStereo, err := d.dec.Decode(payload, d.buf)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка декодирования opus")
	}

	step := 1
	if isStereo {
		step = 2
	}
	n := len(d.buf)
	if samples := OpusPacketSamples(payload); samples > 0 && samples*step*2 < n {
		n = samples * step * 2
	}

	pcm := make([]int16, 0, n/(step*2))
	for i := 0; i+step*2 <= n; i += step * 2 {
		left := int16(binary.LittleEndian.Uint16(d.buf[i:]))
		if isStereo {
			right := int16(binary.LittleEndian.Uint16(d.buf[i+2:]))
			left = int16((int32(left) + int32(right)) / 2)
		}
		pcm = append(pcm, left)
	}
	return pcm, nil
}

// opusFrameSamples длительность кадра в отсчетах 48kHz по конфигурации TOC (RFC 6716, 3.1)
var opusFrameSamples = [32]int{
	480, 960, 1920, 2880, // SILK NB
	480, 960, 1920, 2880, // SILK MB
	480, 960, 1920, 2880, // SILK WB
	480, 960, // Hybrid SWB
	480, 960, // Hybrid FB
	120, 240, 480, 960, // CELT NB
	120, 240, 480, 960, // CELT WB
	120, 240, 480, 960, // CELT SWB
	120, 240, 480, 960, // CELT FB
}

// OpusPacketSamples количество отсчетов на канал при 48kHz в пакете Opus,
// 0 если пакет поврежден.
func OpusPacketSamples(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	toc := payload[0]
	per := opusFrameSamples[toc>>3]
	switch toc & 0x03 {
	case 0:
		return per
	case 1, 2:
		return per * 2
	default:
		if len(payload) < 2 {
			return 0
		}
		return per * int(payload[1]&0x3F)
	}
}

// DecoderFor возвращает декодер для payload type или nil,
// если уровень для такого кодека не измеряется.
func DecoderFor(pt PayloadType) Decoder {
	switch pt {
	case PayloadTypePCMU:
		return PCMUDecoder
	case PayloadTypePCMA:
		return PCMADecoder
	case PayloadTypeOpus:
		return NewOpusDecoder()
	}
	return nil
}

// RMSLevel возвращает среднеквадратичную амплитуду кадра,
// нормированную к полной шкале int16, в диапазоне [0,1].
func RMSLevel(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	level := math.Sqrt(sum / float64(len(frame)))
	if level > 1 {
		return 1
	}
	return level
}
