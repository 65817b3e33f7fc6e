package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// RTPTrack аудио дорожка, которая питается RTP пакетами сигнального
// слоя и раздает декодированный PCM через PCMSource.
type RTPTrack struct {
	*BasicTrack

	mu       sync.Mutex
	decoders map[PayloadType]Decoder
	reorder  *ReorderBuffer
	received uint64
	dropped  uint64
}

// NewRTPTrack создает аудио дорожку с декодерами по требованию.
func NewRTPTrack(id string) *RTPTrack {
	return &RTPTrack{
		BasicTrack: NewTrack(id, TrackKindAudio),
		decoders:   make(map[PayloadType]Decoder),
	}
}

// EnableReorder включает восстановление порядка пакетов глубиной depth.
func (t *RTPTrack) EnableReorder(depth int) {
	t.mu.Lock()
	t.reorder = NewReorderBuffer(depth)
	t.mu.Unlock()
}

// WriteRTP декодирует пакет и раздает PCM. Пакеты неизвестных кодеков
// считаются, но не декодируются.
func (t *RTPTrack) WriteRTP(pkt *rtp.Packet) error {
	if pkt == nil {
		return nil
	}

	t.mu.Lock()
	reorder := t.reorder
	t.mu.Unlock()
	if reorder == nil {
		return t.decode(pkt)
	}

	for _, p := range reorder.Push(pkt) {
		if err := t.decode(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *RTPTrack) decode(pkt *rtp.Packet) error {
	pt := PayloadType(pkt.PayloadType)

	t.mu.Lock()
	t.received++
	dec, ok := t.decoders[pt]
	if !ok {
		dec = DecoderFor(pt)
		t.decoders[pt] = dec
	}
	if dec == nil {
		t.dropped++
		t.mu.Unlock()
		return nil
	}
	pcm, err := dec.Decode(pkt.Payload)
	t.mu.Unlock()

	if err != nil {
		return errors.Wrapf(err, "дорожка %s, seq %d", t.ID(), pkt.SequenceNumber)
	}
	// частота задается до раздачи кадра, подписчики читают ее в обработчике
	t.SetSampleRate(dec.SampleRate())
	t.PushPCM(pcm)
	return nil
}

// Stats возвращает количество принятых и пропущенных пакетов.
func (t *RTPTrack) Stats() (received, dropped uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received, t.dropped
}

// SetDecoder задает декодер для динамического payload type,
// например согласованного в SDP номера Opus.
func (t *RTPTrack) SetDecoder(pt PayloadType, dec Decoder) {
	t.mu.Lock()
	t.decoders[pt] = dec
	t.mu.Unlock()
}
