package media

import (
	"container/heap"
	"sync"

	"github.com/pion/rtp"
)

// DefaultReorderDepth глубина буфера переупорядочивания в пакетах
const DefaultReorderDepth = 3

// ReorderStats статистика буфера переупорядочивания
type ReorderStats struct {
	Received uint64
	Lost     uint64
	Late     uint64
	Buffered int
}

// ReorderBuffer восстанавливает порядок RTP пакетов по sequence number.
// Пакет отдается, как только он следующий по порядку или буфер
// заполнен на depth пакетов. Опоздавшие пакеты отбрасываются.
type ReorderBuffer struct {
	mu       sync.Mutex
	depth    int
	packets  seqHeap
	next     uint16
	started  bool
	received uint64
	lost     uint64
	late     uint64
}

// NewReorderBuffer создает буфер. depth <= 0 означает DefaultReorderDepth.
func NewReorderBuffer(depth int) *ReorderBuffer {
	if depth <= 0 {
		depth = DefaultReorderDepth
	}
	return &ReorderBuffer{depth: depth}
}

// Push принимает пакет и возвращает пакеты, готовые к декодированию, по порядку.
func (b *ReorderBuffer) Push(pkt *rtp.Packet) []*rtp.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received++
	if !b.started {
		b.started = true
		b.next = pkt.SequenceNumber
	}

	if pkt.SequenceNumber != b.next && !seqNewer(pkt.SequenceNumber, b.next) {
		b.late++
		return nil
	}
	for _, p := range b.packets {
		if p.SequenceNumber == pkt.SequenceNumber {
			return nil
		}
	}
	heap.Push(&b.packets, pkt)

	var out []*rtp.Packet
	for len(b.packets) > 0 {
		head := b.packets[0]
		switch {
		case head.SequenceNumber == b.next:
		case len(b.packets) > b.depth:
			// ждать пропавший пакет дальше нельзя
			b.lost += uint64(seqDistance(head.SequenceNumber, b.next))
		default:
			return out
		}
		heap.Pop(&b.packets)
		out = append(out, head)
		b.next = head.SequenceNumber + 1
	}
	return out
}

// Flush отдает все накопленные пакеты по порядку
func (b *ReorderBuffer) Flush() []*rtp.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*rtp.Packet, 0, len(b.packets))
	for len(b.packets) > 0 {
		pkt := heap.Pop(&b.packets).(*rtp.Packet)
		out = append(out, pkt)
		b.next = pkt.SequenceNumber + 1
	}
	return out
}

// Stats возвращает статистику
func (b *ReorderBuffer) Stats() ReorderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ReorderStats{
		Received: b.received,
		Lost:     b.lost,
		Late:     b.late,
		Buffered: len(b.packets),
	}
}

// seqHeap min-heap по sequence number относительно первого элемента.
// Окно буфера мало, поэтому сравнение через seqNewer корректно и при переполнении.
type seqHeap []*rtp.Packet

func (h seqHeap) Len() int { return len(h) }
func (h seqHeap) Less(i, j int) bool {
	return seqNewer(h[j].SequenceNumber, h[i].SequenceNumber)
}
func (h seqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x interface{}) {
	*h = append(*h, x.(*rtp.Packet))
}

func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// seqNewer истинно, если a новее b с учетом переполнения uint16
func seqNewer(a, b uint16) bool {
	return a != b && a-b < 32768
}

// seqDistance количество шагов от older до newer
func seqDistance(newer, older uint16) uint16 {
	return newer - older
}
