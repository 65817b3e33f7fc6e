package sip_gateway

import (
	"net"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
)

const (
	minRTPPacketSize = 12
	maxRTPPacketSize = 1500
	rtpVersion       = 2

	// voiceDSCP Expedited Forwarding
	voiceDSCP = 46
)

// rtpReceiver принимает RTP собеседника на локальном UDP порту
// и раздает декодированный PCM через удаленный поток.
// Дорожка добавляется в поток по первому корректному пакету.
type rtpReceiver struct {
	conn   *net.UDPConn
	stream *media.BasicStream
	track  *media.RTPTrack
	logger zerolog.Logger

	mu      sync.Mutex
	added   bool
	started bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func listenRTP(host string, port int, streamID string, reorderDepth int, logger zerolog.Logger) (*rtpReceiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "listen rtp")
	}
	if err := setVoiceTOS(conn, voiceDSCP); err != nil {
		logger.Debug().Err(err).Msg("DSCP не установлен")
	}

	track := media.NewRTPTrack(streamID + "-audio")
	if reorderDepth > 0 {
		track.EnableReorder(reorderDepth)
	}
	return &rtpReceiver{
		conn:   conn,
		stream: media.NewStream(streamID),
		track:  track,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Port локальный порт для SDP
func (r *rtpReceiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *rtpReceiver) Stream() media.Stream { return r.stream }

// Start начинает прием после согласования кодека.
func (r *rtpReceiver) Start(c codec) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	if strings.EqualFold(c.Name, "opus") {
		r.track.SetDecoder(media.PayloadType(c.PayloadType), media.NewOpusDecoder())
	}

	r.wg.Add(1)
	go r.loop()
}

func (r *rtpReceiver) loop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacketSize)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warn().Err(err).Msg("ошибка чтения RTP")
			}
			return
		}

		pkt, err := parseRTP(buf[:n])
		if err != nil {
			r.logger.Debug().Err(err).Msg("RTP пакет отброшен")
			continue
		}

		r.mu.Lock()
		first := !r.added
		r.added = true
		r.mu.Unlock()
		if first {
			r.stream.AddTrack(r.track)
		}

		if err := r.track.WriteRTP(pkt); err != nil {
			r.logger.Debug().Err(err).Msg("RTP пакет не декодирован")
		}
	}
}

// parseRTP проверяет размер и заголовок пакета
func parseRTP(data []byte) (*rtp.Packet, error) {
	if len(data) < minRTPPacketSize {
		return nil, errors.Errorf("packet too small: %d bytes", len(data))
	}
	if len(data) > maxRTPPacketSize {
		return nil, errors.Errorf("packet too large: %d bytes", len(data))
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal rtp")
	}
	if pkt.Version != rtpVersion {
		return nil, errors.Errorf("unsupported rtp version %d", pkt.Version)
	}
	// 72-76 зарезервированы под RTCP (RFC 5761)
	if pkt.PayloadType >= 72 && pkt.PayloadType <= 76 {
		return nil, errors.Errorf("rtcp payload type %d", pkt.PayloadType)
	}
	return pkt, nil
}

func (r *rtpReceiver) Close() {
	r.once.Do(func() {
		close(r.done)
		_ = r.conn.Close()
	})
	r.wg.Wait()
}
