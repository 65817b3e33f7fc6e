package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/media"
)

// peer медиа соединение одного вызова
type peer interface {
	CreateOffer(ctx context.Context) (string, error)
	Answer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error
	LocalStream() media.Stream
	RemoteStream() media.Stream
	Close() error
}

// peerFactory создает соединение для вызова
type peerFactory func(video bool) (peer, error)

// LocalTrack локальная дорожка, отправляемая в PeerConnection.
// Выключенная дорожка молча отбрасывает отсчеты.
type LocalTrack struct {
	*media.BasicTrack
	out *webrtc.TrackLocalStaticSample
}

// WriteSample отправляет закодированный кадр, если дорожка включена
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.out.WriteSample(s)
}

type webrtcPeer struct {
	pc     *webrtc.PeerConnection
	local  *media.BasicStream
	remote *media.BasicStream

	reorderDepth int
	logger       zerolog.Logger
}

func newWebRTCPeer(iceServers []string, reorderDepth int, video bool, logger zerolog.Logger) (*webrtcPeer, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	streamID := uuid.NewString()
	p := &webrtcPeer{
		pc:           pc,
		local:        media.NewStream(streamID),
		remote:       media.NewStream("remote-" + streamID),
		reorderDepth: reorderDepth,
		logger:       logger,
	}

	if err := p.addLocal(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, media.TrackKindAudio, streamID); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if video {
		if err := p.addLocal(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, media.TrackKindVideo, streamID); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("состояние медиа соединения")
	})
	pc.OnTrack(p.onTrack)
	return p, nil
}

func (p *webrtcPeer) addLocal(codec webrtc.RTPCodecCapability, kind media.TrackKind, streamID string) error {
	id := string(kind) + "-" + streamID
	out, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return errors.Wrapf(err, "local %s track", kind)
	}
	if _, err := p.pc.AddTrack(out); err != nil {
		return errors.Wrapf(err, "add %s track", kind)
	}
	p.local.AddTrack(&LocalTrack{BasicTrack: media.NewTrack(id, kind), out: out})
	return nil
}

// onTrack превращает удаленную дорожку в media.Track. Аудио декодируется
// для измерения уровня, видео только вычитывается.
func (p *webrtcPeer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.logger.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("codec", track.Codec().MimeType).
		Msg("получена удаленная дорожка")

	if track.Kind() != webrtc.RTPCodecTypeAudio {
		p.remote.AddTrack(media.NewTrack(track.ID(), media.TrackKindVideo))
		go drain(track)
		return
	}

	rt := media.NewRTPTrack(track.ID())
	if p.reorderDepth > 0 {
		rt.EnableReorder(p.reorderDepth)
	}
	if strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		rt.SetDecoder(media.PayloadType(track.PayloadType()), media.NewOpusDecoder())
	}
	p.remote.AddTrack(rt)

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				p.logger.Debug().Err(err).Str("track_id", track.ID()).Msg("чтение дорожки завершено")
				return
			}
			if err := rt.WriteRTP(pkt); err != nil {
				p.logger.Debug().Err(err).Msg("пакет не декодирован")
			}
		}
	}()
}

func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// gather устанавливает локальное описание и ждет сбора кандидатов,
// шлюз работает без trickle ICE
func (p *webrtcPeer) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", errors.Wrap(err, "set local description")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *webrtcPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}
	return p.gather(ctx, offer)
}

func (p *webrtcPeer) Answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", errors.Wrap(err, "set remote offer")
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}
	return p.gather(ctx, answer)
}

func (p *webrtcPeer) SetAnswer(answer string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	return errors.Wrap(err, "set remote answer")
}

func (p *webrtcPeer) LocalStream() media.Stream  { return p.local }
func (p *webrtcPeer) RemoteStream() media.Stream { return p.remote }

func (p *webrtcPeer) Close() error {
	return p.pc.Close()
}
