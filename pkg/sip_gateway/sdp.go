package sip_gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const (
	dtmfPayloadType = 101
	defaultPtime    = 20
)

// codec аудио кодек, который умеем декодировать для измерения уровня
type codec struct {
	PayloadType uint8
	Name        string
	ClockRate   int
}

func (c codec) rtpmap() string {
	if strings.EqualFold(c.Name, "opus") {
		return fmt.Sprintf("%d %s/%d/2", c.PayloadType, c.Name, c.ClockRate)
	}
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// supportedCodecs в порядке предпочтения
var supportedCodecs = []codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	{PayloadType: 111, Name: "opus", ClockRate: 48000},
}

// staticCodecs RFC 3551 статические payload type без rtpmap
var staticCodecs = map[uint8]string{
	0: "PCMU",
	3: "GSM",
	8: "PCMA",
	9: "G722",
}

// sdpParams параметры локального медиа
type sdpParams struct {
	LocalIP string
	Port    int
	// Direction атрибут направления, по умолчанию recvonly:
	// захват микрофона здесь не выполняется
	Direction string
}

func (p sdpParams) direction() string {
	if p.Direction == "" {
		return "recvonly"
	}
	return p.Direction
}

func newSession(ip string) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "web_phone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
}

func audioMedia(p sdpParams, codecs []codec, dtmf bool) *sdp.MediaDescription {
	formats := make([]string, 0, len(codecs)+1)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}
	if dtmf {
		formats = append(formats, strconv.Itoa(dtmfPayloadType))
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: p.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
	}
	for _, c := range codecs {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtpmap", Value: c.rtpmap()})
	}
	if dtmf {
		md.Attributes = append(md.Attributes,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", dtmfPayloadType)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", dtmfPayloadType)},
		)
	}
	md.Attributes = append(md.Attributes,
		sdp.Attribute{Key: "ptime", Value: strconv.Itoa(defaultPtime)},
		sdp.Attribute{Key: p.direction()},
	)
	return md
}

// buildOffer SDP предложение со всеми поддерживаемыми кодеками
func buildOffer(p sdpParams, video bool) ([]byte, error) {
	desc := newSession(p.LocalIP)
	desc.MediaDescriptions = []*sdp.MediaDescription{audioMedia(p, supportedCodecs, true)}
	if video {
		// видео не принимаем, но сообщаем о нем, чтобы собеседник знал о видеовызове
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"96"},
			},
			Attributes: []sdp.Attribute{{Key: "rtpmap", Value: "96 VP8/90000"}},
		})
	}
	return desc.Marshal()
}

// remoteMedia согласованные параметры удаленного аудио
type remoteMedia struct {
	Addr  string
	Port  int
	Codec codec
	// DTMFPayloadType 0, если telephone-event не предложен
	DTMFPayloadType uint8
}

// negotiate выбирает первый кодек удаленной стороны, который мы умеем декодировать
func negotiate(raw []byte) (remoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return remoteMedia{}, errors.Wrap(err, "parse remote sdp")
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return remoteMedia{}, errors.New("remote sdp has no audio")
	}

	rm := remoteMedia{Port: audio.MediaName.Port.Value}
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		rm.Addr = audio.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		rm.Addr = desc.ConnectionInformation.Address.Address
	default:
		rm.Addr = desc.Origin.UnicastAddress
	}

	names := rtpmaps(audio)
	found := false
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		name := names[uint8(pt)]
		if name == "" {
			name = staticCodecs[uint8(pt)]
		}
		if strings.EqualFold(name, "telephone-event") {
			rm.DTMFPayloadType = uint8(pt)
			continue
		}
		if found {
			continue
		}
		for _, c := range supportedCodecs {
			if strings.EqualFold(c.Name, name) {
				rm.Codec = codec{PayloadType: uint8(pt), Name: c.Name, ClockRate: c.ClockRate}
				found = true
				break
			}
		}
	}
	if !found {
		return remoteMedia{}, errors.Errorf("no supported codec in %v", audio.MediaName.Formats)
	}
	return rm, nil
}

// rtpmaps payload type -> имя кодека
func rtpmaps(md *sdp.MediaDescription) map[uint8]string {
	out := make(map[uint8]string)
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		ptStr, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		out[uint8(pt)] = name
	}
	return out
}

// buildAnswer ответ на предложение: один выбранный кодек, видео отклоняется
func buildAnswer(offer []byte, p sdpParams) ([]byte, remoteMedia, error) {
	rm, err := negotiate(offer)
	if err != nil {
		return nil, remoteMedia{}, err
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return nil, remoteMedia{}, errors.Wrap(err, "parse remote sdp")
	}

	answer := newSession(p.LocalIP)
	audioDone := false
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" && !audioDone && md.MediaName.Port.Value != 0 {
			answer.MediaDescriptions = append(answer.MediaDescriptions, audioMedia(p, []codec{rm.Codec}, rm.DTMFPayloadType != 0))
			audioDone = true
			continue
		}
		// отклоненная строка m= сохраняет порядок предложения
		answer.MediaDescriptions = append(answer.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   md.MediaName.Media,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  md.MediaName.Protos,
				Formats: md.MediaName.Formats,
			},
		})
	}
	out, err := answer.Marshal()
	return out, rm, err
}
