package call

import (
	"context"

	"github.com/arzzra/web_phone/pkg/media"
)

// ConnectionState состояние связи с сигнальным шлюзом
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
)

// Handlers уведомления от сигнального шлюза. Могут приходить
// из любой горутины в любой момент.
type Handlers struct {
	OnOffer           func(offer Offer)
	OnOfferCancelled  func(offerID string)
	OnRemoteHangup    func()
	OnConnectionState func(state ConnectionState)
}

// Signaling клиент сигнального шлюза.
type Signaling interface {
	PlaceOutboundCall(ctx context.Context, number string, withVideo bool) error
	AcceptIncoming(ctx context.Context, offer Offer) error
	RejectIncoming(ctx context.Context, offer Offer) error
	Hangup(ctx context.Context) error
	SendDigit(ctx context.Context, digit string) error

	// LocalStream и RemoteStream возвращают nil, если потока нет
	LocalStream() media.Stream
	RemoteStream() media.Stream

	ConnectionState() ConnectionState
	SetHandlers(h Handlers)
}

// HoldSignaling необязательная возможность шлюза сообщать об удержании.
type HoldSignaling interface {
	SetHold(ctx context.Context, hold bool) error
}
