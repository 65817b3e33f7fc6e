package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// MessageType тип сообщения протокола шлюза
type MessageType string

const (
	// клиент -> шлюз
	TypeCall   MessageType = "call"
	TypeAccept MessageType = "accept"
	TypeReject MessageType = "reject"
	TypeHangup MessageType = "hangup"
	TypeDTMF   MessageType = "dtmf"
	TypeHold   MessageType = "hold"

	// шлюз -> клиент
	TypeOffer  MessageType = "offer"
	TypeCancel MessageType = "cancel"
	TypeAnswer MessageType = "answer"
	TypeAck    MessageType = "ack"
	TypeError  MessageType = "error"

	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message единый конверт JSON сообщений. Ответы шлюза несут
// transaction запроса.
type Message struct {
	Type        MessageType `json:"type"`
	Transaction string      `json:"transaction,omitempty"`
	CallID      string      `json:"call_id,omitempty"`
	Number      string      `json:"number,omitempty"`
	From        string      `json:"from,omitempty"`
	Video       bool        `json:"video,omitempty"`
	SDP         string      `json:"sdp,omitempty"`
	Digit       string      `json:"digit,omitempty"`
	Hold        *bool       `json:"hold,omitempty"`
	Code        int         `json:"code,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Encode сериализует сообщение
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("message type is empty")
	}
	return json.Marshal(m)
}

// Decode разбирает сообщение шлюза
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(err, "bad gateway message")
	}
	if m.Type == "" {
		return Message{}, errors.New("gateway message without type")
	}
	return m, nil
}

// GatewayError отказ шлюза на запрос
type GatewayError struct {
	Request MessageType
	Code    int
	Reason  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway rejected %s: %d %s", e.Request, e.Code, e.Reason)
}
