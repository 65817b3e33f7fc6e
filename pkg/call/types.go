package call

import (
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/web_phone/pkg/media"
)

// Direction направление вызова
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Offer входящее предложение вызова. Существует только до ответа,
// отклонения или отмены.
type Offer struct {
	ID               string
	RemoteIdentifier string
	// SignalingPayload данные шлюза, обычно SDP
	SignalingPayload string
	ReceivedAt       time.Time
}

// HasVideo сообщает, предлагает ли удаленная сторона видео.
// Для полезной нагрузки не в формате SDP возвращает false.
func (o Offer) HasVideo() bool {
	if !strings.HasPrefix(strings.TrimSpace(o.SignalingPayload), "v=") {
		return false
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(o.SignalingPayload)); err != nil {
		return false
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" && md.MediaName.Port.Value != 0 {
			return true
		}
	}
	return false
}

// session текущий вызов. Принадлежит только контроллеру.
type session struct {
	id               string
	remoteIdentifier string
	direction        Direction
	isVideo          bool
	simulated        bool
	startedAt        time.Time
	endedAt          time.Time
	endReason        string

	localStream  media.Stream
	remoteStream media.Stream

	muted        bool
	videoEnabled bool
	// resumeState состояние, в которое вернется вызов после удержания
	resumeState State
}

// Snapshot неизменяемая проекция состояния для UI.
type Snapshot struct {
	State            State           `json:"state"`
	SessionID        string          `json:"session_id,omitempty"`
	RemoteIdentifier string          `json:"remote_identifier,omitempty"`
	Direction        Direction       `json:"direction,omitempty"`
	IsVideo          bool            `json:"is_video"`
	Simulated        bool            `json:"simulated"`
	Muted            bool            `json:"muted"`
	OnHold           bool            `json:"on_hold"`
	VideoEnabled     bool            `json:"video_enabled"`
	StartedAt        time.Time       `json:"started_at,omitempty"`
	EndedAt          time.Time       `json:"ended_at,omitempty"`
	EndReason        string          `json:"end_reason,omitempty"`
	HasLocalStream   bool            `json:"has_local_stream"`
	HasRemoteStream  bool            `json:"has_remote_stream"`
	Incoming         *Offer          `json:"incoming,omitempty"`
	Connection       ConnectionState `json:"connection"`
	NeedsUserAction  bool            `json:"needs_user_action"`
}

// Outcome итог завершенного вызова
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
)

// CompletedCall событие для внешнего журнала вызовов
type CompletedCall struct {
	SessionID        string
	RemoteIdentifier string
	Direction        Direction
	IsVideo          bool
	Simulated        bool
	StartedAt        time.Time
	EndedAt          time.Time
	Outcome          Outcome
}

// HistoryRecorder внешний журнал вызовов. Контроллер только сообщает
// о завершенных вызовах и ничего не хранит.
type HistoryRecorder interface {
	RecordCall(call CompletedCall)
}

// HistoryFunc адаптер функции к HistoryRecorder
type HistoryFunc func(call CompletedCall)

func (f HistoryFunc) RecordCall(call CompletedCall) { f(call) }

// EventKind тип события контроллера
type EventKind string

const (
	EventStateChanged EventKind = "state"
	EventNotice       EventKind = "notice"
	EventConnection   EventKind = "connection"
)

// NoticeLevel важность уведомления
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice кратковременное уведомление для пользователя
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

// Event событие для подписчиков
type Event struct {
	Kind     EventKind `json:"kind"`
	Snapshot Snapshot  `json:"snapshot"`
	Notice   *Notice   `json:"notice,omitempty"`
}
