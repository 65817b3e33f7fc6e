package media

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind классифицирует ошибки ядра софтфона.
// Классы совпадают с тем, как UI должен реагировать на ошибку.
type ErrorKind int

const (
	// ErrorKindDeviceAccess - нет разрешения на устройство или устройство отсутствует.
	// Сообщается пользователю, не фатальна.
	ErrorKindDeviceAccess ErrorKind = iota + 1
	// ErrorKindSignaling - ошибка вызова, ответа, завершения или отправки цифры.
	ErrorKindSignaling
	// ErrorKindPlaybackPolicy - платформа запретила автоматическое воспроизведение.
	ErrorKindPlaybackPolicy
	// ErrorKindNoStream - операция над отсутствующим потоком, безобидный no-op.
	ErrorKindNoStream
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindDeviceAccess:
		return "DeviceAccessError"
	case ErrorKindSignaling:
		return "SignalingError"
	case ErrorKindPlaybackPolicy:
		return "PlaybackPolicyError"
	case ErrorKindNoStream:
		return "NoStreamError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Error базовая ошибка ядра.
//
// Сравнение через errors.Is выполняется по Kind, поэтому
// errors.Is(err, media.ErrNoStream) истинно для любой NoStreamError.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Wrapped != nil {
		msg = e.Wrapped.Error()
	} else if e.Wrapped != nil {
		msg = msg + ": " + e.Wrapped.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap поддерживает errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Cause поддерживает errors.Cause из github.com/pkg/errors.
func (e *Error) Cause() error {
	return e.Wrapped
}

// Is сравнивает ошибки по классу.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	// ErrDeviceAccess эталон для errors.Is
	ErrDeviceAccess = &Error{Kind: ErrorKindDeviceAccess, Message: "нет доступа к устройству"}
	// ErrSignaling эталон для errors.Is
	ErrSignaling = &Error{Kind: ErrorKindSignaling, Message: "ошибка сигнализации"}
	// ErrPlaybackPolicy эталон для errors.Is
	ErrPlaybackPolicy = &Error{Kind: ErrorKindPlaybackPolicy, Message: "автовоспроизведение запрещено"}
	// ErrNoStream эталон для errors.Is
	ErrNoStream = &Error{Kind: ErrorKindNoStream, Message: "поток не привязан"}
)

// NewDeviceAccessError оборачивает ошибку доступа к устройству.
func NewDeviceAccessError(op string, err error) *Error {
	return &Error{Kind: ErrorKindDeviceAccess, Op: op, Message: "нет доступа к устройству", Wrapped: err}
}

// NewSignalingError оборачивает ошибку сигнального шлюза.
func NewSignalingError(op string, err error) *Error {
	return &Error{Kind: ErrorKindSignaling, Op: op, Wrapped: err}
}

// NewPlaybackPolicyError сообщает о запрете автовоспроизведения.
func NewPlaybackPolicyError(op string, err error) *Error {
	return &Error{Kind: ErrorKindPlaybackPolicy, Op: op, Message: "автовоспроизведение запрещено", Wrapped: err}
}

// NewNoStreamError сообщает об отсутствии потока.
func NewNoStreamError(op string) *Error {
	return &Error{Kind: ErrorKindNoStream, Op: op, Message: "поток не привязан"}
}

// KindOf возвращает класс ошибки или 0, если ошибка не из этого пакета.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsBenign сообщает, что ошибку не нужно показывать пользователю.
func IsBenign(err error) bool {
	switch KindOf(err) {
	case ErrorKindNoStream, ErrorKindPlaybackPolicy:
		return true
	}
	return false
}
