package call

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = errors.New("operation not allowed in current call state")
	// ErrInvalidNumber пустой или некорректный номер
	ErrInvalidNumber = errors.New("invalid number")
	// ErrNoPendingOffer нет ожидающего входящего вызова с таким ID
	ErrNoPendingOffer = errors.New("no pending incoming offer")
	// ErrCallCancelled вызов завершен до ответа шлюза
	ErrCallCancelled = errors.New("call cancelled")
)
