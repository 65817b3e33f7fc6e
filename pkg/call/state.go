package call

import (
	"github.com/looplab/fsm"
)

// State состояние вызова
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateRinging     State = "ringing"
	StateActive      State = "active"
	StateVideoActive State = "video-active"
	StateOnHold      State = "on-hold"
	StateEnded       State = "ended"
	StateFailed      State = "failed"
)

func (s State) String() string { return string(s) }

// InCall разговорные состояния, в которых работает watchdog
func (s State) InCall() bool {
	return s == StateActive || s == StateVideoActive
}

// Terminal состояния, ожидающие подтверждения UI
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// formEventName имя события перехода "SRC->DST"
func formEventName(src, dst State) string {
	return src.String() + "->" + dst.String()
}

// transitions разрешенные переходы
var transitions = []struct {
	src []State
	dst State
}{
	{[]State{StateIdle}, StateConnecting},
	{[]State{StateIdle}, StateRinging},
	{[]State{StateConnecting, StateRinging, StateOnHold}, StateActive},
	{[]State{StateConnecting, StateRinging, StateOnHold}, StateVideoActive},
	{[]State{StateActive, StateVideoActive}, StateOnHold},
	{[]State{StateConnecting, StateRinging}, StateFailed},
	{[]State{StateConnecting, StateRinging, StateActive, StateVideoActive, StateOnHold}, StateEnded},
	{[]State{StateRinging, StateEnded, StateFailed}, StateIdle},
}

/*
newFSM создает машину состояний вызова.

События именуются formEventName(src, dst), например "idle->connecting".

Диаграмма переходов:
[idle] → [connecting] → [active|video-active] ⇄ [on-hold]
[idle] → [ringing] → [active|video-active]
[ringing] → [idle] (отклонение, отмена, таймаут)
[connecting|ringing] → [failed] → [idle]
[любое разговорное] → [ended] → [idle]
*/
func newFSM(afterEvent fsm.Callback) *fsm.FSM {
	var events fsm.Events
	for _, tr := range transitions {
		for _, src := range tr.src {
			events = append(events, fsm.EventDesc{
				Name: formEventName(src, tr.dst),
				Src:  []string{src.String()},
				Dst:  tr.dst.String(),
			})
		}
	}

	callbacks := fsm.Callbacks{}
	if afterEvent != nil {
		callbacks["after_event"] = afterEvent
	}
	return fsm.NewFSM(StateIdle.String(), events, callbacks)
}
