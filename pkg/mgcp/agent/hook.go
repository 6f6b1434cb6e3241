package agent

import (
	"context"

	"github.com/looplab/fsm"
)

// Состояния трубки
const (
	hookOnHook  = "onhook"
	hookOffHook = "offhook"

	eventLift = "lift"
	eventHang = "hang"
)

// hookState состояние трубки конечной точки.
//
// Переходы меняются только под блокировкой конечной точки; коллбек
// обновляет лишь метрики и не трогает агент.
type hookState struct {
	machine *fsm.FSM
}

func newHookState(obs Observer) *hookState {
	return &hookState{
		machine: fsm.NewFSM(
			hookOnHook,
			fsm.Events{
				{Name: eventLift, Src: []string{hookOnHook}, Dst: hookOffHook},
				{Name: eventHang, Src: []string{hookOffHook}, Dst: hookOnHook},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					obs.HookTransition(e.Dst)
				},
			},
		),
	}
}

// OffHook трубка снята
func (h *hookState) OffHook() bool { return h.machine.Is(hookOffHook) }

func (h *hookState) String() string { return h.machine.Current() }

// Set переводит трубку в нужное состояние. Возвращает false, если
// состояние уже было таким.
func (h *hookState) Set(offhook bool) bool {
	event, dst := eventHang, hookOnHook
	if offhook {
		event, dst = eventLift, hookOffHook
	}
	if h.machine.Is(dst) {
		return false
	}
	return h.machine.Event(context.Background(), event) == nil
}
