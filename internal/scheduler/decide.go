// Package scheduler decides what happens to every inbound message for a
// session: run now, steer or interrupt the active run, queue, or drop.
package scheduler

import "github.com/haasonsaas/switchyard/internal/queue"

// Action is the scheduler's verdict for one inbound message.
type Action string

const (
	ActionRun          Action = "run"
	ActionInterrupt    Action = "interrupt"
	ActionSteer        Action = "steer"
	ActionSteerBacklog Action = "steer_backlog"
	ActionCollect      Action = "collect"
	ActionEnqueue      Action = "enqueue"
	ActionDrop         Action = "drop"
)

// Liveness is the run state of a session at decision time.
type Liveness struct {
	Active    bool
	Streaming bool
	// CanSteer is set when the active run accepts injected input.
	CanSteer bool
}

// Decide maps liveness and queue mode to an action. Rules are evaluated in
// order and the first match wins. Cap handling happens in the queue.
func Decide(live Liveness, mode queue.Mode) Action {
	if !live.Active {
		return ActionRun
	}
	switch mode {
	case queue.ModeInterrupt:
		return ActionInterrupt
	case queue.ModeSteer:
		if live.CanSteer {
			return ActionSteer
		}
		return ActionCollect
	case queue.ModeSteerBacklog:
		if live.CanSteer {
			return ActionSteerBacklog
		}
		return ActionEnqueue
	case queue.ModeCollect:
		return ActionCollect
	case queue.ModeFollowup, queue.ModeQueue:
		return ActionEnqueue
	case queue.ModeNone:
		return ActionDrop
	}
	return ActionCollect
}
