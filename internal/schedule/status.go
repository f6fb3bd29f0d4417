package schedule

import (
	"fmt"
	"time"
)

// State is the runner state as seen from outside the loop.
type State int

const (
	// StateIdle: no timer armed (disabled or no input received yet).
	StateIdle State = iota
	// StateArmed: exactly one timer pending.
	StateArmed
	// StateRunning: the task is executing on the loop goroutine.
	StateRunning
	// StateStopped: Run has returned.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time runner snapshot.
type Status struct {
	Name  string
	State State
	// Input describes the armed input; empty while idle.
	Input   string
	NextRun time.Time

	Updates uint64
	Runs    uint64
	Panics  uint64

	LastStart    time.Time
	LastFinish   time.Time
	LastDuration time.Duration
}
