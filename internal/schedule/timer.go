package schedule

import "time"

// Timer is a single cancellable delay owned by one Runner.
//
// Arm starts a new delay (implicitly discarding any previous one). Cancel
// discards the pending delay; it never blocks. C returns the channel of the
// current arm, or nil while nothing is armed. A nil channel blocks forever in
// a select, which is exactly the "wait for the next update" idle state.
//
// After Cancel or a new Arm, no value from the previous arm may be observed
// on the channel returned by C.
type Timer interface {
	Arm(d time.Duration)
	Cancel()
	C() <-chan time.Time
}

// NewTimer returns a Timer backed by time.Timer.
func NewTimer() Timer { return &runtimeTimer{} }

type runtimeTimer struct {
	t *time.Timer
}

func (r *runtimeTimer) Arm(d time.Duration) {
	r.Cancel()
	if d < 0 {
		d = 0
	}
	r.t = time.NewTimer(d)
}

func (r *runtimeTimer) Cancel() {
	if r.t == nil {
		return
	}
	r.t.Stop()
	// Drop the channel: even a value already buffered by an old runtime can no
	// longer reach the loop because the loop selects on the new C().
	r.t = nil
}

func (r *runtimeTimer) C() <-chan time.Time {
	if r.t == nil {
		return nil
	}
	return r.t.C
}
