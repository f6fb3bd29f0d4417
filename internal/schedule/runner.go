package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"katabot/internal/eventbus"
	logx "katabot/pkg/logx"
)

// ErrAlreadyRunning is returned when Run is called on a Runner that is already running.
var ErrAlreadyRunning = errors.New("schedule: runner already running")

// Task is the recurring unit of work driven by a Runner.
//
// Run has no result: the Runner always re-arms afterwards. Tasks report their
// own failures. ctx is canceled when the Runner is torn down; the Runner waits
// for Run to return.
type Task interface {
	Name() string
	Run(ctx context.Context)
}

// TaskFunc adapts a function to Task.
func TaskFunc(name string, fn func(ctx context.Context)) Task {
	return funcTask{name: name, fn: fn}
}

type funcTask struct {
	name string
	fn   func(ctx context.Context)
}

func (t funcTask) Name() string            { return t.name }
func (t funcTask) Run(ctx context.Context) { t.fn(ctx) }

// Event types published on the bus (see WithBus). Event.Data is a Status.
const (
	EventArmed    = "schedule.armed"
	EventDisabled = "schedule.disabled"
	EventStarted  = "task.started"
	EventFinished = "task.finished"
)

// Option configures a Runner.
type Option func(*options)

type options struct {
	log   logx.Logger
	timer Timer
	bus   eventbus.Bus
	clock Clock
}

// WithLogger sets the runner logger. The task name is added as a field.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithTimer replaces the time.Timer backed default (tests use a manual timer).
func WithTimer(t Timer) Option { return func(o *options) { o.timer = t } }

// WithBus publishes lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithClock sets the clock used for the timestamps in Status. Pass the same
// clock as the policy so NextRun agrees with it. Durations are always measured
// on the real clock.
func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

// Runner drives one Task according to a Policy, reconfigured through a Control.
//
// At most one timer is pending at any moment. The Runner goroutine is the only
// owner of the timer; every update cancels it before anything else happens.
type Runner[In any] struct {
	policy Policy[In]
	task   Task
	ctl    *Control[In]

	log   logx.Logger
	timer Timer
	bus   eventbus.Bus
	clock Clock

	running atomic.Bool

	mu     sync.Mutex
	status Status
}

func NewRunner[In any](policy Policy[In], task Task, ctl *Control[In], opts ...Option) *Runner[In] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.timer == nil {
		o.timer = NewTimer()
	}
	return &Runner[In]{
		policy: policy,
		task:   task,
		ctl:    ctl,
		log:    o.log.With(logx.String("task", task.Name())),
		timer:  o.timer,
		bus:    o.bus,
		clock:  clockOrSystem(o.clock),
		status: Status{Name: task.Name(), State: StateIdle},
	}
}

// Name returns the task name.
func (r *Runner[In]) Name() string { return r.task.Name() }

// Control returns the update queue consumed by this Runner.
func (r *Runner[In]) Control() *Control[In] { return r.ctl }

// Run is the control loop. It returns ctx.Err() when ctx is canceled, or nil
// once the Control is closed and drained. A task execution in flight when ctx
// is canceled receives the canceled context and is awaited.
func (r *Runner[In]) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)
	defer func() {
		r.timer.Cancel()
		r.setState(StateStopped, time.Time{})
	}()

	var (
		input   In
		enabled bool
	)
	r.log.Debug("runner started")

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("runner stopped", logx.String("reason", ctx.Err().Error()))
			return ctx.Err()

		case <-r.timer.C():
			r.timer.Cancel()
			if !enabled {
				// Unreachable: disabling always cancels the timer first.
				continue
			}
			r.execute(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Recurrence: same input, measured from the completion instant.
			r.arm(input)

		case <-r.ctl.ready():
			u, ok, done := r.ctl.pop()
			if done {
				r.log.Info("control closed; runner exiting")
				return nil
			}
			if !ok {
				continue
			}
			r.timer.Cancel()
			r.noteUpdate()
			if u.Disable {
				var zero In
				input, enabled = zero, false
				r.disable("disabled by update")
				continue
			}
			input, enabled = u.Input, true
			if !r.arm(input) {
				enabled = false
			}
		}
	}
}

// arm evaluates the policy and starts the timer. It reports false when the
// policy disables the schedule for in.
func (r *Runner[In]) arm(in In) bool {
	d, ok := r.policy.Next(in)
	if !ok {
		r.timer.Cancel()
		r.disable("disabled by policy")
		return false
	}
	r.timer.Cancel()
	r.timer.Arm(d)

	at := r.clock.Now().Add(d)
	desc := describe(in)
	r.mu.Lock()
	r.status.Input = desc
	r.mu.Unlock()
	r.setState(StateArmed, at)

	r.log.Debug("next run scheduled",
		logx.String("input", desc),
		logx.Duration("in", d),
		logx.String("at", at.Format("2006-01-02 15:04:05")),
	)
	r.publish(EventArmed)
	return true
}

func (r *Runner[In]) disable(reason string) {
	r.mu.Lock()
	r.status.Input = ""
	r.mu.Unlock()
	r.setState(StateIdle, time.Time{})
	r.log.Debug("schedule disabled", logx.String("reason", reason))
	r.publish(EventDisabled)
}

func (r *Runner[In]) execute(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	r.status.State = StateRunning
	r.status.NextRun = time.Time{}
	r.status.LastStart = r.clock.Now()
	r.status.Runs++
	r.mu.Unlock()
	r.log.Debug("executing task")
	r.publish(EventStarted)

	panicked := false
	func() {
		defer func() {
			if p := recover(); p != nil {
				panicked = true
				r.log.Error("task panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			}
		}()
		r.task.Run(ctx)
	}()

	took := time.Since(start)
	r.mu.Lock()
	r.status.LastFinish = r.clock.Now()
	r.status.LastDuration = took
	if panicked {
		r.status.Panics++
	}
	r.mu.Unlock()
	r.log.Debug("task finished", logx.Duration("took", took))
	r.publish(EventFinished)
}

func (r *Runner[In]) noteUpdate() {
	r.mu.Lock()
	r.status.Updates++
	r.mu.Unlock()
}

func (r *Runner[In]) setState(st State, next time.Time) {
	r.mu.Lock()
	r.status.State = st
	r.status.NextRun = next
	r.mu.Unlock()
}

// Status returns a snapshot of the runner. Safe for concurrent use.
func (r *Runner[In]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner[In]) publish(typ string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Source: r.task.Name(), Data: r.Status()})
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	case *int:
		if x == nil {
			return ""
		}
		return fmt.Sprintf("every %dh", *x)
	default:
		return fmt.Sprintf("%v", v)
	}
}
