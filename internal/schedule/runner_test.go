package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"katabot/internal/eventbus"
)

// manualTimer is a Timer fired explicitly by the test.
type manualTimer struct {
	mu        sync.Mutex
	ch        chan time.Time
	arms      []time.Duration
	cancels   int
	doubleArm int
}

func (m *manualTimer) Arm(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		m.doubleArm++
	}
	m.ch = make(chan time.Time, 1)
	m.arms = append(m.arms, d)
}

func (m *manualTimer) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		m.cancels++
	}
	m.ch = nil
}

func (m *manualTimer) C() <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

// fire delivers a tick to the armed channel. It reports false if nothing is armed.
func (m *manualTimer) fire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return false
	}
	select {
	case m.ch <- time.Now():
	default:
	}
	return true
}

func (m *manualTimer) armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}

func (m *manualTimer) snapshot() (arms []time.Duration, doubleArm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.arms...), m.doubleArm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type counter struct{ n atomic.Int64 }

func (c *counter) task(name string) Task {
	return TaskFunc(name, func(context.Context) { c.n.Add(1) })
}

func msPolicy() Policy[time.Duration] {
	return PolicyFunc[time.Duration](func(d time.Duration) (time.Duration, bool) {
		return d, d > 0
	})
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// wait blocks until Run returns, or fails the test after 2s.
func (h *runHandle) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return")
		return nil
	}
}

func startRunner[In any](t *testing.T, r *Runner[In]) *runHandle {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = r.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func TestRunnerNeverDoubleArms(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("notify"), ctl, WithTimer(tm))
	startRunner(t, r)

	for i := 0; i < 50; i++ {
		_ = ctl.Set(Hours(1 + i%3))
	}
	waitFor(t, "all updates consumed", func() bool {
		arms, _ := tm.snapshot()
		return len(arms) == 50 && r.Status().Input == "every 2h"
	})

	arms, double := tm.snapshot()
	if double != 0 {
		t.Fatalf("timer armed %d times while already armed", double)
	}
	if len(arms) != 50 {
		t.Fatalf("armed %d times, want 50 (one per update)", len(arms))
	}
	if last := arms[len(arms)-1]; last != 2*time.Hour {
		t.Fatalf("last arm = %s, want 2h", last)
	}
	if st := r.Status(); st.State != StateArmed || st.Input != "every 2h" {
		t.Fatalf("status = %+v", st)
	}
	if c.n.Load() != 0 {
		t.Fatal("task ran without a timer firing")
	}
}

func TestRunnerDisableByPolicyAndUpdate(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("notify"), ctl, WithTimer(tm))
	startRunner(t, r)

	_ = ctl.Set(Hours(1))
	waitFor(t, "armed", tm.armed)

	_ = ctl.Set(nil)
	waitFor(t, "disabled by policy", func() bool {
		st := r.Status()
		return st.Updates == 2 && st.State == StateIdle
	})
	if tm.armed() {
		t.Fatal("nil hourly input left a timer armed")
	}

	_ = ctl.Set(Hours(3))
	waitFor(t, "re-armed", tm.armed)
	_ = ctl.Disable()
	waitFor(t, "disabled by update", func() bool { return r.Status().Updates == 4 })
	if tm.armed() {
		t.Fatal("disable marker left a timer armed")
	}
	if c.n.Load() != 0 {
		t.Fatalf("task ran %d times while disabled", c.n.Load())
	}
}

func TestRunnerRecurrenceReusesInput(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("notify"), ctl, WithTimer(tm))
	startRunner(t, r)

	_ = ctl.Set(Hours(3))
	waitFor(t, "armed", tm.armed)

	for i := 1; i <= 3; i++ {
		if !tm.fire() {
			t.Fatal("fire on unarmed timer")
		}
		want := int64(i)
		waitFor(t, "task run", func() bool { return c.n.Load() == want && tm.armed() })
	}
	arms, double := tm.snapshot()
	if double != 0 {
		t.Fatalf("double arm detected: %d", double)
	}
	for i, d := range arms {
		if d != 3*time.Hour {
			t.Fatalf("arm %d = %s, want 3h", i, d)
		}
	}
	if st := r.Status(); st.Runs != 3 || st.LastFinish.IsZero() {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunnerRecurrenceMeasuredFromCompletion(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		evals    []time.Time
		finishes []time.Time
	)
	policy := PolicyFunc[time.Duration](func(d time.Duration) (time.Duration, bool) {
		mu.Lock()
		evals = append(evals, time.Now())
		mu.Unlock()
		return d, true
	})
	task := TaskFunc("slow-tick", func(context.Context) {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finishes = append(finishes, time.Now())
		mu.Unlock()
	})
	ctl := NewControl[time.Duration]()
	r := NewRunner(policy, task, ctl)
	startRunner(t, r)

	_ = ctl.Set(20 * time.Millisecond)
	waitFor(t, "three runs re-armed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finishes) >= 3 && len(evals) >= 4
	})

	mu.Lock()
	defer mu.Unlock()
	// evals[0] is the arm for the update; evals[i+1] follows run i.
	for i := 0; i < 3; i++ {
		if evals[i+1].Before(finishes[i]) {
			t.Fatalf("evaluation %d at %v precedes finish of run %d at %v",
				i+1, evals[i+1].Format(time.StampMicro), i, finishes[i].Format(time.StampMicro))
		}
	}
	if gap := evals[2].Sub(evals[1]); gap < 50*time.Millisecond {
		t.Fatalf("period %s, want >= 50ms (20ms delay + 30ms run)", gap)
	}
}

func TestRunnerStatusUsesClock(t *testing.T) {
	t.Parallel()
	// Wednesday noon.
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := fixedClock{now}
	tm := &manualTimer{}
	ctl := NewControl[WeeklyInput]()
	var c counter
	r := NewRunner[WeeklyInput](Weekly{Clock: clock, Location: time.UTC}, c.task("report"), ctl,
		WithTimer(tm), WithClock(clock))
	startRunner(t, r)

	_ = ctl.Set(WeeklyInput{Weekday: time.Friday, At: TimeOfDay{Hour: 9}})
	waitFor(t, "armed", func() bool { return r.Status().State == StateArmed })

	want := time.Date(2025, 1, 17, 9, 0, 0, 0, time.UTC)
	if got := r.Status().NextRun; !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
	if arms, _ := tm.snapshot(); len(arms) != 1 || arms[0] != want.Sub(now) {
		t.Fatalf("arms = %v, want [%s]", arms, want.Sub(now))
	}

	tm.fire()
	waitFor(t, "ran", func() bool { return r.Status().Runs == 1 && tm.armed() })
	if st := r.Status(); !st.LastStart.Equal(now) || !st.LastFinish.Equal(now) {
		t.Fatalf("LastStart/LastFinish = %v/%v, want %v", st.LastStart, st.LastFinish, now)
	}
}

func TestRunnerDisabledNeverFires(t *testing.T) {
	t.Parallel()
	ctl := NewControl[time.Duration]()
	var c counter
	r := NewRunner(msPolicy(), c.task("d"), ctl)
	startRunner(t, r)

	_ = ctl.Set(20 * time.Millisecond)
	waitFor(t, "armed", func() bool { return r.Status().State == StateArmed })
	_ = ctl.Disable()
	waitFor(t, "disabled", func() bool { return r.Status().Updates == 2 })
	time.Sleep(100 * time.Millisecond)
	if n := c.n.Load(); n != 0 {
		t.Fatalf("disabled task ran %d times", n)
	}
}

func TestRunnerRescheduleResetsTimer(t *testing.T) {
	t.Parallel()
	ctl := NewControl[time.Duration]()
	var c counter
	r := NewRunner(msPolicy(), c.task("reset"), ctl)
	startRunner(t, r)

	const period = 200 * time.Millisecond
	_ = ctl.Set(period)
	time.Sleep(120 * time.Millisecond)
	// Same value again: the countdown restarts from now.
	_ = ctl.Set(period)
	time.Sleep(130 * time.Millisecond) // 250ms after the first arm
	if n := c.n.Load(); n != 0 {
		t.Fatalf("task fired on the replaced schedule (%d runs)", n)
	}
	waitFor(t, "rescheduled run", func() bool { return c.n.Load() >= 1 })
}

func TestRunnerFiresRepeatedly(t *testing.T) {
	t.Parallel()
	ctl := NewControl[time.Duration]()
	var c counter
	r := NewRunner(msPolicy(), c.task("tick"), ctl)
	startRunner(t, r)

	_ = ctl.Set(50 * time.Millisecond)
	time.Sleep(220 * time.Millisecond)
	if n := c.n.Load(); n < 4 {
		t.Fatalf("task ran %d times in 220ms, want >= 4", n)
	}
}

func TestRunnerExitsWhenControlClosed(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("closing"), ctl, WithTimer(tm))
	h := startRunner(t, r)

	_ = ctl.Set(Hours(1))
	ctl.Close()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if tm.armed() {
		t.Fatal("timer left armed after exit")
	}
	if st := r.Status(); st.State != StateStopped || st.Updates != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("ctx"), ctl)
	h := startRunner(t, r)

	_ = ctl.Set(Hours(1))
	h.cancel()
	if err := h.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if st := r.Status(); st.State != StateStopped {
		t.Fatalf("state = %s, want stopped", st.State)
	}
}

func TestRunnerAwaitsInFlightTask(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	ctl := NewControl[*int]()
	started := make(chan struct{})
	var finished atomic.Bool
	task := TaskFunc("slow", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	r := NewRunner[*int](Hourly{}, task, ctl, WithTimer(tm))
	h := startRunner(t, r)

	_ = ctl.Set(Hours(1))
	waitFor(t, "armed", tm.armed)
	tm.fire()
	<-started
	if st := r.Status(); st.State != StateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	h.cancel()
	if err := h.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if !finished.Load() {
		t.Fatal("Run returned before the in-flight task finished")
	}
}

func TestRunnerRecoversTaskPanic(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	ctl := NewControl[*int]()
	var calls atomic.Int64
	task := TaskFunc("flaky", func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	r := NewRunner[*int](Hourly{}, task, ctl, WithTimer(tm))
	startRunner(t, r)

	_ = ctl.Set(Hours(1))
	waitFor(t, "armed", tm.armed)
	tm.fire()
	waitFor(t, "re-armed after panic", func() bool { return r.Status().Panics == 1 && tm.armed() })
	tm.fire()
	waitFor(t, "second run", func() bool { return calls.Load() == 2 })
}

func TestRunnerRejectsSecondRun(t *testing.T) {
	t.Parallel()
	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("once"), ctl)
	startRunner(t, r)

	waitFor(t, "running", func() bool { return r.running.Load() })
	if err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestRunnerPublishesEvents(t *testing.T) {
	t.Parallel()
	tm := &manualTimer{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctl := NewControl[*int]()
	var c counter
	r := NewRunner[*int](Hourly{}, c.task("evt"), ctl, WithTimer(tm), WithBus(bus))
	startRunner(t, r)

	_ = ctl.Set(Hours(2))
	waitFor(t, "armed", tm.armed)
	tm.fire()
	waitFor(t, "run", func() bool { return c.n.Load() == 1 && tm.armed() })
	_ = ctl.Disable()
	waitFor(t, "disabled", func() bool { return !tm.armed() })

	want := []string{EventArmed, EventStarted, EventFinished, EventArmed, EventDisabled}
	for i, typ := range want {
		select {
		case e := <-events:
			if e.Type != typ || e.Source != "evt" {
				t.Fatalf("event %d = %s/%s, want %s/evt", i, e.Type, e.Source, typ)
			}
			if _, ok := e.Data.(Status); !ok {
				t.Fatalf("event %d data is %T, want Status", i, e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d (%s)", i, typ)
		}
	}
}
