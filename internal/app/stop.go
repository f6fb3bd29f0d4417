package app

import (
	"context"
	"fmt"
	"time"

	"katabot/internal/schedule"
	logx "katabot/pkg/logx"
)

// StopReason is logged on shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Stop shuts the app down. Each step is bounded so one component can't stall
// the whole stop; the caller's deadline is never extended.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Closing the controls lets each runner drain pending updates and return
	// once its in-flight task (if any) has finished.
	a.report.Control().Close()
	a.reminder.Control().Close()
	a.prune.Control().Close()

	a.step(ctx, "runners", 5*time.Second, func(c context.Context) error {
		return a.waitRunners(c)
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.settings.Unsubscribe(a.settingsSub)
	a.cfgm.Unsubscribe(a.configSub)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what New opened when Start was never called.
func (a *App) closeResources() {
	a.report.Control().Close()
	a.reminder.Control().Close()
	a.prune.Control().Close()
	a.settings.Unsubscribe(a.settingsSub)
	a.cfgm.Unsubscribe(a.configSub)
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// waitRunners polls runner states until all three have stopped.
func (a *App) waitRunners(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		stopped := 0
		for _, st := range a.Status() {
			if st.State == schedule.StateStopped {
				stopped++
			}
		}
		if stopped == 3 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
