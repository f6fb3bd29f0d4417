// Package jobs holds the bot's recurring tasks: the weekly report, the
// reminder and the history pruner. Each one is wrapped in Recorded so it
// can be driven by a schedule.Runner.
package jobs

import (
	"context"
	"errors"
	"time"

	"katabot/internal/storage"
	logx "katabot/pkg/logx"
)

const (
	ReportTask = "weekly-report"
	NotifyTask = "notify-check"
	PruneTask  = "history-prune"
)

// Func is one job execution. detail is a short summary kept in the history.
type Func func(ctx context.Context) (detail string, err error)

// Recorded adapts a Func to schedule.Task. Failures are logged and written
// to the history store; they never propagate to the runner.
type Recorded struct {
	name  string
	fn    Func
	store storage.Store // nil disables history
	log   logx.Logger
	now   func() time.Time
}

func NewRecorded(name string, fn Func, store storage.Store, log logx.Logger) *Recorded {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorded{
		name:  name,
		fn:    fn,
		store: store,
		log:   log.With(logx.String("job", name)),
		now:   time.Now,
	}
}

func (r *Recorded) Name() string { return r.name }

func (r *Recorded) Run(ctx context.Context) {
	start := r.now()
	detail, err := r.fn(ctx)
	took := r.now().Sub(start)

	rec := storage.RunRecord{Task: r.name, Start: start, Duration: took, OK: err == nil, Detail: detail}
	switch {
	case err == nil:
		r.log.Info("job finished", logx.String("detail", detail), logx.Duration("took", took))
	case errors.Is(err, context.Canceled):
		rec.Error = "canceled"
		r.log.Warn("job canceled", logx.Duration("took", took))
	default:
		rec.Error = err.Error()
		r.log.Error("job failed", logx.Err(err), logx.Duration("took", took))
	}

	if r.store == nil {
		return
	}
	// Record even when ctx is canceled (shutdown) so the run is not lost.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := r.store.AppendRun(sctx, rec); serr != nil {
		r.log.Warn("record run failed", logx.Err(serr))
	}
}
