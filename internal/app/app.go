// Package app wires the bot together: config, logging, storage, the
// notification sender, the settings repository and one schedule.Runner per
// recurring job.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"katabot/internal/config"
	"katabot/internal/eventbus"
	"katabot/internal/jobs"
	"katabot/internal/notify"
	"katabot/internal/runtime/supervisor"
	"katabot/internal/schedule"
	"katabot/internal/settings"
	"katabot/internal/storage"
	logx "katabot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender   notify.Sender
	settings *settings.Repository
	loc      *time.Location

	report   *schedule.Runner[schedule.WeeklyInput]
	reminder *schedule.Runner[*int]
	prune    *schedule.Runner[schedule.CronInput]

	settingsSub chan settings.Snapshot
	configSub   chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	pruneIn, err := schedule.ParseCron(cfg.Storage.PruneSpec())
	if err != nil {
		return nil, fmt.Errorf("storage.prune_cron: %w", err)
	}

	// The chat sink is attached once the sender exists; until then logs only
	// go to the console/file outputs.
	logSvc, log := logx.New(cfg.LogConfig(), nil)
	appLog := log.With(logx.String("comp", "app"))

	var sender notify.Sender = notify.Log{Logger: log.With(logx.String("comp", "notify"))}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:      cfg.Telegram.Token,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Telegram.ThreadID,
			RatePerSec: cfg.Telegram.RatePerSec,
			Timeout:    cfg.Telegram.SendTimeout(),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		sender = tg
		logSvc.SetSink(tg)
	} else {
		appLog.Info("telegram token not set; notifications go to the log")
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	repo, err := settings.Load(cfg.SettingsPath(), log.With(logx.String("comp", "settings")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		sender:   sender,
		settings: repo,
		loc:      loc,
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateReload)

	runnerLog := log.With(logx.String("comp", "schedule"))
	jobLog := log.With(logx.String("comp", "jobs"))

	a.report = schedule.NewRunner[schedule.WeeklyInput](
		schedule.Weekly{Location: loc},
		jobs.NewRecorded(jobs.ReportTask, (&jobs.Report{
			Settings: repo,
			Store:    store,
			Sender:   sender,
			Location: loc,
		}).Run, store, jobLog),
		schedule.NewControl[schedule.WeeklyInput](),
		schedule.WithLogger(runnerLog), schedule.WithBus(a.bus),
	)
	a.reminder = schedule.NewRunner[*int](
		schedule.Hourly{},
		jobs.NewRecorded(jobs.NotifyTask, (&jobs.Reminder{
			Settings: repo,
			Sender:   sender,
		}).Run, store, jobLog),
		schedule.NewControl[*int](),
		schedule.WithLogger(runnerLog), schedule.WithBus(a.bus),
	)
	a.prune = schedule.NewRunner[schedule.CronInput](
		schedule.Cron{Location: loc},
		jobs.NewRecorded(jobs.PruneTask, (&jobs.Prune{
			Store:     store,
			Retention: a.retention,
		}).Run, store, jobLog),
		schedule.NewControl[schedule.CronInput](),
		schedule.WithLogger(runnerLog), schedule.WithBus(a.bus),
	)

	// Subscribe before the initial push so no mutation between New and Start
	// is lost; the queued inputs are consumed once the runners start.
	a.settingsSub = repo.Subscribe(8)
	a.configSub = cfgm.Subscribe(8)
	a.applySettings(repo.Snapshot())
	_ = a.prune.Control().Set(pruneIn)
	a.log.Info("prune schedule", logx.String("spec", pruneIn.Spec), logx.String("next", pruneIn.Preview(a.now(), 3)))
	return a, nil
}

// validateReload rejects hot reloads that would leave a runner without a
// usable schedule.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := schedule.ParseCron(cfg.Storage.PruneSpec()); err != nil {
		return fmt.Errorf("storage.prune_cron: %w", err)
	}
	return nil
}

func (a *App) now() time.Time { return time.Now().In(a.loc) }

// retention reads storage.retention from the live config.
func (a *App) retention() time.Duration {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return config.DefaultRetention
	}
	d, err := cfg.Storage.RetentionDuration()
	if err != nil {
		return 0
	}
	return d
}

func (a *App) Config() *config.Manager            { return a.cfgm }
func (a *App) Settings() *settings.Repository     { return a.settings }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Location() *time.Location           { return a.loc }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Status returns a snapshot of every runner.
func (a *App) Status() []schedule.Status {
	return []schedule.Status{a.report.Status(), a.reminder.Status(), a.prune.Status()}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("runner."+a.report.Name(), a.report.Run)
	a.sup.Go("runner."+a.reminder.Name(), a.reminder.Run)
	a.sup.Go("runner."+a.prune.Name(), a.prune.Run)

	a.sup.Go0("settings.bridge", a.settingsLoop)
	a.sup.Go0("config.reload", a.configLoop)
	a.sup.Go0("eventbus.log", a.eventLoop)

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Settings.Watch {
		a.sup.GoRestart("settings.watch", a.settings.Watch)
	}

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.String("settings", a.settings.Path()),
		logx.String("timezone", a.loc.String()),
	)
	return nil
}

// eventLoop logs runner lifecycle events at debug level.
func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128, "schedule.", "task.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if st, ok := e.Data.(schedule.Status); ok {
				fields = append(fields, logx.String("task", st.Name), logx.String("state", st.State.String()))
				if !st.NextRun.IsZero() {
					fields = append(fields, logx.Time("next", st.NextRun))
				}
			}
			a.log.Debug("event", fields...)
		}
	}
}
