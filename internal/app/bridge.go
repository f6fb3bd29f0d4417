package app

import (
	"context"
	"errors"
	"strings"

	"katabot/internal/config"
	"katabot/internal/schedule"
	"katabot/internal/settings"
	logx "katabot/pkg/logx"
)

// applySettings pushes the schedule inputs of snap to the report and reminder
// runners. Every call resets their timers, even when the values are unchanged.
func (a *App) applySettings(snap settings.Snapshot) {
	if err := a.report.Control().Set(snap.ReportInput()); err != nil {
		a.controlErr(a.report.Name(), err)
	}
	var err error
	if in := snap.NotifyInput(); in != nil {
		err = a.reminder.Control().Set(in)
	} else {
		err = a.reminder.Control().Disable()
	}
	if err != nil {
		a.controlErr(a.reminder.Name(), err)
	}
}

func (a *App) controlErr(task string, err error) {
	if errors.Is(err, schedule.ErrClosed) {
		a.log.Debug("schedule update after shutdown", logx.String("task", task))
		return
	}
	a.log.Warn("schedule update failed", logx.String("task", task), logx.Err(err))
}

func (a *App) settingsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-a.settingsSub:
			if !ok {
				return
			}
			a.log.Info("settings changed",
				logx.Int("users", len(snap.Users)),
				logx.String("report", snap.Report.String()),
				logx.Bool("notify", snap.Notify),
				logx.Int("notify_every_hours", snap.NotifyEveryHours),
			)
			a.applySettings(snap)
		}
	}
}

func (a *App) configLoop(ctx context.Context) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-a.configSub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer, ok := <-a.configSub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig reconfigures what can change live: logging and the prune
// schedule. Everything else is logged as requiring a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if err := a.logs.Apply(newCfg.LogConfig()); err != nil {
		a.log.Warn("logging config partially applied", logx.Err(err))
	}

	if oldCfg == nil || oldCfg.Storage.PruneSpec() != newCfg.Storage.PruneSpec() {
		in, err := schedule.ParseCron(newCfg.Storage.PruneSpec())
		if err != nil {
			a.log.Warn("invalid storage.prune_cron; keeping previous", logx.Err(err))
		} else if err := a.prune.Control().Set(in); err != nil {
			a.controlErr(a.prune.Name(), err)
		} else {
			a.log.Info("prune schedule updated",
				logx.String("spec", in.Spec),
				logx.String("next", in.Preview(a.now(), 3)),
			)
		}
	}

	if oldCfg != nil {
		if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
			a.log.Warn("scheduler.timezone changed; restart required for changes to take effect")
		}
		if oldCfg.Telegram != newCfg.Telegram {
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
		if oldCfg.Settings != newCfg.Settings {
			a.log.Warn("settings config changed; restart required for changes to take effect")
		}
		ost, nst := oldCfg.Storage, newCfg.Storage
		if ost.Driver != nst.Driver || ost.Path != nst.Path || ost.BusyTimeout != nst.BusyTimeout {
			a.log.Warn("storage backend changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
