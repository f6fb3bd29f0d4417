package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"katabot/internal/config"
	"katabot/internal/schedule"
	"katabot/internal/settings"
	logx "katabot/pkg/logx"
)

const settingsUsage = `usage: bot [-config path] settings <command>
  show
  add-user <name>
  remove-user <name>
  report <weekday> <HH:MM>
  notify on|off
  notify-every <hours>`

// runSettings edits the settings file named by the config. A running bot with
// settings.watch enabled picks the change up and reschedules.
func runSettings(cfgPath string, args []string, out io.Writer) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	repo, err := settings.Load(cfg.SettingsPath(), logx.Nop())
	if err != nil {
		return err
	}
	return execSettings(repo, args, out)
}

func execSettings(repo *settings.Repository, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(settingsUsage)
	}
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("%s: expected %d argument(s)\n%s", cmd, n, settingsUsage)
		}
		return nil
	}

	var (
		changed bool
		err     error
	)
	switch cmd {
	case "show":
		if err := need(0); err != nil {
			return err
		}
		printSettings(out, repo.Snapshot())
		return nil
	case "add-user":
		if err := need(1); err != nil {
			return err
		}
		changed, err = repo.AddUser(rest[0])
	case "remove-user":
		if err := need(1); err != nil {
			return err
		}
		changed, err = repo.RemoveUser(rest[0])
	case "report":
		if err := need(2); err != nil {
			return err
		}
		wd, perr := schedule.ParseWeekday(rest[0])
		if perr != nil {
			return perr
		}
		at, perr := schedule.ParseTimeOfDay(rest[1])
		if perr != nil {
			return perr
		}
		changed, err = repo.SetReportSchedule(schedule.WeeklyInput{Weekday: wd, At: at})
	case "notify":
		if err := need(1); err != nil {
			return err
		}
		switch strings.ToLower(rest[0]) {
		case "on":
			changed, err = repo.SetNotify(true)
		case "off":
			changed, err = repo.SetNotify(false)
		default:
			return fmt.Errorf("notify: want on or off, got %q", rest[0])
		}
	case "notify-every":
		if err := need(1); err != nil {
			return err
		}
		hours, perr := strconv.Atoi(rest[0])
		if perr != nil {
			return fmt.Errorf("notify-every: %w", perr)
		}
		changed, err = repo.SetNotifyInterval(hours)
	default:
		return fmt.Errorf("unknown settings command %q\n%s", cmd, settingsUsage)
	}
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintln(out, "unchanged")
	}
	printSettings(out, repo.Snapshot())
	return nil
}

func printSettings(out io.Writer, s settings.Snapshot) {
	users := "-"
	if len(s.Users) > 0 {
		users = strings.Join(s.Users, ", ")
	}
	notify := "off"
	if s.Notify {
		notify = fmt.Sprintf("every %dh", s.NotifyEveryHours)
	}
	fmt.Fprintf(out, "users: %s\nreport: %s\nreminders: %s\n", users, s.Report, notify)
}
