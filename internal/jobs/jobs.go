package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"katabot/internal/notify"
	"katabot/internal/schedule"
	"katabot/internal/settings"
	"katabot/internal/storage"
)

// SettingsSource is the read side of settings.Repository.
type SettingsSource interface {
	Snapshot() settings.Snapshot
}

// Report renders the weekly summary: watched users plus the job history of
// the past week.
type Report struct {
	Settings SettingsSource
	Store    storage.Store // optional
	Sender   notify.Sender
	Clock    schedule.Clock
	Location *time.Location
}

const reportWindow = 7 * 24 * time.Hour

func (r *Report) Run(ctx context.Context) (string, error) {
	now := r.now()
	snap := r.Settings.Snapshot()

	var runs []storage.RunRecord
	if r.Store != nil {
		var err error
		runs, err = r.Store.RecentRuns(ctx, "", now.Add(-reportWindow))
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
	}

	text := RenderReport(now, snap, runs)
	if err := r.Sender.Send(ctx, text); err != nil {
		return "", fmt.Errorf("send report: %w", err)
	}
	return fmt.Sprintf("%d users, %d runs", len(snap.Users), len(runs)), nil
}

func (r *Report) now() time.Time {
	c := r.Clock
	if c == nil {
		c = schedule.SystemClock{}
	}
	now := c.Now()
	if r.Location != nil {
		now = now.In(r.Location)
	}
	return now
}

// RenderReport formats the weekly summary.
func RenderReport(now time.Time, snap settings.Snapshot, runs []storage.RunRecord) string {
	var b strings.Builder
	from := now.Add(-reportWindow)
	fmt.Fprintf(&b, "Weekly report %s to %s\n", from.Format("Mon 2006-01-02"), now.Format("Mon 2006-01-02"))

	if len(snap.Users) == 0 {
		b.WriteString("\nNo watched users. Add some to the settings file.\n")
	} else {
		fmt.Fprintf(&b, "\nWatched users (%d):\n", len(snap.Users))
		for _, u := range snap.Users {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}

	if len(runs) > 0 {
		type tally struct{ ok, failed int }
		byTask := map[string]*tally{}
		for _, r := range runs {
			t := byTask[r.Task]
			if t == nil {
				t = &tally{}
				byTask[r.Task] = t
			}
			if r.OK {
				t.ok++
			} else {
				t.failed++
			}
		}
		names := make([]string, 0, len(byTask))
		for n := range byTask {
			names = append(names, n)
		}
		sort.Strings(names)
		b.WriteString("\nJob runs this week:\n")
		for _, n := range names {
			t := byTask[n]
			fmt.Fprintf(&b, "- %s: %d ok, %d failed\n", n, t.ok, t.failed)
		}
	}

	reminders := "off"
	if snap.Notify {
		reminders = fmt.Sprintf("every %dh", snap.NotifyEveryHours)
	}
	fmt.Fprintf(&b, "\nReport schedule: %s. Reminders: %s.", snap.Report, reminders)
	return b.String()
}

// Reminder nudges the chat about the watched users.
type Reminder struct {
	Settings SettingsSource
	Sender   notify.Sender
}

func (r *Reminder) Run(ctx context.Context) (string, error) {
	snap := r.Settings.Snapshot()
	if len(snap.Users) == 0 {
		return "no watched users", nil
	}
	text := fmt.Sprintf("Reminder: keep training! Watching %d users: %s", len(snap.Users), strings.Join(snap.Users, ", "))
	if err := r.Sender.Send(ctx, text); err != nil {
		return "", fmt.Errorf("send reminder: %w", err)
	}
	return fmt.Sprintf("reminded %d users", len(snap.Users)), nil
}

// Prune drops history older than the retention returned by Retention.
// A zero retention keeps everything.
type Prune struct {
	Store     storage.Store
	Retention func() time.Duration
	Clock     schedule.Clock
}

func (p *Prune) Run(ctx context.Context) (string, error) {
	if p.Store == nil {
		return "storage disabled", nil
	}
	keep := p.Retention()
	if keep <= 0 {
		return "retention disabled", nil
	}
	c := p.Clock
	if c == nil {
		c = schedule.SystemClock{}
	}
	cutoff := c.Now().Add(-keep)
	n, err := p.Store.PruneRuns(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("prune history: %w", err)
	}
	return fmt.Sprintf("pruned %d runs older than %s", n, cutoff.Format(time.RFC3339)), nil
}
