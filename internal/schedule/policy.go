package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Policy computes how long from now until the next trigger for a given input.
//
// ok=false means the input disables the schedule: the caller must not arm a
// timer (it is not a zero-length duration). Next must not fail for any
// representable input.
type Policy[In any] interface {
	Next(in In) (d time.Duration, ok bool)
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc[In any] func(in In) (time.Duration, bool)

func (f PolicyFunc[In]) Next(in In) (time.Duration, bool) { return f(in) }

// Clock reads the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func clockOrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

func locationOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

// WeeklyInput selects a weekday and a time of day.
type WeeklyInput struct {
	Weekday time.Weekday
	At      TimeOfDay
}

func (w WeeklyInput) String() string {
	return w.Weekday.String() + " " + w.At.String()
}

// Weekly fires on a fixed weekday at a fixed time of day.
//
// If the weekday is today and the time of day has already been reached, the
// next trigger rolls forward exactly one week from today's date (the weekday
// identity is kept, not "seven days from now").
type Weekly struct {
	Clock    Clock
	Location *time.Location // nil means time.Local
}

func (p Weekly) Next(in WeeklyInput) (time.Duration, bool) {
	loc := locationOrLocal(p.Location)
	now := clockOrSystem(p.Clock).Now().In(loc)

	y, m, d := now.Date()
	nowSec := now.Hour()*3600 + now.Minute()*60 + now.Second()

	days := 0
	if now.Weekday() == in.Weekday && nowSec >= in.At.seconds() {
		days = 7
	} else {
		for (now.Weekday()+time.Weekday(days))%7 != in.Weekday {
			days++
		}
	}

	next := time.Date(y, m, d+days, in.At.Hour, in.At.Minute, in.At.Second, 0, loc)
	dur := next.Sub(now)
	if dur < 0 {
		// Only reachable around DST gaps where the requested wall time does not exist.
		dur = 0
	}
	return dur, true
}

// Hourly fires every n hours, measured from the evaluation instant.
//
// A nil input disables the schedule. n <= 0 is a caller contract violation;
// it is clamped to a zero duration.
type Hourly struct{}

func (Hourly) Next(hours *int) (time.Duration, bool) {
	if hours == nil {
		return 0, false
	}
	if *hours <= 0 {
		return 0, true
	}
	return time.Duration(*hours) * time.Hour, true
}

// Hours returns a pointer to n, for use as an Hourly input.
func Hours(n int) *int { return &n }

// CronInput is a parsed cron spec. The zero value disables a Cron policy.
type CronInput struct {
	Spec     string
	schedule cron.Schedule
}

func (c CronInput) String() string { return c.Spec }

// IsZero reports whether c carries no schedule.
func (c CronInput) IsZero() bool { return c.schedule == nil }

// Preview lists the next n activations after from, formatted for logs.
func (c CronInput) Preview(from time.Time, n int) string {
	if c.schedule == nil || n <= 0 {
		return ""
	}
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = c.schedule.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronParser accepts both 5-field and 6-field (with seconds) specs and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron spec ("0 3 * * *", "@daily", "@every 6h").
func ParseCron(spec string) (CronInput, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return CronInput{}, fmt.Errorf("cron spec required")
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return CronInput{}, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return CronInput{Spec: spec, schedule: sched}, nil
}

// Cron fires on the next activation of a cron spec.
// A zero input (or a spec without further activations) disables it.
type Cron struct {
	Clock    Clock
	Location *time.Location // nil means time.Local
}

func (p Cron) Next(in CronInput) (time.Duration, bool) {
	if in.schedule == nil {
		return 0, false
	}
	now := clockOrSystem(p.Clock).Now().In(locationOrLocal(p.Location))
	next := in.schedule.Next(now)
	if next.IsZero() {
		return 0, false
	}
	dur := next.Sub(now)
	if dur < 0 {
		dur = 0
	}
	return dur, true
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts full or abbreviated English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return wd, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return TimeOfDay{}, fmt.Errorf("invalid second in %q", s)
		}
	}
	return TimeOfDay{Hour: h, Minute: m, Second: sec}, nil
}
