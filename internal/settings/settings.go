// Package settings is the durable store for the bot's dynamic settings:
// watched users, the weekly report schedule and the reminder interval.
//
// Every mutation is persisted immediately (atomic write) and published to
// subscribers, which is how the scheduler runners get reconfigured. The
// mutators back the "bot settings" subcommand; a running bot sees those edits
// through Watch.
package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"katabot/internal/filewatch"
	"katabot/internal/schedule"
	logx "katabot/pkg/logx"
)

const DefaultNotifyEveryHours = 1

// Snapshot is an immutable copy of the settings.
type Snapshot struct {
	Users            []string
	Notify           bool
	Report           schedule.WeeklyInput
	NotifyEveryHours int
}

// DefaultReport is Sunday 10:00.
func DefaultReport() schedule.WeeklyInput {
	return schedule.WeeklyInput{Weekday: time.Sunday, At: schedule.TimeOfDay{Hour: 10}}
}

func defaults() Snapshot {
	return Snapshot{Report: DefaultReport(), NotifyEveryHours: DefaultNotifyEveryHours}
}

// ReportInput is the weekly report runner input.
func (s Snapshot) ReportInput() schedule.WeeklyInput { return s.Report }

// NotifyInput is the reminder runner input: nil while notifications are off.
func (s Snapshot) NotifyInput() *int {
	if !s.Notify {
		return nil
	}
	n := s.NotifyEveryHours
	if n <= 0 {
		n = DefaultNotifyEveryHours
	}
	return schedule.Hours(n)
}

// equal treats nil and empty user lists as the same.
func (s Snapshot) equal(o Snapshot) bool {
	return slices.Equal(s.Users, o.Users) &&
		s.Notify == o.Notify &&
		s.Report == o.Report &&
		s.NotifyEveryHours == o.NotifyEveryHours
}

func (s Snapshot) clone() Snapshot {
	s.Users = append([]string(nil), s.Users...)
	return s
}

// On-disk layout.
type fileData struct {
	Users            []string   `yaml:"users"`
	Notify           bool       `yaml:"notify"`
	Report           reportData `yaml:"report"`
	NotifyEveryHours int        `yaml:"notify_every_hours"`
}

type reportData struct {
	Weekday string `yaml:"weekday"`
	Time    string `yaml:"time"`
}

func (s Snapshot) toFile() fileData {
	users := s.Users
	if users == nil {
		users = []string{}
	}
	return fileData{
		Users:  users,
		Notify: s.Notify,
		Report: reportData{
			Weekday: strings.ToLower(s.Report.Weekday.String()),
			Time:    s.Report.At.String(),
		},
		NotifyEveryHours: s.NotifyEveryHours,
	}
}

// decode parses a settings document. Omitted fields keep their defaults.
func decode(b []byte) (Snapshot, error) {
	out := defaults()
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	var fd fileData
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fd); err != nil && !errors.Is(err, io.EOF) {
		return Snapshot{}, fmt.Errorf("decode settings: %w", err)
	}
	out.Users = normalizeUsers(fd.Users)
	out.Notify = fd.Notify
	if strings.TrimSpace(fd.Report.Weekday) != "" {
		wd, err := schedule.ParseWeekday(fd.Report.Weekday)
		if err != nil {
			return Snapshot{}, fmt.Errorf("report.weekday: %w", err)
		}
		out.Report.Weekday = wd
	}
	if strings.TrimSpace(fd.Report.Time) != "" {
		at, err := schedule.ParseTimeOfDay(fd.Report.Time)
		if err != nil {
			return Snapshot{}, fmt.Errorf("report.time: %w", err)
		}
		out.Report.At = at
	}
	switch {
	case fd.NotifyEveryHours == 0:
	case fd.NotifyEveryHours < 0:
		return Snapshot{}, fmt.Errorf("notify_every_hours must be >= 1, got %d", fd.NotifyEveryHours)
	default:
		out.NotifyEveryHours = fd.NotifyEveryHours
	}
	return out, nil
}

// normalizeUsers trims, drops empties and returns a sorted unique set.
func normalizeUsers(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			set[u] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Repository is the single access point for the dynamic settings.
type Repository struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	data Snapshot

	subsMu sync.Mutex
	subs   []chan Snapshot
}

// Load reads path. A missing file yields the defaults; the file is created on
// the first mutation.
func Load(path string, log logx.Logger) (*Repository, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Repository{path: path, log: log}
	snap, err := r.read()
	if err != nil {
		return nil, err
	}
	r.data = snap
	return r, nil
}

func (r *Repository) Path() string { return r.path }

func (r *Repository) read() (Snapshot, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return defaults(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read settings: %w", err)
	}
	return decode(b)
}

// save writes s atomically (temp file in the same directory, then rename).
func (r *Repository) save(s Snapshot) error {
	b, err := yaml.Marshal(s.toFile())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Save persists the current settings.
func (r *Repository) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(r.data)
}

// update applies fn to a copy of the settings. If fn reports a change, the
// copy is persisted, committed and published. Failed saves leave the
// in-memory settings untouched.
func (r *Repository) update(fn func(s *Snapshot) bool) (bool, error) {
	r.mu.Lock()
	next := r.data.clone()
	if !fn(&next) {
		r.mu.Unlock()
		return false, nil
	}
	if err := r.save(next); err != nil {
		r.mu.Unlock()
		return false, err
	}
	r.data = next
	// Publish under mu so subscribers see changes in commit order.
	r.publish(next.clone())
	r.mu.Unlock()
	return true, nil
}

// AddUser adds username to the watch list. It reports false if already present.
func (r *Repository) AddUser(username string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, errors.New("username required")
	}
	return r.update(func(s *Snapshot) bool {
		i := sort.SearchStrings(s.Users, username)
		if i < len(s.Users) && s.Users[i] == username {
			return false
		}
		s.Users = append(s.Users, "")
		copy(s.Users[i+1:], s.Users[i:])
		s.Users[i] = username
		return true
	})
}

// RemoveUser drops username from the watch list. It reports false if absent.
func (r *Repository) RemoveUser(username string) (bool, error) {
	username = strings.TrimSpace(username)
	return r.update(func(s *Snapshot) bool {
		i := sort.SearchStrings(s.Users, username)
		if i >= len(s.Users) || s.Users[i] != username {
			return false
		}
		s.Users = append(s.Users[:i], s.Users[i+1:]...)
		return true
	})
}

func (r *Repository) SetReportSchedule(in schedule.WeeklyInput) (bool, error) {
	if in.Weekday < time.Sunday || in.Weekday > time.Saturday {
		return false, fmt.Errorf("invalid weekday %d", in.Weekday)
	}
	if in.At.Hour < 0 || in.At.Hour > 23 || in.At.Minute < 0 || in.At.Minute > 59 || in.At.Second < 0 || in.At.Second > 59 {
		return false, fmt.Errorf("invalid time of day %s", in.At)
	}
	return r.update(func(s *Snapshot) bool {
		if s.Report == in {
			return false
		}
		s.Report = in
		return true
	})
}

func (r *Repository) SetNotify(on bool) (bool, error) {
	return r.update(func(s *Snapshot) bool {
		if s.Notify == on {
			return false
		}
		s.Notify = on
		return true
	})
}

// SetNotifyInterval sets the reminder interval in hours (>= 1).
func (r *Repository) SetNotifyInterval(hours int) (bool, error) {
	if hours < 1 {
		return false, fmt.Errorf("notify interval must be >= 1 hour, got %d", hours)
	}
	return r.update(func(s *Snapshot) bool {
		if s.NotifyEveryHours == hours {
			return false
		}
		s.NotifyEveryHours = hours
		return true
	})
}

func (r *Repository) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.clone()
}

func (r *Repository) Users() []string { return r.Snapshot().Users }

func (r *Repository) ReportSchedule() schedule.WeeklyInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Report
}

func (r *Repository) Notify() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Notify
}

func (r *Repository) NotifyInterval() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.NotifyEveryHours
}

// Subscribe returns a channel receiving a Snapshot after every change.
// A slow subscriber only loses older snapshots, never the newest one.
func (r *Repository) Subscribe(buffer int) chan Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

func (r *Repository) Unsubscribe(ch chan Snapshot) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for i, s := range r.subs {
		if s == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (r *Repository) publish(s Snapshot) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.clone():
		default:
			r.log.Debug("settings update dropped (subscriber slow)")
		}
	}
}

// Reload re-reads the file and publishes it if it differs from memory.
// Our own saves come back through the watcher and are skipped here.
func (r *Repository) Reload() (bool, error) {
	snap, err := r.read()
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	if snap.equal(r.data) {
		r.mu.Unlock()
		return false, nil
	}
	r.data = snap
	r.publish(snap.clone())
	r.mu.Unlock()

	r.log.Info("settings reloaded from disk",
		logx.Int("users", len(snap.Users)),
		logx.Bool("notify", snap.Notify),
		logx.String("report", snap.Report.String()),
		logx.Int("notify_every_hours", snap.NotifyEveryHours),
	)
	return true, nil
}

// Watch reloads on external edits of the settings file until ctx is canceled.
func (r *Repository) Watch(ctx context.Context) error {
	return filewatch.Watch(ctx, r.path, filewatch.Options{Log: r.log}, func() {
		if _, err := r.Reload(); err != nil {
			r.log.Warn("settings reload failed", logx.String("path", r.path), logx.Err(err))
		}
	})
}
