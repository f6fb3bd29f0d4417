package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"katabot/internal/settings"
	logx "katabot/pkg/logx"
)

func TestExecSettings(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	repo, err := settings.Load(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"show"}, "users: -\nreport: Sunday 10:00\nreminders: off\n"},
		{[]string{"add-user", "bob"}, "users: bob\n"},
		{[]string{"add-user", "alice"}, "users: alice, bob\n"},
		{[]string{"add-user", "alice"}, "unchanged\n"},
		{[]string{"remove-user", "bob"}, "users: alice\n"},
		{[]string{"report", "fri", "18:30"}, "report: Friday 18:30\n"},
		{[]string{"notify", "on"}, "reminders: every 1h\n"},
		{[]string{"notify-every", "6"}, "reminders: every 6h\n"},
	}
	for _, st := range steps {
		var out bytes.Buffer
		if err := execSettings(repo, st.args, &out); err != nil {
			t.Fatalf("%v: %v", st.args, err)
		}
		if !strings.Contains(out.String(), st.want) {
			t.Fatalf("%v: output %q, want it to contain %q", st.args, out.String(), st.want)
		}
	}

	// The edits are on disk for a running bot to pick up.
	reloaded, err := settings.Load(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	snap := reloaded.Snapshot()
	if len(snap.Users) != 1 || snap.Users[0] != "alice" || !snap.Notify || snap.NotifyEveryHours != 6 {
		t.Fatalf("reloaded = %+v", snap)
	}
	if snap.Report.Weekday != time.Friday {
		t.Fatalf("report weekday = %v", snap.Report.Weekday)
	}
}

func TestExecSettingsRejectsBadInput(t *testing.T) {
	t.Parallel()
	repo, err := settings.Load(filepath.Join(t.TempDir(), "settings.yaml"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		nil,
		{"bogus"},
		{"add-user"},
		{"report", "someday", "10:00"},
		{"report", "mon", "25:00"},
		{"notify", "maybe"},
		{"notify-every", "0"},
		{"notify-every", "x"},
	} {
		if err := execSettings(repo, args, &bytes.Buffer{}); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
