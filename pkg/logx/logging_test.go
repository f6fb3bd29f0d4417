package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("hello", String("k", "v"))
	l.With(Int("n", 1)).Debug("derived")

	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	base := Nop().With(String("a", "1"))
	x := base.With(String("b", "2"))
	y := base.With(String("c", "3"))
	if len(base.fields) != 1 || len(x.fields) != 2 || len(y.fields) != 2 {
		t.Fatalf("field counts = %d %d %d", len(base.fields), len(x.fields), len(y.fields))
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"task failed","task":"weekly-report","caller":"runner.go:10"}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] task failed\n- caller=runner.go:10\n- task=weekly-report"
	if got != want {
		t.Fatalf("formatChatLine =\n%q\nwant\n%q", got, want)
	}

	withStack := formatChatLine([]byte(`{"level":"error","message":"boom","stack":"goroutine 1","a":1}`))
	if !strings.HasSuffix(withStack, "- stack=\ngoroutine 1") || !strings.Contains(withStack, "- a=1") {
		t.Fatalf("stack line = %q", withStack)
	}

	if raw := formatChatLine([]byte("  not json  ")); raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestServiceChatSinkHonorsMinLevel(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	svc, log := newService(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sink, &bytes.Buffer{})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("not forwarded")
	log.Warn("forwarded", String("comp", "test"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.snapshot()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sink.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forwarded message, got %d: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "forwarded") || !strings.Contains(msgs[0], "comp=test") {
		t.Fatalf("unexpected chat message: %q", msgs[0])
	}
}

func TestServiceApplyFileAndLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := newService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil, &bytes.Buffer{})
	t.Cleanup(func() { _ = svc.Close() })

	child := log.With(String("comp", "test"))
	child.Debug("hidden")
	child.Info("first")

	// Raising the level applies to loggers derived before Apply.
	if err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	child.Warn("suppressed")
	child.Error("second")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		if m["comp"] != "test" {
			t.Fatalf("missing comp field: %v", m)
		}
		msgs = append(msgs, m["message"].(string))
	}
	if strings.Join(msgs, ",") != "first,second" {
		t.Fatalf("messages = %v", msgs)
	}

	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(path, "nope", "x.log")}}); err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"trace", LevelTrace},
		{" DEBUG ", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
