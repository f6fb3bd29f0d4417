package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default "./katabot.log"
}

// ChatConfig mirrors log lines at or above MinLevel (default warn) to the
// Sink, at most RatePerSec lines per second (default 1).
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./katabot.log"

// Service owns the log outputs and swaps them on Apply.
type Service struct {
	out io.Writer // console destination

	mu       sync.Mutex
	cfg      Config
	file     *os.File
	sink     Sink
	limiter  *rate.Limiter
	minLevel zerolog.Level

	root atomic.Pointer[zerolog.Logger]

	chat *chatQueue
}

// New creates the service and applies cfg. sink may be nil (or set later
// with SetSink); chat mirroring is then a no-op.
func New(cfg Config, sink Sink) (*Service, Logger) {
	return newService(cfg, sink, os.Stdout)
}

func newService(cfg Config, sink Sink, out io.Writer) (*Service, Logger) {
	s := &Service{out: out, sink: sink}
	s.chat = newChatQueue(s.currentSink)
	boot := newRoot(consoleWriter(out), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&boot)
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Logger returns a root logger bound to the service.
func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSink swaps the chat sink; nil stops delivery.
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Service) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// ChatDropped reports how many chat lines were dropped because the queue
// was full.
func (s *Service) ChatDropped() uint64 { return s.chat.dropped.Load() }

// Apply rebuilds the outputs from cfg. The previous outputs keep working
// until the new root logger is installed. A log file that cannot be opened
// is reported and skipped; the other outputs still apply.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Chat.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Chat.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	var (
		writers  []io.Writer
		applyErr error
	)
	if cfg.Console {
		writers = append(writers, consoleWriter(s.out))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			applyErr = fmt.Errorf("open log file %q: %w", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Chat.Enabled {
		s.chat.start()
		writers = append(writers, &chatWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.out))
	}

	zl := newRoot(zerolog.MultiLevelWriter(writers...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
	return applyErr
}

// Close stops the chat worker and closes the log file. Loggers keep working
// but fall back to whatever outputs remain.
func (s *Service) Close() error {
	s.chat.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	lvl := parseLevel(s.cfg.Level, zerolog.InfoLevel)
	s.mu.Unlock()

	boot := newRoot(consoleWriter(s.out), lvl)
	s.root.Store(&boot)
	if f != nil {
		return f.Close()
	}
	return nil
}

// chatGate reports whether a line at level may be mirrored right now.
func (s *Service) chatGate(level zerolog.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil || s.limiter == nil || level < s.minLevel {
		return false
	}
	return s.limiter.Allow()
}

// Sink delivers a formatted log line out of band (the notification chat).
// Send is called from a single background goroutine.
type Sink interface {
	Send(ctx context.Context, text string) error
}
