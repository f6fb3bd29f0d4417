package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 15 * time.Second
	chatTextLimit   = 3500
	chatFieldLimit  = 600
	chatStackLimit  = 900
)

// chatQueue feeds mirrored log lines to the sink from one goroutine so the
// logging call site never waits on the network.
type chatQueue struct {
	sink    func() Sink
	ch      chan string
	dropped atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatQueue(sink func() Sink) *chatQueue {
	return &chatQueue{sink: sink, ch: make(chan string, chatQueueSize)}
}

func (q *chatQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
}

func (q *chatQueue) stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (q *chatQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			sink := q.sink()
			if sink == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = sink.Send(sctx, msg)
			cancel()
		}
	}
}

func (q *chatQueue) offer(msg string) {
	select {
	case q.ch <- msg:
	default:
		q.dropped.Add(1)
	}
}

// chatWriter is the zerolog output that forwards to the chat queue.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if !w.svc.chatGate(level) {
		return len(p), nil
	}
	if msg := formatChatLine(p); msg != "" {
		w.svc.chat.offer(msg)
	}
	return len(p), nil
}

// formatChatLine renders one zerolog JSON line as
//
//	[LEVEL] message
//	- key=value
//
// with keys sorted. Non-JSON input is passed through trimmed.
func formatChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), chatTextLimit)
	}

	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, "stack":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatFieldLimit))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\n- stack=\n")
		b.WriteString(truncate(fmt.Sprint(st), chatStackLimit))
	}
	return truncate(b.String(), chatTextLimit)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
