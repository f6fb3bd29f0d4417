// Package filewatch reloads a single file on change.
//
// The parent directory is watched (editors replace files by rename), events are
// matched by basename and debounced so partial writes collapse into one reload.
// If the fsnotify watcher breaks it is recreated with jittered backoff.
package filewatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "katabot/pkg/logx"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	backoffBase = 250 * time.Millisecond
	backoffMax  = 5 * time.Second
)

type Options struct {
	// Debounce is the quiet period before onChange runs. Zero means DefaultDebounce.
	Debounce time.Duration
	Log      logx.Logger
}

// Watch calls onChange (on its own goroutine, never concurrently with itself)
// after path is written, created, renamed or removed. It blocks until ctx is
// canceled and then returns nil.
func Watch(ctx context.Context, path string, opts Options, onChange func()) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("path", path))

	delay := opts.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	d := newDebouncer(delay, onChange)
	defer d.stop()

	b := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			wait := b.next()
			log.Warn("file watch setup failed", logx.Err(err), logx.Duration("retry_in", wait))
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		b.reset()
		log.Debug("file watcher started")
		broken := loop(ctx, w, file, d, log)
		_ = w.Close()
		if !broken {
			return nil
		}

		wait := b.next()
		log.Warn("file watcher stopped; restarting", logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// loop pumps watcher events until ctx is done (returns false) or the watcher
// breaks (returns true).
func loop(ctx context.Context, w *fsnotify.Watcher, file string, d *debouncer, log logx.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Debug("file change detected", logx.String("op", ev.Op.String()))
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				// Events may have been missed.
				log.Warn("file watch overflow; forcing reload", logx.Err(err))
				d.trigger()
				continue
			}
			log.Warn("file watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return true
			}
		}
	}
}

type debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	// run serializes fn across overlapping timers.
	run sync.Mutex
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		d.run.Lock()
		defer d.run.Unlock()
		d.fn()
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

type backoff struct {
	cur time.Duration
	rng *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{cur: backoffBase, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// next returns the current wait plus up to 50% jitter and doubles the base.
func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > backoffMax {
		b.cur = backoffMax
	}
	return wait
}

func (b *backoff) reset() { b.cur = backoffBase }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
