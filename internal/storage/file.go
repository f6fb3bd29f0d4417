package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "katabot/pkg/logx"
)

// fileStore is a dependency-free history backend.
//
// Runs are appended to <prefix>.runs.jsonl and mirrored in memory. PruneRuns
// rewrites the journal (temp file + rename) without the pruned records.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	f    *os.File
	runs []RunRecord // ordered by Start
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journal := filepath.Join(dir, base+".runs.jsonl")

	runs, skipped, err := replayRuns(journal)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay run journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped corrupt run records", logx.Int("count", skipped), logx.String("path", journal))
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("run journal opened", logx.String("path", journal), logx.Int("runs", len(runs)))
	return &fileStore{log: log, path: journal, f: f, runs: runs}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Start.IsZero() {
		r.Start = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	// Keep runs sorted; appends are almost always the newest.
	i := sort.Search(len(s.runs), func(i int) bool { return s.runs[i].Start.After(r.Start) })
	s.runs = append(s.runs, RunRecord{})
	copy(s.runs[i+1:], s.runs[i:])
	s.runs[i] = r
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, task string, since time.Time) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.runs), func(i int) bool { return !s.runs[i].Start.Before(since) })
	out := make([]RunRecord, 0, len(s.runs)-i)
	for _, r := range s.runs[i:] {
		if task == "" || r.Task == task {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fileStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("run journal closed")
	}
	n := sort.Search(len(s.runs), func(i int) bool { return !s.runs[i].Start.Before(before) })
	if n == 0 {
		return 0, nil
	}
	keep := s.runs[n:]
	if err := s.rewriteLocked(keep); err != nil {
		return 0, err
	}
	s.runs = append([]RunRecord(nil), keep...)
	return n, nil
}

// rewriteLocked replaces the journal with keep and reopens it for appends.
func (s *fileStore) rewriteLocked(keep []RunRecord) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	_ = s.f.Close()
	s.f = nil
	renameErr := os.Rename(tmp, s.path)
	if renameErr != nil {
		_ = os.Remove(tmp)
	}
	// Reopen either way so appends keep working.
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = nf
	return renameErr
}

// replayRuns loads the journal, skipping lines that do not decode.
func replayRuns(path string) ([]RunRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		runs    []RunRecord
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal(line, &r); err != nil || r.Task == "" {
			skipped++
			continue
		}
		runs = append(runs, r)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Start.Before(runs[j].Start) })
	return runs, skipped, sc.Err()
}
