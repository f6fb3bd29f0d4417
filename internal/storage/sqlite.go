package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "katabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Start.IsZero() {
		r.Start = time.Now()
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task, started_at, took_ms, ok, err, detail) VALUES(?,?,?,?,?,?)`,
		r.Task, r.Start.UnixMilli(), r.Duration.Milliseconds(), ok, nullStr(r.Error), nullStr(r.Detail),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, task string, since time.Time) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT task, started_at, took_ms, ok, err, detail FROM runs WHERE started_at >= ?`
	args := []any{since.UnixMilli()}
	if task != "" {
		q += ` AND task = ?`
		args = append(args, task)
	}
	q += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r         RunRecord
			startMS   int64
			tookMS    int64
			ok        int
			errStr    sql.NullString
			detailStr sql.NullString
		)
		if err := rows.Scan(&r.Task, &startMS, &tookMS, &ok, &errStr, &detailStr); err != nil {
			return nil, err
		}
		r.Start = time.UnixMilli(startMS)
		r.Duration = time.Duration(tookMS) * time.Millisecond
		r.OK = ok != 0
		r.Error = errStr.String
		r.Detail = detailStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
