package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "katabot/pkg/logx"
)

// Store persists run history.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns runs started at or after since, oldest first.
	// An empty task matches every task.
	RecentRuns(ctx context.Context, task string, since time.Time) ([]RunRecord, error)
	// PruneRuns deletes runs started before the cutoff and reports how many.
	PruneRuns(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
