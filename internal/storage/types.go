package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished task execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	Task     string        `json:"task"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	// Detail is a short job-specific summary (e.g. "sent to 3 users").
	Detail string `json:"detail,omitempty"`
}
