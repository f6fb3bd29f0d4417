// Package storage keeps the run history of scheduled jobs.
//
// Drivers:
//   - "file": JSON Lines journal, compacted on prune
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// An empty driver or "none" disables history; Open then returns (nil, nil)
// and callers treat a nil Store as "do not record".
package storage
