package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot plus a JSON Lines audit log next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory" (or empty): process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a small durable key/value map plus an append-only audit log.
// All writes are synchronous: when a call returns nil the data is on disk
// (for durable drivers).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, val []byte) error
	// PutBatch writes every pair atomically: either all land or none do.
	PutBatch(ctx context.Context, kv map[string][]byte) error
	Delete(ctx context.Context, key string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to n entries, newest first.
	RecentAudit(ctx context.Context, n int) ([]AuditEntry, error)

	Close() error
}

// AuditEntry records something that happened to an occurrence: a user
// action or an enforcement run. Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Actor      string    `json:"actor"` // "timer", "telegram:<user id>", "boot"
	Occurrence string    `json:"occurrence,omitempty"`
	Action     string    `json:"action"` // executed, cancelled, snoozed, enforce, rule
	Tier       string    `json:"tier,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	TookMS     int64     `json:"took_ms,omitempty"`
}
