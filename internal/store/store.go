// Package store persists the history of completed relays using SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Record is one completed relay.
type Record struct {
	ID          string
	Kind        string // 'http', 'ws'
	Label       string // e.g. "GET /index.html"
	Outcome     string // 'success', 'client_abort', 'upstream_error', 'closed'
	Status      int    // HTTP status or close code, 0 if none
	Detail      string // status text or error message
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	ExpiresAt   *time.Time
}

// RecordFilter defines filter criteria for record queries.
type RecordFilter struct {
	Kind      *string
	Outcome   *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Store defines the interface for history persistence.
type Store interface {
	SaveRecord(ctx context.Context, rec *Record) error
	SaveRecords(ctx context.Context, recs []*Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error)
	CountRecords(ctx context.Context, filter RecordFilter) (int, error)

	// Maintenance
	RunRetention(ctx context.Context) (deleted int64, err error)
	Close() error
}
