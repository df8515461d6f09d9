package storage

import (
	"context"
	"errors"
	"time"

	"taskrunner/internal/task/executor"
)

var ErrClosed = errors.New("storage closed")

// Config selects a driver. An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string // file prefix or sqlite file
	DSN         string // pgx only
	BusyTimeout time.Duration
	// Recent bounds the in-memory window kept by the file driver.
	Recent int
}

// Record is one completed execution.
type Record struct {
	executor.LogRecord
	Model      string    `json:"model,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StoredAt   time.Time `json:"stored_at"`
}

// Exception is one entry from the exception sink.
type Exception struct {
	At         time.Time `json:"at"`
	Stage      string    `json:"stage"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Error      string    `json:"error"`
	Panic      string    `json:"panic,omitempty"`
	Stack      string    `json:"stack,omitempty"`
}

type Store interface {
	AppendRecord(ctx context.Context, r Record) error
	AppendException(ctx context.Context, e Exception) error
	// RecentRecords returns up to n records, newest first.
	RecentRecords(ctx context.Context, n int) ([]Record, error)
	Close() error
}
