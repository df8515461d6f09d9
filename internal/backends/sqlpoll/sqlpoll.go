// Package sqlpoll claims schedules from a task_schedules table.
//
// A row moves pending -> claimed when a process picks it up and claimed ->
// <terminal status> when it is reported. The claim is a conditional UPDATE, so
// two processes polling the same table never both get a row.
package sqlpoll

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/platform/sqldb"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

const migrationsTable = "taskrunner_sqlpoll_migrations"

const (
	StatusPending = "pending"
	StatusClaimed = "claimed"
	// StatusInvalid marks rows whose payload could not be parsed.
	StatusInvalid = "invalid"
)

var (
	ErrNotClaimed = errors.New("schedule is not claimed")
	ErrClosed     = errors.New("sqlpoll backend closed")
)

type Config struct {
	Driver string
	DSN    string
	// Queue restricts claims to one queue; empty claims from every queue.
	Queue string
	// Worker is written to claimed_by. Defaults to hostname-pid.
	Worker      string
	BusyTimeout time.Duration
}

type Backend struct {
	db      *sql.DB
	dialect sqldb.Dialect
	cfg     Config
	log     logx.Logger
	now     func() time.Time

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open connects, migrates and returns a backend that owns the connection.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Backend, error) {
	d, err := sqldb.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	log = log.OrNop().Named("backend.sqlpoll").With(logx.String("driver", string(d)))
	db, err := sqldb.Open(ctx, d, cfg.DSN, sqldb.Options{BusyTimeout: cfg.BusyTimeout})
	if err != nil {
		return nil, err
	}
	dir := "migrations/sqlite"
	if d == sqldb.Postgres {
		dir = "migrations/postgres"
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := sqldb.Migrate(ctx, db, d, sub, migrationsTable, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	if strings.TrimSpace(cfg.Worker) == "" {
		host, _ := os.Hostname()
		cfg.Worker = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Backend{
		db:      db,
		dialect: d,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		closed:  make(chan struct{}),
	}, nil
}

func (b *Backend) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Request claims up to limit due pending rows, oldest schedule time first.
func (b *Backend) Request(ctx context.Context, limit int) ([]*model.Schedule, error) {
	if b.isClosed() || limit <= 0 {
		return nil, nil
	}
	now := b.now()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	type row struct {
		id      int64
		due     int64
		payload string
	}
	query := `SELECT id, schedule_time, payload FROM task_schedules WHERE status = ? AND schedule_time <= ?`
	args := []any{StatusPending, now.UnixMilli()}
	if b.cfg.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, b.cfg.Queue)
	}
	query += ` ORDER BY schedule_time, id LIMIT ?`
	args = append(args, limit)
	if b.dialect == sqldb.Postgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := tx.QueryContext(ctx, b.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var due []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.due, &r.payload); err != nil {
			_ = rows.Close()
			return nil, err
		}
		due = append(due, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claim := b.dialect.Rebind(`UPDATE task_schedules SET status = ?, claimed_by = ?, claimed_at = ? WHERE id = ? AND status = ?`)
	invalid := b.dialect.Rebind(`UPDATE task_schedules SET status = ?, finished_at = ?, result = ? WHERE id = ?`)

	out := make([]*model.Schedule, 0, len(due))
	for _, r := range due {
		res, err := tx.ExecContext(ctx, claim, StatusClaimed, b.cfg.Worker, now.UnixMilli(), r.id, StatusPending)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			// Claimed by someone else in between.
			continue
		}
		s, err := model.DecodeSchedule([]byte(r.payload))
		if err != nil {
			b.log.Warn("sqlpoll.invalid_payload", logx.Int64("row", r.id), logx.Err(err))
			msg, _ := json.Marshal(executor.Result{Error: err.Error()})
			if _, err := tx.ExecContext(ctx, invalid, StatusInvalid, now.UnixMilli(), string(msg), r.id); err != nil {
				return nil, err
			}
			continue
		}
		// Report finds the row by (schedule_id, schedule_time).
		if s.ScheduleTime.IsZero() {
			s.ScheduleTime = time.UnixMilli(r.due).UTC()
		}
		out = append(out, s)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		b.log.Debug("sqlpoll.claimed", logx.Int("count", len(out)))
	}
	return out, nil
}

// Report stores the terminal status and result of the claimed row matching
// the record's schedule id and time.
func (b *Backend) Report(ctx context.Context, rec executor.LogRecord) error {
	if b.isClosed() {
		return ErrClosed
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, b.dialect.Rebind(
		`UPDATE task_schedules SET status = ?, finished_at = ?, result = ? WHERE schedule_id = ? AND schedule_time = ? AND status = ?`),
		string(rec.Status), b.now().UnixMilli(), string(result), rec.ScheduleID, rec.ScheduleTime.UnixMilli(), StatusClaimed,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s@%s", ErrNotClaimed, rec.ScheduleID, rec.ScheduleTime.Format(time.RFC3339Nano))
	}
	return nil
}

// Enqueue inserts a pending row. A missing schedule_id is generated; a
// missing schedule_time means due now. It returns the schedule id.
func (b *Backend) Enqueue(ctx context.Context, payload map[string]any) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	p := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	if v, ok := p["schedule_id"]; !ok || v == nil || v == "" {
		p["schedule_id"] = uuid.NewString()
	}
	s, err := model.ParseSchedule(p)
	if err != nil {
		return "", err
	}
	due := s.ScheduleTime
	if due.IsZero() {
		due = b.now()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	_, err = b.db.ExecContext(ctx, b.dialect.Rebind(
		`INSERT INTO task_schedules(schedule_id, queue, schedule_time, payload, status) VALUES(?,?,?,?,?)`),
		s.ScheduleID, s.Queue, due.UnixMilli(), string(raw), StatusPending,
	)
	if err != nil {
		return "", err
	}
	return s.ScheduleID, nil
}

// Count returns the number of rows with status.
func (b *Backend) Count(ctx context.Context, status string) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	var n int
	err := b.db.QueryRowContext(ctx, b.dialect.Rebind(`SELECT COUNT(*) FROM task_schedules WHERE status = ?`), status).Scan(&n)
	return n, err
}

// Stop closes the database.
func (b *Backend) Stop() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}
