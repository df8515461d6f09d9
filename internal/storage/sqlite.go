package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"io/fs"
	"strings"
	"time"

	"taskrunner/internal/platform/sqldb"
	"taskrunner/internal/task/executor"
	logx "taskrunner/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

const migrationsTable = "taskrunner_storage_migrations"

// sqlStore backs history with sqlite or postgres.
type sqlStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	log     logx.Logger
}

func openSQL(ctx context.Context, d sqldb.Dialect, dsn string, cfg Config, log logx.Logger) (Store, error) {
	db, err := sqldb.Open(ctx, d, dsn, sqldb.Options{BusyTimeout: cfg.BusyTimeout})
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
	return &sqlStore{db: db, dialect: d, log: log}, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendRecord(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now()
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO execution_records(schedule_id, status, queue, schedule_time, model, duration_ms, result, stored_at)
		 VALUES(?,?,?,?,?,?,?,?)`),
		r.ScheduleID, string(r.Status), nullStr(r.Queue), formatTime(r.ScheduleTime),
		nullStr(r.Model), r.DurationMS, string(result), formatTime(r.StoredAt),
	)
	return err
}

func (s *sqlStore) AppendException(ctx context.Context, e Exception) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO exceptions(at, stage, schedule_id, error, panic, stack) VALUES(?,?,?,?,?,?)`),
		formatTime(e.At), e.Stage, nullStr(e.ScheduleID), e.Error, nullStr(e.Panic), nullStr(e.Stack),
	)
	return err
}

func (s *sqlStore) RecentRecords(ctx context.Context, n int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT schedule_id, status, queue, schedule_time, model, duration_ms, result, stored_at
		 FROM execution_records ORDER BY id DESC LIMIT ?`), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                      Record
			status                 string
			queue, model, result   sql.NullString
			scheduleTime, storedAt sql.NullString
		)
		if err := rows.Scan(&r.ScheduleID, &status, &queue, &scheduleTime, &model, &r.DurationMS, &result, &storedAt); err != nil {
			return nil, err
		}
		r.Status = executor.Status(status)
		r.Queue = queue.String
		r.Model = model.String
		r.ScheduleTime = parseTime(scheduleTime.String)
		r.StoredAt = parseTime(storedAt.String)
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &r.Result); err != nil {
				s.log.Debug("storage.bad_result", logx.String("schedule_id", r.ScheduleID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
