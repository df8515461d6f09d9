package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taskrunner/pkg/logx"
)

const defaultRecent = 500

// fileStore writes JSON Lines:
//   - <prefix>.records.jsonl    (execution records)
//   - <prefix>.exceptions.jsonl (exception reports)
//
// The tail of the records file is replayed on open so RecentRecords survives
// restarts.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	records    *os.File
	exceptions *os.File
	recent     []Record // ring, oldest first
	limit      int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	limit := cfg.Recent
	if limit <= 0 {
		limit = defaultRecent
	}
	recordsPath := prefix + ".records.jsonl"
	recent, err := replayRecords(recordsPath, limit)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.replay_failed", logx.String("path", recordsPath), logx.Err(err))
	}

	rf, err := os.OpenFile(recordsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	ef, err := os.OpenFile(prefix+".exceptions.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	return &fileStore{log: log, records: rf, exceptions: ef, recent: recent, limit: limit}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.records != nil {
		errs = append(errs, s.records.Close())
		s.records = nil
	}
	if s.exceptions != nil {
		errs = append(errs, s.exceptions.Close())
		s.exceptions = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendRecord(_ context.Context, r Record) error {
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.records).Encode(r); err != nil {
		return err
	}
	s.recent = append(s.recent, r)
	if over := len(s.recent) - s.limit; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	return nil
}

func (s *fileStore) AppendException(_ context.Context, e Exception) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exceptions == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.exceptions).Encode(e)
}

func (s *fileStore) RecentRecords(_ context.Context, n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.recent) == 0 {
		return nil, nil
	}
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Record, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func replayRecords(path string, limit int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ScheduleID == "" {
			continue
		}
		out = append(out, r)
		if len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
