// Package spool reads schedules from JSON files dropped into a directory.
//
// Each *.json file holds one schedule object or an array of them. Writers
// should create the file under another name and rename it into place. A
// consumed file moves to done/; one that cannot be parsed moves to failed/.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

type Config struct {
	Dir       string
	DoneDir   string
	FailedDir string
	// Rescan lists Dir periodically in case watch events were missed.
	// Default 30s.
	Rescan time.Duration
}

type Backend struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	pending []string
	queued  map[string]bool

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	consumed atomic.Uint64
	failed   atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("spool: dir is required")
	}
	if cfg.DoneDir == "" {
		cfg.DoneDir = filepath.Join(cfg.Dir, "done")
	}
	if cfg.FailedDir == "" {
		cfg.FailedDir = filepath.Join(cfg.Dir, "failed")
	}
	if cfg.Rescan <= 0 {
		cfg.Rescan = 30 * time.Second
	}
	for _, d := range []string{cfg.Dir, cfg.DoneDir, cfg.FailedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	b := &Backend{
		cfg:    cfg,
		log:    log.OrNop().Named("backend.spool").With(logx.String("dir", cfg.Dir)),
		queued: make(map[string]bool),
		stopCh: make(chan struct{}),
	}
	if err := b.scan(); err != nil {
		return nil, err
	}
	return b, nil
}

// Pending returns the number of files waiting to be read.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Counts returns consumed and failed files.
func (b *Backend) Counts() (consumed, failed uint64) { return b.consumed.Load(), b.failed.Load() }

func (b *Backend) scan() error {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isSpoolFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b.add(filepath.Join(b.cfg.Dir, n))
	}
	return nil
}

func (b *Backend) add(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued[path] {
		return
	}
	b.queued[path] = true
	b.pending = append(b.pending, path)
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json") && !strings.HasPrefix(name, ".")
}

// Request reads up to limit files. Every schedule in a file is returned, so
// an array file may yield more than limit schedules.
func (b *Backend) Request(ctx context.Context, limit int) ([]*model.Schedule, error) {
	if b.stopped.Load() || limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	n := min(limit, len(b.pending))
	batch := append([]string(nil), b.pending[:n]...)
	b.pending = b.pending[n:]
	for _, p := range batch {
		delete(b.queued, p)
	}
	b.mu.Unlock()

	var out []*model.Schedule
	for _, path := range batch {
		if ctx.Err() != nil {
			b.add(path)
			continue
		}
		items, err := readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			b.failed.Add(1)
			b.log.Warn("spool.invalid_file", logx.String("file", filepath.Base(path)), logx.Err(err))
			b.move(path, b.cfg.FailedDir)
			continue
		}
		b.consumed.Add(1)
		b.move(path, b.cfg.DoneDir)
		out = append(out, items...)
	}
	return out, nil
}

func readFile(path string) ([]*model.Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	var payloads []map[string]any
	switch v := raw.(type) {
	case map[string]any:
		payloads = append(payloads, v)
	case []any:
		for i, it := range v {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: item %d is not an object", model.ErrInvalidPayload, i)
			}
			payloads = append(payloads, m)
		}
	default:
		return nil, fmt.Errorf("%w: expected object or array", model.ErrInvalidPayload)
	}
	out := make([]*model.Schedule, 0, len(payloads))
	for _, p := range payloads {
		if v, ok := p["schedule_id"]; !ok || v == nil || v == "" {
			p["schedule_id"] = uuid.NewString()
		}
		if _, ok := p["generator"]; !ok {
			p["generator"] = "spool:" + filepath.Base(path)
		}
		s, err := model.ParseSchedule(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *Backend) move(path, dir string) {
	dst := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, dst); err != nil {
		b.log.Warn("spool.move_failed", logx.String("file", filepath.Base(path)), logx.Err(err))
	}
}

// Run watches Dir until ctx is done or the backend is stopped. The watcher is
// recreated with backoff if it breaks.
func (b *Backend) Run(ctx context.Context) error {
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rescan := time.NewTicker(b.cfg.Rescan)
	defer rescan.Stop()

	for {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(b.cfg.Dir); err != nil {
				_ = w.Close()
			}
		}
		if err == nil {
			backoff = backoffBase
			b.log.Debug("spool.watching")
			// Files created before the watch was armed.
			_ = b.scan()
			if b.watch(ctx, w, rescan.C) {
				return nil
			}
		} else {
			b.log.Warn("spool.watch_failed", logx.Err(err))
		}

		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, backoffMax)
		select {
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			return nil
		case <-rescan.C:
			_ = b.scan()
		case <-time.After(wait):
		}
	}
}

// watch consumes events until the watcher breaks (false) or the backend
// should exit (true).
func (b *Backend) watch(ctx context.Context, w *fsnotify.Watcher, rescan <-chan time.Time) bool {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-b.stopCh:
			return true
		case <-rescan:
			if err := b.scan(); err != nil {
				b.log.Warn("spool.scan_failed", logx.Err(err))
			}
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && isSpoolFile(filepath.Base(ev.Name)) {
				b.add(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				b.log.Warn("spool.watch_overflow")
				_ = b.scan()
				continue
			}
			b.log.Warn("spool.watch_error", logx.Err(err))
		}
	}
}

func (b *Backend) Stop() error {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
		consumed, failed := b.Counts()
		b.log.Info("backend.stopped", logx.Uint64("consumed", consumed), logx.Uint64("failed", failed))
	})
	return nil
}
