package subscription

import (
	"context"
	"sync"

	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
)

// MemoryBackend serves schedules pushed in-process and keeps the completion
// records reported back to it.
type MemoryBackend struct {
	mu       sync.Mutex
	items    []*model.Schedule
	records  []executor.LogRecord
	requests int
	stopped  bool

	// IgnoreLimit makes Request return everything it holds.
	IgnoreLimit bool
}

func NewMemoryBackend(items ...*model.Schedule) *MemoryBackend {
	return &MemoryBackend{items: append([]*model.Schedule(nil), items...)}
}

func (m *MemoryBackend) Push(items ...*model.Schedule) {
	m.mu.Lock()
	m.items = append(m.items, items...)
	m.mu.Unlock()
}

func (m *MemoryBackend) Request(ctx context.Context, limit int) ([]*model.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.stopped || len(m.items) == 0 {
		return nil, nil
	}
	n := len(m.items)
	if !m.IgnoreLimit && limit < n {
		n = limit
	}
	if n <= 0 {
		return nil, nil
	}
	out := append([]*model.Schedule(nil), m.items[:n]...)
	m.items = m.items[n:]
	return out, nil
}

func (m *MemoryBackend) Report(_ context.Context, rec executor.LogRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Stop() error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return nil
}

// Pending returns how many schedules have not been requested yet.
func (m *MemoryBackend) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Records returns a copy of the reported completion records.
func (m *MemoryBackend) Records() []executor.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]executor.LogRecord(nil), m.records...)
}

func (m *MemoryBackend) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MemoryBackend) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
