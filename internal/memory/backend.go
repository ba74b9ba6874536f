package memory

import (
	"context"
	"sort"
	"sync"
)

// Backend is the durable append-only store behind the memory manager.
// Implementations must provide read-after-write consistency for the writer.
type Backend interface {
	Append(ctx context.Context, e *Entry) error
	// List returns entries for (scope, namespace) in creation-time
	// ascending order, filtered.
	List(ctx context.Context, scope Scope, namespace string, f Filter) ([]Entry, error)
	// Recent returns the newest entries for (scope, namespace), newest first.
	Recent(ctx context.Context, scope Scope, namespace string, limit int) ([]Entry, error)
}

// MemBackend is an in-process Backend used in tests and when the service
// runs without Postgres.
type MemBackend struct {
	mu      sync.RWMutex
	entries map[string][]Entry // (scope|namespace) -> append order
	seq     int64
}

// NewMemBackend creates an empty in-process backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{entries: make(map[string][]Entry)}
}

func memKey(scope Scope, namespace string) string {
	return string(scope) + "|" + namespace
}

// Append stores a copy of the entry.
func (m *MemBackend) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	key := memKey(e.Scope, e.Namespace)
	m.entries[key] = append(m.entries[key], *e)
	return nil
}

// List returns matching entries in creation order.
func (m *MemBackend) List(_ context.Context, scope Scope, namespace string, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries[memKey(scope, namespace)] {
		if f.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Recent returns the newest entries, newest first.
func (m *MemBackend) Recent(_ context.Context, scope Scope, namespace string, limit int) ([]Entry, error) {
	all, err := m.List(context.Background(), scope, namespace, Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
