package history

import (
	"context"
	"sort"
	"sync"

	"github.com/orbitflow/engine/internal/types"
)

// MemoryStore is an in-memory history store for tests and single-process
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[types.ExecutionID][]*types.Event
	seen   map[types.ExecutionID]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[types.ExecutionID][]*types.Event),
		seen:   make(map[types.ExecutionID]map[string]bool),
	}
}

func (s *MemoryStore) AppendEvents(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.seen[id]
	if seen == nil {
		seen = make(map[string]bool)
		s.seen[id] = seen
	}
	for _, e := range events {
		eid := e.EventID()
		if seen[eid] {
			continue
		}
		seen[eid] = true
		s.events[id] = append(s.events[id], e)
	}
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, id types.ExecutionID) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[id]
	out := make([]*types.Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) GetEventCount(ctx context.Context, id types.ExecutionID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[id])), nil
}

// MemoryJournal is an in-memory event journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[types.ExecutionID][]*types.Event
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[types.ExecutionID][]*types.Event)}
}

func (j *MemoryJournal) Record(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[id] = append(j.entries[id], events...)
	return nil
}

func (j *MemoryJournal) List(ctx context.Context, id types.ExecutionID, limit int) ([]*types.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.entries[id]
	out := make([]*types.Event, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(a, b int) bool { return out[a].Timestamp.Before(out[b].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
