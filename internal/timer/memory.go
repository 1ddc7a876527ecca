package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

// MemoryStore is an in-memory schedule store for tests and single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*Schedule)}
}

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sched
	s.schedules[sched.ID] = &copied
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	copied := *sched
	return &copied, nil
}

func (s *MemoryStore) UpdateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.schedules[sched.ID]
	if !ok {
		return ErrScheduleNotFound
	}
	if current.Version != sched.Version-1 {
		return ErrScheduleConflict
	}
	copied := *sched
	s.schedules[sched.ID] = &copied
	return nil
}

func (s *MemoryStore) GetDueSchedules(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if sched.Status == SchedulePending && !sched.FireTime.After(now) {
			copied := *sched
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireTime.Before(due[j].FireTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) DeleteByExecution(_ context.Context, id types.ExecutionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sched := range s.schedules {
		if sched.ExecutionID == id {
			delete(s.schedules, key)
		}
	}
	return nil
}
