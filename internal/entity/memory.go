package entity

import (
	"context"
	"encoding/json"
	"sync"
)

type memoryEntry struct {
	value   json.RawMessage
	version int64
}

// MemoryStore is an in-memory entity store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Versioned, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return &Versioned{Version: 0}, nil
	}
	var value json.RawMessage
	if entry.value != nil {
		value = append(json.RawMessage(nil), entry.value...)
	}
	return &Versioned{Value: value, Version: entry.version}, nil
}

func (s *MemoryStore) Commit(_ context.Context, writes []Write, asserts []Assert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range asserts {
		if s.versionLocked(a.Key) != a.Version {
			return ErrVersionConflict
		}
	}
	for _, w := range writes {
		if w.ExpectedVersion != UnconditionalWrite && s.versionLocked(w.Key) != w.ExpectedVersion {
			return ErrVersionConflict
		}
	}

	for _, w := range writes {
		entry, ok := s.entries[w.Key]
		if !ok {
			entry = &memoryEntry{}
			s.entries[w.Key] = entry
		}
		entry.version++
		if w.Value == nil {
			// Deletion keeps the version counter as a tombstone.
			entry.value = nil
			continue
		}
		entry.value = append(json.RawMessage(nil), w.Value...)
	}
	return nil
}

func (s *MemoryStore) versionLocked(key string) int64 {
	if entry, ok := s.entries[key]; ok {
		return entry.version
	}
	return 0
}
