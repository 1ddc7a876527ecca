package transaction

import (
	"context"
	"encoding/json"

	"github.com/orbitflow/engine/internal/entity"
	"github.com/orbitflow/engine/internal/types"
)

type pendingWrite struct {
	value json.RawMessage // nil = delete
}

type pendingSignal struct {
	target   types.ExecutionID
	signalID string
	payload  json.RawMessage
}

// shadowStore is the environment one transaction attempt runs in. Reads
// observe committed state and record the version seen; writes, emissions and
// signals are buffered until commit. It implements registry.TxStore.
type shadowStore struct {
	ctx      context.Context
	entities entity.Store

	reads      map[string]int64
	writes     map[string]pendingWrite
	writeOrder []string
	events     []types.EmittedEvent
	signals    []pendingSignal
	readErr    error
}

func newShadowStore(ctx context.Context, entities entity.Store) *shadowStore {
	return &shadowStore{
		ctx:      ctx,
		entities: entities,
		reads:    make(map[string]int64),
		writes:   make(map[string]pendingWrite),
	}
}

func (s *shadowStore) EntityGet(ctx context.Context, key string) (json.RawMessage, error) {
	// Reads observe the attempt's own buffered writes first.
	if w, ok := s.writes[key]; ok {
		return w.value, nil
	}
	versioned, err := s.entities.Get(ctx, key)
	if err != nil {
		s.readErr = err
		return nil, err
	}
	if _, seen := s.reads[key]; !seen {
		s.reads[key] = versioned.Version
	}
	return versioned.Value, nil
}

func (s *shadowStore) EntitySet(key string, value json.RawMessage) {
	s.buffer(key, pendingWrite{value: append(json.RawMessage(nil), value...)})
}

func (s *shadowStore) EntityDelete(key string) {
	s.buffer(key, pendingWrite{})
}

func (s *shadowStore) Emit(event types.EmittedEvent) {
	s.events = append(s.events, event)
}

func (s *shadowStore) Signal(target types.ExecutionID, signalID string, payload json.RawMessage) {
	s.signals = append(s.signals, pendingSignal{target: target, signalID: signalID, payload: payload})
}

func (s *shadowStore) buffer(key string, w pendingWrite) {
	if _, ok := s.writes[key]; !ok {
		s.writeOrder = append(s.writeOrder, key)
	}
	s.writes[key] = w
}

// commitSet builds the conditional multi-write: written keys are conditioned
// on the version observed when first read (unconditional if written blind),
// read-only keys are asserted unchanged.
func (s *shadowStore) commitSet() ([]entity.Write, []entity.Assert) {
	writes := make([]entity.Write, 0, len(s.writeOrder))
	for _, key := range s.writeOrder {
		expected := entity.UnconditionalWrite
		if version, read := s.reads[key]; read {
			expected = version
		}
		writes = append(writes, entity.Write{
			Key:             key,
			Value:           s.writes[key].value,
			ExpectedVersion: expected,
		})
	}

	var asserts []entity.Assert
	for key, version := range s.reads {
		if _, written := s.writes[key]; written {
			continue
		}
		asserts = append(asserts, entity.Assert{Key: key, Version: version})
	}
	return writes, asserts
}
