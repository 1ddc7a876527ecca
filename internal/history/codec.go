package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/orbitflow/engine/internal/types"
)

// MarshalHistory encodes events as newline-delimited JSON, one event per
// line, in append order. This is the persisted history blob format.
func MarshalHistory(events []*types.Event) ([]byte, error) {
	var buf bytes.Buffer
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// UnmarshalHistory decodes a newline-delimited JSON history blob.
func UnmarshalHistory(blob []byte) ([]*types.Event, error) {
	var events []*types.Event
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e types.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event at line %d: %w", line, err)
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading history blob: %w", err)
	}
	return events, nil
}
