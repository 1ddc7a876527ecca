package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a history event. The names are part of the persisted
// format and of event identity, so they must never change.
type EventType string

// Lifecycle events.
const (
	EventWorkflowStarted      EventType = "WorkflowStarted"
	EventWorkflowRunStarted   EventType = "WorkflowRunStarted"
	EventWorkflowRunCompleted EventType = "WorkflowRunCompleted"
	EventWorkflowSucceeded    EventType = "WorkflowSucceeded"
	EventWorkflowFailed       EventType = "WorkflowFailed"
	EventWorkflowTimedOut     EventType = "WorkflowTimedOut"
)

// Scheduled events, recorded when the executor issues a command. Every
// scheduled event carries a sequence number unique within its execution.
const (
	EventTaskScheduled          EventType = "TaskScheduled"
	EventTimerScheduled         EventType = "TimerScheduled"
	EventChildWorkflowScheduled EventType = "ChildWorkflowScheduled"
	EventSignalSent             EventType = "SignalSent"
	EventEventsEmitted          EventType = "EventsEmitted"
	EventSignalExpectStarted    EventType = "SignalExpectStarted"
	EventConditionStarted       EventType = "ConditionStarted"
	EventEntityRequest          EventType = "EntityRequest"
	EventBucketRequest          EventType = "BucketRequest"
	EventSearchRequest          EventType = "SearchRequest"
	EventTransactionRequest     EventType = "TransactionRequest"
)

// Result events, produced externally and consumed by the executor.
const (
	EventTaskSucceeded               EventType = "TaskSucceeded"
	EventTaskFailed                  EventType = "TaskFailed"
	EventTaskHeartbeatTimedOut       EventType = "TaskHeartbeatTimedOut"
	EventTimerCompleted              EventType = "TimerCompleted"
	EventChildWorkflowSucceeded      EventType = "ChildWorkflowSucceeded"
	EventChildWorkflowFailed         EventType = "ChildWorkflowFailed"
	EventSignalReceived              EventType = "SignalReceived"
	EventSignalTimedOut              EventType = "SignalTimedOut"
	EventConditionTimedOut           EventType = "ConditionTimedOut"
	EventEntityRequestSucceeded      EventType = "EntityRequestSucceeded"
	EventEntityRequestFailed         EventType = "EntityRequestFailed"
	EventBucketRequestSucceeded      EventType = "BucketRequestSucceeded"
	EventBucketRequestFailed         EventType = "BucketRequestFailed"
	EventSearchRequestSucceeded      EventType = "SearchRequestSucceeded"
	EventSearchRequestFailed         EventType = "SearchRequestFailed"
	EventTransactionRequestSucceeded EventType = "TransactionRequestSucceeded"
	EventTransactionRequestFailed    EventType = "TransactionRequestFailed"
)

var scheduledTypes = map[EventType]bool{
	EventTaskScheduled:          true,
	EventTimerScheduled:         true,
	EventChildWorkflowScheduled: true,
	EventSignalSent:             true,
	EventEventsEmitted:          true,
	EventSignalExpectStarted:    true,
	EventConditionStarted:       true,
	EventEntityRequest:          true,
	EventBucketRequest:          true,
	EventSearchRequest:          true,
	EventTransactionRequest:     true,
}

var sequencedResultTypes = map[EventType]bool{
	EventTaskSucceeded:               true,
	EventTaskFailed:                  true,
	EventTaskHeartbeatTimedOut:       true,
	EventTimerCompleted:              true,
	EventChildWorkflowSucceeded:      true,
	EventChildWorkflowFailed:         true,
	EventSignalTimedOut:              true,
	EventConditionTimedOut:           true,
	EventEntityRequestSucceeded:      true,
	EventEntityRequestFailed:         true,
	EventBucketRequestSucceeded:      true,
	EventBucketRequestFailed:         true,
	EventSearchRequestSucceeded:      true,
	EventSearchRequestFailed:         true,
	EventTransactionRequestSucceeded: true,
	EventTransactionRequestFailed:    true,
}

// Scheduled reports whether the type is a scheduled (command-intent) event.
func (t EventType) Scheduled() bool { return scheduledTypes[t] }

// Sequenced reports whether events of this type are identified by their
// sequence number rather than by an opaque id.
func (t EventType) Sequenced() bool { return scheduledTypes[t] || sequencedResultTypes[t] }

// EmittedEvent is one fan-out message handed to subscribers.
type EmittedEvent struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a single history event. It is a flat union over all event types;
// only the fields meaningful for the Type are populated. One JSON object per
// line in the persisted history blob.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// ID identifies non-sequenced events (lifecycle, SignalReceived).
	ID string `json:"id,omitempty"`
	// Seq identifies sequenced events; dense and monotonic per execution.
	Seq int64 `json:"seq,omitempty"`

	Name        string           `json:"name,omitempty"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Message     string           `json:"message,omitempty"`
	SignalID    string           `json:"signalId,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Target      ExecutionID      `json:"executionId,omitempty"`
	UntilTime   *time.Time       `json:"untilTime,omitempty"`
	TimeoutTime *time.Time       `json:"timeoutTime,omitempty"`
	Events      []EmittedEvent   `json:"events,omitempty"`
	Entity      *EntityOperation `json:"entity,omitempty"`
	Bucket      *BucketOperation `json:"bucket,omitempty"`
	Search      *SearchQuery     `json:"search,omitempty"`
}

// EventID returns the identity of the event. Sequenced events are identified
// by "<seq>_<type>" so that a replayed or duplicated delivery collapses onto
// the original; all other events carry an opaque id.
func (e *Event) EventID() string {
	if e.Type.Sequenced() {
		return fmt.Sprintf("%d_%s", e.Seq, e.Type)
	}
	return e.ID
}

// MergeEvents appends to history those incoming events whose identity is not
// already present. Order of history is preserved; incoming events keep their
// relative order. History is a set under event identity.
func MergeEvents(history, incoming []*Event) []*Event {
	seen := make(map[string]bool, len(history))
	for _, e := range history {
		seen[e.EventID()] = true
	}
	merged := history
	for _, e := range incoming {
		id := e.EventID()
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, e)
	}
	return merged
}

// FindWorkflowStarted returns the WorkflowStarted event, or nil.
func FindWorkflowStarted(history []*Event) *Event {
	for _, e := range history {
		if e.Type == EventWorkflowStarted {
			return e
		}
	}
	return nil
}
