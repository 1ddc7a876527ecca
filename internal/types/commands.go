package types

import (
	"encoding/json"
	"time"
)

// CommandKind discriminates workflow commands.
type CommandKind string

const (
	CommandStartTask          CommandKind = "StartTask"
	CommandStartTimer         CommandKind = "StartTimer"
	CommandStartChildWorkflow CommandKind = "StartChildWorkflow"
	CommandSendSignal         CommandKind = "SendSignal"
	CommandEmitEvents         CommandKind = "EmitEvents"
	CommandExpectSignal       CommandKind = "ExpectSignal"
	CommandStartCondition     CommandKind = "StartCondition"
	CommandInvokeTransaction  CommandKind = "InvokeTransaction"
	CommandEntityOp           CommandKind = "EntityOp"
	CommandBucketOp           CommandKind = "BucketOp"
	CommandSearchOp           CommandKind = "SearchOp"
)

const (
	EntityOpGet    = "get"
	EntityOpSet    = "set"
	EntityOpDelete = "delete"

	BucketOpPut    = "put"
	BucketOpGet    = "get"
	BucketOpDelete = "delete"
	BucketOpList   = "list"
)

// EntityOperation is a logical operation against the versioned entity store.
type EntityOperation struct {
	Op    string          `json:"op"` // get | set | delete
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// BucketOperation is a logical operation against a blob bucket.
type BucketOperation struct {
	Op     string `json:"op"` // put | get | delete | list
	Bucket string `json:"bucket"`
	Key    string `json:"key,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// SearchQuery is a query against the execution index.
type SearchQuery struct {
	WorkflowName string          `json:"workflowName,omitempty"`
	Status       ExecutionStatus `json:"status,omitempty"`
	NamePrefix   string          `json:"namePrefix,omitempty"`
	StartedAfter *time.Time      `json:"startedAfter,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// Command is an intent produced by the workflow executor during one run.
// Commands are not persisted; the command executor turns each into a side
// effect plus the corresponding scheduled history event.
type Command struct {
	Kind CommandKind
	Seq  int64

	// Task, child workflow and transaction commands.
	Name             string
	Input            json.RawMessage
	Timeout          time.Duration
	HeartbeatTimeout time.Duration

	// Timer commands.
	UntilTime time.Time

	// Signal commands. Target names an explicit execution; when empty and
	// ChildSeq >= 0 the target is the child spawned at that sequence.
	SignalID string
	Payload  json.RawMessage
	Target   ExecutionID
	ChildSeq int64

	// Emit commands.
	Events []EmittedEvent

	// Data-plane requests.
	Entity *EntityOperation
	Bucket *BucketOperation
	Search *SearchQuery
}

// scheduledTypeFor maps a command kind onto the scheduled event type the
// command executor records for it.
var scheduledTypeFor = map[CommandKind]EventType{
	CommandStartTask:          EventTaskScheduled,
	CommandStartTimer:         EventTimerScheduled,
	CommandStartChildWorkflow: EventChildWorkflowScheduled,
	CommandSendSignal:         EventSignalSent,
	CommandEmitEvents:         EventEventsEmitted,
	CommandExpectSignal:       EventSignalExpectStarted,
	CommandStartCondition:     EventConditionStarted,
	CommandInvokeTransaction:  EventTransactionRequest,
	CommandEntityOp:           EventEntityRequest,
	CommandBucketOp:           EventBucketRequest,
	CommandSearchOp:           EventSearchRequest,
}

// ScheduledEventType returns the scheduled event type for the command.
func (c *Command) ScheduledEventType() EventType {
	return scheduledTypeFor[c.Kind]
}

// IsCorresponding checks that a scheduled event recorded in history matches
// a command re-issued during replay: same sequence number, same category and
// same identifying fields. Any mismatch is a determinism error.
func IsCorresponding(scheduled *Event, seq int64, cmd *Command) bool {
	if scheduled.Seq != seq || cmd.Seq != seq {
		return false
	}
	if scheduled.Type != cmd.ScheduledEventType() {
		return false
	}
	switch cmd.Kind {
	case CommandStartTask, CommandStartChildWorkflow, CommandInvokeTransaction:
		return scheduled.Name == cmd.Name
	case CommandSendSignal, CommandExpectSignal:
		return scheduled.SignalID == cmd.SignalID
	default:
		return true
	}
}
