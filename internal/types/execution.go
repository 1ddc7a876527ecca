package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrExecutionAlreadyExists = errors.New("execution already exists")
	ErrInputMismatch          = errors.New("execution exists with different input")
	ErrOptimisticLock         = errors.New("optimistic lock failure")
	ErrAlreadyClaimed         = errors.New("task already claimed")
)

// Stable error identifiers recorded on failed executions. These are matched
// programmatically by callers, so they must never change.
const (
	ErrorDeterminism      = "DeterminismError"
	ErrorTimeout          = "Timeout"
	ErrorWorkflowNotFound = "WorkflowNotFound"
	ErrorTaskNotFound     = "TaskNotFound"
	ErrorHeartbeatTimeout = "HeartbeatTimedOut"
)

// ExecutionStatus is the lifecycle status of an execution. The only legal
// transition is InProgress to exactly one terminal status.
type ExecutionStatus string

const (
	ExecutionStatusInProgress ExecutionStatus = "IN_PROGRESS"
	ExecutionStatusSucceeded  ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
	ExecutionStatusTimedOut   ExecutionStatus = "TIMED_OUT"
)

// Terminal reports whether the status is a terminal status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed || s == ExecutionStatusTimedOut
}

// ExecutionID identifies one execution as workflowName "/" executionName.
type ExecutionID string

// NewExecutionID builds an execution id from a workflow name and an
// execution name.
func NewExecutionID(workflowName, executionName string) ExecutionID {
	return ExecutionID(workflowName + "/" + executionName)
}

// Parse splits the id into its workflow name and execution name parts.
func (id ExecutionID) Parse() (workflowName, executionName string) {
	if i := strings.Index(string(id), "/"); i >= 0 {
		return string(id)[:i], string(id)[i+1:]
	}
	return string(id), ""
}

// ChildExecutionName derives the deterministic name of a child workflow
// spawned by parent at the given command sequence number.
func ChildExecutionName(parent ExecutionID, seq int64) string {
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(string(parent), "/", "-"), seq)
}

// ParentRef points at the parent execution and the sequence number of the
// StartChildWorkflow command that spawned this execution. Id-only reference;
// resolve through the execution store.
type ParentRef struct {
	ExecutionID ExecutionID `json:"executionId"`
	Seq         int64       `json:"seq"`
}

// Execution is the durable metadata record of one workflow execution.
type Execution struct {
	ID            ExecutionID     `json:"id"`
	WorkflowName  string          `json:"workflowName"`
	ExecutionName string          `json:"executionName"`
	Input         []byte          `json:"input,omitempty"`
	InputHash     string          `json:"inputHash,omitempty"`
	Status        ExecutionStatus `json:"status"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	Result        []byte          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
	Parent        *ParentRef      `json:"parent,omitempty"`
}

// HashInput computes the idempotency hash of a start input.
func HashInput(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
