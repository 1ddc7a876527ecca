// Package timer durably schedules future events for executions: timer
// completions, wait timeouts, execution deadlines and task heartbeat
// monitors. Due schedules are claimed with optimistic locking so that
// multiple engine instances can scan the same store without double-firing.
package timer

import (
	"context"
	"errors"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

var (
	ErrServiceNotRunning = errors.New("timer service is not running")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrScheduleConflict  = errors.New("schedule version conflict")
)

// ScheduleKind discriminates what happens when a schedule fires.
type ScheduleKind string

const (
	// KindEvent submits a prebuilt event to the execution queue.
	KindEvent ScheduleKind = "event"
	// KindHeartbeat checks the task's last heartbeat and either fires a
	// TaskHeartbeatTimedOut event or pushes the schedule forward.
	KindHeartbeat ScheduleKind = "heartbeat"
)

// ScheduleStatus is the claim state of a schedule.
type ScheduleStatus int32

const (
	SchedulePending ScheduleStatus = iota
	ScheduleFired
	ScheduleCanceled
)

// Schedule is one durable future firing.
type Schedule struct {
	ID          string
	ExecutionID types.ExecutionID
	FireTime    time.Time
	Kind        ScheduleKind
	Status      ScheduleStatus
	Version     int64
	CreatedAt   time.Time

	// KindEvent payload.
	Event *types.Event

	// KindHeartbeat parameters.
	Seq              int64
	Retry            int32
	HeartbeatTimeout time.Duration
}

// Store persists schedules.
type Store interface {
	// CreateSchedule inserts the schedule. An existing schedule with the same
	// id is replaced; reschedules of the same logical timer are idempotent.
	CreateSchedule(ctx context.Context, sched *Schedule) error
	// GetSchedule retrieves a schedule by id.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	// UpdateSchedule writes the schedule if the stored version matches
	// sched.Version-1, returning ErrScheduleConflict otherwise.
	UpdateSchedule(ctx context.Context, sched *Schedule) error
	// GetDueSchedules returns pending schedules with FireTime <= now.
	GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	// DeleteSchedule removes one schedule. Missing ids are not an error.
	DeleteSchedule(ctx context.Context, id string) error
	// DeleteByExecution removes every schedule of the execution.
	DeleteByExecution(ctx context.Context, id types.ExecutionID) error
}

// Submitter delivers fired events to the execution queue.
type Submitter interface {
	Submit(ctx context.Context, id types.ExecutionID, events []*types.Event) error
}

// HeartbeatSource reads task heartbeat recency for monitor schedules.
type HeartbeatSource interface {
	LastHeartbeat(ctx context.Context, id types.ExecutionID, seq int64) (time.Time, error)
}
