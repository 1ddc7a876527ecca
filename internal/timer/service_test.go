package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

type capturedSubmit struct {
	id     types.ExecutionID
	events []*types.Event
}

type captureSubmitter struct {
	ch chan capturedSubmit
}

func newCaptureSubmitter() *captureSubmitter {
	return &captureSubmitter{ch: make(chan capturedSubmit, 16)}
}

func (c *captureSubmitter) Submit(_ context.Context, id types.ExecutionID, events []*types.Event) error {
	c.ch <- capturedSubmit{id: id, events: events}
	return nil
}

func (c *captureSubmitter) wait(t *testing.T) capturedSubmit {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a submitted event")
		return capturedSubmit{}
	}
}

type fixedHeartbeats struct {
	mu   sync.Mutex
	last time.Time
	err  error
}

func (f *fixedHeartbeats) LastHeartbeat(context.Context, types.ExecutionID, int64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.err
}

func testConfig() Config {
	return Config{
		ScanInterval:        10 * time.Millisecond,
		BatchSize:           10,
		ProcessorCount:      1,
		ShortTimerThreshold: time.Hour,
		MaxFireDelay:        time.Minute,
		Logger:              slog.New(slog.DiscardHandler),
	}
}

func TestService_FiresDueEvent(t *testing.T) {
	store := NewMemoryStore()
	submitter := newCaptureSubmitter()
	svc := NewService(store, submitter, &fixedHeartbeats{}, testConfig())

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer svc.Stop(ctx)

	id := types.NewExecutionID("wf", "run-1")
	event := &types.Event{Type: types.EventTimerCompleted, Seq: 2}
	if err := svc.ScheduleEvent(ctx, id, EventScheduleID(id, "timer", 2), time.Now().Add(-time.Millisecond), event); err != nil {
		t.Fatalf("ScheduleEvent error = %v", err)
	}

	got := submitter.wait(t)
	if got.id != id {
		t.Errorf("submitted to %q, want %q", got.id, id)
	}
	if len(got.events) != 1 || got.events[0].Type != types.EventTimerCompleted || got.events[0].Seq != 2 {
		t.Fatalf("submitted events = %+v, want one TimerCompleted seq 2", got.events)
	}
	// The service backfills missing timestamps at fire time.
	if got.events[0].Timestamp.IsZero() {
		t.Error("fired event has a zero timestamp")
	}

	// The schedule fires exactly once.
	sched, err := store.GetSchedule(ctx, EventScheduleID(id, "timer", 2))
	if err != nil {
		t.Fatalf("GetSchedule error = %v", err)
	}
	if sched.Status != ScheduleFired {
		t.Errorf("Status = %d, want ScheduleFired", sched.Status)
	}
	select {
	case extra := <-submitter.ch:
		t.Errorf("schedule fired twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_CanceledScheduleDoesNotFire(t *testing.T) {
	store := NewMemoryStore()
	submitter := newCaptureSubmitter()
	svc := NewService(store, submitter, &fixedHeartbeats{}, testConfig())

	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")
	scheduleID := EventScheduleID(id, "signal-timeout", 0)

	// Not started yet, so nothing can fire before the cancel.
	if err := svc.ScheduleEvent(ctx, id, scheduleID, time.Now().Add(-time.Millisecond),
		&types.Event{Type: types.EventSignalTimedOut, Seq: 0}); err != nil {
		t.Fatalf("ScheduleEvent error = %v", err)
	}
	if err := svc.Cancel(ctx, scheduleID); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer svc.Stop(ctx)

	select {
	case got := <-submitter.ch:
		t.Errorf("canceled schedule fired: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_HeartbeatTimeout(t *testing.T) {
	store := NewMemoryStore()
	submitter := newCaptureSubmitter()
	heartbeats := &fixedHeartbeats{last: time.Now().Add(-time.Hour)}
	svc := NewService(store, submitter, heartbeats, testConfig())

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer svc.Stop(ctx)

	id := types.NewExecutionID("wf", "run-1")
	if err := svc.ScheduleHeartbeatMonitor(ctx, id, 3, 0, time.Millisecond); err != nil {
		t.Fatalf("ScheduleHeartbeatMonitor error = %v", err)
	}

	got := submitter.wait(t)
	if len(got.events) != 1 || got.events[0].Type != types.EventTaskHeartbeatTimedOut {
		t.Fatalf("submitted events = %+v, want TaskHeartbeatTimedOut", got.events)
	}
	if got.events[0].Seq != 3 {
		t.Errorf("Seq = %d, want 3", got.events[0].Seq)
	}
}

func TestService_HeartbeatRearmsWhileFresh(t *testing.T) {
	store := NewMemoryStore()
	submitter := newCaptureSubmitter()
	heartbeats := &fixedHeartbeats{last: time.Now()}
	svc := NewService(store, submitter, heartbeats, testConfig())

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer svc.Stop(ctx)

	id := types.NewExecutionID("wf", "run-1")
	// The monitor comes due immediately, but the heartbeat is fresh, so it
	// pushes forward instead of firing.
	if err := svc.ScheduleHeartbeatMonitor(ctx, id, 0, 0, time.Hour); err != nil {
		t.Fatalf("ScheduleHeartbeatMonitor error = %v", err)
	}
	scheduleID := HeartbeatScheduleID(id, 0, 0)
	deadline := time.Now().Add(3 * time.Second)
	forceDue := func() {
		sched, err := store.GetSchedule(ctx, scheduleID)
		if err != nil {
			t.Fatalf("GetSchedule error = %v", err)
		}
		sched.FireTime = time.Now().Add(-time.Millisecond)
		sched.Version++
		if err := store.UpdateSchedule(ctx, sched); err != nil && !errors.Is(err, ErrScheduleConflict) {
			t.Fatalf("UpdateSchedule error = %v", err)
		}
	}
	forceDue()

	for {
		if time.Now().After(deadline) {
			t.Fatal("monitor was not rearmed")
		}
		sched, err := store.GetSchedule(ctx, scheduleID)
		if err != nil {
			t.Fatalf("GetSchedule error = %v", err)
		}
		if sched.Status == SchedulePending && sched.FireTime.After(time.Now().Add(30*time.Minute)) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-submitter.ch:
		t.Errorf("fresh heartbeat fired a timeout: %+v", got)
	default:
	}
}

func TestService_ClearExecution(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newCaptureSubmitter(), &fixedHeartbeats{}, testConfig())

	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")
	other := types.NewExecutionID("wf", "run-2")

	future := time.Now().Add(time.Hour)
	for seq := int64(0); seq < 3; seq++ {
		if err := svc.ScheduleEvent(ctx, id, EventScheduleID(id, "timer", seq), future,
			&types.Event{Type: types.EventTimerCompleted, Seq: seq}); err != nil {
			t.Fatalf("ScheduleEvent error = %v", err)
		}
	}
	if err := svc.ScheduleEvent(ctx, other, EventScheduleID(other, "timer", 0), future,
		&types.Event{Type: types.EventTimerCompleted, Seq: 0}); err != nil {
		t.Fatalf("ScheduleEvent error = %v", err)
	}

	if err := svc.ClearExecution(ctx, id); err != nil {
		t.Fatalf("ClearExecution error = %v", err)
	}

	for seq := int64(0); seq < 3; seq++ {
		if _, err := store.GetSchedule(ctx, EventScheduleID(id, "timer", seq)); !errors.Is(err, ErrScheduleNotFound) {
			t.Errorf("schedule %d still present, err = %v", seq, err)
		}
	}
	if _, err := store.GetSchedule(ctx, EventScheduleID(other, "timer", 0)); err != nil {
		t.Errorf("unrelated execution's schedule was cleared: %v", err)
	}
}

func TestMemoryStore_UpdateScheduleVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sched := &Schedule{
		ID:          "s1",
		ExecutionID: types.NewExecutionID("wf", "run-1"),
		FireTime:    time.Now().Add(time.Hour),
		Kind:        KindEvent,
		Status:      SchedulePending,
	}
	if err := store.CreateSchedule(ctx, sched); err != nil {
		t.Fatalf("CreateSchedule error = %v", err)
	}

	claimed := *sched
	claimed.Status = ScheduleFired
	claimed.Version = 1
	if err := store.UpdateSchedule(ctx, &claimed); err != nil {
		t.Fatalf("UpdateSchedule error = %v", err)
	}

	// A second claimer at the same base version loses.
	competing := *sched
	competing.Status = ScheduleFired
	competing.Version = 1
	if err := store.UpdateSchedule(ctx, &competing); !errors.Is(err, ErrScheduleConflict) {
		t.Errorf("competing claim error = %v, want ErrScheduleConflict", err)
	}

	if err := store.UpdateSchedule(ctx, &Schedule{ID: "missing", Version: 1}); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("missing update error = %v, want ErrScheduleNotFound", err)
	}
}

func TestMemoryStore_GetDueSchedules(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for _, s := range []*Schedule{
		{ID: "due-late", FireTime: now.Add(-time.Second), Status: SchedulePending},
		{ID: "due-early", FireTime: now.Add(-time.Minute), Status: SchedulePending},
		{ID: "future", FireTime: now.Add(time.Hour), Status: SchedulePending},
		{ID: "fired", FireTime: now.Add(-time.Hour), Status: ScheduleFired},
	} {
		if err := store.CreateSchedule(ctx, s); err != nil {
			t.Fatalf("CreateSchedule error = %v", err)
		}
	}

	due, err := store.GetDueSchedules(ctx, now, 10)
	if err != nil {
		t.Fatalf("GetDueSchedules error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	// Oldest first.
	if due[0].ID != "due-early" || due[1].ID != "due-late" {
		t.Errorf("due order = [%s, %s], want [due-early, due-late]", due[0].ID, due[1].ID)
	}

	limited, err := store.GetDueSchedules(ctx, now, 1)
	if err != nil {
		t.Fatalf("GetDueSchedules error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}
