package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

// Config holds the configuration for the timer service.
type Config struct {
	ScanInterval   time.Duration
	BatchSize      int
	ProcessorCount int
	// ShortTimerThreshold bounds the in-process fast path: schedules due
	// sooner than this also arm an in-memory timer instead of waiting for the
	// next scan.
	ShortTimerThreshold time.Duration
	MaxFireDelay        time.Duration
	Logger              *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval:        time.Second,
		BatchSize:           100,
		ProcessorCount:      4,
		ShortTimerThreshold: 30 * time.Second,
		MaxFireDelay:        time.Minute,
	}
}

// Service scans for due schedules and fires them into the execution queue.
type Service struct {
	store      Store
	submitter  Submitter
	heartbeats HeartbeatSource
	config     Config
	logger     *slog.Logger

	stopCh  chan struct{}
	schedCh chan *Schedule

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewService creates a new timer service.
func NewService(store Store, submitter Submitter, heartbeats HeartbeatSource, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.ProcessorCount <= 0 {
		config.ProcessorCount = 4
	}
	if config.ShortTimerThreshold <= 0 {
		config.ShortTimerThreshold = 30 * time.Second
	}

	return &Service{
		store:      store,
		submitter:  submitter,
		heartbeats: heartbeats,
		config:     config,
		logger:     config.Logger,
		stopCh:     make(chan struct{}),
		schedCh:    make(chan *Schedule, config.BatchSize*config.ProcessorCount),
	}
}

// Start starts the scanner and processor goroutines.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("timer service is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting timer service",
		slog.Int("processor_count", s.config.ProcessorCount),
		slog.Duration("scan_interval", s.config.ScanInterval),
	)

	s.wg.Add(1)
	go s.runScanner(ctx)

	for i := 0; i < s.config.ProcessorCount; i++ {
		s.wg.Add(1)
		go s.runProcessor(ctx, i)
	}

	return nil
}

// Stop stops the service and waits for in-flight processing.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("timer service stopped")
	case <-ctx.Done():
		s.logger.Warn("timer service stop timed out")
	}

	return nil
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ScheduleEvent arranges for the event to be submitted to the execution's
// queue at fireTime. The schedule id must be stable for the logical timer so
// retries collapse onto one schedule.
func (s *Service) ScheduleEvent(ctx context.Context, id types.ExecutionID, scheduleID string, fireTime time.Time, event *types.Event) error {
	sched := &Schedule{
		ID:          scheduleID,
		ExecutionID: id,
		FireTime:    fireTime.UTC(),
		Kind:        KindEvent,
		Status:      SchedulePending,
		CreatedAt:   time.Now().UTC(),
		Event:       event,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	s.armShortTimer(sched)

	s.logger.Debug("scheduled event",
		slog.String("schedule_id", scheduleID),
		slog.String("execution_id", string(id)),
		slog.Time("fire_time", sched.FireTime),
	)
	return nil
}

// ScheduleHeartbeatMonitor arms the heartbeat monitor for one task attempt.
// The monitor wakes at the task's heartbeat deadline and fires a
// TaskHeartbeatTimedOut event if no fresh heartbeat arrived, otherwise it
// pushes itself forward to the new deadline.
func (s *Service) ScheduleHeartbeatMonitor(ctx context.Context, id types.ExecutionID, seq int64, retry int32, timeout time.Duration) error {
	now := time.Now().UTC()
	sched := &Schedule{
		ID:               HeartbeatScheduleID(id, seq, retry),
		ExecutionID:      id,
		FireTime:         now.Add(timeout),
		Kind:             KindHeartbeat,
		Status:           SchedulePending,
		CreatedAt:        now,
		Seq:              seq,
		Retry:            retry,
		HeartbeatTimeout: timeout,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("create heartbeat monitor: %w", err)
	}
	s.armShortTimer(sched)
	return nil
}

// Cancel drops one schedule by id.
func (s *Service) Cancel(ctx context.Context, scheduleID string) error {
	return s.store.DeleteSchedule(ctx, scheduleID)
}

// ClearExecution drops all pending schedules of a terminal execution.
func (s *Service) ClearExecution(ctx context.Context, id types.ExecutionID) error {
	return s.store.DeleteByExecution(ctx, id)
}

// EventScheduleID derives the stable schedule id for a sequenced timeout
// event of the execution.
func EventScheduleID(id types.ExecutionID, purpose string, seq int64) string {
	return fmt.Sprintf("%s#%s#%d", id, purpose, seq)
}

// HeartbeatScheduleID derives the stable schedule id for a heartbeat
// monitor.
func HeartbeatScheduleID(id types.ExecutionID, seq int64, retry int32) string {
	return fmt.Sprintf("%s#hb#%d#%d", id, seq, retry)
}

// armShortTimer fires near-term schedules without waiting for the scanner.
// The claim in fire keeps the fast path and the scanner from both firing.
func (s *Service) armShortTimer(sched *Schedule) {
	delay := time.Until(sched.FireTime)
	if delay > s.config.ShortTimerThreshold {
		return
	}
	if delay < 0 {
		delay = 0
	}
	copied := *sched
	time.AfterFunc(delay, func() {
		select {
		case <-s.stopCh:
		case s.schedCh <- &copied:
		}
	})
}

func (s *Service) runScanner(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanDue(ctx)
		}
	}
}

func (s *Service) scanDue(ctx context.Context) {
	due, err := s.store.GetDueSchedules(ctx, time.Now().UTC(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to scan due schedules", slog.String("error", err.Error()))
		return
	}
	for _, sched := range due {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case s.schedCh <- sched:
		}
	}
}

func (s *Service) runProcessor(ctx context.Context, id int) {
	defer s.wg.Done()

	s.logger.Debug("timer processor started", slog.Int("processor_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case sched := <-s.schedCh:
			s.fire(ctx, sched)
		}
	}
}

// fire claims the schedule and performs its action. Claim conflicts mean
// another processor or instance got there first.
func (s *Service) fire(ctx context.Context, sched *Schedule) {
	current, err := s.store.GetSchedule(ctx, sched.ID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return
		}
		s.logger.Error("failed to load schedule", slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
		return
	}
	if current.Status != SchedulePending || current.FireTime.After(time.Now()) {
		return
	}

	if delay := time.Since(current.FireTime); delay > s.config.MaxFireDelay {
		s.logger.Warn("schedule fire delayed",
			slog.String("schedule_id", current.ID),
			slog.Duration("delay", delay),
		)
	}

	claimed := *current
	claimed.Status = ScheduleFired
	claimed.Version++
	if err := s.store.UpdateSchedule(ctx, &claimed); err != nil {
		if errors.Is(err, ErrScheduleConflict) {
			return
		}
		s.logger.Error("failed to claim schedule", slog.String("schedule_id", current.ID), slog.String("error", err.Error()))
		return
	}

	switch claimed.Kind {
	case KindEvent:
		s.fireEvent(ctx, &claimed)
	case KindHeartbeat:
		s.fireHeartbeat(ctx, &claimed)
	}
}

func (s *Service) fireEvent(ctx context.Context, sched *Schedule) {
	event := sched.Event
	if event.Timestamp.IsZero() {
		copied := *event
		copied.Timestamp = time.Now().UTC()
		event = &copied
	}

	if err := s.submitter.Submit(ctx, sched.ExecutionID, []*types.Event{event}); err != nil {
		s.logger.Error("failed to submit fired event",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
		s.unclaim(ctx, sched)
		return
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("event_type", string(event.Type)),
	)
}

func (s *Service) fireHeartbeat(ctx context.Context, sched *Schedule) {
	last, err := s.heartbeats.LastHeartbeat(ctx, sched.ExecutionID, sched.Seq)
	if err != nil {
		if errors.Is(err, types.ErrExecutionNotFound) {
			// Claim gone: the attempt completed and was cleaned up.
			return
		}
		s.logger.Error("failed to read heartbeat",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
		s.unclaim(ctx, sched)
		return
	}

	deadline := last.Add(sched.HeartbeatTimeout)
	now := time.Now().UTC()
	if now.Before(deadline) {
		// Fresh heartbeat: push the monitor forward.
		rearmed := *sched
		rearmed.Status = SchedulePending
		rearmed.FireTime = deadline
		rearmed.Version++
		if err := s.store.UpdateSchedule(ctx, &rearmed); err != nil && !errors.Is(err, ErrScheduleConflict) {
			s.logger.Error("failed to rearm heartbeat monitor",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.armShortTimer(&rearmed)
		return
	}

	event := &types.Event{
		Type:      types.EventTaskHeartbeatTimedOut,
		Timestamp: now,
		Seq:       sched.Seq,
	}
	if err := s.submitter.Submit(ctx, sched.ExecutionID, []*types.Event{event}); err != nil {
		s.logger.Error("failed to submit heartbeat timeout",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
		s.unclaim(ctx, sched)
		return
	}

	s.logger.Info("task heartbeat timed out",
		slog.String("execution_id", string(sched.ExecutionID)),
		slog.Int64("seq", sched.Seq),
		slog.Int("retry", int(sched.Retry)),
	)
}

func (s *Service) unclaim(ctx context.Context, sched *Schedule) {
	rolled := *sched
	rolled.Status = SchedulePending
	rolled.Version++
	if err := s.store.UpdateSchedule(ctx, &rolled); err != nil {
		s.logger.Error("failed to unclaim schedule",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}
}
