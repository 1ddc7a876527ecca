// Package executor runs workflow programs deterministically against their
// recorded history. Each run replays the prefix of requests already in
// history, checks correspondence, feeds result events to the suspended
// program and collects the commands it newly issues.
package executor

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

var (
	jsonTrue  = json.RawMessage(`true`)
	jsonFalse = json.RawMessage(`false`)
)

// Info describes the execution a workflow program runs within.
type Info struct {
	WorkflowName  string
	ExecutionID   types.ExecutionID
	ExecutionName string
	StartTime     time.Time
	Parent        *types.ParentRef
}

// Outcome is the terminal state a run reached, if any.
type Outcome struct {
	Status  types.ExecutionStatus
	Output  json.RawMessage
	Error   string
	Message string
}

// Result is what one run produced: a terminal outcome (nil while the
// workflow is still pending) and the commands newly issued during the run.
type Result struct {
	Outcome  *Outcome
	Commands []*types.Command
}

// Executor drives a single run of one workflow program. It is single-use:
// build one per run and discard it afterwards.
type Executor struct {
	fn     WorkflowFn
	info   Info
	logger *slog.Logger

	now     time.Time
	nextSeq int64

	// expected holds the scheduled events of prior runs, consumed in order
	// as the program re-issues its requests during replay.
	expected []*types.Event
	commands []*types.Command

	bySeq          map[int64]*Future
	signalWaiters  map[string][]*Future
	signalHandlers map[string][]func(json.RawMessage)
	pendingSignals map[string][]json.RawMessage
	conditions     []*Future
	derived        []*Future

	co    *coroutine
	wfCtx *Context

	finished bool
	output   json.RawMessage
	failure  *Error
	timedOut bool
	sysErr   *SystemError
}

// New builds an executor for one run.
func New(fn WorkflowFn, info Info, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	ex := &Executor{
		fn:             fn,
		info:           info,
		logger:         logger.With(slog.String("execution_id", string(info.ExecutionID))),
		now:            info.StartTime,
		bySeq:          make(map[int64]*Future),
		signalWaiters:  make(map[string][]*Future),
		signalHandlers: make(map[string][]func(json.RawMessage)),
		pendingSignals: make(map[string][]json.RawMessage),
	}
	ex.wfCtx = &Context{ex: ex}
	return ex
}

// Run executes the workflow against its history. The history must be a valid
// event set for this execution: scheduled events drive replay, result events
// and signals are fed to the program in order. Run never blocks on anything
// external; it returns once the program finishes, fails, or suspends with no
// further events to feed.
func (ex *Executor) Run(input json.RawMessage, history []*types.Event) *Result {
	feed := ex.partition(history)

	ex.co = newCoroutine()
	ex.launch(input)
	ex.pump()

	for _, e := range feed {
		if ex.finished || ex.sysErr != nil {
			break
		}
		if e.Type == types.EventWorkflowTimedOut {
			ex.timedOut = true
			break
		}
		if !e.Timestamp.IsZero() {
			ex.now = e.Timestamp
		}
		ex.applyEvent(e)
		if ex.sysErr != nil {
			break
		}
		ex.pump()
	}

	res := ex.buildResult()
	ex.co.close()
	return res
}

// partition splits history into the replay queue of scheduled events and the
// feed of events to deliver. Lifecycle events other than WorkflowTimedOut are
// bookkeeping for the orchestrator and are skipped here.
func (ex *Executor) partition(history []*types.Event) []*types.Event {
	feed := make([]*types.Event, 0, len(history))
	for _, e := range history {
		switch {
		case e.Type.Scheduled():
			ex.expected = append(ex.expected, e)
		case e.Type == types.EventSignalReceived,
			e.Type == types.EventWorkflowTimedOut,
			sequencedResult(e.Type):
			feed = append(feed, e)
		}
	}
	return feed
}

func sequencedResult(t types.EventType) bool {
	return t.Sequenced() && !t.Scheduled()
}

// launch starts the workflow goroutine, parked until the first step.
func (ex *Executor) launch(input json.RawMessage) {
	go func() {
		closed := false
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case coroutineClosed:
					closed = true
				case *SystemError:
					ex.sysErr = v
				default:
					ex.failure = panicToError(v)
				}
			}
			ex.finished = true
			ex.co.done = true
			if closed {
				close(ex.co.exited)
				return
			}
			ex.co.yieldCh <- struct{}{}
			close(ex.co.exited)
		}()

		<-ex.co.resumeCh
		if ex.co.closing {
			panic(coroutineClosed{})
		}

		out, err := ex.fn(ex.wfCtx, input)
		if err != nil {
			ex.failure = toWorkflowError(err)
			return
		}
		if out != nil {
			data, merr := json.Marshal(out)
			if merr != nil {
				ex.failure = &Error{Name: "MarshalError", Message: merr.Error()}
				return
			}
			ex.output = data
		}
	}()
}

// pump steps the workflow and re-evaluates conditions and combinators until
// nothing settles anymore.
func (ex *Executor) pump() {
	for {
		ex.co.step()
		if ex.co.done || ex.sysErr != nil {
			return
		}
		if !ex.settleDerived() {
			return
		}
	}
}

// settleDerived evaluates condition predicates against the current workflow
// state and folds settled children into combinators. Reports whether any
// future settled.
func (ex *Executor) settleDerived() bool {
	progressed := false
	for _, f := range ex.conditions {
		if !f.settled && f.predicate() {
			f.resolve(jsonTrue)
			progressed = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, f := range ex.derived {
			if f.evaluate() {
				changed = true
				progressed = true
			}
		}
	}
	return progressed
}

// applyEvent settles the future addressed by the event.
func (ex *Executor) applyEvent(e *types.Event) {
	if e.Type == types.EventSignalReceived {
		ex.deliverSignal(e.SignalID, e.Payload)
		return
	}

	f, ok := ex.bySeq[e.Seq]
	if !ok {
		ex.sysErr = NewDeterminismError("result event %s addresses unknown seq %d", e.Type, e.Seq)
		return
	}
	if f.settled {
		// Duplicate resolution for the same request, e.g. a late failure
		// after a recorded success. First event wins.
		return
	}

	switch e.Type {
	case types.EventTaskSucceeded,
		types.EventChildWorkflowSucceeded,
		types.EventEntityRequestSucceeded,
		types.EventBucketRequestSucceeded,
		types.EventSearchRequestSucceeded,
		types.EventTransactionRequestSucceeded:
		f.resolve(e.Result)
	case types.EventTaskFailed,
		types.EventChildWorkflowFailed,
		types.EventEntityRequestFailed,
		types.EventBucketRequestFailed,
		types.EventSearchRequestFailed,
		types.EventTransactionRequestFailed:
		name := e.Error
		if name == "" {
			name = "Error"
		}
		f.fail(name, e.Message)
	case types.EventTaskHeartbeatTimedOut:
		f.fail(types.ErrorHeartbeatTimeout, "task missed its heartbeat deadline")
	case types.EventTimerCompleted:
		f.resolve(nil)
	case types.EventSignalTimedOut:
		f.fail(types.ErrorTimeout, "signal wait timed out")
	case types.EventConditionTimedOut:
		f.resolve(jsonFalse)
	default:
		ex.sysErr = NewDeterminismError("unexpected event %s in feed", e.Type)
	}
}

// deliverSignal runs standing handlers, then resolves the oldest unsettled
// waiter. Deliveries with no waiter are buffered for a later ExpectSignal.
func (ex *Executor) deliverSignal(signalID string, payload json.RawMessage) {
	for _, h := range ex.signalHandlers[signalID] {
		h(payload)
	}
	for _, f := range ex.signalWaiters[signalID] {
		if !f.settled {
			f.resolve(payload)
			return
		}
	}
	ex.pendingSignals[signalID] = append(ex.pendingSignals[signalID], payload)
}

// schedule assigns the next sequence number to the command. During replay the
// command is checked against the recorded scheduled event at that position;
// past the recorded prefix it is collected for the command executor. Runs on
// the workflow goroutine; a correspondence mismatch panics with a
// determinism error recovered at the goroutine root.
func (ex *Executor) schedule(cmd *types.Command) *Future {
	seq := ex.nextSeq
	ex.nextSeq++
	cmd.Seq = seq

	f := &Future{ex: ex, kind: futureSingle, seq: seq}
	ex.bySeq[seq] = f

	if len(ex.expected) > 0 {
		recorded := ex.expected[0]
		ex.expected = ex.expected[1:]
		if !types.IsCorresponding(recorded, seq, cmd) {
			panic(NewDeterminismError(
				"command %s at seq %d does not correspond to recorded event %s at seq %d",
				cmd.Kind, seq, recorded.Type, recorded.Seq))
		}
	} else {
		ex.commands = append(ex.commands, cmd)
	}

	if cmd.Kind == types.CommandExpectSignal {
		if pending := ex.pendingSignals[cmd.SignalID]; len(pending) > 0 {
			ex.pendingSignals[cmd.SignalID] = pending[1:]
			f.resolve(pending[0])
		}
	}
	return f
}

func (ex *Executor) replaying() bool {
	return len(ex.expected) > 0
}

func (ex *Executor) yield() {
	ex.co.yield()
}

func (ex *Executor) mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(&Error{Name: "MarshalError", Message: err.Error()})
	}
	return data
}

func (ex *Executor) buildResult() *Result {
	switch {
	case ex.sysErr != nil:
		return &Result{Outcome: &Outcome{
			Status:  types.ExecutionStatusFailed,
			Error:   ex.sysErr.Name,
			Message: ex.sysErr.Message,
		}}
	case ex.timedOut:
		return &Result{Outcome: &Outcome{
			Status:  types.ExecutionStatusTimedOut,
			Error:   types.ErrorTimeout,
			Message: "execution exceeded its timeout",
		}}
	case ex.finished && ex.failure != nil:
		return &Result{
			Outcome: &Outcome{
				Status:  types.ExecutionStatusFailed,
				Error:   ex.failure.Name,
				Message: ex.failure.Message,
			},
			Commands: ex.commands,
		}
	case ex.finished:
		return &Result{
			Outcome:  &Outcome{Status: types.ExecutionStatusSucceeded, Output: ex.output},
			Commands: ex.commands,
		}
	default:
		return &Result{Commands: ex.commands}
	}
}
