package executor

import (
	"encoding/json"
)

type futureKind int

const (
	futureSingle futureKind = iota
	futureAll
	futureAllSettled
	futureAny
	futureRace
)

// Future is the handle a workflow holds for a pending request. Get is the
// only suspension point of the workflow goroutine: it yields control back to
// the executor until a recorded or freshly delivered event settles the
// future.
//
// Futures backed by combinators never consume a sequence number; only actual
// requests are recorded in history.
type Future struct {
	ex   *Executor
	kind futureKind
	seq  int64

	settled bool
	value   json.RawMessage
	failure *Error

	children  []*Future
	predicate func() bool
}

// Get blocks the workflow until the future settles, then unmarshals the
// resolved value into out (which may be nil) or returns the failure. Must be
// called on the workflow goroutine.
func (f *Future) Get(out any) error {
	for !f.settled {
		f.ex.yield()
	}
	if f.failure != nil {
		return f.failure
	}
	if out != nil && len(f.value) > 0 {
		if err := json.Unmarshal(f.value, out); err != nil {
			return NewError("UnmarshalError", err.Error())
		}
	}
	return nil
}

// Settled reports whether the future has a result without suspending.
func (f *Future) Settled() bool {
	return f.settled
}

func (f *Future) resolve(v json.RawMessage) {
	if f.settled {
		return
	}
	f.settled = true
	f.value = v
}

func (f *Future) fail(name, message string) {
	if f.settled {
		return
	}
	f.settled = true
	f.failure = &Error{Name: name, Message: message}
}

// settledOutcome is the per-child element of an AllSettled result.
type settledOutcome struct {
	Status  string          `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// evaluate advances a combinator from its children's states. Returns true if
// the future settled during this call.
func (f *Future) evaluate() bool {
	if f.settled {
		return false
	}
	switch f.kind {
	case futureAll:
		for _, c := range f.children {
			if c.settled && c.failure != nil {
				f.fail(c.failure.Name, c.failure.Message)
				return true
			}
		}
		values := make([]json.RawMessage, 0, len(f.children))
		for _, c := range f.children {
			if !c.settled {
				return false
			}
			values = append(values, c.value)
		}
		data, err := json.Marshal(values)
		if err != nil {
			f.fail("MarshalError", err.Error())
			return true
		}
		f.resolve(data)
		return true

	case futureAllSettled:
		outcomes := make([]settledOutcome, 0, len(f.children))
		for _, c := range f.children {
			if !c.settled {
				return false
			}
			if c.failure != nil {
				outcomes = append(outcomes, settledOutcome{Status: "rejected", Error: c.failure.Name, Message: c.failure.Message})
			} else {
				outcomes = append(outcomes, settledOutcome{Status: "fulfilled", Value: c.value})
			}
		}
		data, err := json.Marshal(outcomes)
		if err != nil {
			f.fail("MarshalError", err.Error())
			return true
		}
		f.resolve(data)
		return true

	case futureAny:
		allFailed := true
		for _, c := range f.children {
			if c.settled && c.failure == nil {
				f.resolve(c.value)
				return true
			}
			if !c.settled {
				allFailed = false
			}
		}
		if allFailed && len(f.children) > 0 {
			f.fail("AggregateError", "all futures were rejected")
			return true
		}
		return false

	case futureRace:
		for _, c := range f.children {
			if c.settled {
				if c.failure != nil {
					f.fail(c.failure.Name, c.failure.Message)
				} else {
					f.resolve(c.value)
				}
				return true
			}
		}
		return false
	}
	return false
}

func (ex *Executor) combine(kind futureKind, futures []*Future) *Future {
	f := &Future{ex: ex, kind: kind, seq: -1, children: futures}
	ex.derived = append(ex.derived, f)
	f.evaluate()
	return f
}

// All resolves once every future resolves, with a JSON array of the results
// in argument order. It fails as soon as any future fails.
func (ex *Executor) All(futures ...*Future) *Future {
	return ex.combine(futureAll, futures)
}

// AllSettled resolves once every future settles, with a JSON array of
// {status, value|error} outcomes in argument order. It never fails.
func (ex *Executor) AllSettled(futures ...*Future) *Future {
	return ex.combine(futureAllSettled, futures)
}

// Any resolves with the first resolved future and fails only when all
// futures failed.
func (ex *Executor) Any(futures ...*Future) *Future {
	return ex.combine(futureAny, futures)
}

// Race settles with whichever future settles first, resolution or failure.
func (ex *Executor) Race(futures ...*Future) *Future {
	return ex.combine(futureRace, futures)
}
