package executor

// coroutine is the cooperative handshake between the executor goroutine and
// the workflow goroutine. Exactly one side runs at a time: step hands control
// to the workflow, yield hands it back. The workflow goroutine's only
// suspension point is Future.Get, so the shared executor state needs no
// locking.
type coroutine struct {
	resumeCh chan struct{}
	yieldCh  chan struct{}
	exited   chan struct{}
	done     bool
	closing  bool
}

// coroutineClosed is panicked inside the workflow goroutine to unwind it when
// the run ends while the workflow is still suspended.
type coroutineClosed struct{}

func newCoroutine() *coroutine {
	return &coroutine{
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// step resumes the workflow goroutine and blocks until it suspends again or
// finishes. Called on the executor goroutine.
func (c *coroutine) step() {
	if c.done {
		return
	}
	c.resumeCh <- struct{}{}
	<-c.yieldCh
}

// yield suspends the workflow goroutine until the executor steps it again.
// Called on the workflow goroutine.
func (c *coroutine) yield() {
	c.yieldCh <- struct{}{}
	<-c.resumeCh
	if c.closing {
		panic(coroutineClosed{})
	}
}

// close unwinds a still-suspended workflow goroutine and waits for it to
// exit. Safe to call after normal completion.
func (c *coroutine) close() {
	if c.done {
		return
	}
	c.closing = true
	c.resumeCh <- struct{}{}
	<-c.exited
}
