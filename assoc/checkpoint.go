package assoc

import (
	"context"
	"sync"
)

// Checkpoint lets user code quiesce an association's serve loop so it can
// safely mutate internal state: Clear requests a pause, WaitForPaused
// blocks until the loop has parked at its checkpoint, and Resume lets it
// continue. The loop calls sync at each iteration boundary, so a paused
// loop holds no message mid-dispatch.
type Checkpoint struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	paused    bool
}

// NewCheckpoint returns a Checkpoint in the running state.
func NewCheckpoint() *Checkpoint {
	c := &Checkpoint{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Clear requests that the serve loop park at its next checkpoint.
func (c *Checkpoint) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = true
	c.cond.Broadcast()
}

// WaitForPaused blocks until the serve loop is parked, or ctx is done.
// Mutating association internals is only safe after it returns nil.
func (c *Checkpoint) WaitForPaused(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for !c.paused {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it can observe and exit later.
		c.cond.Broadcast()
		return ctx.Err()
	}
}

// Resume releases a parked serve loop.
func (c *Checkpoint) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = false
	c.cond.Broadcast()
}

// sync is the loop-side half: it parks while a pause is requested and
// returns once running is allowed again.
func (c *Checkpoint) sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requested {
		return
	}
	c.paused = true
	c.cond.Broadcast()
	for c.requested {
		c.cond.Wait()
	}
	c.paused = false
	c.cond.Broadcast()
}
