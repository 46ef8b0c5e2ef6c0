package assoc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpoint_PauseAndResume(t *testing.T) {
	c := NewCheckpoint()
	var ticks atomic.Int64
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			c.sync()
			ticks.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stop)

	c.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForPaused(ctx))

	// The loop is parked: the tick counter must not advance.
	before := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, ticks.Load())

	c.Resume()
	require.Eventually(t, func() bool { return ticks.Load() > before }, 2*time.Second, time.Millisecond)
}

func TestCheckpoint_WaitForPausedHonoursContext(t *testing.T) {
	c := NewCheckpoint()
	// No loop is running, so the pause can never be observed.
	c.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitForPaused(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckpoint_SyncIsNoOpWhileRunning(t *testing.T) {
	c := NewCheckpoint()
	done := make(chan struct{})
	go func() {
		c.sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync blocked with no pause requested")
	}
}
