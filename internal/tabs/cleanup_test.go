package tabs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/ops"
)

func stepNames(steps []CleanupStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func TestCleanupRunsStepsInOrder(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{NetworkBufferCap: 10})
	ctx := context.Background()

	require.NoError(t, c.StartNetworkCapture(ctx, 2))
	c.RecordNetworkEvent(capability.NetworkEvent{TabID: 2, URL: "https://example.com"})
	_, err := c.EnsureDebugger(ctx, 2)
	require.NoError(t, err)
	c.MarkObserverInjected(2)

	steps := c.Cleanup(ctx, 2, true)
	require.Equal(t, []string{
		"stop_network_monitoring",
		"drain_operations",
		"detach_debugger",
		"release_locks",
		"clear_observer",
		"close_tab",
	}, stepNames(steps))
	for _, s := range steps {
		require.Empty(t, s.Err, "step %s", s.Name)
	}

	require.Equal(t, 1, caps.CallCount("StopNetworkMonitoring"))
	require.Equal(t, 1, caps.CallCount("DetachDebugger"))
	require.Equal(t, 1, caps.CallCount("CloseTab"))
	require.False(t, c.ObserverReady(2))
	require.Empty(t, c.NetworkEvents(2, 0))
}

func TestCleanupWithoutClose(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	steps := c.Cleanup(context.Background(), 2, false)
	require.Equal(t, []string{
		"stop_network_monitoring",
		"drain_operations",
		"detach_debugger",
		"release_locks",
		"clear_observer",
	}, stepNames(steps))
	require.Zero(t, caps.CallCount("CloseTab"))
}

func TestCleanupContinuesPastFailedStep(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	ctx := context.Background()

	_, err := c.EnsureDebugger(ctx, 2)
	require.NoError(t, err)
	caps.Fail["DetachDebugger"] = frame.ErrCapabilityError.New("browser gone")

	steps := c.Cleanup(ctx, 2, true)
	require.Len(t, steps, 6)
	require.NotEmpty(t, steps[2].Err)
	require.Equal(t, "detach_debugger", steps[2].Name)
	// Later steps still ran.
	require.Equal(t, 1, caps.CallCount("CloseTab"))
}

func TestCleanupDrainTimesOutAndForcesRelease(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{CleanupDrain: 150 * time.Millisecond})
	ctx := context.Background()

	// A holder that never releases.
	require.NoError(t, c.Acquire(ctx, 2, "stuck", ops.GroupWrite, time.Second))

	// And a waiter behind it, which cleanup must fail out.
	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Acquire(ctx, 2, "queued", ops.GroupWrite, time.Minute) }()
	require.Eventually(t, func() bool {
		_, _, waiting := c.Holder(2)
		return waiting == 1
	}, time.Second, 5*time.Millisecond)

	steps := c.Cleanup(ctx, 2, false)
	require.Equal(t, "drain_operations", steps[1].Name)
	require.Contains(t, steps[1].Err, "still busy")

	err := <-waitErr
	require.Equal(t, "LockTimeout", frame.CodeOf(err))
	require.Contains(t, err.Error(), "cleaned up")

	writer, readers, waiting := c.Holder(2)
	require.Empty(t, writer)
	require.Zero(t, readers)
	require.Zero(t, waiting)
}

func TestCleanupDrainWaitsForRelease(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{CleanupDrain: 2 * time.Second})
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, 2, "op", ops.GroupReadonly, time.Second))

	go func() {
		time.Sleep(150 * time.Millisecond)
		c.Release(2, "op")
	}()

	steps := c.Cleanup(ctx, 2, false)
	require.Empty(t, steps[1].Err, "drain should succeed once the holder releases")
}

func TestStatusSnapshot(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{NetworkBufferCap: 10})
	ctx := context.Background()

	require.NoError(t, c.Acquire(ctx, 9, "writer-op", ops.GroupWrite, time.Second))
	c.MarkObserverInjected(9)
	c.RecordNetworkEvent(capability.NetworkEvent{TabID: 9, URL: "https://example.com"})

	status := c.Status()
	require.Len(t, status, 1)
	require.Equal(t, 9, status[0].TabID)
	require.Equal(t, "writer-op", status[0].Writer)
	require.True(t, status[0].ObserverInjected)
	require.Equal(t, 1, status[0].NetworkBuffered)
	require.Equal(t, OwnerNone, status[0].Debugger)
}
