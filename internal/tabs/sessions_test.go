package tabs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
)

func TestEnsureDebuggerAttaches(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})

	owner, err := c.EnsureDebugger(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, OwnerSelf, owner)
	require.Equal(t, 1, caps.CallCount("AttachDebugger"))

	// Already functional and tracked: no second attach.
	owner, err = c.EnsureDebugger(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, OwnerSelf, owner)
	require.Equal(t, 1, caps.CallCount("AttachDebugger"))
}

func TestEnsureDebuggerAdoptsExternal(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	caps.FunctionalExternally[5] = true

	owner, err := c.EnsureDebugger(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, OwnerExternal, owner)
	require.Zero(t, caps.CallCount("AttachDebugger"))

	// Detaching leaves an adopted session alone.
	require.NoError(t, c.DetachDebugger(context.Background(), 5))
	require.Zero(t, caps.CallCount("DetachDebugger"))
	require.Equal(t, OwnerExternal, c.DebuggerOwnerOf(5))
}

func TestEnsureDebuggerRetriesTransientFailures(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	caps.AttachFailures = 2

	owner, err := c.EnsureDebugger(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, OwnerSelf, owner)
	require.Equal(t, 3, caps.CallCount("AttachDebugger"))
}

func TestEnsureDebuggerGivesUpAfterRetries(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	caps.AttachFailures = 10

	owner, err := c.EnsureDebugger(context.Background(), 5)
	require.Error(t, err)
	require.Equal(t, "CapabilityError", frame.CodeOf(err))
	require.Equal(t, OwnerNone, owner)
	require.Equal(t, attachRetries, caps.CallCount("AttachDebugger"))
}

func TestDetachOwnSession(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	_, err := c.EnsureDebugger(context.Background(), 5)
	require.NoError(t, err)

	require.NoError(t, c.DetachDebugger(context.Background(), 5))
	require.Equal(t, 1, caps.CallCount("DetachDebugger"))
	require.Equal(t, OwnerNone, c.DebuggerOwnerOf(5))
}

func TestEnsureObserverInjectsOnce(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})

	require.NoError(t, c.EnsureObserver(context.Background(), 3))
	require.NoError(t, c.EnsureObserver(context.Background(), 3))
	require.Equal(t, 1, caps.CallCount("InjectObserver"))
	require.True(t, c.ObserverReady(3))
}

func TestEnsureObserverFailureSurfaces(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{})
	caps.Fail["InjectObserver"] = frame.ErrCapabilityError.New("page not ready")

	err := c.EnsureObserver(context.Background(), 3)
	require.Equal(t, "ContentScriptMissing", frame.CodeOf(err))
	require.False(t, c.ObserverReady(3))
}

func TestNavigationInsideGraceKeepsObserver(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{InjectionGrace: time.Minute})
	c.MarkObserverInjected(3)

	c.OnNavigation(3)
	require.True(t, c.ObserverReady(3), "navigation within the grace window must not clear injection")
}

func TestNavigationAfterGraceClearsObserver(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{InjectionGrace: time.Millisecond})
	c.MarkObserverInjected(3)
	time.Sleep(5 * time.Millisecond)

	c.OnNavigation(3)
	require.False(t, c.ObserverReady(3))
}

func TestNetworkCaptureLifecycle(t *testing.T) {
	c, caps := newTestCoordinator(t, Config{NetworkBufferCap: 3})
	ctx := context.Background()

	require.NoError(t, c.StartNetworkCapture(ctx, 4))
	require.NoError(t, c.StartNetworkCapture(ctx, 4)) // idempotent
	require.Equal(t, 1, caps.CallCount("StartNetworkMonitoring"))
	require.True(t, c.Monitoring(4))

	for i := 0; i < 5; i++ {
		c.RecordNetworkEvent(capability.NetworkEvent{TabID: 4, URL: "https://example.com", Status: 200})
	}
	require.Len(t, c.NetworkEvents(4, 0), 3, "ring keeps only the newest events")
	require.Len(t, c.NetworkEvents(4, 2), 2)

	require.NoError(t, c.StopNetworkCapture(ctx, 4))
	require.False(t, c.Monitoring(4))
	// Buffered events stay queryable after stop.
	require.Len(t, c.NetworkEvents(4, 0), 3)

	require.NoError(t, c.StopNetworkCapture(ctx, 4)) // idempotent
	require.Equal(t, 1, caps.CallCount("StopNetworkMonitoring"))
}
