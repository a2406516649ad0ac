package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatrelay/chatrelay/internal/frame"
)

func newTestPull(t *testing.T, deadAfter time.Duration) (*PullTransport, *Router, *Registry) {
	t.Helper()
	reg := NewRegistry(zaptest.NewLogger(t))
	router := NewRouter(zaptest.NewLogger(t), reg)
	pt := NewPullTransport(zaptest.NewLogger(t), reg, router, 8, deadAfter)
	t.Cleanup(pt.Close)
	return pt, router, reg
}

func TestPullRegisterAndPoll(t *testing.T) {
	pt, router, _ := newTestPull(t, time.Minute)

	info, err := pt.Register(RoleMCPClient, []string{"health"})
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)

	// Nothing queued yet.
	frames, err := pt.Poll(info.ID)
	require.NoError(t, err)
	require.Empty(t, frames)

	require.NoError(t, router.SendTo(info.ID, frame.New("progress", map[string]any{"state": "in-flight"})))
	require.NoError(t, router.SendTo(info.ID, frame.New("progress", map[string]any{"state": "completed"})))

	frames, err = pt.Poll(info.ID)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	// Poll drains; a second poll is empty.
	frames, err = pt.Poll(info.ID)
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestPullUnknownPeer(t *testing.T) {
	pt, _, _ := newTestPull(t, time.Minute)

	_, err := pt.Poll("ghost")
	require.Equal(t, "PeerUnreachable", frame.CodeOf(err))
	require.Equal(t, "PeerUnreachable", frame.CodeOf(pt.Heartbeat("ghost")))
	require.Equal(t, "PeerUnreachable", frame.CodeOf(pt.Submit("ghost", frame.New("x", nil))))
}

func TestPullQueueBackpressure(t *testing.T) {
	pt, router, _ := newTestPull(t, time.Minute)
	info, _ := pt.Register(RoleMCPClient, nil)

	for i := 0; i < 8; i++ {
		require.NoError(t, router.SendTo(info.ID, frame.New("tick", nil)))
	}
	err := router.SendTo(info.ID, frame.New("tick", nil))
	require.Error(t, err)
	require.Equal(t, "PeerUnreachable", frame.CodeOf(err))

	require.Equal(t, map[string]int{info.ID: 8}, pt.QueueDepths())
}

func TestPullSubmitRoutes(t *testing.T) {
	pt, router, _ := newTestPull(t, time.Minute)
	info, _ := pt.Register(RoleExtension, []string{"send_message"})

	var seen []frame.Frame
	router.Handle("operation_milestone", func(_ context.Context, o PeerInfo, f frame.Frame) (any, error) {
		require.Equal(t, info.ID, o.ID)
		seen = append(seen, f)
		return nil, nil
	})

	require.NoError(t, pt.Submit(info.ID, frame.New("operation_milestone", map[string]any{"milestone": "message_sent"})))
	require.Len(t, seen, 1)
	require.Equal(t, info.ID, seen[0].From)
}

func TestPullEvictsDeadPeers(t *testing.T) {
	pt, _, reg := newTestPull(t, 500*time.Millisecond)
	info, _ := pt.Register(RoleMCPClient, nil)
	require.Equal(t, 1, reg.Count())

	// No heartbeats: the peer drops out after the dead interval.
	require.Eventually(t, func() bool {
		return reg.Count() == 0
	}, 5*time.Second, 50*time.Millisecond)

	_, err := pt.Poll(info.ID)
	require.Equal(t, "PeerUnreachable", frame.CodeOf(err))
}

func TestPullHeartbeatKeepsPeerAlive(t *testing.T) {
	pt, _, reg := newTestPull(t, 1500*time.Millisecond)
	info, _ := pt.Register(RoleMCPClient, nil)

	deadline := time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, pt.Heartbeat(info.ID))
		time.Sleep(200 * time.Millisecond)
	}
	require.Equal(t, 1, reg.Count())
}
