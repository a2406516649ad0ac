package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatrelay/chatrelay/internal/frame"
)

// fakeSender records frames handed to a peer's transport.
type fakeSender struct {
	mu     sync.Mutex
	frames []frame.Frame
	closed bool
	fail   error
}

func (s *fakeSender) Send(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) sent() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegistryRegisterAssignsIDs(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	a, err := r.Register(RoleMCPClient, []string{"health"}, nil, &fakeSender{})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Equal(t, RoleMCPClient, a.Role)

	b, err := r.Register(RoleMCPClient, nil, nil, &fakeSender{})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, r.Count())

	_, err = r.Register(Role("operator"), nil, nil, &fakeSender{})
	require.Error(t, err)
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
}

func TestRegistrySecondExtensionReplacesFirst(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	first := &fakeSender{}
	old, err := r.Register(RoleExtension, []string{"send_message"}, nil, first)
	require.NoError(t, err)

	fresh, err := r.Register(RoleExtension, []string{"send_message"}, nil, &fakeSender{})
	require.NoError(t, err)

	require.True(t, first.isClosed())
	_, ok := r.Get(old.ID)
	require.False(t, ok)
	got, ok := r.FindByRole(RoleExtension)
	require.True(t, ok)
	require.Equal(t, fresh.ID, got.ID)
	require.Equal(t, 1, r.Count())
}

func TestRegistryExtensionGoneHook(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	var gone int
	r.OnExtensionGone(func() { gone++ })

	ext, _ := r.Register(RoleExtension, nil, nil, &fakeSender{})
	client, _ := r.Register(RoleMCPClient, nil, nil, &fakeSender{})

	r.Unregister(client.ID)
	require.Zero(t, gone, "client departure must not fire the extension hook")

	r.Unregister(ext.ID)
	require.Equal(t, 1, gone)

	// Unknown ids are ignored.
	r.Unregister("no-such-peer")
	require.Equal(t, 1, gone)
}

func TestRegistryPublishesMembership(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	var snapshots [][]PeerInfo
	r.OnUpdate(func(peers []PeerInfo) { snapshots = append(snapshots, peers) })

	a, _ := r.Register(RoleMCPClient, nil, nil, &fakeSender{})
	r.Unregister(a.ID)

	require.Len(t, snapshots, 2)
	require.Len(t, snapshots[0], 1)
	require.Empty(t, snapshots[1])
}

func TestRegistryTouchAdvancesActivity(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	p, _ := r.Register(RoleMCPClient, nil, nil, &fakeSender{})
	before, _ := r.Get(p.ID)

	r.Touch(p.ID)
	after, _ := r.Get(p.ID)
	require.False(t, after.LastActivityAt.Before(before.LastActivityAt))
}
