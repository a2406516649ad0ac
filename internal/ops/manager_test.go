package ops

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatrelay/chatrelay/internal/frame"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "operations.json"), zaptest.NewLogger(t))
	m := NewManager(zaptest.NewLogger(t), store, cfg)
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m
}

func TestBeginAssignsAndAcceptsIDs(t *testing.T) {
	m := newTestManager(t, Config{})

	op, err := m.Begin(KindSendMessage, []byte(`{"tabId":1}`), "peer-1", 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, op.ID)
	require.Equal(t, StateRegistered, op.State)
	require.False(t, op.Deadline.IsZero())

	// Client-supplied id becomes the canonical unified id.
	op2, err := m.Begin(KindGetResponse, nil, "peer-1", 2, "client-chosen")
	require.NoError(t, err)
	require.Equal(t, "client-chosen", op2.ID)

	// Registering the same id again is an idempotent no-op.
	again, err := m.Begin(KindGetResponse, nil, "peer-2", 9, "client-chosen")
	require.NoError(t, err)
	require.Equal(t, op2.ID, again.ID)
	require.Equal(t, "peer-1", again.OwningPeerID)
	require.Equal(t, 2, again.TabID)
}

func TestBeginRejectsUnknownKind(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.Begin(Kind("teleport"), nil, "p", 0, "")
	require.Error(t, err)
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
}

func TestMilestoneFlow(t *testing.T) {
	m := newTestManager(t, Config{})
	op, err := m.Begin(KindSendMessage, nil, "peer-1", 1, "")
	require.NoError(t, err)
	require.NoError(t, m.SetInFlight(op.ID))

	got, err := m.RecordMilestone(op.ID, MilestoneMessageSent, nil)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingMilestone, got.State)
	require.Len(t, got.Milestones, 1)

	got, err = m.RecordMilestone(op.ID, MilestoneResponseStarted, nil)
	require.NoError(t, err)
	require.Len(t, got.Milestones, 2)
	require.True(t, got.Milestones[1].At.After(got.Milestones[0].At))

	result := json.RawMessage(`{"response":"hi"}`)
	got, err = m.RecordMilestone(op.ID, MilestoneResponseCompleted, result)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.JSONEq(t, string(result), string(got.Result))
}

func TestMilestoneAgainstTerminalIsDropped(t *testing.T) {
	m := newTestManager(t, Config{})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	require.NoError(t, m.Complete(op.ID, []byte(`{}`)))

	got, err := m.RecordMilestone(op.ID, MilestoneMessageSent, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.Empty(t, got.Milestones)
}

func TestMilestoneUnknownOperation(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.RecordMilestone("nope", MilestoneMessageSent, nil)
	require.Error(t, err)
	require.Equal(t, "OperationNotFound", frame.CodeOf(err))
}

func TestTerminalStatesAreSticky(t *testing.T) {
	m := newTestManager(t, Config{})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")

	require.NoError(t, m.Complete(op.ID, []byte(`{"a":1}`)))
	// Later transitions do not disturb the terminal state.
	require.NoError(t, m.Fail(op.ID, frame.ErrInternal.New("too late")))
	require.NoError(t, m.Cancel(op.ID))

	got, ok := m.Get(op.ID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, got.State)
	require.Empty(t, got.Error)
}

func TestFailWithTimeoutBecomesTimedOut(t *testing.T) {
	m := newTestManager(t, Config{})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	require.NoError(t, m.Fail(op.ID, frame.ErrTimeout.New("deadline exceeded")))

	got, _ := m.Get(op.ID)
	require.Equal(t, StateTimedOut, got.State)
	require.Equal(t, "Timeout", got.ErrorType)
	require.NotEmpty(t, got.Error)
}

func TestCancelInvokesHook(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "ops.json"), zaptest.NewLogger(t))
	m := NewManager(zaptest.NewLogger(t), store, Config{})
	var mu sync.Mutex
	var cancelled []string
	m.SetCancelHook(func(op Operation) {
		mu.Lock()
		cancelled = append(cancelled, op.ID)
		mu.Unlock()
	})
	require.NoError(t, m.Start())
	defer m.Close()

	op, _ := m.Begin(KindGetResponse, nil, "p", 1, "")
	require.NoError(t, m.Cancel(op.ID))
	got, _ := m.Get(op.ID)
	require.Equal(t, StateCancelled, got.State)

	mu.Lock()
	require.Equal(t, []string{op.ID}, cancelled)
	mu.Unlock()

	// Cancelling again does not re-fire the hook.
	require.NoError(t, m.Cancel(op.ID))
	mu.Lock()
	require.Len(t, cancelled, 1)
	mu.Unlock()
}

func TestWaitReturnsTerminalOperation(t *testing.T) {
	m := newTestManager(t, Config{})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		_, _ = m.RecordMilestone(op.ID, MilestoneResponseCompleted, []byte(`{"response":"done"}`))
	}()

	got, err := m.Wait(context.Background(), op.ID, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	<-done
}

func TestWaitTimesOut(t *testing.T) {
	m := newTestManager(t, Config{})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")

	_, err := m.Wait(context.Background(), op.ID, 30*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, "Timeout", frame.CodeOf(err))

	// The wait timing out does not touch the operation itself.
	got, _ := m.Get(op.ID)
	require.False(t, got.State.Terminal())
}

func TestWaitTimeoutObservesCompletionWithoutNotification(t *testing.T) {
	m := newTestManager(t, Config{})
	op, err := m.Begin(KindSendMessage, nil, "peer-1", 1, "")
	require.NoError(t, err)

	type result struct {
		op  Operation
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, waitErr := m.Wait(context.Background(), op.ID, 100*time.Millisecond)
		done <- result{got, waitErr}
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.subs[op.ID]) == 1
	}, time.Second, 5*time.Millisecond)

	// A slow subscriber's full buffer drops the terminal notification.
	// Divert the wait's channel so it never receives one; the state itself
	// must still be honored when the deadline fires.
	m.mu.Lock()
	for key := range m.subs[op.ID] {
		m.subs[op.ID][key] = make(chan Progress, 1)
	}
	m.mu.Unlock()

	require.NoError(t, m.Complete(op.ID, []byte(`{"response":"hi"}`)))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, StateCompleted, res.op.State)
}

func TestDeadlineScannerTimesOutOverdueOperations(t *testing.T) {
	m := newTestManager(t, Config{
		DeadlineByKind: map[Kind]time.Duration{KindSendMessage: 30 * time.Millisecond},
		ScanInterval:   10 * time.Millisecond,
	})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")

	require.Eventually(t, func() bool {
		got, _ := m.Get(op.ID)
		return got.State == StateTimedOut
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestartFailsRecoveredInFlight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "operations.json")

	store := NewStore(path, zaptest.NewLogger(t))
	m := NewManager(zaptest.NewLogger(t), store, Config{})
	require.NoError(t, m.Start())
	inflight, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	require.NoError(t, m.SetInFlight(inflight.ID))
	finished, _ := m.Begin(KindGetResponse, nil, "p", 2, "")
	require.NoError(t, m.Complete(finished.ID, []byte(`{}`)))
	m.Close()

	// Same store, fresh process.
	m2 := NewManager(zaptest.NewLogger(t), NewStore(path, zaptest.NewLogger(t)), Config{})
	require.NoError(t, m2.Start())
	defer m2.Close()

	got, ok := m2.Get(inflight.ID)
	require.True(t, ok)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, "ProcessRestarted", got.ErrorType)

	done, ok := m2.Get(finished.ID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, done.State)
}

func TestRestartRehydratesWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.json")

	m := NewManager(zaptest.NewLogger(t), NewStore(path, zaptest.NewLogger(t)), Config{})
	require.NoError(t, m.Start())
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	require.NoError(t, m.SetInFlight(op.ID))
	m.Close()

	m2 := NewManager(zaptest.NewLogger(t), NewStore(path, zaptest.NewLogger(t)), Config{Rehydrate: true})
	require.NoError(t, m2.Start())
	defer m2.Close()

	got, ok := m2.Get(op.ID)
	require.True(t, ok)
	require.Equal(t, StateInFlight, got.State)
	require.True(t, got.Deadline.After(time.Now()))
}

func TestDisconnectGraceFailsOrphans(t *testing.T) {
	m := newTestManager(t, Config{DisconnectGrace: 50 * time.Millisecond})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	require.NoError(t, m.SetInFlight(op.ID))

	m.OnExtensionDisconnected()

	require.Eventually(t, func() bool {
		got, _ := m.Get(op.ID)
		return got.State == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := m.Get(op.ID)
	require.Equal(t, "PeerDisconnected", got.ErrorType)
}

func TestMilestoneRebindsOrphanWithinGrace(t *testing.T) {
	m := newTestManager(t, Config{DisconnectGrace: 150 * time.Millisecond})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	require.NoError(t, m.SetInFlight(op.ID))

	m.OnExtensionDisconnected()
	// A milestone from the re-registered extension clears the orphan mark.
	_, err := m.RecordMilestone(op.ID, MilestoneMessageSent, nil)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	got, _ := m.Get(op.ID)
	require.Equal(t, StateAwaitingMilestone, got.State)
}

func TestSubscribeStreamsProgress(t *testing.T) {
	m := newTestManager(t, Config{})
	op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")

	ch, cancel := m.Subscribe(op.ID)
	defer cancel()

	_, _ = m.RecordMilestone(op.ID, MilestoneMessageSent, nil)

	select {
	case p := <-ch:
		require.Equal(t, op.ID, p.OperationID)
		require.Equal(t, StateAwaitingMilestone, p.State)
	case <-time.After(time.Second):
		t.Fatal("no progress notification")
	}
}

func TestTerminalRingEviction(t *testing.T) {
	m := newTestManager(t, Config{TerminalRingSize: 2})
	var ids []string
	for i := 0; i < 4; i++ {
		op, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
		require.NoError(t, m.Complete(op.ID, []byte(`{}`)))
		ids = append(ids, op.ID)
	}

	_, ok := m.Get(ids[0])
	require.False(t, ok, "oldest terminal operation should be evicted")
	_, ok = m.Get(ids[3])
	require.True(t, ok)
}

func TestStateCounts(t *testing.T) {
	m := newTestManager(t, Config{})
	a, _ := m.Begin(KindSendMessage, nil, "p", 1, "")
	b, _ := m.Begin(KindGetResponse, nil, "p", 2, "")
	require.NoError(t, m.Complete(b.ID, []byte(`{}`)))

	counts := m.StateCounts()
	require.Equal(t, 1, counts[StateRegistered])
	require.Equal(t, 1, counts[StateCompleted])
	_ = a
}
