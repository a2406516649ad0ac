// manager.go — Operation lifecycle: begin, milestones, completion, waiting,
// deadlines, cancellation, and crash recovery.
// All state is guarded by one mutex; persistence and notification happen
// outside the lock on snapshots.
package ops

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// Notifier receives a snapshot on every operation state change. Implemented
// by the router to emit progress frames to the owning peer.
type Notifier func(op Operation)

// CancelHook receives a best-effort cancel request for the extension. No
// guarantee that side effects are undone.
type CancelHook func(op Operation)

// Config holds manager tuning knobs.
type Config struct {
	TerminalRingSize int
	DisconnectGrace  time.Duration
	Rehydrate        bool
	DeadlineByKind   map[Kind]time.Duration
	ScanInterval     time.Duration
}

func (c *Config) defaults() {
	if c.TerminalRingSize <= 0 {
		c.TerminalRingSize = 100
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 10 * time.Second
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 500 * time.Millisecond
	}
	if c.DeadlineByKind == nil {
		c.DeadlineByKind = map[Kind]time.Duration{
			KindSendMessage:     60 * time.Second,
			KindGetResponse:     120 * time.Second,
			KindForwardResponse: 180 * time.Second,
			KindCompound:        300 * time.Second,
		}
	}
}

// Manager tracks every operation in the process. It is the sole owner of the
// operation store file.
type Manager struct {
	mu  sync.Mutex
	log *zap.Logger
	cfg Config

	store         *Store
	ops           map[string]*Operation
	terminalOrder []string // terminal op ids, oldest first, bounded by ring size

	subs    map[string]map[int]chan Progress
	nextSub int

	// orphanedAt marks non-terminal operations whose progressing peer
	// disconnected. A milestone arrival clears the mark (rebind); the grace
	// sweep fails whatever is still marked.
	orphanedAt map[string]time.Time

	notify   Notifier
	onCancel CancelHook

	stop    chan struct{}
	stopped sync.WaitGroup
	closed  bool
}

// NewManager creates an operation manager backed by the given store.
func NewManager(log *zap.Logger, store *Store, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		log:        log,
		cfg:        cfg,
		store:      store,
		ops:        map[string]*Operation{},
		subs:       map[string]map[int]chan Progress{},
		orphanedAt: map[string]time.Time{},
		stop:       make(chan struct{}),
	}
}

// SetNotifier installs the progress sink. Must be called before Start.
func (m *Manager) SetNotifier(n Notifier) { m.notify = n }

// SetCancelHook installs the best-effort cancel forwarder.
func (m *Manager) SetCancelHook(h CancelHook) { m.onCancel = h }

// Start loads the store, applies the restart policy, and launches the
// deadline scanner. By default every recovered in-flight operation fails
// with ProcessRestarted; with Rehydrate they resume with a fresh deadline.
func (m *Manager) Start() error {
	loaded, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	now := time.Now()
	for id, op := range loaded {
		o := op
		if !o.State.Terminal() {
			if m.cfg.Rehydrate {
				o.Deadline = now.Add(m.deadlineFor(o.Kind))
				m.log.Info("rehydrated operation",
					zap.String("operation_id", id), zap.String("kind", string(o.Kind)))
			} else {
				o.State = StateFailed
				o.Error = "process restarted while operation was in flight"
				o.ErrorType = string(frame.ErrProcessRestarted)
				o.UpdatedAt = now
				m.log.Warn("failing recovered in-flight operation",
					zap.String("operation_id", id), zap.String("kind", string(o.Kind)))
			}
		}
		m.ops[id] = &o
		if o.State.Terminal() {
			m.terminalOrder = append(m.terminalOrder, id)
		}
	}
	m.trimTerminalLocked()
	m.updateMetricsLocked()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		m.log.Error("persisting recovered operations", zap.Error(err))
	}

	m.stopped.Add(1)
	go m.deadlineScanner()
	return nil
}

// Close stops the deadline scanner and writes a final snapshot.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.stopped.Wait()
	if err := m.store.Save(snapshot); err != nil {
		m.log.Error("final operation snapshot", zap.Error(err))
	}
}

// Begin registers an operation. When explicitID names an existing operation
// the call is an idempotent no-op returning it; a fresh explicitID becomes
// the canonical unified id, otherwise the manager assigns one.
func (m *Manager) Begin(kind Kind, params []byte, owningPeerID string, tabID int, explicitID string) (Operation, error) {
	if !ValidKind(kind) {
		return Operation{}, frame.ErrInvalidParams.New("unknown operation kind %q", kind)
	}

	m.mu.Lock()
	if explicitID != "" {
		if existing, ok := m.ops[explicitID]; ok {
			clone := existing.Clone()
			m.mu.Unlock()
			return clone, nil
		}
	}
	id := explicitID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	op := &Operation{
		ID:           id,
		Kind:         kind,
		Params:       params,
		State:        StateRegistered,
		CreatedAt:    now,
		UpdatedAt:    now,
		Deadline:     now.Add(m.deadlineFor(kind)),
		OwningPeerID: owningPeerID,
		TabID:        tabID,
	}
	m.ops[id] = op
	m.updateMetricsLocked()
	clone := op.Clone()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snapshot)
	m.emit(clone)
	return clone, nil
}

// SetInFlight marks an operation as dispatched to the extension.
func (m *Manager) SetInFlight(id string) error {
	return m.transition(id, func(op *Operation) error {
		if op.State == StateRegistered {
			op.State = StateInFlight
		}
		return nil
	})
}

// RecordMilestone appends a milestone. Milestones against terminal
// operations are dropped with a warning. response_completed implies a
// transition to completed with the milestone data as result; other
// milestones move a non-terminal operation to awaiting-milestone. A
// milestone arrival also rebinds an operation orphaned by an extension
// disconnect.
func (m *Manager) RecordMilestone(id, name string, data []byte) (Operation, error) {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return Operation{}, frame.ErrOperationNotFound.New("operation %s not found", id)
	}
	if op.State.Terminal() {
		clone := op.Clone()
		m.mu.Unlock()
		m.log.Warn("milestone for terminal operation dropped",
			zap.String("operation_id", id),
			zap.String("milestone", name),
			zap.String("state", string(clone.State)))
		return clone, nil
	}

	delete(m.orphanedAt, id)

	at := time.Now()
	if n := len(op.Milestones); n > 0 && !at.After(op.Milestones[n-1].At) {
		at = op.Milestones[n-1].At.Add(time.Nanosecond)
	}
	op.Milestones = append(op.Milestones, Milestone{Name: name, At: at, Data: data})
	op.UpdatedAt = at

	if name == MilestoneResponseCompleted {
		m.completeLocked(op, data)
	} else if op.State == StateRegistered || op.State == StateInFlight {
		op.State = StateAwaitingMilestone
	}

	m.updateMetricsLocked()
	clone := op.Clone()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snapshot)
	m.emit(clone)
	return clone, nil
}

// Complete marks an operation completed with the given result. Idempotent
// once terminal.
func (m *Manager) Complete(id string, result []byte) error {
	return m.transition(id, func(op *Operation) error {
		m.completeLocked(op, result)
		return nil
	})
}

// Fail marks an operation failed (or timed-out when the cause is a
// deadline). Idempotent once terminal.
func (m *Manager) Fail(id string, cause error) error {
	return m.transition(id, func(op *Operation) error {
		code := frame.CodeOf(cause)
		if code == string(frame.ErrTimeout) {
			op.State = StateTimedOut
		} else {
			op.State = StateFailed
		}
		op.Error = frame.Message(cause)
		op.ErrorType = code
		return nil
	})
}

// Cancel marks an operation cancelled and forwards a best-effort cancel
// request to the extension. Cancelling a terminal operation is a no-op.
func (m *Manager) Cancel(id string) error {
	var cancelled Operation
	var didCancel bool
	err := m.transition(id, func(op *Operation) error {
		op.State = StateCancelled
		op.Error = "operation cancelled"
		didCancel = true
		cancelled = op.Clone()
		return nil
	})
	if err == nil && didCancel && m.onCancel != nil {
		m.onCancel(cancelled)
	}
	return err
}

// Get returns a snapshot of the operation.
func (m *Manager) Get(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.Clone(), true
}

// List returns snapshots of every tracked operation.
func (m *Manager) List() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op.Clone())
	}
	return out
}

// StateCounts returns the number of operations per state, for health.
func (m *Manager) StateCounts() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[State]int{}
	for _, op := range m.ops {
		counts[op.State]++
	}
	return counts
}

// Subscribe returns a live progress stream for an operation plus a cancel
// function. Slow subscribers miss updates rather than block the manager.
func (m *Manager) Subscribe(id string) (<-chan Progress, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Progress, 16)
	if m.subs[id] == nil {
		m.subs[id] = map[int]chan Progress{}
	}
	key := m.nextSub
	m.nextSub++
	m.subs[id][key] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.subs[id]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.subs, id)
			}
		}
	}
	return ch, cancel
}

// Wait blocks until the operation reaches a terminal state, the timeout
// elapses, or ctx is cancelled. Cancelling a wait only drops the
// subscription; the operation's fate is unchanged.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (Operation, error) {
	ch, cancel := m.Subscribe(id)
	defer cancel()

	op, ok := m.Get(id)
	if !ok {
		return Operation{}, frame.ErrOperationNotFound.New("operation %s not found", id)
	}
	if op.State.Terminal() {
		return op, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-deadline:
			// The terminal notification may have been dropped by a full
			// subscriber buffer; the state itself is authoritative.
			if final, ok := m.Get(id); ok && final.State.Terminal() {
				return final, nil
			}
			return op, frame.ErrTimeout.New("wait for operation %s timed out after %s", id, timeout)
		case p := <-ch:
			if p.State.Terminal() {
				final, _ := m.Get(id)
				return final, nil
			}
		}
	}
}

// OnPeerDisconnected marks every non-terminal operation owned by the peer
// for eviction after the grace window.
func (m *Manager) OnPeerDisconnected(peerID string) {
	m.markOrphans(func(op *Operation) bool { return op.OwningPeerID == peerID })
}

// OnExtensionDisconnected marks every non-terminal operation for eviction:
// without the extension nothing can progress. Operations that receive a
// milestone from a re-registering extension within the grace window are
// rebound instead.
func (m *Manager) OnExtensionDisconnected() {
	m.markOrphans(func(op *Operation) bool { return true })
}

func (m *Manager) markOrphans(match func(*Operation) bool) {
	m.mu.Lock()
	markTime := time.Now()
	var marked []string
	for id, op := range m.ops {
		if !op.State.Terminal() && match(op) {
			m.orphanedAt[id] = markTime
			marked = append(marked, id)
		}
	}
	m.mu.Unlock()

	if len(marked) == 0 {
		return
	}
	m.log.Info("operations orphaned by peer disconnect",
		zap.Int("count", len(marked)),
		zap.Duration("grace", m.cfg.DisconnectGrace))

	time.AfterFunc(m.cfg.DisconnectGrace, func() {
		for _, id := range marked {
			m.mu.Lock()
			at, still := m.orphanedAt[id]
			m.mu.Unlock()
			if still && at.Equal(markTime) {
				_ = m.Fail(id, frame.ErrPeerDisconnected.New("owning peer disconnected"))
			}
		}
	})
}

// transition applies fn to a non-terminal operation, then persists and
// notifies. Terminal operations are left untouched (idempotent no-op).
func (m *Manager) transition(id string, fn func(*Operation) error) error {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return frame.ErrOperationNotFound.New("operation %s not found", id)
	}
	if op.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if err := fn(op); err != nil {
		m.mu.Unlock()
		return err
	}
	op.UpdatedAt = time.Now()
	if op.State.Terminal() {
		delete(m.orphanedAt, id)
		m.terminalOrder = append(m.terminalOrder, id)
		m.trimTerminalLocked()
		metrics.OperationDuration.WithLabelValues(string(op.Kind), string(op.State)).
			Observe(op.UpdatedAt.Sub(op.CreatedAt).Seconds())
	}
	m.updateMetricsLocked()
	clone := op.Clone()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snapshot)
	m.emit(clone)
	return nil
}

// completeLocked flips an operation to completed with the given result.
func (m *Manager) completeLocked(op *Operation, result []byte) {
	op.State = StateCompleted
	op.Result = result
	op.UpdatedAt = time.Now()
	delete(m.orphanedAt, op.ID)
	m.terminalOrder = append(m.terminalOrder, op.ID)
	m.trimTerminalLocked()
	metrics.OperationDuration.WithLabelValues(string(op.Kind), string(StateCompleted)).
		Observe(op.UpdatedAt.Sub(op.CreatedAt).Seconds())
}

// trimTerminalLocked evicts the oldest terminal operations beyond the ring
// size. Non-terminal operations are never evicted.
func (m *Manager) trimTerminalLocked() {
	for len(m.terminalOrder) > m.cfg.TerminalRingSize {
		evict := m.terminalOrder[0]
		m.terminalOrder = m.terminalOrder[1:]
		if op, ok := m.ops[evict]; ok && op.State.Terminal() {
			delete(m.ops, evict)
			delete(m.subs, evict)
		}
	}
}

// snapshotLocked copies the persistable operation set.
func (m *Manager) snapshotLocked() map[string]Operation {
	out := make(map[string]Operation, len(m.ops))
	for id, op := range m.ops {
		out[id] = op.Clone()
	}
	return out
}

func (m *Manager) persist(snapshot map[string]Operation) {
	if err := m.store.Save(snapshot); err != nil {
		m.log.Error("persisting operation snapshot", zap.Error(err))
	}
}

// emit delivers a progress notification to the global notifier and every
// per-operation subscriber. Called outside the lock.
func (m *Manager) emit(op Operation) {
	if m.notify != nil {
		m.notify(op)
	}
	p := ProgressFor(op)

	m.mu.Lock()
	set := m.subs[op.ID]
	chans := make([]chan Progress, 0, len(set))
	for _, ch := range set {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- p:
		default:
			// Slow subscriber; it will observe the terminal state via Get.
		}
	}
}

func (m *Manager) deadlineFor(kind Kind) time.Duration {
	if d, ok := m.cfg.DeadlineByKind[kind]; ok {
		return d
	}
	return 60 * time.Second
}

// deadlineScanner fails overdue non-terminal operations with Timeout.
// Timeouts are advisory: the underlying browser action is not forcibly
// aborted.
func (m *Manager) deadlineScanner() {
	defer m.stopped.Done()
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			var overdue []string
			for id, op := range m.ops {
				if !op.State.Terminal() && !op.Deadline.IsZero() && now.After(op.Deadline) {
					overdue = append(overdue, id)
				}
			}
			m.mu.Unlock()
			for _, id := range overdue {
				_ = m.Fail(id, frame.ErrTimeout.New("operation deadline exceeded"))
			}
		}
	}
}

// updateMetricsLocked refreshes the per-state operation gauge.
func (m *Manager) updateMetricsLocked() {
	counts := map[State]int{}
	for _, op := range m.ops {
		counts[op.State]++
	}
	for _, s := range []State{
		StateRegistered, StateInFlight, StateAwaitingMilestone,
		StateCompleted, StateFailed, StateCancelled, StateTimedOut,
	} {
		metrics.OperationsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
