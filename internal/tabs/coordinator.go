// coordinator.go — Per-tab operation serialization.
// Each tab carries a FIFO waiter queue with reader/writer conflict groups:
// writers get the tab exclusively, readers share it. Because grants always
// start from the queue head, a waiting writer blocks readers queued behind
// it, which keeps writers from starving under a read-heavy load.
package tabs

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/buffers"
	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/ops"
)

// Config carries the coordinator's tunables.
type Config struct {
	// LockTimeout bounds Acquire when the caller passes no explicit timeout.
	LockTimeout time.Duration
	// InjectionGrace is the window after observer injection during which a
	// navigation event does not clear injection state. Injection itself can
	// fire a navigation-shaped event; clearing on it would wedge the tab in
	// a inject/clear loop.
	InjectionGrace time.Duration
	// CleanupDrain bounds how long cleanup waits for in-flight holders.
	CleanupDrain time.Duration
	// NetworkBufferCap sizes each tab's captured-request ring.
	NetworkBufferCap int
}

func (c *Config) defaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.InjectionGrace <= 0 {
		c.InjectionGrace = 5 * time.Second
	}
	if c.CleanupDrain <= 0 {
		c.CleanupDrain = 5 * time.Second
	}
	if c.NetworkBufferCap <= 0 {
		c.NetworkBufferCap = 1000
	}
}

// DebuggerOwner identifies who holds a tab's debugger session.
type DebuggerOwner string

const (
	OwnerNone     DebuggerOwner = "none"
	OwnerSelf     DebuggerOwner = "self"
	OwnerExternal DebuggerOwner = "external"
)

// waiter is one queued Acquire. grant receives nil when the lock is granted
// or an error when the queue is torn down.
type waiter struct {
	opID  string
	group ops.ConflictGroup
	grant chan error
}

// tabState is everything the coordinator tracks for one tab.
type tabState struct {
	readers map[string]bool // operation ids holding a readonly grant
	writer  string          // operation id holding the write grant, "" if none
	waiters []*waiter

	debugger DebuggerOwner

	observerInjected   bool
	observerInjectedAt time.Time

	monitoring bool
	network    *buffers.Ring[capability.NetworkEvent]
}

func (t *tabState) idle() bool {
	return t.writer == "" && len(t.readers) == 0 && len(t.waiters) == 0
}

func (t *tabState) holds(opID string) bool {
	return t.writer == opID || t.readers[opID]
}

// Coordinator serializes operations per tab and owns tab-scoped sessions
// (debugger, observer injection state, network capture).
type Coordinator struct {
	mu   sync.Mutex
	log  *zap.Logger
	caps capability.Client
	cfg  Config
	tabs map[int]*tabState
}

// New creates a coordinator over the given capability client.
func New(log *zap.Logger, caps capability.Client, cfg Config) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		log:  log.Named("tabs"),
		caps: caps,
		cfg:  cfg,
		tabs: make(map[int]*tabState),
	}
}

func (c *Coordinator) tabLocked(tabID int) *tabState {
	t, ok := c.tabs[tabID]
	if !ok {
		t = &tabState{
			readers:  make(map[string]bool),
			debugger: OwnerNone,
			network:  buffers.NewRing[capability.NetworkEvent](c.cfg.NetworkBufferCap),
		}
		c.tabs[tabID] = t
	}
	return t
}

// Acquire blocks until opID holds the tab in the requested conflict group,
// the timeout elapses (LockTimeout error), or ctx is cancelled. A zero
// timeout uses the configured default. Acquire is idempotent for an
// operation that already holds the tab.
func (c *Coordinator) Acquire(ctx context.Context, tabID int, opID string, group ops.ConflictGroup, timeout time.Duration) error {
	if opID == "" {
		return frame.ErrInvalidParams.New("acquire: operation id required")
	}
	if group != ops.GroupWrite && group != ops.GroupReadonly {
		return frame.ErrInvalidParams.New("acquire: unknown conflict group %q", group)
	}
	if timeout <= 0 {
		timeout = c.cfg.LockTimeout
	}

	start := time.Now()

	c.mu.Lock()
	t := c.tabLocked(tabID)
	if t.holds(opID) {
		c.mu.Unlock()
		return nil
	}
	// Immediate grant only when nothing is queued ahead; otherwise a late
	// reader could slip past a waiting writer.
	if len(t.waiters) == 0 && c.compatibleLocked(t, group) {
		c.grantToLocked(t, opID, group)
		c.mu.Unlock()
		metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
		return nil
	}
	w := &waiter{opID: opID, group: group, grant: make(chan error, 1)}
	t.waiters = append(t.waiters, w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.grant:
		if err == nil {
			metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
		}
		return err
	case <-timer.C:
		c.removeWaiter(tabID, w)
		metrics.LockTimeoutsTotal.Inc()
		c.log.Warn("lock acquisition timed out",
			zap.Int("tab", tabID),
			zap.String("operation", opID),
			zap.String("group", string(group)),
			zap.Duration("waited", time.Since(start)))
		return frame.ErrLockTimeout.New("tab %d busy for %s (operation %s)", tabID, timeout, opID)
	case <-ctx.Done():
		c.removeWaiter(tabID, w)
		return frame.ErrLockTimeout.New("tab %d acquire cancelled: %v", tabID, ctx.Err())
	}
}

// AcquireAll takes locks on several tabs for one operation. Tabs are locked
// in ascending id order so two multi-tab operations cannot deadlock each
// other. On any failure the locks already taken are released.
func (c *Coordinator) AcquireAll(ctx context.Context, tabIDs []int, opID string, group ops.ConflictGroup, timeout time.Duration) error {
	ids := append([]int(nil), tabIDs...)
	sort.Ints(ids)
	for i, id := range ids {
		if err := c.Acquire(ctx, id, opID, group, timeout); err != nil {
			for _, held := range ids[:i] {
				c.Release(held, opID)
			}
			return err
		}
	}
	return nil
}

// Release drops opID's grant on the tab and wakes eligible waiters.
// Releasing a grant that is not held is a no-op.
func (c *Coordinator) Release(tabID int, opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok {
		return
	}
	if t.writer == opID {
		t.writer = ""
	}
	delete(t.readers, opID)
	c.pumpLocked(t)
}

// Holder reports the current write holder and reader count for a tab.
func (c *Coordinator) Holder(tabID int) (writer string, readers int, waiting int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok {
		return "", 0, 0
	}
	return t.writer, len(t.readers), len(t.waiters)
}

// compatibleLocked reports whether a new grant of group fits the holders.
func (c *Coordinator) compatibleLocked(t *tabState, group ops.ConflictGroup) bool {
	if group == ops.GroupWrite {
		return t.writer == "" && len(t.readers) == 0
	}
	return t.writer == ""
}

func (c *Coordinator) grantToLocked(t *tabState, opID string, group ops.ConflictGroup) {
	if group == ops.GroupWrite {
		t.writer = opID
	} else {
		t.readers[opID] = true
	}
}

// pumpLocked grants from the queue head. A writer at the head waits for the
// tab to empty and then takes it alone; a run of readers at the head is
// granted together, stopping at the first queued writer.
func (c *Coordinator) pumpLocked(t *tabState) {
	for len(t.waiters) > 0 {
		head := t.waiters[0]
		if !c.compatibleLocked(t, head.group) {
			return
		}
		c.grantToLocked(t, head.opID, head.group)
		t.waiters = t.waiters[1:]
		head.grant <- nil
		if head.group == ops.GroupWrite {
			return
		}
	}
}

func (c *Coordinator) removeWaiter(tabID int, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok {
		return
	}
	for i, queued := range t.waiters {
		if queued == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
	// Not queued: the grant raced the timeout. Give the lock back so the
	// tab does not stay held by an operation that saw a timeout error.
	if t.writer == w.opID {
		t.writer = ""
	}
	delete(t.readers, w.opID)
	c.pumpLocked(t)
}
