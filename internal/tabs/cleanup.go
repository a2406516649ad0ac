// cleanup.go — Ordered tab teardown and the coordinator's status snapshot.
package tabs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
)

// CleanupStep records the outcome of one teardown step. Err is nil on
// success; a failed step never aborts the remaining ones.
type CleanupStep struct {
	Name string `json:"name"`
	Err  string `json:"error,omitempty"`
}

// Cleanup tears a tab down in a fixed order: stop network capture, drain
// in-flight holders, detach a self-owned debugger, force-release locks,
// clear observer tracking, and optionally close the tab. Steps run in this
// order because each one removes a dependency of the next (a draining
// operation may still need the debugger; lock release must come after the
// drain or new work sneaks in).
func (c *Coordinator) Cleanup(ctx context.Context, tabID int, closeTab bool) []CleanupStep {
	steps := make([]CleanupStep, 0, 6)
	record := func(name string, err error) {
		step := CleanupStep{Name: name}
		if err != nil {
			step.Err = err.Error()
			c.log.Warn("cleanup step failed",
				zap.Int("tab", tabID), zap.String("step", name), zap.Error(err))
		} else {
			c.log.Debug("cleanup step done", zap.Int("tab", tabID), zap.String("step", name))
		}
		steps = append(steps, step)
	}

	record("stop_network_monitoring", c.StopNetworkCapture(ctx, tabID))
	record("drain_operations", c.drain(ctx, tabID))
	record("detach_debugger", c.DetachDebugger(ctx, tabID))
	record("release_locks", c.forceRelease(tabID))
	record("clear_observer", c.clearObserver(tabID))
	if closeTab {
		record("close_tab", c.closeTab(ctx, tabID))
	}

	c.mu.Lock()
	if t, ok := c.tabs[tabID]; ok && closeTab && t.idle() {
		delete(c.tabs, tabID)
	}
	c.mu.Unlock()
	return steps
}

// drain waits up to the configured window for current holders and waiters to
// clear, polling rather than hooking release so a stuck holder cannot wedge
// cleanup.
func (c *Coordinator) drain(ctx context.Context, tabID int) error {
	deadline := time.Now().Add(c.cfg.CleanupDrain)
	for {
		c.mu.Lock()
		t, ok := c.tabs[tabID]
		idle := !ok || t.idle()
		c.mu.Unlock()
		if idle {
			return nil
		}
		if time.Now().After(deadline) {
			writer, readers, waiting := c.Holder(tabID)
			return frame.ErrTimeout.New("tab %d still busy after %s (writer=%q readers=%d waiting=%d)",
				tabID, c.cfg.CleanupDrain, writer, readers, waiting)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forceRelease drops every grant on the tab and fails queued waiters. Used
// only by cleanup after the drain window; anything still holding the tab at
// this point is presumed stuck.
func (c *Coordinator) forceRelease(tabID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok {
		return nil
	}
	t.writer = ""
	for id := range t.readers {
		delete(t.readers, id)
	}
	for _, w := range t.waiters {
		w.grant <- frame.ErrLockTimeout.New("tab %d is being cleaned up", tabID)
	}
	t.waiters = nil
	return nil
}

func (c *Coordinator) clearObserver(tabID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tabs[tabID]; ok {
		t.observerInjected = false
		t.network.Clear()
	}
	return nil
}

func (c *Coordinator) closeTab(ctx context.Context, tabID int) error {
	if err := c.caps.CloseTab(ctx, tabID); err != nil {
		return frame.ErrCapabilityError.New("close tab %d: %v", tabID, err)
	}
	return nil
}

// TabStatus is the per-tab slice of the coordinator's status snapshot.
type TabStatus struct {
	TabID            int           `json:"tabId"`
	Writer           string        `json:"writer,omitempty"`
	Readers          int           `json:"readers"`
	Waiting          int           `json:"waiting"`
	Debugger         DebuggerOwner `json:"debugger"`
	ObserverInjected bool          `json:"observerInjected"`
	Monitoring       bool          `json:"monitoring"`
	NetworkBuffered  int           `json:"networkBuffered"`
}

// Status snapshots every tracked tab for status reports.
func (c *Coordinator) Status() []TabStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TabStatus, 0, len(c.tabs))
	for id, t := range c.tabs {
		out = append(out, TabStatus{
			TabID:            id,
			Writer:           t.writer,
			Readers:          len(t.readers),
			Waiting:          len(t.waiters),
			Debugger:         t.debugger,
			ObserverInjected: t.observerInjected,
			Monitoring:       t.monitoring,
			NetworkBuffered:  t.network.Len(),
		})
	}
	return out
}
