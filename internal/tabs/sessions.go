// sessions.go — Tab-scoped session state: debugger ownership, observer
// injection tracking, and per-tab network capture.
package tabs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
)

const attachRetries = 3

// EnsureDebugger guarantees a functional debugger session on the tab.
// An existing session is probed first: if it responds and we did not create
// it, it is adopted as external rather than torn down. Attach failures are
// retried with a short backoff because the browser rejects attach while a
// previous session is still tearing down.
func (c *Coordinator) EnsureDebugger(ctx context.Context, tabID int) (DebuggerOwner, error) {
	c.mu.Lock()
	t := c.tabLocked(tabID)
	owner := t.debugger
	c.mu.Unlock()

	if c.caps.DebuggerFunctional(ctx, tabID) {
		if owner == OwnerSelf {
			return OwnerSelf, nil
		}
		c.setDebuggerOwner(tabID, OwnerExternal)
		c.log.Debug("adopted external debugger session", zap.Int("tab", tabID))
		return OwnerExternal, nil
	}

	// A tracked session that no longer responds is stale state.
	if owner != OwnerNone {
		c.setDebuggerOwner(tabID, OwnerNone)
	}

	var lastErr error
	for attempt := 1; attempt <= attachRetries; attempt++ {
		if err := c.caps.AttachDebugger(ctx, tabID); err != nil {
			lastErr = err
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return OwnerNone, frame.ErrCapabilityError.New("debugger attach cancelled: %v", ctx.Err())
			}
			continue
		}
		c.setDebuggerOwner(tabID, OwnerSelf)
		c.log.Info("debugger attached", zap.Int("tab", tabID), zap.Int("attempt", attempt))
		return OwnerSelf, nil
	}
	return OwnerNone, frame.ErrCapabilityError.New("debugger attach failed after %d attempts: %v", attachRetries, lastErr)
}

// DetachDebugger releases the tab's debugger session only if this process
// created it. Adopted external sessions are left alone.
func (c *Coordinator) DetachDebugger(ctx context.Context, tabID int) error {
	c.mu.Lock()
	t := c.tabLocked(tabID)
	owner := t.debugger
	c.mu.Unlock()

	switch owner {
	case OwnerSelf:
		if err := c.caps.DetachDebugger(ctx, tabID); err != nil {
			return frame.ErrCapabilityError.New("debugger detach: %v", err)
		}
		c.setDebuggerOwner(tabID, OwnerNone)
		c.log.Info("debugger detached", zap.Int("tab", tabID))
		return nil
	case OwnerExternal:
		c.log.Debug("leaving external debugger session attached", zap.Int("tab", tabID))
		return nil
	default:
		return nil
	}
}

// DebuggerOwnerOf reports who holds the tab's debugger session.
func (c *Coordinator) DebuggerOwnerOf(tabID int) DebuggerOwner {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok {
		return OwnerNone
	}
	return t.debugger
}

func (c *Coordinator) setDebuggerOwner(tabID int, owner DebuggerOwner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabLocked(tabID).debugger = owner
}

// EnsureObserver injects the in-page observer if the tab does not already
// have one tracked.
func (c *Coordinator) EnsureObserver(ctx context.Context, tabID int) error {
	c.mu.Lock()
	t := c.tabLocked(tabID)
	injected := t.observerInjected
	c.mu.Unlock()
	if injected {
		return nil
	}
	if err := c.caps.InjectObserver(ctx, tabID); err != nil {
		return frame.ErrContentScriptMissing.New("tab %d: observer injection failed: %v", tabID, err)
	}
	c.MarkObserverInjected(tabID)
	return nil
}

// MarkObserverInjected records a successful injection with its timestamp.
func (c *Coordinator) MarkObserverInjected(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tabLocked(tabID)
	t.observerInjected = true
	t.observerInjectedAt = time.Now()
}

// OnNavigation handles a navigation event for the tab. Navigations inside
// the injection grace window keep the observer state; later ones clear it so
// the next chat operation re-injects.
func (c *Coordinator) OnNavigation(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok || !t.observerInjected {
		return
	}
	if time.Since(t.observerInjectedAt) < c.cfg.InjectionGrace {
		return
	}
	t.observerInjected = false
	c.log.Debug("navigation cleared observer state", zap.Int("tab", tabID))
}

// ObserverReady reports whether the tab has a tracked observer.
func (c *Coordinator) ObserverReady(tabID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	return ok && t.observerInjected
}

// StartNetworkCapture begins recording the tab's requests.
func (c *Coordinator) StartNetworkCapture(ctx context.Context, tabID int) error {
	c.mu.Lock()
	t := c.tabLocked(tabID)
	already := t.monitoring
	c.mu.Unlock()
	if already {
		return nil
	}
	if err := c.caps.StartNetworkMonitoring(ctx, tabID); err != nil {
		return frame.ErrCapabilityError.New("start network monitoring: %v", err)
	}
	c.mu.Lock()
	c.tabLocked(tabID).monitoring = true
	c.mu.Unlock()
	return nil
}

// StopNetworkCapture stops recording. The buffered events survive until
// cleanup so they can still be queried after the fact.
func (c *Coordinator) StopNetworkCapture(ctx context.Context, tabID int) error {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	monitoring := ok && t.monitoring
	c.mu.Unlock()
	if !monitoring {
		return nil
	}
	if err := c.caps.StopNetworkMonitoring(ctx, tabID); err != nil {
		return frame.ErrCapabilityError.New("stop network monitoring: %v", err)
	}
	c.mu.Lock()
	if t, ok := c.tabs[tabID]; ok {
		t.monitoring = false
	}
	c.mu.Unlock()
	return nil
}

// RecordNetworkEvent appends one captured request to the tab's ring.
func (c *Coordinator) RecordNetworkEvent(ev capability.NetworkEvent) {
	c.mu.Lock()
	ring := c.tabLocked(ev.TabID).network
	c.mu.Unlock()
	ring.Append(ev)
}

// NetworkEvents returns up to limit buffered requests for the tab, oldest
// first. limit <= 0 returns everything buffered.
func (c *Coordinator) NetworkEvents(tabID int, limit int) []capability.NetworkEvent {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if limit <= 0 {
		return t.network.Snapshot()
	}
	all := t.network.Snapshot()
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Monitoring reports whether network capture is active on the tab.
func (c *Coordinator) Monitoring(tabID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	return ok && t.monitoring
}
