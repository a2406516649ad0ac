// forward.go — Debug-mode log forwarding.
// When a peer enables debug mode, matching log records are batched and pushed
// to it as log_notification frames at a fixed interval.
package logging

import (
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/buffers"
)

// ForwardRule selects which records a debug-mode subscriber receives.
// An empty component set matches every component.
type ForwardRule struct {
	Components map[string]bool
	ErrorOnly  bool
}

func (r ForwardRule) matches(e Entry) bool {
	if r.ErrorOnly && e.Level != "error" {
		return false
	}
	if len(r.Components) > 0 && !r.Components[e.Component] {
		return false
	}
	return true
}

// Forwarder drains the log buffer on a timer and delivers matching entries
// to the subscribed peer. One subscriber at a time; enabling debug mode
// again replaces the previous rule.
type Forwarder struct {
	mu       sync.Mutex
	buf      *Buffer
	interval time.Duration
	rule     ForwardRule
	peerID   string
	cursor   buffers.Cursor
	send     func(peerID string, entries []Entry)
	stop     chan struct{}
	running  bool
}

// NewForwarder creates a forwarder that delivers batches via send.
func NewForwarder(buf *Buffer, interval time.Duration, send func(peerID string, entries []Entry)) *Forwarder {
	return &Forwarder{buf: buf, interval: interval, send: send}
}

// Enable starts forwarding to peerID under the given rule. Forwarding begins
// at the current end of the buffer; history is not replayed.
func (f *Forwarder) Enable(peerID string, rule ForwardRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.peerID = peerID
	f.rule = rule
	f.cursor = f.buf.Tail()
	if f.running {
		return
	}
	f.stop = make(chan struct{})
	f.running = true
	go f.loop(f.stop)
}

// Disable stops forwarding. Safe to call when not enabled.
func (f *Forwarder) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	close(f.stop)
	f.running = false
	f.peerID = ""
}

// Enabled reports whether a subscriber is attached.
func (f *Forwarder) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Forwarder) loop(stop chan struct{}) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Forwarder) flush() {
	f.mu.Lock()
	entries, next := f.buf.ReadFrom(f.cursor)
	f.cursor = next
	rule := f.rule
	peerID := f.peerID
	f.mu.Unlock()

	if peerID == "" {
		return
	}
	var batch []Entry
	for _, e := range entries {
		if rule.matches(e) {
			batch = append(batch, e)
		}
	}
	if len(batch) > 0 {
		f.send(peerID, batch)
	}
}
