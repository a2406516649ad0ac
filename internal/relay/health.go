// health.go — Aggregated diagnostics for the health verb and GET /health.
// The relay-side view (peers, operations, transport counters, log buffer)
// is combined with the last status report pushed by the extension peer.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/ops"
)

// ExtensionStatus caches the most recent status_report frame from the
// extension: tab locks, queues, injected observers, debugger sessions, and
// network-monitor tabs. The raw report is passed through verbatim.
type ExtensionStatus struct {
	Report     json.RawMessage `json:"report"`
	ReportedAt time.Time       `json:"reportedAt"`
}

// HealthReport is the document returned by the health verb.
type HealthReport struct {
	Status             string             `json:"status"`
	UptimeSeconds      float64            `json:"uptimeSeconds"`
	Peers              []PeerInfo         `json:"peers"`
	ExtensionConnected bool               `json:"extensionConnected"`
	Operations         map[ops.State]int  `json:"operations"`
	Transport          TransportCounters  `json:"transport"`
	LogBufferSize      int                `json:"logBufferSize"`
	DebugMode          bool               `json:"debugMode"`
	Extension          *ExtensionStatus   `json:"extension,omitempty"`
}

// TransportCounters summarizes relay transport activity.
type TransportCounters struct {
	MessagesSent     int64          `json:"messagesSent"`
	MessagesReceived int64          `json:"messagesReceived"`
	PullQueueDepths  map[string]int `json:"pullQueueDepths,omitempty"`
}

// Health aggregates diagnostics across relay components.
type Health struct {
	mu        sync.RWMutex
	startedAt time.Time
	registry  *Registry
	manager   *ops.Manager
	logs      *logging.Buffer
	hub       *Hub
	pull      *PullTransport
	forwarder *logging.Forwarder

	extension *ExtensionStatus
}

// NewHealth creates the aggregator.
func NewHealth(registry *Registry, manager *ops.Manager, logs *logging.Buffer, hub *Hub, pull *PullTransport, forwarder *logging.Forwarder) *Health {
	return &Health{
		startedAt: time.Now(),
		registry:  registry,
		manager:   manager,
		logs:      logs,
		hub:       hub,
		pull:      pull,
		forwarder: forwarder,
	}
}

// RecordExtensionStatus caches a status report pushed by the extension.
func (h *Health) RecordExtensionStatus(report json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extension = &ExtensionStatus{Report: report, ReportedAt: time.Now()}
}

// Report builds the current health document.
func (h *Health) Report() HealthReport {
	_, extConnected := h.registry.FindByRole(RoleExtension)
	sent, received := h.hub.Counters()

	h.mu.RLock()
	ext := h.extension
	h.mu.RUnlock()

	var pullDepths map[string]int
	if h.pull != nil {
		pullDepths = h.pull.QueueDepths()
	}

	return HealthReport{
		Status:             "ok",
		UptimeSeconds:      time.Since(h.startedAt).Seconds(),
		Peers:              h.registry.Snapshot(),
		ExtensionConnected: extConnected,
		Operations:         h.manager.StateCounts(),
		Transport: TransportCounters{
			MessagesSent:     sent,
			MessagesReceived: received,
			PullQueueDepths:  pullDepths,
		},
		LogBufferSize: h.logs.Len(),
		DebugMode:     h.forwarder != nil && h.forwarder.Enabled(),
		Extension:     ext,
	}
}
