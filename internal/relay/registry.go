// registry.go — Authoritative set of connected peers.
// The registry exclusively owns peer records; transports hold only a send
// handle. Every mutation publishes a _client_list_update broadcast so
// consumers never cache peer existence across frames.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// Role classifies a peer. Exactly one extension peer is valid at a time.
type Role string

const (
	RoleMCPClient Role = "mcp-client"
	RoleExtension Role = "extension"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleMCPClient || r == RoleExtension
}

// PeerInfo is the externally visible view of a peer.
type PeerInfo struct {
	ID             string         `json:"id"`
	Role           Role           `json:"role"`
	Capabilities   []string       `json:"capabilities"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Sender is the transport handle the registry keeps per peer.
type Sender interface {
	Send(f frame.Frame) error
	Close()
}

type peerRecord struct {
	info   PeerInfo
	sender Sender
}

// Registry tracks connected peers and publishes membership snapshots.
type Registry struct {
	mu    sync.RWMutex
	log   *zap.Logger
	peers map[string]*peerRecord

	// onUpdate receives the membership snapshot after every mutation.
	// Called outside the lock.
	onUpdate func([]PeerInfo)
	// onExtensionGone fires when the extension peer disappears without an
	// immediate replacement.
	onExtensionGone func()
}

// NewRegistry creates an empty peer registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log, peers: map[string]*peerRecord{}}
}

// OnUpdate installs the membership broadcast hook.
func (r *Registry) OnUpdate(fn func([]PeerInfo)) { r.onUpdate = fn }

// OnExtensionGone installs the extension-disconnect hook.
func (r *Registry) OnExtensionGone(fn func()) { r.onExtensionGone = fn }

// Register adds a peer and returns its assigned id. A second extension
// registration replaces the prior one; the replaced transport is closed.
func (r *Registry) Register(role Role, capabilities []string, metadata map[string]any, sender Sender) (PeerInfo, error) {
	if !ValidRole(role) {
		return PeerInfo{}, frame.ErrInvalidParams.New("unknown peer role %q", role)
	}

	now := time.Now()
	info := PeerInfo{
		ID:             uuid.NewString(),
		Role:           role,
		Capabilities:   capabilities,
		ConnectedAt:    now,
		LastActivityAt: now,
		Metadata:       metadata,
	}

	var replaced Sender
	r.mu.Lock()
	if role == RoleExtension {
		for id, rec := range r.peers {
			if rec.info.Role == RoleExtension {
				replaced = rec.sender
				delete(r.peers, id)
				r.log.Info("replacing extension peer",
					zap.String("old_peer", id), zap.String("new_peer", info.ID))
			}
		}
	}
	r.peers[info.ID] = &peerRecord{info: info, sender: sender}
	snapshot := r.snapshotLocked()
	r.updateMetricsLocked()
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}
	r.log.Info("peer registered",
		zap.String("peer", info.ID),
		zap.String("role", string(role)),
		zap.Strings("capabilities", capabilities))
	r.publish(snapshot)
	return info, nil
}

// Unregister removes a peer. Unknown ids are ignored.
func (r *Registry) Unregister(peerID string) {
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	wasExtension := rec.info.Role == RoleExtension
	stillHasExtension := false
	for _, other := range r.peers {
		if other.info.Role == RoleExtension {
			stillHasExtension = true
		}
	}
	snapshot := r.snapshotLocked()
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.log.Info("peer unregistered",
		zap.String("peer", peerID), zap.String("role", string(rec.info.Role)))
	r.publish(snapshot)
	if wasExtension && !stillHasExtension && r.onExtensionGone != nil {
		r.onExtensionGone()
	}
}

// Snapshot returns the current membership. This is the sole authoritative
// view of peer existence.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// FindByRole returns a peer with the given role, if one is connected.
func (r *Registry) FindByRole(role Role) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.peers {
		if rec.info.Role == role {
			return rec.info, true
		}
	}
	return PeerInfo{}, false
}

// Get returns a peer by id.
func (r *Registry) Get(peerID string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return rec.info, true
}

// SenderFor returns the transport handle for a peer.
func (r *Registry) SenderFor(peerID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	return rec.sender, true
}

// Touch updates a peer's last-activity timestamp.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[peerID]; ok {
		rec.info.LastActivityAt = time.Now()
	}
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) snapshotLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.info)
	}
	return out
}

func (r *Registry) updateMetricsLocked() {
	counts := map[Role]int{}
	for _, rec := range r.peers {
		counts[rec.info.Role]++
	}
	for _, role := range []Role{RoleMCPClient, RoleExtension} {
		metrics.ConnectedPeers.WithLabelValues(string(role)).Set(float64(counts[role]))
	}
}

func (r *Registry) publish(snapshot []PeerInfo) {
	if r.onUpdate != nil {
		r.onUpdate(snapshot)
	}
}
