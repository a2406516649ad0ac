// pull.go — Pull-transport fallback for peers that cannot hold a persistent
// outbound socket. The relay queues outbound frames per peer and drains them
// on each poll; heartbeats keep the peer registered and carry an optional
// status report.
package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// pullPeer queues frames for one pull-transport peer. Implements Sender.
type pullPeer struct {
	mu     sync.Mutex
	id     string
	queue  []frame.Frame
	max    int
	closed bool
}

// Send enqueues a frame for the next poll. A full queue fails with
// PeerUnreachable, matching the push transport's backpressure contract.
func (p *pullPeer) Send(f frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return frame.ErrPeerUnreachable.New("pull peer %s closed", p.id)
	}
	if len(p.queue) >= p.max {
		return frame.ErrPeerUnreachable.New("pull peer %s queue full", p.id)
	}
	p.queue = append(p.queue, f)
	metrics.PullQueueDepth.WithLabelValues(p.id).Set(float64(len(p.queue)))
	return nil
}

// Close marks the queue dead; pending frames are dropped.
func (p *pullPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.queue = nil
	metrics.PullQueueDepth.DeleteLabelValues(p.id)
}

// drain removes and returns all queued frames.
func (p *pullPeer) drain() []frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	metrics.PullQueueDepth.WithLabelValues(p.id).Set(0)
	return out
}

func (p *pullPeer) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// PullTransport manages pull-mode peers. A peer joins on its first
// registration call and is evicted when heartbeats stop for longer than the
// dead interval.
type PullTransport struct {
	mu        sync.Mutex
	log       *zap.Logger
	registry  *Registry
	router    *Router
	queueMax  int
	deadAfter time.Duration

	peers    map[string]*pullPeer
	lastSeen map[string]time.Time

	stop chan struct{}
	once sync.Once
}

// NewPullTransport creates the pull transport manager.
func NewPullTransport(log *zap.Logger, registry *Registry, router *Router, queueMax int, deadAfter time.Duration) *PullTransport {
	pt := &PullTransport{
		log:       log,
		registry:  registry,
		router:    router,
		queueMax:  queueMax,
		deadAfter: deadAfter,
		peers:     map[string]*pullPeer{},
		lastSeen:  map[string]time.Time{},
		stop:      make(chan struct{}),
	}
	go pt.evictLoop()
	return pt
}

// Close stops the eviction loop.
func (pt *PullTransport) Close() {
	pt.once.Do(func() { close(pt.stop) })
}

// Register joins a pull-mode peer and returns its assigned id.
func (pt *PullTransport) Register(role Role, capabilities []string) (PeerInfo, error) {
	queue := &pullPeer{max: pt.queueMax}
	info, err := pt.registry.Register(role, capabilities, map[string]any{"transport": "pull"}, queue)
	if err != nil {
		return PeerInfo{}, err
	}
	queue.id = info.ID

	pt.mu.Lock()
	pt.peers[info.ID] = queue
	pt.lastSeen[info.ID] = time.Now()
	pt.mu.Unlock()
	return info, nil
}

// Poll drains queued frames for a peer. Unknown ids return
// PeerUnreachable so the client knows to re-register.
func (pt *PullTransport) Poll(peerID string) ([]frame.Frame, error) {
	pt.mu.Lock()
	queue, ok := pt.peers[peerID]
	if ok {
		pt.lastSeen[peerID] = time.Now()
	}
	pt.mu.Unlock()
	if !ok {
		return nil, frame.ErrPeerUnreachable.New("unknown pull peer %s", peerID)
	}
	pt.registry.Touch(peerID)
	return queue.drain(), nil
}

// Heartbeat records liveness for a pull peer.
func (pt *PullTransport) Heartbeat(peerID string) error {
	pt.mu.Lock()
	_, ok := pt.peers[peerID]
	if ok {
		pt.lastSeen[peerID] = time.Now()
	}
	pt.mu.Unlock()
	if !ok {
		return frame.ErrPeerUnreachable.New("unknown pull peer %s", peerID)
	}
	pt.registry.Touch(peerID)
	return nil
}

// Submit routes a frame authored by a pull peer (command responses,
// milestones).
func (pt *PullTransport) Submit(peerID string, f frame.Frame) error {
	pt.mu.Lock()
	_, ok := pt.peers[peerID]
	if ok {
		pt.lastSeen[peerID] = time.Now()
	}
	pt.mu.Unlock()
	if !ok {
		return frame.ErrPeerUnreachable.New("unknown pull peer %s", peerID)
	}
	pt.router.Route(peerID, f)
	return nil
}

// QueueDepths reports queued frame counts per pull peer, for health.
func (pt *PullTransport) QueueDepths() map[string]int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make(map[string]int, len(pt.peers))
	for id, q := range pt.peers {
		out[id] = q.depth()
	}
	return out
}

// evictLoop drops pull peers whose heartbeats stopped.
func (pt *PullTransport) evictLoop() {
	interval := pt.deadAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pt.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-pt.deadAfter)
			pt.mu.Lock()
			var dead []string
			for id, seen := range pt.lastSeen {
				if seen.Before(cutoff) {
					dead = append(dead, id)
				}
			}
			for _, id := range dead {
				delete(pt.peers, id)
				delete(pt.lastSeen, id)
			}
			pt.mu.Unlock()

			for _, id := range dead {
				metrics.DeadPeersTotal.Inc()
				pt.log.Info("evicting dead pull peer", zap.String("peer", id))
				pt.registry.Unregister(id)
			}
		}
	}
}
