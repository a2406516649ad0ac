// pullclient.go — REST fallback for peers that cannot hold a websocket.
// Commands are polled at the scheduler's adaptive cadence; heartbeats and
// health checks run on their fixed cadences.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/scheduler"
)

// PullClient polls the relay's REST surface in place of a websocket.
type PullClient struct {
	log    *zap.Logger
	base   string
	role   string
	caps   []string
	client *http.Client
	sched  *scheduler.Scheduler

	peerID  string
	onFrame func(frame.Frame)
	// status supplies the heartbeat's status payload; nil sends none.
	status func() any
}

// NewPull creates a pull-transport client against the relay REST base URL.
func NewPull(log *zap.Logger, base, role string, capabilities []string, sched *scheduler.Scheduler, onFrame func(frame.Frame)) *PullClient {
	return &PullClient{
		log:     log.Named("pullclient"),
		base:    strings.TrimRight(base, "/"),
		role:    role,
		caps:    capabilities,
		client:  &http.Client{Timeout: 10 * time.Second},
		sched:   sched,
		onFrame: onFrame,
	}
}

// SetStatusSource installs the heartbeat status payload supplier.
func (p *PullClient) SetStatusSource(fn func() any) { p.status = fn }

// PeerID returns the relay-assigned id from the last successful poll.
func (p *PullClient) PeerID() string { return p.peerID }

// Run polls until ctx is cancelled. Poll cadence adapts to activity;
// heartbeats stay fixed.
func (p *PullClient) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(p.sched.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		interval := p.sched.CommandInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := p.sendHeartbeat(ctx); err != nil {
				p.log.Warn("heartbeat failed", zap.Error(err))
			}
		case <-time.After(interval):
			frames, err := p.poll(ctx)
			if err != nil {
				p.log.Warn("poll failed", zap.Error(err))
				continue
			}
			if len(frames) > 0 {
				p.sched.MarkActivity()
			}
			for _, f := range frames {
				p.onFrame(f)
			}
		}
	}
}

func (p *PullClient) poll(ctx context.Context) ([]frame.Frame, error) {
	q := url.Values{}
	if p.peerID != "" {
		q.Set("peer_id", p.peerID)
	}
	q.Set("role", p.role)
	if len(p.caps) > 0 {
		raw, _ := json.Marshal(p.caps)
		q.Set("capabilities", string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/poll-commands?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll-commands: http %d", resp.StatusCode)
	}

	var body struct {
		PeerID   string        `json:"peerId"`
		Commands []frame.Frame `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.PeerID != "" && body.PeerID != p.peerID {
		p.log.Info("pull peer id assigned", zap.String("peer", body.PeerID))
		p.peerID = body.PeerID
	}
	return body.Commands, nil
}

func (p *PullClient) sendHeartbeat(ctx context.Context) error {
	if p.peerID == "" {
		return nil
	}
	payload := map[string]any{"peerId": p.peerID}
	if p.status != nil {
		payload["status"] = p.status()
	}
	return p.post(ctx, "/heartbeat", payload)
}

// Submit pushes a peer-authored frame (typically a tool response or
// milestone) through the pull transport.
func (p *PullClient) Submit(ctx context.Context, f frame.Frame) error {
	if p.peerID == "" {
		return frame.ErrPeerDisconnected.New("not yet registered with relay")
	}
	p.sched.MarkActivity()
	return p.post(ctx, "/command-response", map[string]any{"peerId": p.peerID, "frame": f})
}

func (p *PullClient) post(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		// Evicted while away; the next poll re-registers.
		p.peerID = ""
		return frame.ErrPeerDisconnected.New("relay evicted this peer")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	return nil
}
