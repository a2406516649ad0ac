// client.go — Peer-side websocket client for the relay.
// Handles dialing, the registration welcome, request/response correlation,
// keep-alive, and exponential-backoff reconnect with jitter. Unsolicited
// frames (tool requests, broadcasts, progress) go to the OnFrame handler.
package relayclient

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// Config carries the client's connection settings.
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://127.0.0.1:54321/ws.
	URL          string
	Role         string
	Capabilities []string
	Name         string

	Heartbeat      time.Duration
	FrameSizeLimit int
	SendQueueSize  int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c *Config) defaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 5 * time.Second
	}
}

// Client is one peer connection to the relay.
type Client struct {
	log *zap.Logger
	cfg Config

	mu      sync.Mutex
	peerID  string
	sendCh  chan frame.Frame
	online  bool
	pending map[string]chan frame.Frame

	onFrame     func(frame.Frame)
	onConnected func(peerID string)
}

// New creates a client. onFrame receives every unsolicited frame; it runs on
// the read loop and must not block.
func New(log *zap.Logger, cfg Config, onFrame func(frame.Frame)) *Client {
	cfg.defaults()
	return &Client{
		log:     log.Named("relayclient"),
		cfg:     cfg,
		pending: make(map[string]chan frame.Frame),
		onFrame: onFrame,
	}
}

// OnConnected installs a hook fired after each successful registration.
func (c *Client) OnConnected(fn func(peerID string)) { c.onConnected = fn }

// PeerID returns the relay-assigned id for the current connection.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Connected reports whether a registered connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Run connects and serves the connection until ctx is cancelled, redialing
// with exponential backoff and jitter after every drop.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := c.serveOnce(ctx); err != nil {
			c.log.Warn("connection lost", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		metrics.ReconnectsTotal.Inc()
		delay := c.backoff(attempt)
		c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff doubles from the minimum per attempt, capped at the maximum, with
// up to 20% jitter so a herd of peers does not redial in lockstep.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectMin
	for i := 1; i < attempt && d < c.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > c.cfg.ReconnectMax {
		d = c.cfg.ReconnectMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", frame.ErrInvalidParams.New("relay url: %v", err)
	}
	q := u.Query()
	q.Set("role", c.cfg.Role)
	if len(c.cfg.Capabilities) > 0 {
		q.Set("capabilities", strings.Join(c.cfg.Capabilities, ","))
	}
	if c.cfg.Name != "" {
		q.Set("name", c.cfg.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) serveOnce(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.cfg.FrameSizeLimit > 0 {
		conn.SetReadLimit(int64(c.cfg.FrameSizeLimit) + 64*1024)
	}

	// The relay writes the registration welcome before anything else, but a
	// broadcast from another peer's registration can still slip ahead of it.
	// Read until the welcome arrives; pre-registration frames carry no state
	// that cannot be recovered from a later update.
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	var reg struct {
		PeerID string `json:"peerId"`
	}
	for reg.PeerID == "" {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		welcome, err := frame.Decode(raw)
		if err != nil {
			return err
		}
		if welcome.Type != "registered" {
			c.log.Debug("frame before welcome skipped", zap.String("type", welcome.Type))
			continue
		}
		if json.Unmarshal(welcome.Result, &reg) != nil || reg.PeerID == "" {
			return frame.ErrInternal.New("welcome frame missing peer id")
		}
	}

	sendCh := make(chan frame.Frame, c.cfg.SendQueueSize)
	c.mu.Lock()
	c.peerID = reg.PeerID
	c.sendCh = sendCh
	c.online = true
	c.mu.Unlock()
	c.log.Info("registered with relay",
		zap.String("peer", reg.PeerID), zap.String("role", c.cfg.Role))
	if c.onConnected != nil {
		c.onConnected(reg.PeerID)
	}

	defer func() {
		c.mu.Lock()
		c.online = false
		c.sendCh = nil
		c.mu.Unlock()
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		case err := <-readErr:
			return err
		case f := <-sendCh:
			data, err := frame.Encode(f, c.cfg.FrameSizeLimit)
			if err != nil {
				c.log.Warn("dropping oversized outbound frame",
					zap.String("type", f.Type), zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := frame.Decode(raw)
		if err != nil {
			c.log.Warn("undecodable frame from relay", zap.Error(err))
			continue
		}
		if f.ID != "" && c.resolvePending(f) {
			continue
		}
		if c.onFrame != nil {
			c.onFrame(f)
		}
	}
}

func (c *Client) resolvePending(f frame.Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// Send queues a frame on the current connection.
func (c *Client) Send(f frame.Frame) error {
	c.mu.Lock()
	ch := c.sendCh
	online := c.online
	c.mu.Unlock()
	if !online || ch == nil {
		return frame.ErrPeerDisconnected.New("not connected to relay")
	}
	select {
	case ch <- f:
		return nil
	default:
		return frame.ErrPeerUnreachable.New("send queue full")
	}
}

// Request sends a correlated request and waits for its response.
func (c *Client) Request(ctx context.Context, frameType string, params any, timeout time.Duration) (frame.Frame, error) {
	f := frame.NewRequest(uuid.NewString(), frameType, params)
	ch := make(chan frame.Frame, 1)

	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()
	drop := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	if err := c.Send(f); err != nil {
		drop()
		return frame.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, frame.ClassFor(resp.ErrorType).New("%s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		drop()
		return frame.Frame{}, frame.ErrTimeout.New("no response to %s after %s", frameType, timeout)
	case <-ctx.Done():
		drop()
		return frame.Frame{}, ctx.Err()
	}
}
