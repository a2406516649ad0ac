// hub.go — Websocket transport for peers.
// One persistent duplex connection per peer with ordered delivery, a
// buffered non-blocking send path, and control-frame keep-alive. Three
// missed pongs mark the peer dead and close the connection.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// HubConfig holds transport tuning for the websocket hub.
type HubConfig struct {
	Heartbeat      time.Duration
	MaxMissedPongs int
	SendQueueSize  int
	FrameSizeLimit int
}

// Hub upgrades peer connections and pumps frames between the socket and the
// router.
type Hub struct {
	log      *zap.Logger
	cfg      HubConfig
	registry *Registry
	router   *Router
	upgrader websocket.Upgrader

	framesSent     atomic.Int64
	framesReceived atomic.Int64
}

// NewHub creates the websocket hub.
func NewHub(log *zap.Logger, cfg HubConfig, registry *Registry, router *Router) *Hub {
	return &Hub{
		log:      log,
		cfg:      cfg,
		registry: registry,
		router:   router,
		// The relay binds to loopback and trusts connected peers.
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 65536,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Counters returns total frames sent and received over the hub.
func (h *Hub) Counters() (sent, received int64) {
	return h.framesSent.Load(), h.framesReceived.Load()
}

// ServeWS handles a peer connection request. Role and capabilities come from
// query parameters; the relay assigns the peer id and confirms it in a
// `registered` frame before any routing happens.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	role := Role(r.URL.Query().Get("role"))
	if !ValidRole(role) {
		http.Error(w, "role must be mcp-client or extension", http.StatusBadRequest)
		return
	}
	var capabilities []string
	if raw := r.URL.Query().Get("capabilities"); raw != "" {
		capabilities = strings.Split(raw, ",")
	}
	metadata := map[string]any{}
	if name := r.URL.Query().Get("name"); name != "" {
		metadata["name"] = name
	}
	if r.URL.Query().Get("reconnect") == "true" {
		metrics.ReconnectsTotal.Inc()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	peer := &wsPeer{
		hub:  h,
		conn: conn,
		send: make(chan frame.Frame, h.cfg.SendQueueSize),
		done: make(chan struct{}),
	}

	info, err := h.registry.Register(role, capabilities, metadata, peer)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
	peer.id = info.ID

	// The welcome is written directly, before the write pump starts, so it is
	// always the first frame on the wire. Register publishes a membership
	// update that lands in the send queue; queued frames drain after this.
	welcome := frame.New("registered", nil)
	welcome.Result, _ = json.Marshal(map[string]any{
		"peerId": info.ID,
		"role":   info.Role,
	})
	if err := peer.writeFrame(welcome); err != nil {
		h.log.Warn("welcome frame undeliverable", zap.String("peer", info.ID), zap.Error(err))
		h.registry.Unregister(info.ID)
		peer.shutdown()
		return
	}

	go peer.writePump()
	peer.readPump()

	// readPump exited: the connection is gone.
	h.registry.Unregister(info.ID)
	peer.shutdown()
}

// wsPeer is one websocket-connected peer. Implements Sender.
type wsPeer struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan frame.Frame

	closeOnce sync.Once
	done      chan struct{}
}

// Send queues a frame for delivery. It never blocks: a full queue means the
// peer cannot keep up and the send fails with PeerUnreachable.
func (p *wsPeer) Send(f frame.Frame) error {
	select {
	case <-p.done:
		return frame.ErrPeerUnreachable.New("peer %s transport closed", p.id)
	default:
	}
	select {
	case p.send <- f:
		return nil
	default:
		return frame.ErrPeerUnreachable.New("peer %s send queue full", p.id)
	}
}

// Close tears the transport down. Safe to call more than once.
func (p *wsPeer) Close() { p.shutdown() }

func (p *wsPeer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// writeFrame encodes and writes one frame to the socket. Only the goroutine
// that owns writes may call it: ServeWS before the write pump starts, the
// write pump afterwards.
func (p *wsPeer) writeFrame(f frame.Frame) error {
	data, err := frame.Encode(f, p.hub.cfg.FrameSizeLimit)
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	p.hub.framesSent.Add(1)
	return nil
}

// readPump delivers inbound frames to the router until the connection
// closes. Oversized frames are rejected with FrameTooLarge but the peer
// stays connected.
func (p *wsPeer) readPump() {
	limit := p.hub.cfg.FrameSizeLimit
	// Read limit sits above the frame limit so oversized frames within the
	// slack are observed and rejected in-band while the peer stays connected.
	// Beyond the slack the socket layer drops the connection: some hard
	// ceiling must exist or a broken peer could stream an unbounded message
	// into memory.
	p.conn.SetReadLimit(int64(limit) + 64*1024)
	wait := p.hub.cfg.Heartbeat * time.Duration(p.hub.cfg.MaxMissedPongs+1)
	_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.hub.log.Warn("peer read error", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(wait))
		if msgType != websocket.TextMessage {
			continue
		}
		p.hub.framesReceived.Add(1)

		if limit > 0 && len(data) > limit {
			reject := frame.ErrorFrame("error",
				frame.ErrFrameTooLarge.New("frame is %d bytes, limit %d", len(data), limit))
			if err := p.Send(reject); err != nil {
				p.hub.log.Warn("frame-too-large reject undeliverable",
					zap.String("peer", p.id), zap.Error(err))
			}
			continue
		}

		f, err := frame.Decode(data)
		if err != nil {
			if sendErr := p.Send(frame.ErrorFrame("error", err)); sendErr != nil {
				p.hub.log.Warn("decode reject undeliverable",
					zap.String("peer", p.id), zap.Error(sendErr))
			}
			continue
		}
		p.hub.router.Route(p.id, f)
	}
}

// writePump drains the send queue and emits keep-alive pings. A write error
// or a missed-pong read deadline (handled in readPump) ends the connection.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(p.hub.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case f := <-p.send:
			if err := p.writeFrame(f); err != nil {
				if frame.CodeOf(err) == string(frame.ErrFrameTooLarge) {
					p.hub.log.Warn("outbound frame rejected",
						zap.String("peer", p.id), zap.String("type", f.Type), zap.Error(err))
					continue
				}
				p.hub.log.Warn("peer write error", zap.String("peer", p.id), zap.Error(err))
				p.shutdown()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.DeadPeersTotal.Inc()
				p.hub.log.Warn("keep-alive failed, closing peer", zap.String("peer", p.id))
				p.shutdown()
				return
			}
		}
	}
}
