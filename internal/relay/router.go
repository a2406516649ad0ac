// router.go — Frame dispatch: unicast, broadcast, relay-local verbs, and the
// implicit extension default route.
// The router holds no request/response state; correlation belongs to the
// peer that issued the request. Per-origin frame order is preserved.
package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// LocalVerb handles a relay-local control frame and returns a result for the
// origin peer, or an error mapped to an error response.
type LocalVerb func(ctx context.Context, origin PeerInfo, f frame.Frame) (any, error)

// Interceptor inspects (and may rewrite) a frame before it is default-routed
// to the extension. Used to stamp unified operation ids onto
// operation-creating requests.
type Interceptor func(origin PeerInfo, f *frame.Frame) error

// Router addresses inbound frames per the dispatch policy.
type Router struct {
	log       *zap.Logger
	registry  *Registry
	local     map[string]LocalVerb
	intercept Interceptor
}

// NewRouter creates a router over the given registry.
func NewRouter(log *zap.Logger, registry *Registry) *Router {
	return &Router{
		log:      log,
		registry: registry,
		local:    map[string]LocalVerb{},
	}
}

// Handle registers a relay-local control verb.
func (r *Router) Handle(frameType string, verb LocalVerb) {
	r.local[frameType] = verb
}

// SetInterceptor installs the pre-route hook for extension-bound frames.
func (r *Router) SetInterceptor(i Interceptor) { r.intercept = i }

// Route dispatches one inbound frame from the origin peer. Responses and
// routing errors flow back on the origin's transport; Route never returns
// an error to the transport loop.
func (r *Router) Route(originID string, f frame.Frame) {
	origin, ok := r.registry.Get(originID)
	if !ok {
		// Transport raced a disconnect; nothing to reply to.
		r.log.Debug("frame from unknown origin dropped", zap.String("origin", originID))
		return
	}
	r.registry.Touch(originID)

	f = frame.Sanitize(f)
	f.From = originID
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	metrics.FramesTotal.WithLabelValues("in", f.Type).Inc()

	switch {
	case f.To != "":
		r.unicast(origin, f)
	case f.Broadcast:
		r.broadcast(origin, f)
	default:
		if verb, ok := r.local[f.Type]; ok {
			r.invokeLocal(origin, f, verb)
			return
		}
		r.toExtension(origin, f)
	}
}

// Broadcast fans a relay-authored frame out to every connected peer.
func (r *Router) Broadcast(f frame.Frame) {
	metrics.BroadcastsTotal.Inc()
	for _, info := range r.registry.Snapshot() {
		r.deliver(info.ID, f)
	}
}

// Reply sends a response for req back to the peer that issued it. Used by
// local verbs that complete asynchronously.
func (r *Router) Reply(req frame.Frame, result any) {
	resp := frame.Response(req, result)
	if err := r.deliver(req.From, resp); err != nil {
		r.log.Warn("async reply undeliverable",
			zap.String("peer", req.From), zap.String("type", req.Type), zap.Error(err))
	}
}

// SendTo delivers a relay-authored frame to one peer.
func (r *Router) SendTo(peerID string, f frame.Frame) error {
	f.To = peerID
	return r.deliver(peerID, f)
}

// SendToExtension delivers a relay-authored frame to the extension peer.
func (r *Router) SendToExtension(f frame.Frame) error {
	ext, ok := r.registry.FindByRole(RoleExtension)
	if !ok {
		return frame.ErrExtensionUnavailable.New("no extension peer connected")
	}
	return r.deliver(ext.ID, f)
}

func (r *Router) unicast(origin PeerInfo, f frame.Frame) {
	if _, ok := r.registry.Get(f.To); !ok {
		r.replyError(origin, f, frame.ErrUnknownTarget.New("peer %s is not connected", f.To))
		return
	}
	// The target exists; a failure here is a transport problem, not a bad
	// address.
	if err := r.deliver(f.To, f); err != nil {
		r.replyError(origin, f, frame.ErrPeerUnreachable.New("peer %s: %s", f.To, frame.Message(err)))
	}
}

func (r *Router) broadcast(origin PeerInfo, f frame.Frame) {
	metrics.BroadcastsTotal.Inc()
	for _, info := range r.registry.Snapshot() {
		if info.ID == origin.ID {
			continue
		}
		r.deliver(info.ID, f) //nolint:errcheck // broadcast is best-effort per peer
	}
}

func (r *Router) invokeLocal(origin PeerInfo, f frame.Frame, verb LocalVerb) {
	result, err := verb(context.Background(), origin, f)
	if result == nil && err == nil {
		// Notification-style verb, or one that replies asynchronously via
		// Reply once its work finishes.
		return
	}
	if err != nil {
		r.replyError(origin, f, err)
		return
	}
	resp := frame.Response(f, result)
	if err := r.deliver(origin.ID, resp); err != nil {
		r.log.Warn("local verb response undeliverable",
			zap.String("peer", origin.ID), zap.String("type", f.Type), zap.Error(err))
	}
}

func (r *Router) toExtension(origin PeerInfo, f frame.Frame) {
	ext, ok := r.registry.FindByRole(RoleExtension)
	if !ok {
		r.replyError(origin, f, frame.ErrExtensionUnavailable.New("no extension peer connected"))
		return
	}
	if r.intercept != nil {
		if err := r.intercept(origin, &f); err != nil {
			r.replyError(origin, f, err)
			return
		}
	}
	f.To = ext.ID
	if err := r.deliver(ext.ID, f); err != nil {
		r.replyError(origin, f, frame.ErrExtensionUnavailable.New("extension transport closed"))
	}
}

func (r *Router) deliver(peerID string, f frame.Frame) error {
	sender, ok := r.registry.SenderFor(peerID)
	if !ok {
		return frame.ErrPeerUnreachable.New("peer %s is not connected", peerID)
	}
	if err := sender.Send(f); err != nil {
		r.log.Warn("send failed",
			zap.String("peer", peerID), zap.String("type", f.Type), zap.Error(err))
		return err
	}
	metrics.FramesTotal.WithLabelValues("out", f.Type).Inc()
	return nil
}

// replyError sends a structured error response to the origin. Every routed
// error frame is logged with origin, target, and reason; the relay never
// swallows errors silently.
func (r *Router) replyError(origin PeerInfo, req frame.Frame, err error) {
	metrics.RouteErrorsTotal.WithLabelValues(frame.CodeOf(err)).Inc()
	r.log.Warn("routing error",
		zap.String("origin", origin.ID),
		zap.String("target", req.To),
		zap.String("type", req.Type),
		zap.String("reason", frame.Message(err)))
	resp := frame.ErrorResponse(req, err)
	resp.To = origin.ID
	if sendErr := r.deliver(origin.ID, resp); sendErr != nil {
		r.log.Warn("error response undeliverable",
			zap.String("peer", origin.ID), zap.Error(sendErr))
	}
}
