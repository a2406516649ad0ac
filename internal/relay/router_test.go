package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatrelay/chatrelay/internal/frame"
)

func newTestRouter(t *testing.T) (*Router, *Registry) {
	t.Helper()
	reg := NewRegistry(zaptest.NewLogger(t))
	return NewRouter(zaptest.NewLogger(t), reg), reg
}

func TestRouteStampsOriginAndStripsSpoof(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	dst := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)
	target, _ := reg.Register(RoleMCPClient, nil, nil, dst)

	router.Route(origin.ID, frame.Frame{Type: "note", To: target.ID, From: "spoofed"})

	got := dst.sent()
	require.Len(t, got, 1)
	require.Equal(t, origin.ID, got[0].From)
	require.NotZero(t, got[0].Timestamp)
}

func TestRouteUnknownTarget(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)

	router.Route(origin.ID, frame.Frame{ID: "1", Type: "note", To: "ghost"})

	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "UnknownTarget", got[0].ErrorType)
	require.Equal(t, "1", got[0].ID)
}

func TestRouteConnectedTargetSendFailureIsPeerUnreachable(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	dst := &fakeSender{fail: frame.ErrPeerUnreachable.New("send queue full")}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)
	target, _ := reg.Register(RoleMCPClient, nil, nil, dst)

	router.Route(origin.ID, frame.Frame{ID: "9", Type: "note", To: target.ID})

	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "PeerUnreachable", got[0].ErrorType)
	require.Equal(t, "9", got[0].ID)
}

func TestRouteBroadcastExcludesOrigin(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	other1 := &fakeSender{}
	other2 := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)
	reg.Register(RoleMCPClient, nil, nil, other1)
	reg.Register(RoleExtension, nil, nil, other2)

	router.Route(origin.ID, frame.Frame{Type: "announce", Broadcast: true})

	require.Empty(t, src.sent())
	require.Len(t, other1.sent(), 1)
	require.Len(t, other2.sent(), 1)
}

func TestRouteLocalVerbRepliesSynchronously(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)

	router.Handle("ping", func(_ context.Context, o PeerInfo, f frame.Frame) (any, error) {
		require.Equal(t, origin.ID, o.ID)
		return map[string]any{"type": "pong"}, nil
	})
	router.Route(origin.ID, frame.Frame{ID: "7", Type: "ping"})

	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "ping_response", got[0].Type)
	require.Equal(t, "7", got[0].ID)

	var result map[string]any
	require.NoError(t, json.Unmarshal(got[0].Result, &result))
	require.Equal(t, "pong", result["type"])
}

func TestRouteLocalVerbError(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)

	router.Handle("boom", func(context.Context, PeerInfo, frame.Frame) (any, error) {
		return nil, frame.ErrInvalidParams.New("bad input")
	})
	router.Route(origin.ID, frame.Frame{ID: "2", Type: "boom"})

	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "InvalidParams", got[0].ErrorType)
	require.Contains(t, got[0].Error, "bad input")
}

func TestRouteLocalVerbAsyncReply(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)

	var pending frame.Frame
	router.Handle("slow", func(_ context.Context, _ PeerInfo, f frame.Frame) (any, error) {
		pending = f
		return nil, nil // reply later via Reply
	})
	router.Route(origin.ID, frame.Frame{ID: "9", Type: "slow"})
	require.Empty(t, src.sent(), "nil result must suppress the immediate reply")

	router.Reply(pending, map[string]any{"done": true})
	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "slow_response", got[0].Type)
	require.Equal(t, "9", got[0].ID)
}

func TestRouteDefaultsToExtension(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	extSender := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)

	// No extension yet: the origin gets ExtensionUnavailable.
	router.Route(origin.ID, frame.Frame{ID: "1", Type: "send_message"})
	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "ExtensionUnavailable", got[0].ErrorType)

	ext, _ := reg.Register(RoleExtension, nil, nil, extSender)
	router.Route(origin.ID, frame.Frame{ID: "2", Type: "send_message"})

	forwarded := extSender.sent()
	require.Len(t, forwarded, 1)
	require.Equal(t, ext.ID, forwarded[0].To)
	require.Equal(t, origin.ID, forwarded[0].From)
}

func TestRouteInterceptorRewritesParams(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	extSender := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)
	reg.Register(RoleExtension, nil, nil, extSender)

	router.SetInterceptor(func(o PeerInfo, f *frame.Frame) error {
		f.Params = json.RawMessage(`{"operationId":"unified-1"}`)
		return nil
	})
	router.Route(origin.ID, frame.Frame{ID: "3", Type: "send_message", Params: json.RawMessage(`{}`)})

	forwarded := extSender.sent()
	require.Len(t, forwarded, 1)
	require.JSONEq(t, `{"operationId":"unified-1"}`, string(forwarded[0].Params))
}

func TestRouteInterceptorErrorShortCircuits(t *testing.T) {
	router, reg := newTestRouter(t)
	src := &fakeSender{}
	extSender := &fakeSender{}
	origin, _ := reg.Register(RoleMCPClient, nil, nil, src)
	reg.Register(RoleExtension, nil, nil, extSender)

	router.SetInterceptor(func(PeerInfo, *frame.Frame) error {
		return frame.ErrInvalidParams.New("conflicting operation id")
	})
	router.Route(origin.ID, frame.Frame{ID: "4", Type: "send_message"})

	require.Empty(t, extSender.sent())
	got := src.sent()
	require.Len(t, got, 1)
	require.Equal(t, "InvalidParams", got[0].ErrorType)
}

func TestSendToExtension(t *testing.T) {
	router, reg := newTestRouter(t)

	err := router.SendToExtension(frame.New("cancel_operation", nil))
	require.Error(t, err)
	require.Equal(t, "ExtensionUnavailable", frame.CodeOf(err))

	extSender := &fakeSender{}
	reg.Register(RoleExtension, nil, nil, extSender)
	require.NoError(t, router.SendToExtension(frame.New("cancel_operation", nil)))
	require.Len(t, extSender.sent(), 1)
}

func TestRouteFromUnknownOriginDropped(t *testing.T) {
	router, reg := newTestRouter(t)
	extSender := &fakeSender{}
	reg.Register(RoleExtension, nil, nil, extSender)

	router.Route("never-registered", frame.Frame{Type: "send_message"})
	require.Empty(t, extSender.sent())
}
