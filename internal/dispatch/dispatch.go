// dispatch.go — Tool-request dispatch.
// A Table maps tool names to handlers. Handlers validate before executing,
// never panic across the router boundary, and always produce a JSON result
// shaped {success: bool, ...}; failures carry error and errorType.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
)

// Handler is one tool implementation. Validate rejects malformed params
// with InvalidParams before any side effects; Execute performs the call.
type Handler struct {
	Validate func(params json.RawMessage) error
	Execute  func(ctx context.Context, params json.RawMessage) (any, error)
}

// Table is a registry of tool handlers.
type Table struct {
	mu       sync.RWMutex
	log      *zap.Logger
	handlers map[string]Handler
}

// NewTable creates an empty dispatch table.
func NewTable(log *zap.Logger) *Table {
	return &Table{log: log.Named("dispatch"), handlers: make(map[string]Handler)}
}

// Register installs a handler for the tool name. Later registrations win.
func (t *Table) Register(name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = h
}

// Has reports whether the table knows the tool.
func (t *Table) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[name]
	return ok
}

// Tools returns the registered tool names, sorted.
func (t *Table) Tools() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the named tool. A panic inside a handler is recovered and
// reported as an Internal error rather than tearing down the router.
func (t *Table) Dispatch(ctx context.Context, name string, params json.RawMessage) (result any, err error) {
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return nil, frame.ErrInvalidParams.New("unknown tool %q", name)
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("handler panicked",
				zap.String("tool", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = frame.ErrInternal.New("tool %s: %v", name, r)
		}
	}()

	if h.Validate != nil {
		if err := h.Validate(params); err != nil {
			if frame.CodeOf(err) == string(frame.ErrInternal) {
				err = frame.ErrInvalidParams.New("tool %s: %v", name, err)
			}
			return nil, err
		}
	}
	return h.Execute(ctx, params)
}

// Envelope converts a handler outcome into the wire result object. Success
// results are merged under their own keys when they are objects, otherwise
// returned under "result".
func Envelope(result any, err error) json.RawMessage {
	if err != nil {
		raw, _ := json.Marshal(map[string]any{
			"success":   false,
			"error":     frame.Message(err),
			"errorType": frame.CodeOf(err),
			"retryable": frame.Retryable(err),
		})
		return raw
	}

	merged := map[string]any{"success": true}
	switch v := result.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			merged[k] = val
		}
	default:
		// Try to flatten structs that marshal to objects.
		raw, mErr := json.Marshal(v)
		if mErr == nil && len(raw) > 0 && raw[0] == '{' {
			var fields map[string]any
			if json.Unmarshal(raw, &fields) == nil {
				for k, val := range fields {
					merged[k] = val
				}
				break
			}
		}
		merged["result"] = v
	}
	raw, mErr := json.Marshal(merged)
	if mErr != nil {
		raw, _ = json.Marshal(map[string]any{
			"success":   false,
			"error":     fmt.Sprintf("encoding result: %v", mErr),
			"errorType": string(frame.ErrInternal),
		})
	}
	return raw
}

// decode unmarshals params into dst, mapping failures to InvalidParams.
func decode(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return frame.ErrInvalidParams.New("params required")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return frame.ErrInvalidParams.New("malformed params: %v", err)
	}
	return nil
}

type originKey struct{}

// WithOrigin tags ctx with the peer id that issued the request.
func WithOrigin(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, originKey{}, peerID)
}

// Origin returns the requesting peer id, empty when untagged.
func Origin(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return id
}
