// system.go — System tool family: health, operation waits, log access, and
// debug-mode log forwarding. These run relay-side; they need no browser.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/ops"
)

// SystemDeps wires the system handlers to relay components. Functions are
// used instead of concrete relay types to keep this package independent of
// the relay's internals.
type SystemDeps struct {
	Health      func() any
	Manager     *ops.Manager
	Logs        *logging.Buffer
	SetLogLevel func(level string) error
	Forwarder   *logging.Forwarder
	// DefaultWait bounds wait_operation when the caller passes no timeout.
	DefaultWait time.Duration
}

// RegisterSystem installs the system tool family on the table.
func RegisterSystem(t *Table, d SystemDeps) {
	if d.DefaultWait <= 0 {
		d.DefaultWait = 30 * time.Second
	}

	t.Register("health", Handler{
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return map[string]any{"health": d.Health()}, nil
		},
	})

	t.Register("wait_operation", Handler{
		Validate: func(params json.RawMessage) error {
			var p waitOperationParams
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.OperationID == "" {
				return frame.ErrInvalidParams.New("wait_operation requires operationId")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p waitOperationParams
			_ = json.Unmarshal(params, &p)
			timeout := d.DefaultWait
			if p.TimeoutMs > 0 {
				timeout = time.Duration(p.TimeoutMs) * time.Millisecond
			}
			op, err := d.Manager.Wait(ctx, p.OperationID, timeout)
			if err != nil {
				return nil, err
			}
			return map[string]any{"operation": op}, nil
		},
	})

	t.Register("get_operation", Handler{
		Validate: requireOperationID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				OperationID string `json:"operationId"`
			}
			_ = json.Unmarshal(params, &p)
			op, ok := d.Manager.Get(p.OperationID)
			if !ok {
				return nil, frame.ErrOperationNotFound.New("operation %s not found", p.OperationID)
			}
			return map[string]any{"operation": op}, nil
		},
	})

	t.Register("list_operations", Handler{
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return map[string]any{"operations": d.Manager.List()}, nil
		},
	})

	t.Register("cancel_operation", Handler{
		Validate: requireOperationID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				OperationID string `json:"operationId"`
			}
			_ = json.Unmarshal(params, &p)
			if err := d.Manager.Cancel(p.OperationID); err != nil {
				return nil, err
			}
			return map[string]any{"operationId": p.OperationID, "cancelled": true}, nil
		},
	})

	t.Register("get_logs", Handler{
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Level     string `json:"level"`
				Component string `json:"component"`
				SinceMs   int64  `json:"sinceMs"`
				Limit     int    `json:"limit"`
			}
			if len(params) > 0 {
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, frame.ErrInvalidParams.New("malformed params: %v", err)
				}
			}
			if p.Limit <= 0 || p.Limit > 500 {
				p.Limit = 500
			}
			var since time.Time
			if p.SinceMs > 0 {
				since = time.UnixMilli(p.SinceMs)
			}
			entries := d.Logs.Query(p.Level, p.Component, since, p.Limit)
			return map[string]any{"logs": entries, "count": len(entries)}, nil
		},
	})

	t.Register("set_log_level", Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				Level string `json:"level"`
			}
			if err := decode(params, &p); err != nil {
				return err
			}
			switch p.Level {
			case "debug", "info", "warn", "error":
				return nil
			}
			return frame.ErrInvalidParams.New("level must be one of debug, info, warn, error")
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Level string `json:"level"`
			}
			_ = json.Unmarshal(params, &p)
			if err := d.SetLogLevel(p.Level); err != nil {
				return nil, err
			}
			return map[string]any{"level": p.Level}, nil
		},
	})

	t.Register("enable_debug_mode", Handler{
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			peerID := Origin(ctx)
			if peerID == "" {
				return nil, frame.ErrInvalidParams.New("enable_debug_mode requires a connected peer origin")
			}
			var p struct {
				Components []string `json:"components"`
				ErrorOnly  bool     `json:"errorOnly"`
			}
			if len(params) > 0 {
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, frame.ErrInvalidParams.New("malformed params: %v", err)
				}
			}
			rule := logging.ForwardRule{ErrorOnly: p.ErrorOnly}
			if len(p.Components) > 0 {
				rule.Components = make(map[string]bool, len(p.Components))
				for _, c := range p.Components {
					rule.Components[c] = true
				}
			}
			d.Forwarder.Enable(peerID, rule)
			return map[string]any{"debugMode": true, "forwardingTo": peerID}, nil
		},
	})

	t.Register("disable_debug_mode", Handler{
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			d.Forwarder.Disable()
			return map[string]any{"debugMode": false}, nil
		},
	})
}

type waitOperationParams struct {
	OperationID string `json:"operationId"`
	TimeoutMs   int    `json:"timeoutMs"`
}

func requireOperationID(params json.RawMessage) error {
	var p struct {
		OperationID string `json:"operationId"`
	}
	if err := decode(params, &p); err != nil {
		return err
	}
	if p.OperationID == "" {
		return frame.ErrInvalidParams.New("operationId required")
	}
	return nil
}
