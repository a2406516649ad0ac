// browser.go — Browser-control tool family. These run extension-side and
// drive the capability surface directly; tab-scoped calls go through the
// coordinator for debugger and monitoring ownership.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/tabs"
)

// BrowserDeps wires the browser-control handlers.
type BrowserDeps struct {
	Caps capability.Client
	Tabs *tabs.Coordinator
}

// RegisterBrowser installs the browser-control tool family.
func RegisterBrowser(t *Table, d BrowserDeps) {
	t.Register("reload_extension", Handler{
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := d.Caps.ReloadRuntime(ctx); err != nil {
				return nil, frame.ErrCapabilityError.New("reload: %v", err)
			}
			return map[string]any{"reloaded": true}, nil
		},
	})

	t.Register("debug_attach", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			already := d.Tabs.DebuggerOwnerOf(p.TabID) != tabs.OwnerNone
			owner, err := d.Tabs.EnsureDebugger(ctx, p.TabID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"tabId":           p.TabID,
				"owner":           owner,
				"alreadyAttached": already,
			}, nil
		},
	})

	t.Register("debug_detach", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			if err := d.Tabs.DetachDebugger(ctx, p.TabID); err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "owner": d.Tabs.DebuggerOwnerOf(p.TabID)}, nil
		},
	})

	t.Register("debug_status", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			return map[string]any{
				"tabId":      p.TabID,
				"owner":      d.Tabs.DebuggerOwnerOf(p.TabID),
				"functional": d.Caps.DebuggerFunctional(ctx, p.TabID),
			}, nil
		},
	})

	t.Register("execute_script", Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				TabID  int    `json:"tabId"`
				Script string `json:"script"`
			}
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.TabID <= 0 {
				return frame.ErrInvalidParams.New("tabId required")
			}
			if p.Script == "" {
				return frame.ErrInvalidParams.New("script required")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				TabID  int    `json:"tabId"`
				Script string `json:"script"`
			}
			_ = json.Unmarshal(params, &p)
			if _, err := d.Tabs.EnsureDebugger(ctx, p.TabID); err != nil {
				return nil, err
			}
			out, err := d.Caps.EvaluateScript(ctx, p.TabID, p.Script)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "value": out}, nil
		},
	})

	t.Register("get_dom_elements", Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				TabID    int    `json:"tabId"`
				Selector string `json:"selector"`
			}
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.TabID <= 0 || p.Selector == "" {
				return frame.ErrInvalidParams.New("tabId and selector required")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				TabID    int    `json:"tabId"`
				Selector string `json:"selector"`
			}
			_ = json.Unmarshal(params, &p)
			elements, err := d.Caps.QueryDOM(ctx, p.TabID, p.Selector)
			if err != nil {
				return nil, err
			}
			return map[string]any{"elements": elements, "count": len(elements)}, nil
		},
	})

	t.Register("start_network_monitoring", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			if err := d.Tabs.StartNetworkCapture(ctx, p.TabID); err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "monitoring": true}, nil
		},
	})

	t.Register("stop_network_monitoring", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			if err := d.Tabs.StopNetworkCapture(ctx, p.TabID); err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "monitoring": false}, nil
		},
	})

	t.Register("get_network_requests", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				TabID int `json:"tabId"`
				Limit int `json:"limit"`
			}
			_ = json.Unmarshal(params, &p)
			// Fresh events from the browser are folded into the tab's buffer
			// so queries after monitoring stops still see the capture.
			if fresh, err := d.Caps.NetworkRequests(ctx, p.TabID); err == nil {
				for _, ev := range fresh {
					if ev.TabID == 0 {
						ev.TabID = p.TabID
					}
					d.Tabs.RecordNetworkEvent(ev)
				}
			}
			events := d.Tabs.NetworkEvents(p.TabID, p.Limit)
			return map[string]any{"requests": events, "count": len(events)}, nil
		},
	})
}

func requireTabID(params json.RawMessage) error {
	var p struct {
		TabID int `json:"tabId"`
	}
	if err := decode(params, &p); err != nil {
		return err
	}
	if p.TabID <= 0 {
		return frame.ErrInvalidParams.New("tabId required")
	}
	return nil
}

func tabParams(params json.RawMessage) (p struct {
	TabID int `json:"tabId"`
}) {
	_ = json.Unmarshal(params, &p)
	return p
}
