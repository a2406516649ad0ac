// tab.go — Tab tool family: tab lifecycle plus the three long-running chat
// operations (send_message, get_response, forward_response) and their
// compound forms. Chat operations hold tab locks for their full lifetime so
// at most one writer drives a tab at a time.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/ops"
	"github.com/chatrelay/chatrelay/internal/tabs"
)

// Reporter carries operation progress back through the relay. The extension
// side reports milestones; the relay's operation manager owns the lifecycle.
type Reporter interface {
	Milestone(operationID, name string, data any)
	Completed(operationID string, result any)
	Failed(operationID string, err error)
}

// TabDeps wires the tab tool family.
type TabDeps struct {
	Log    *zap.Logger
	Caps   capability.Client
	Tabs   *tabs.Coordinator
	Report Reporter
	// Table lets batch_operations re-dispatch its sub-operations.
	Table *Table

	LockTimeout     time.Duration
	ResponsePoll    time.Duration
	ResponseTimeout time.Duration
}

func (d *TabDeps) defaults() {
	if d.ResponsePoll <= 0 {
		d.ResponsePoll = 500 * time.Millisecond
	}
	if d.ResponseTimeout <= 0 {
		d.ResponseTimeout = 2 * time.Minute
	}
}

type sendParams struct {
	TabID             int    `json:"tabId"`
	Message           string `json:"message"`
	OperationID       string `json:"operationId"`
	WaitForCompletion bool   `json:"waitForCompletion"`
	TimeoutMs         int    `json:"timeoutMs"`
}

type forwardParams struct {
	SourceTabID       int    `json:"sourceTabId"`
	TargetTabID       int    `json:"targetTabId"`
	Template          string `json:"template"`
	OperationID       string `json:"operationId"`
	WaitForCompletion bool   `json:"waitForCompletion"`
	TimeoutMs         int    `json:"timeoutMs"`
}

// RegisterTab installs the tab tool family.
func RegisterTab(t *Table, d TabDeps) {
	d.defaults()
	log := d.Log.Named("tab")

	t.Register("create_tab", Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				URL string `json:"url"`
			}
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.URL == "" {
				return frame.ErrInvalidParams.New("url required")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(params, &p)
			tab, err := d.Caps.CreateTab(ctx, p.URL)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tab": tab}, nil
		},
	})

	t.Register("list_tabs", Handler{
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			tabList, err := d.Caps.ListTabs(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tabs": tabList, "count": len(tabList)}, nil
		},
	})

	t.Register("close_tab", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			steps := d.Tabs.Cleanup(ctx, p.TabID, true)
			return map[string]any{"tabId": p.TabID, "steps": steps}, nil
		},
	})

	t.Register("send_message", Handler{
		Validate: func(params json.RawMessage) error {
			var p sendParams
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.TabID <= 0 {
				return frame.ErrInvalidParams.New("tabId required")
			}
			if p.Message == "" {
				return frame.ErrInvalidParams.New("message required")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p sendParams
			_ = json.Unmarshal(params, &p)
			return d.sendMessage(ctx, log, p)
		},
	})

	t.Register("get_response", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p sendParams
			_ = json.Unmarshal(params, &p)
			return d.getResponse(ctx, p)
		},
	})

	t.Register("get_response_status", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			status, err := d.Caps.ResponseStatus(ctx, p.TabID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "status": status}, nil
		},
	})

	t.Register("forward_response", Handler{
		Validate: func(params json.RawMessage) error {
			var p forwardParams
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.SourceTabID <= 0 || p.TargetTabID <= 0 {
				return frame.ErrInvalidParams.New("sourceTabId and targetTabId required")
			}
			if p.SourceTabID == p.TargetTabID {
				return frame.ErrInvalidParams.New("cannot forward a response to its own tab")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p forwardParams
			_ = json.Unmarshal(params, &p)
			return d.forwardResponse(ctx, log, p)
		},
	})

	t.Register("extract_elements", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				TabID    int    `json:"tabId"`
				Selector string `json:"selector"`
			}
			_ = json.Unmarshal(params, &p)
			elements, err := d.Caps.ExtractElements(ctx, p.TabID, p.Selector)
			if err != nil {
				return nil, err
			}
			return map[string]any{"elements": elements, "count": len(elements)}, nil
		},
	})

	t.Register("export_conversation", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				TabID  int    `json:"tabId"`
				Format string `json:"format"`
			}
			_ = json.Unmarshal(params, &p)
			if p.Format == "" {
				p.Format = "markdown"
			}
			doc, err := d.Caps.ExportConversation(ctx, p.TabID, p.Format)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "format": p.Format, "export": doc}, nil
		},
	})

	t.Register("debug_page", Handler{
		Validate: requireTabID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			p := tabParams(params)
			diag, err := d.Caps.PageDiagnostics(ctx, p.TabID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tabId": p.TabID, "diagnostics": diag}, nil
		},
	})

	t.Register("batch_operations", Handler{
		Validate: func(params json.RawMessage) error {
			var p batchParams
			if err := decode(params, &p); err != nil {
				return err
			}
			if len(p.Operations) == 0 {
				return frame.ErrInvalidParams.New("operations required")
			}
			for i, sub := range p.Operations {
				if !batchTools[sub.Tool] {
					return frame.ErrInvalidParams.New("operations[%d]: tool %q not allowed in a batch", i, sub.Tool)
				}
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p batchParams
			_ = json.Unmarshal(params, &p)
			return d.batch(ctx, p)
		},
	})
}

// ensureOpID returns the caller's operation id or mints one. The relay
// normally stamps the canonical id before the frame reaches the extension;
// minting here only covers direct local dispatch.
func ensureOpID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (d *TabDeps) sendMessage(ctx context.Context, log *zap.Logger, p sendParams) (any, error) {
	opID := ensureOpID(p.OperationID)

	if err := d.Tabs.Acquire(ctx, p.TabID, opID, ops.GroupWrite, d.LockTimeout); err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			d.Tabs.Release(p.TabID, opID)
		}
	}

	if _, err := d.Tabs.EnsureDebugger(ctx, p.TabID); err != nil {
		release()
		return nil, err
	}
	if err := d.Tabs.EnsureObserver(ctx, p.TabID); err != nil {
		release()
		return nil, err
	}
	if err := d.Caps.SendChatMessage(ctx, p.TabID, opID, p.Message); err != nil {
		release()
		d.Report.Failed(opID, err)
		return nil, frame.ErrCapabilityError.New("send message: %v", err)
	}
	d.Report.Milestone(opID, ops.MilestoneMessageSent, map[string]any{"tabId": p.TabID})

	timeout := d.ResponseTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	if !p.WaitForCompletion {
		// The lock travels with the operation: the background waiter owns
		// the release once the response lands or times out.
		released = true
		go func() {
			defer d.Tabs.Release(p.TabID, opID)
			bg, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := d.awaitResponse(bg, p.TabID, opID, timeout); err != nil {
				log.Warn("async response wait failed",
					zap.String("operation", opID), zap.Int("tab", p.TabID), zap.Error(err))
			}
		}()
		return map[string]any{"operationId": opID, "tabId": p.TabID, "status": "sent"}, nil
	}

	defer release()
	text, err := d.awaitResponse(ctx, p.TabID, opID, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"operationId": opID, "tabId": p.TabID, "response": text, "status": "completed"}, nil
}

func (d *TabDeps) getResponse(ctx context.Context, p sendParams) (any, error) {
	opID := ensureOpID(p.OperationID)
	timeout := d.ResponseTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	if err := d.Tabs.Acquire(ctx, p.TabID, opID, ops.GroupReadonly, d.LockTimeout); err != nil {
		return nil, err
	}
	defer d.Tabs.Release(p.TabID, opID)

	text, err := d.awaitResponse(ctx, p.TabID, opID, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"operationId": opID, "tabId": p.TabID, "response": text}, nil
}

// awaitResponse polls the tab's response status until completion, reporting
// response_started and response_completed milestones along the way.
func (d *TabDeps) awaitResponse(ctx context.Context, tabID int, opID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	startedReported := false

	for {
		status, err := d.Caps.ResponseStatus(ctx, tabID)
		if err != nil {
			d.Report.Failed(opID, err)
			return "", frame.ErrCapabilityError.New("response status: %v", err)
		}
		switch status.State {
		case "streaming":
			if !startedReported {
				startedReported = true
				d.Report.Milestone(opID, ops.MilestoneResponseStarted, map[string]any{"tabId": tabID})
			}
		case "complete":
			text, err := d.Caps.LatestResponse(ctx, tabID)
			if err != nil {
				d.Report.Failed(opID, err)
				return "", frame.ErrCapabilityError.New("read response: %v", err)
			}
			d.Report.Completed(opID, map[string]any{"response": text, "tabId": tabID})
			return text, nil
		}

		if time.Now().After(deadline) {
			err := frame.ErrTimeout.New("no completed response on tab %d after %s", tabID, timeout)
			d.Report.Failed(opID, err)
			return "", err
		}
		select {
		case <-time.After(d.ResponsePoll):
		case <-ctx.Done():
			err := frame.ErrTimeout.New("response wait cancelled on tab %d: %v", tabID, ctx.Err())
			d.Report.Failed(opID, err)
			return "", err
		}
	}
}

// forwardResponse reads the latest completed response from the source tab
// and sends it (optionally through a template) into the target tab. Locks
// are taken in tab-id order.
func (d *TabDeps) forwardResponse(ctx context.Context, log *zap.Logger, p forwardParams) (any, error) {
	opID := ensureOpID(p.OperationID)

	type grab struct {
		tabID int
		group ops.ConflictGroup
	}
	locks := []grab{
		{p.SourceTabID, ops.GroupReadonly},
		{p.TargetTabID, ops.GroupWrite},
	}
	if locks[0].tabID > locks[1].tabID {
		locks[0], locks[1] = locks[1], locks[0]
	}
	var held []int
	releaseAll := func() {
		for _, id := range held {
			d.Tabs.Release(id, opID)
		}
		held = nil
	}
	for _, l := range locks {
		if err := d.Tabs.Acquire(ctx, l.tabID, opID, l.group, d.LockTimeout); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, l.tabID)
	}

	status, err := d.Caps.ResponseStatus(ctx, p.SourceTabID)
	if err != nil {
		releaseAll()
		return nil, frame.ErrCapabilityError.New("source response status: %v", err)
	}
	if status.State != "complete" {
		releaseAll()
		return nil, frame.ErrCapabilityError.New("source tab %d has no completed response (state %s)", p.SourceTabID, status.State)
	}
	text, err := d.Caps.LatestResponse(ctx, p.SourceTabID)
	if err != nil {
		releaseAll()
		return nil, frame.ErrCapabilityError.New("read source response: %v", err)
	}
	if text == "" {
		releaseAll()
		return nil, frame.ErrCapabilityError.New("source tab %d response is empty", p.SourceTabID)
	}

	message := text
	if p.Template != "" {
		if !strings.Contains(p.Template, "{response}") {
			releaseAll()
			return nil, frame.ErrInvalidParams.New("template must contain {response}")
		}
		message = strings.ReplaceAll(p.Template, "{response}", text)
	}

	if _, err := d.Tabs.EnsureDebugger(ctx, p.TargetTabID); err != nil {
		releaseAll()
		return nil, err
	}
	if err := d.Tabs.EnsureObserver(ctx, p.TargetTabID); err != nil {
		releaseAll()
		return nil, err
	}

	// Source lock is no longer needed once the text is in hand.
	d.Tabs.Release(p.SourceTabID, opID)
	held = []int{p.TargetTabID}

	if err := d.Caps.SendChatMessage(ctx, p.TargetTabID, opID, message); err != nil {
		releaseAll()
		d.Report.Failed(opID, err)
		return nil, frame.ErrCapabilityError.New("forward to tab %d: %v", p.TargetTabID, err)
	}
	d.Report.Milestone(opID, ops.MilestoneMessageSent, map[string]any{
		"tabId":       p.TargetTabID,
		"forwardedOf": p.SourceTabID,
	})

	timeout := d.ResponseTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	if !p.WaitForCompletion {
		held = nil
		go func() {
			defer d.Tabs.Release(p.TargetTabID, opID)
			bg, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := d.awaitResponse(bg, p.TargetTabID, opID, timeout); err != nil {
				log.Warn("forwarded response wait failed",
					zap.String("operation", opID), zap.Int("tab", p.TargetTabID), zap.Error(err))
			}
		}()
		return map[string]any{
			"operationId": opID,
			"sourceTabId": p.SourceTabID,
			"targetTabId": p.TargetTabID,
			"status":      "sent",
		}, nil
	}

	defer releaseAll()
	reply, err := d.awaitResponse(ctx, p.TargetTabID, opID, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"operationId": opID,
		"sourceTabId": p.SourceTabID,
		"targetTabId": p.TargetTabID,
		"response":    reply,
		"status":      "completed",
	}, nil
}

type batchSub struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

type batchParams struct {
	Operations []batchSub `json:"operations"`
	Sequential bool       `json:"sequential"`
	DelayMs    int        `json:"delayMs"`
}

// batchTools is the closed set allowed inside batch_operations.
// send_and_get is rewritten to a waiting send_message.
var batchTools = map[string]bool{
	"send_message":     true,
	"get_response":     true,
	"forward_response": true,
	"send_and_get":     true,
}

type batchResult struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}

// batch runs sub-operations sequentially with an inter-op delay, or in
// parallel relying on per-tab locks for isolation. Sub-op failures land in
// their own result slot; the batch itself still succeeds.
func (d *TabDeps) batch(ctx context.Context, p batchParams) (any, error) {
	results := make([]batchResult, len(p.Operations))

	runOne := func(ctx context.Context, sub batchSub) json.RawMessage {
		tool := sub.Tool
		params := sub.Params
		if tool == "send_and_get" {
			tool = "send_message"
			var sp sendParams
			_ = json.Unmarshal(params, &sp)
			sp.WaitForCompletion = true
			params, _ = json.Marshal(sp)
		}
		res, err := d.Table.Dispatch(ctx, tool, params)
		return Envelope(res, err)
	}

	if p.Sequential {
		for i, sub := range p.Operations {
			results[i] = batchResult{Tool: sub.Tool, Result: runOne(ctx, sub)}
			if p.DelayMs > 0 && i < len(p.Operations)-1 {
				select {
				case <-time.After(time.Duration(p.DelayMs) * time.Millisecond):
				case <-ctx.Done():
					return nil, frame.ErrTimeout.New("batch cancelled: %v", ctx.Err())
				}
			}
		}
		return map[string]any{"results": results, "count": len(results)}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range p.Operations {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = batchResult{Tool: sub.Tool, Result: runOne(gctx, sub)}
			return nil
		})
	}
	_ = g.Wait()
	return map[string]any{"results": results, "count": len(results)}, nil
}
