package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/ops"
	"github.com/chatrelay/chatrelay/internal/tabs"
)

// fakeReporter records milestone traffic for assertions.
type fakeReporter struct {
	mu         sync.Mutex
	milestones []string // operationID/name
	completed  []string
	failed     []string
}

func (r *fakeReporter) Milestone(operationID, name string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones = append(r.milestones, operationID+"/"+name)
}

func (r *fakeReporter) Completed(operationID string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, operationID)
}

func (r *fakeReporter) Failed(operationID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, operationID+"/"+frame.CodeOf(err))
}

func (r *fakeReporter) snapshot() (milestones, completed, failed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.milestones...),
		append([]string(nil), r.completed...),
		append([]string(nil), r.failed...)
}

func newTabTable(t *testing.T) (*Table, *capability.Fake, *tabs.Coordinator, *fakeReporter) {
	t.Helper()
	log := zaptest.NewLogger(t)
	caps := capability.NewFake()
	coord := tabs.New(log, caps, tabs.Config{LockTimeout: time.Second})
	report := &fakeReporter{}
	table := NewTable(log)
	RegisterTab(table, TabDeps{
		Log:             log,
		Caps:            caps,
		Tabs:            coord,
		Report:          report,
		Table:           table,
		LockTimeout:     time.Second,
		ResponsePoll:    10 * time.Millisecond,
		ResponseTimeout: time.Second,
	})
	return table, caps, coord, report
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSendMessageSyncHappyPath(t *testing.T) {
	table, caps, coord, report := newTabTable(t)
	caps.Statuses[3] = capability.ResponseStatus{State: "complete"}
	caps.Responses[3] = "the answer"

	result, err := table.Dispatch(context.Background(), "send_message", params(t, map[string]any{
		"tabId":             3,
		"message":           "hello",
		"operationId":       "op-1",
		"waitForCompletion": true,
	}))
	require.NoError(t, err)

	out := result.(map[string]any)
	require.Equal(t, "op-1", out["operationId"])
	require.Equal(t, "the answer", out["response"])
	require.Equal(t, "completed", out["status"])

	milestones, completed, failed := report.snapshot()
	require.Contains(t, milestones, "op-1/message_sent")
	require.Equal(t, []string{"op-1"}, completed)
	require.Empty(t, failed)

	// Debugger and observer were set up before sending.
	require.Equal(t, 1, caps.CallCount("AttachDebugger"))
	require.Equal(t, 1, caps.CallCount("InjectObserver"))
	require.Equal(t, 1, caps.CallCount("SendChatMessage"))

	// The write lock is gone once the call returns.
	writer, _, _ := coord.Holder(3)
	require.Empty(t, writer)
}

func TestSendMessageAsyncTransfersLock(t *testing.T) {
	table, caps, coord, report := newTabTable(t)
	caps.SetResponse(3, "streaming", "")

	result, err := table.Dispatch(context.Background(), "send_message", params(t, map[string]any{
		"tabId":       3,
		"message":     "hello",
		"operationId": "op-2",
	}))
	require.NoError(t, err)
	require.Equal(t, "sent", result.(map[string]any)["status"])

	// The background waiter still holds the tab while the response streams.
	writer, _, _ := coord.Holder(3)
	require.Equal(t, "op-2", writer)

	caps.SetResponse(3, "complete", "done")

	require.Eventually(t, func() bool {
		w, _, _ := coord.Holder(3)
		_, completed, _ := report.snapshot()
		return w == "" && len(completed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	milestones, _, _ := report.snapshot()
	require.Contains(t, milestones, "op-2/message_sent")
	require.Contains(t, milestones, "op-2/response_started")
}

func TestSendMessageValidation(t *testing.T) {
	table, _, _, _ := newTabTable(t)

	_, err := table.Dispatch(context.Background(), "send_message", params(t, map[string]any{"tabId": 3}))
	require.Equal(t, "InvalidParams", frame.CodeOf(err))

	_, err = table.Dispatch(context.Background(), "send_message", params(t, map[string]any{"message": "hi"}))
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
}

func TestSendMessageFailureReleasesAndReports(t *testing.T) {
	table, caps, coord, report := newTabTable(t)
	caps.Fail["SendChatMessage"] = fmt.Errorf("page detached")

	_, err := table.Dispatch(context.Background(), "send_message", params(t, map[string]any{
		"tabId":       3,
		"message":     "hello",
		"operationId": "op-3",
	}))
	require.Equal(t, "CapabilityError", frame.CodeOf(err))

	_, _, failed := report.snapshot()
	require.Len(t, failed, 1)
	writer, _, _ := coord.Holder(3)
	require.Empty(t, writer)
}

func TestGetResponseUsesReadLock(t *testing.T) {
	table, caps, coord, _ := newTabTable(t)
	caps.Statuses[4] = capability.ResponseStatus{State: "complete"}
	caps.Responses[4] = "already here"

	// A concurrent reader holding the tab does not block get_response.
	require.NoError(t, coord.Acquire(context.Background(), 4, "other-reader", ops.GroupReadonly, time.Second))
	defer coord.Release(4, "other-reader")

	result, err := table.Dispatch(context.Background(), "get_response", params(t, map[string]any{
		"tabId":       4,
		"operationId": "op-4",
	}))
	require.NoError(t, err)
	require.Equal(t, "already here", result.(map[string]any)["response"])
}

func TestGetResponseTimesOut(t *testing.T) {
	table, caps, _, report := newTabTable(t)
	caps.Statuses[4] = capability.ResponseStatus{State: "streaming"}

	_, err := table.Dispatch(context.Background(), "get_response", params(t, map[string]any{
		"tabId":       4,
		"operationId": "op-5",
		"timeoutMs":   50,
	}))
	require.Equal(t, "Timeout", frame.CodeOf(err))

	_, _, failed := report.snapshot()
	require.Equal(t, []string{"op-5/Timeout"}, failed)
}

func TestForwardResponsePipeline(t *testing.T) {
	table, caps, coord, report := newTabTable(t)
	caps.Statuses[1] = capability.ResponseStatus{State: "complete"}
	caps.Responses[1] = "source text"
	caps.Statuses[2] = capability.ResponseStatus{State: "complete"}
	caps.Responses[2] = "target reply"

	result, err := table.Dispatch(context.Background(), "forward_response", params(t, map[string]any{
		"sourceTabId":       1,
		"targetTabId":       2,
		"template":          "Please review: {response}",
		"operationId":       "fwd-1",
		"waitForCompletion": true,
	}))
	require.NoError(t, err)

	out := result.(map[string]any)
	require.Equal(t, "completed", out["status"])
	require.Equal(t, "target reply", out["response"])

	// The templated message went into the target tab.
	found := false
	for _, call := range caps.Calls {
		if call == "SendChatMessage:[2 fwd-1 Please review: source text]" {
			found = true
		}
	}
	require.True(t, found, "templated message not sent to target tab, calls: %v", caps.Calls)

	milestones, completed, _ := report.snapshot()
	require.Contains(t, milestones, "fwd-1/message_sent")
	require.Equal(t, []string{"fwd-1"}, completed)

	for _, tab := range []int{1, 2} {
		writer, readers, _ := coord.Holder(tab)
		require.Empty(t, writer)
		require.Zero(t, readers)
	}
}

func TestForwardResponseRefusesSelfForward(t *testing.T) {
	table, _, _, _ := newTabTable(t)
	_, err := table.Dispatch(context.Background(), "forward_response", params(t, map[string]any{
		"sourceTabId": 2,
		"targetTabId": 2,
	}))
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
	require.Contains(t, err.Error(), "own tab")
}

func TestForwardResponseRequiresCompletedSource(t *testing.T) {
	table, caps, coord, _ := newTabTable(t)
	caps.Statuses[1] = capability.ResponseStatus{State: "streaming"}

	_, err := table.Dispatch(context.Background(), "forward_response", params(t, map[string]any{
		"sourceTabId": 1,
		"targetTabId": 2,
	}))
	require.Equal(t, "CapabilityError", frame.CodeOf(err))
	require.Contains(t, err.Error(), "no completed response")

	for _, tab := range []int{1, 2} {
		writer, readers, _ := coord.Holder(tab)
		require.Empty(t, writer)
		require.Zero(t, readers)
	}
}

func TestForwardResponseRejectsTemplateWithoutPlaceholder(t *testing.T) {
	table, caps, _, _ := newTabTable(t)
	caps.Statuses[1] = capability.ResponseStatus{State: "complete"}
	caps.Responses[1] = "text"

	_, err := table.Dispatch(context.Background(), "forward_response", params(t, map[string]any{
		"sourceTabId": 1,
		"targetTabId": 2,
		"template":    "no placeholder here",
	}))
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
	require.Contains(t, err.Error(), "{response}")
}

func TestBatchSequential(t *testing.T) {
	table, caps, _, _ := newTabTable(t)
	caps.Statuses[1] = capability.ResponseStatus{State: "complete"}
	caps.Responses[1] = "one"
	caps.Statuses[2] = capability.ResponseStatus{State: "complete"}
	caps.Responses[2] = "two"

	result, err := table.Dispatch(context.Background(), "batch_operations", params(t, map[string]any{
		"sequential": true,
		"operations": []map[string]any{
			{"tool": "send_and_get", "params": map[string]any{"tabId": 1, "message": "a"}},
			{"tool": "get_response", "params": map[string]any{"tabId": 2}},
		},
	}))
	require.NoError(t, err)

	out := result.(map[string]any)
	results := out["results"].([]batchResult)
	require.Len(t, results, 2)
	for i, r := range results {
		var sub map[string]any
		require.NoError(t, json.Unmarshal(r.Result, &sub))
		require.Equal(t, true, sub["success"], "sub-operation %d failed: %s", i, r.Result)
	}
	// send_and_get is rewritten to a completed send_message.
	var first map[string]any
	require.NoError(t, json.Unmarshal(results[0].Result, &first))
	require.Equal(t, "completed", first["status"])
	require.Equal(t, "one", first["response"])
}

func TestBatchParallelIsolatesFailures(t *testing.T) {
	table, caps, _, _ := newTabTable(t)
	caps.Statuses[1] = capability.ResponseStatus{State: "complete"}
	caps.Responses[1] = "fine"
	caps.Fail["ResponseStatus"] = fmt.Errorf("browser crashed")
	// Everything fails now, but the batch itself still reports per-slot.
	result, err := table.Dispatch(context.Background(), "batch_operations", params(t, map[string]any{
		"operations": []map[string]any{
			{"tool": "get_response", "params": map[string]any{"tabId": 1, "timeoutMs": 50}},
			{"tool": "get_response", "params": map[string]any{"tabId": 2, "timeoutMs": 50}},
		},
	}))
	require.NoError(t, err)

	results := result.(map[string]any)["results"].([]batchResult)
	require.Len(t, results, 2)
	for _, r := range results {
		var sub map[string]any
		require.NoError(t, json.Unmarshal(r.Result, &sub))
		require.Equal(t, false, sub["success"])
	}
}

func TestBatchRejectsUnlistedTools(t *testing.T) {
	table, _, _, _ := newTabTable(t)
	_, err := table.Dispatch(context.Background(), "batch_operations", params(t, map[string]any{
		"operations": []map[string]any{
			{"tool": "close_tab", "params": map[string]any{"tabId": 1}},
		},
	}))
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
	require.Contains(t, err.Error(), "not allowed in a batch")
}

func TestCloseTabRunsCleanup(t *testing.T) {
	table, caps, _, _ := newTabTable(t)

	result, err := table.Dispatch(context.Background(), "close_tab", params(t, map[string]any{"tabId": 6}))
	require.NoError(t, err)

	steps := result.(map[string]any)["steps"].([]tabs.CleanupStep)
	require.Len(t, steps, 6)
	require.Equal(t, "close_tab", steps[5].Name)
	require.Equal(t, 1, caps.CallCount("CloseTab"))
}

func TestCreateAndListTabs(t *testing.T) {
	table, _, _, _ := newTabTable(t)

	result, err := table.Dispatch(context.Background(), "create_tab", params(t, map[string]any{
		"url": "https://chat.example.com/new",
	}))
	require.NoError(t, err)
	tab := result.(map[string]any)["tab"].(capability.TabInfo)
	require.NotZero(t, tab.ID)

	result, err = table.Dispatch(context.Background(), "list_tabs", nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.(map[string]any)["count"])

	_, err = table.Dispatch(context.Background(), "create_tab", params(t, map[string]any{}))
	require.Equal(t, "InvalidParams", frame.CodeOf(err))
}

func TestExportConversationDefaultsToMarkdown(t *testing.T) {
	table, caps, _, _ := newTabTable(t)

	result, err := table.Dispatch(context.Background(), "export_conversation", params(t, map[string]any{"tabId": 2}))
	require.NoError(t, err)
	require.Equal(t, "markdown", result.(map[string]any)["format"])
	require.Equal(t, 1, caps.CallCount("ExportConversation"))
}
