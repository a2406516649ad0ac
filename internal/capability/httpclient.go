// httpclient.go — HTTP bridge implementation of the capability surface.
// The browser extension exposes a loopback JSON endpoint; each capability
// call becomes a POST of {method, params} answered with {success, result}.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatrelay/chatrelay/internal/frame"
)

// HTTPClient talks to the browser-side capability endpoint.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates a capability client for the given loopback endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type capabilityEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// call posts one capability invocation and decodes the result into out (when
// out is non-nil). Browser-reported failures surface as CapabilityError with
// the error data propagated verbatim.
func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	payload, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return frame.ErrInternal.New("marshal capability call %s: %v", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return frame.ErrCapabilityError.New("build capability request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return frame.ErrCapabilityError.New("%s: %v", method, err)
	}
	defer resp.Body.Close()

	var env capabilityEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return frame.ErrCapabilityError.New("%s: malformed capability response: %v", method, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return frame.ErrCapabilityError.New("%s: %s", method, msg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return frame.ErrCapabilityError.New("%s: decode result: %v", method, err)
		}
	}
	return nil
}

func (c *HTTPClient) AttachDebugger(ctx context.Context, tabID int) error {
	return c.call(ctx, "debugger.attach", map[string]int{"tabId": tabID}, nil)
}

func (c *HTTPClient) DebuggerFunctional(ctx context.Context, tabID int) bool {
	var out struct {
		Functional bool `json:"functional"`
	}
	if err := c.call(ctx, "debugger.status", map[string]int{"tabId": tabID}, &out); err != nil {
		return false
	}
	return out.Functional
}

func (c *HTTPClient) DetachDebugger(ctx context.Context, tabID int) error {
	return c.call(ctx, "debugger.detach", map[string]int{"tabId": tabID}, nil)
}

func (c *HTTPClient) EvaluateScript(ctx context.Context, tabID int, script string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "script.evaluate", map[string]any{"tabId": tabID, "script": script}, &out)
	return out, err
}

func (c *HTTPClient) QueryDOM(ctx context.Context, tabID int, selector string) ([]Element, error) {
	var out []Element
	err := c.call(ctx, "dom.query", map[string]any{"tabId": tabID, "selector": selector}, &out)
	return out, err
}

func (c *HTTPClient) InjectObserver(ctx context.Context, tabID int) error {
	return c.call(ctx, "observer.inject", map[string]int{"tabId": tabID}, nil)
}

func (c *HTTPClient) StartNetworkMonitoring(ctx context.Context, tabID int) error {
	return c.call(ctx, "network.start", map[string]int{"tabId": tabID}, nil)
}

func (c *HTTPClient) StopNetworkMonitoring(ctx context.Context, tabID int) error {
	return c.call(ctx, "network.stop", map[string]int{"tabId": tabID}, nil)
}

func (c *HTTPClient) NetworkRequests(ctx context.Context, tabID int) ([]NetworkEvent, error) {
	var out []NetworkEvent
	err := c.call(ctx, "network.requests", map[string]int{"tabId": tabID}, &out)
	return out, err
}

func (c *HTTPClient) CreateTab(ctx context.Context, url string) (TabInfo, error) {
	var out TabInfo
	err := c.call(ctx, "tabs.create", map[string]string{"url": url}, &out)
	return out, err
}

func (c *HTTPClient) CloseTab(ctx context.Context, tabID int) error {
	return c.call(ctx, "tabs.close", map[string]int{"tabId": tabID}, nil)
}

func (c *HTTPClient) ListTabs(ctx context.Context) ([]TabInfo, error) {
	var out []TabInfo
	err := c.call(ctx, "tabs.list", nil, &out)
	return out, err
}

func (c *HTTPClient) ReloadRuntime(ctx context.Context) error {
	return c.call(ctx, "runtime.reload", nil, nil)
}

func (c *HTTPClient) SendChatMessage(ctx context.Context, tabID int, operationID, message string) error {
	return c.call(ctx, "chat.send", map[string]any{
		"tabId":       tabID,
		"operationId": operationID,
		"message":     message,
	}, nil)
}

func (c *HTTPClient) LatestResponse(ctx context.Context, tabID int) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.call(ctx, "chat.latestResponse", map[string]int{"tabId": tabID}, &out)
	return out.Text, err
}

func (c *HTTPClient) ResponseStatus(ctx context.Context, tabID int) (ResponseStatus, error) {
	var out ResponseStatus
	err := c.call(ctx, "chat.responseStatus", map[string]int{"tabId": tabID}, &out)
	return out, err
}

func (c *HTTPClient) ExtractElements(ctx context.Context, tabID int, selector string) ([]Element, error) {
	var out []Element
	err := c.call(ctx, "chat.extractElements", map[string]any{"tabId": tabID, "selector": selector}, &out)
	return out, err
}

func (c *HTTPClient) ExportConversation(ctx context.Context, tabID int, format string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "chat.export", map[string]any{"tabId": tabID, "format": format}, &out)
	return out, err
}

func (c *HTTPClient) PageDiagnostics(ctx context.Context, tabID int) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "page.diagnostics", map[string]int{"tabId": tabID}, &out)
	return out, err
}

func (c *HTTPClient) CancelOperation(ctx context.Context, operationID string) error {
	return c.call(ctx, "operation.cancel", map[string]string{"operationId": operationID}, nil)
}

func (c *HTTPClient) Cookie(ctx context.Context, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := c.call(ctx, "cookies.get", map[string]string{"name": name}, &out)
	return out.Value, err
}

func (c *HTTPClient) ListConversations(ctx context.Context, orgID string) ([]Conversation, error) {
	var out []Conversation
	err := c.call(ctx, "conversations.list", map[string]string{"orgId": orgID}, &out)
	return out, err
}

func (c *HTTPClient) SearchConversations(ctx context.Context, orgID, query string) ([]Conversation, error) {
	var out []Conversation
	err := c.call(ctx, "conversations.search", map[string]string{"orgId": orgID, "query": query}, &out)
	return out, err
}

func (c *HTTPClient) ConversationMetadata(ctx context.Context, orgID, conversationID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "conversations.metadata", map[string]string{"orgId": orgID, "conversationId": conversationID}, &out)
	return out, err
}

func (c *HTTPClient) DeleteConversations(ctx context.Context, orgID string, conversationIDs []string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.call(ctx, "conversations.delete", map[string]any{"orgId": orgID, "conversationIds": conversationIDs}, &out)
	return out.Deleted, err
}
