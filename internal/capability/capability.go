// capability.go — The browser capability surface.
// Concrete automation scripts (DOM selectors, injected code) live on the
// browser side; the coordination core only consumes this interface. Every
// method reports failures verbatim so callers can wrap them as
// CapabilityError.
package capability

import (
	"context"
	"encoding/json"
	"time"
)

// TabInfo describes one browser tab.
type TabInfo struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Element is one DOM element returned by a query.
type Element struct {
	Tag      string            `json:"tag"`
	Text     string            `json:"text,omitempty"`
	Selector string            `json:"selector,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// NetworkEvent is one captured network request.
type NetworkEvent struct {
	TabID  int       `json:"tabId"`
	Method string    `json:"method"`
	URL    string    `json:"url"`
	Status int       `json:"status,omitempty"`
	Size   int64     `json:"size,omitempty"`
	At     time.Time `json:"at"`
}

// ResponseStatus reports the assistant-response state on a chat tab.
type ResponseStatus struct {
	State  string `json:"state"` // idle | streaming | complete
	Length int    `json:"length,omitempty"`
}

// Conversation is one entry from the chat application's conversation API.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Client is the capability surface offered by the browser-automation layer.
type Client interface {
	// Debugger session primitives. AttachDebugger fails if another client
	// holds the session; DebuggerFunctional probes whether an existing
	// session (ours or external) responds.
	AttachDebugger(ctx context.Context, tabID int) error
	DebuggerFunctional(ctx context.Context, tabID int) bool
	DetachDebugger(ctx context.Context, tabID int) error

	// Script and DOM primitives.
	EvaluateScript(ctx context.Context, tabID int, script string) (json.RawMessage, error)
	QueryDOM(ctx context.Context, tabID int, selector string) ([]Element, error)
	InjectObserver(ctx context.Context, tabID int) error

	// Network monitoring.
	StartNetworkMonitoring(ctx context.Context, tabID int) error
	StopNetworkMonitoring(ctx context.Context, tabID int) error
	NetworkRequests(ctx context.Context, tabID int) ([]NetworkEvent, error)

	// Tab management.
	CreateTab(ctx context.Context, url string) (TabInfo, error)
	CloseTab(ctx context.Context, tabID int) error
	ListTabs(ctx context.Context) ([]TabInfo, error)
	ReloadRuntime(ctx context.Context) error

	// Chat operations. SendChatMessage passes the unified operation id to
	// the in-page observer so milestones carry it back unchanged.
	SendChatMessage(ctx context.Context, tabID int, operationID, message string) error
	LatestResponse(ctx context.Context, tabID int) (string, error)
	ResponseStatus(ctx context.Context, tabID int) (ResponseStatus, error)
	ExtractElements(ctx context.Context, tabID int, selector string) ([]Element, error)
	ExportConversation(ctx context.Context, tabID int, format string) (json.RawMessage, error)
	PageDiagnostics(ctx context.Context, tabID int) (json.RawMessage, error)
	CancelOperation(ctx context.Context, operationID string) error

	// Conversation API. Cookie is used to extract the organization id.
	Cookie(ctx context.Context, name string) (string, error)
	ListConversations(ctx context.Context, orgID string) ([]Conversation, error)
	SearchConversations(ctx context.Context, orgID, query string) ([]Conversation, error)
	ConversationMetadata(ctx context.Context, orgID, conversationID string) (json.RawMessage, error)
	DeleteConversations(ctx context.Context, orgID string, conversationIDs []string) (int, error)
}
