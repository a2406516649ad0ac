// fake.go — In-memory capability client for tests.
// Behavior is scripted per method; calls are recorded for assertions.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chatrelay/chatrelay/internal/frame"
)

// Fake implements Client in memory. The zero value is usable.
type Fake struct {
	mu sync.Mutex

	// Scripted state.
	Tabs          map[int]TabInfo
	Responses     map[int]string         // latest completed response per tab
	Statuses      map[int]ResponseStatus // response status per tab
	Cookies       map[string]string
	Conversations []Conversation
	NetEvents     map[int][]NetworkEvent

	// Failure injection: method name → error returned.
	Fail map[string]error
	// AttachFailures makes AttachDebugger fail this many times before
	// succeeding, to exercise retry paths.
	AttachFailures int

	// Attached tracks debugger sessions the fake believes exist.
	Attached map[int]bool
	// FunctionalExternally marks tabs with a working session not created
	// through AttachDebugger.
	FunctionalExternally map[int]bool

	// Calls records every invocation as "method:args".
	Calls []string

	nextTabID int
}

// NewFake returns an initialized fake.
func NewFake() *Fake {
	return &Fake{
		Tabs:                 map[int]TabInfo{},
		Responses:            map[int]string{},
		Statuses:             map[int]ResponseStatus{},
		Cookies:              map[string]string{},
		NetEvents:            map[int][]NetworkEvent{},
		Fail:                 map[string]error{},
		Attached:             map[int]bool{},
		FunctionalExternally: map[int]bool{},
		nextTabID:            100,
	}
}

func (f *Fake) record(method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf("%s:%v", method, args))
	if err, ok := f.Fail[method]; ok {
		return err
	}
	return nil
}

// SetResponse scripts the tab's response status and text under the fake's
// lock, safe against concurrent pollers.
func (f *Fake) SetResponse(tabID int, state, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[tabID] = ResponseStatus{State: state}
	f.Responses[tabID] = text
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prefix := method + ":"
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *Fake) AttachDebugger(ctx context.Context, tabID int) error {
	if err := f.record("AttachDebugger", tabID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AttachFailures > 0 {
		f.AttachFailures--
		return frame.ErrCapabilityError.New("attach failed (transient)")
	}
	f.Attached[tabID] = true
	return nil
}

func (f *Fake) DebuggerFunctional(ctx context.Context, tabID int) bool {
	_ = f.record("DebuggerFunctional", tabID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Attached[tabID] || f.FunctionalExternally[tabID]
}

func (f *Fake) DetachDebugger(ctx context.Context, tabID int) error {
	if err := f.record("DetachDebugger", tabID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Attached, tabID)
	return nil
}

func (f *Fake) EvaluateScript(ctx context.Context, tabID int, script string) (json.RawMessage, error) {
	if err := f.record("EvaluateScript", tabID, script); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *Fake) QueryDOM(ctx context.Context, tabID int, selector string) ([]Element, error) {
	if err := f.record("QueryDOM", tabID, selector); err != nil {
		return nil, err
	}
	return []Element{{Tag: "div", Selector: selector}}, nil
}

func (f *Fake) InjectObserver(ctx context.Context, tabID int) error {
	return f.record("InjectObserver", tabID)
}

func (f *Fake) StartNetworkMonitoring(ctx context.Context, tabID int) error {
	return f.record("StartNetworkMonitoring", tabID)
}

func (f *Fake) StopNetworkMonitoring(ctx context.Context, tabID int) error {
	return f.record("StopNetworkMonitoring", tabID)
}

func (f *Fake) NetworkRequests(ctx context.Context, tabID int) ([]NetworkEvent, error) {
	if err := f.record("NetworkRequests", tabID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.NetEvents[tabID], nil
}

func (f *Fake) CreateTab(ctx context.Context, url string) (TabInfo, error) {
	if err := f.record("CreateTab", url); err != nil {
		return TabInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTabID++
	tab := TabInfo{ID: f.nextTabID, URL: url}
	f.Tabs[tab.ID] = tab
	return tab, nil
}

func (f *Fake) CloseTab(ctx context.Context, tabID int) error {
	if err := f.record("CloseTab", tabID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Tabs, tabID)
	return nil
}

func (f *Fake) ListTabs(ctx context.Context) ([]TabInfo, error) {
	if err := f.record("ListTabs"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TabInfo, 0, len(f.Tabs))
	for _, t := range f.Tabs {
		out = append(out, t)
	}
	return out, nil
}

func (f *Fake) ReloadRuntime(ctx context.Context) error {
	return f.record("ReloadRuntime")
}

func (f *Fake) SendChatMessage(ctx context.Context, tabID int, operationID, message string) error {
	return f.record("SendChatMessage", tabID, operationID, message)
}

func (f *Fake) LatestResponse(ctx context.Context, tabID int) (string, error) {
	if err := f.record("LatestResponse", tabID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Responses[tabID], nil
}

func (f *Fake) ResponseStatus(ctx context.Context, tabID int) (ResponseStatus, error) {
	if err := f.record("ResponseStatus", tabID); err != nil {
		return ResponseStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Statuses[tabID]; ok {
		return s, nil
	}
	return ResponseStatus{State: "idle"}, nil
}

func (f *Fake) ExtractElements(ctx context.Context, tabID int, selector string) ([]Element, error) {
	if err := f.record("ExtractElements", tabID, selector); err != nil {
		return nil, err
	}
	return []Element{{Tag: "article", Selector: selector}}, nil
}

func (f *Fake) ExportConversation(ctx context.Context, tabID int, format string) (json.RawMessage, error) {
	if err := f.record("ExportConversation", tabID, format); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"format":%q,"messages":[]}`, format)), nil
}

func (f *Fake) PageDiagnostics(ctx context.Context, tabID int) (json.RawMessage, error) {
	if err := f.record("PageDiagnostics", tabID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"readyState":"complete"}`), nil
}

func (f *Fake) CancelOperation(ctx context.Context, operationID string) error {
	return f.record("CancelOperation", operationID)
}

func (f *Fake) Cookie(ctx context.Context, name string) (string, error) {
	if err := f.record("Cookie", name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Cookies[name], nil
}

func (f *Fake) ListConversations(ctx context.Context, orgID string) ([]Conversation, error) {
	if err := f.record("ListConversations", orgID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Conversations, nil
}

func (f *Fake) SearchConversations(ctx context.Context, orgID, query string) ([]Conversation, error) {
	if err := f.record("SearchConversations", orgID, query); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Conversation
	for _, c := range f.Conversations {
		if query == "" || containsFold(c.Title, query) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Fake) ConversationMetadata(ctx context.Context, orgID, conversationID string) (json.RawMessage, error) {
	if err := f.record("ConversationMetadata", orgID, conversationID); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"id":%q}`, conversationID)), nil
}

func (f *Fake) DeleteConversations(ctx context.Context, orgID string, conversationIDs []string) (int, error) {
	if err := f.record("DeleteConversations", orgID, conversationIDs); err != nil {
		return 0, err
	}
	return len(conversationIDs), nil
}

func containsFold(s, substr string) bool {
	ls, lsub := []rune(s), []rune(substr)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		match := true
		for j := range lsub {
			a, b := ls[i+j], lsub[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return len(lsub) == 0
}
