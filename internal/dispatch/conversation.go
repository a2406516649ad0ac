// conversation.go — Conversation-API tool family. Every call needs the
// organization id, which is extracted from browser cookies on demand. There
// is deliberately no fallback: a missing cookie surfaces OrgIdUnavailable
// and the operation fails.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/frame"
)

// ConversationDeps wires the conversation handlers.
type ConversationDeps struct {
	Caps capability.Client
	// OrgCookie names the cookie carrying the active organization id.
	OrgCookie string
	// BaseURL is the chat application origin used to build conversation
	// URLs, e.g. "https://chat.example.com".
	BaseURL string
}

func (d *ConversationDeps) defaults() {
	if d.OrgCookie == "" {
		d.OrgCookie = "lastActiveOrg"
	}
}

// orgID extracts the active organization id from cookies.
func (d *ConversationDeps) orgID(ctx context.Context) (string, error) {
	value, err := d.Caps.Cookie(ctx, d.OrgCookie)
	if err != nil {
		return "", frame.ErrOrgIDUnavailable.New("reading %s cookie: %v", d.OrgCookie, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", frame.ErrOrgIDUnavailable.New("cookie %s is absent or empty", d.OrgCookie)
	}
	return value, nil
}

// RegisterConversation installs the conversation tool family.
func RegisterConversation(t *Table, d ConversationDeps) {
	d.defaults()

	t.Register("list_conversations", Handler{
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			org, err := d.orgID(ctx)
			if err != nil {
				return nil, err
			}
			conversations, err := d.Caps.ListConversations(ctx, org)
			if err != nil {
				return nil, err
			}
			return map[string]any{"conversations": conversations, "count": len(conversations)}, nil
		},
	})

	t.Register("search_conversations", Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				Query string `json:"query"`
			}
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.Query == "" {
				return frame.ErrInvalidParams.New("query required")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(params, &p)
			org, err := d.orgID(ctx)
			if err != nil {
				return nil, err
			}
			conversations, err := d.Caps.SearchConversations(ctx, org, p.Query)
			if err != nil {
				return nil, err
			}
			return map[string]any{"conversations": conversations, "count": len(conversations)}, nil
		},
	})

	t.Register("get_conversation_metadata", Handler{
		Validate: requireConversationID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ConversationID string `json:"conversationId"`
			}
			_ = json.Unmarshal(params, &p)
			org, err := d.orgID(ctx)
			if err != nil {
				return nil, err
			}
			meta, err := d.Caps.ConversationMetadata(ctx, org, p.ConversationID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"conversationId": p.ConversationID, "metadata": meta}, nil
		},
	})

	t.Register("get_conversation_url", Handler{
		Validate: requireConversationID,
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ConversationID string `json:"conversationId"`
			}
			_ = json.Unmarshal(params, &p)
			if d.BaseURL == "" {
				return nil, frame.ErrInvalidParams.New("no chat base URL configured")
			}
			url := strings.TrimRight(d.BaseURL, "/") + "/chat/" + p.ConversationID
			return map[string]any{"conversationId": p.ConversationID, "url": url}, nil
		},
	})

	t.Register("delete_conversations", Handler{
		Validate: func(params json.RawMessage) error {
			var p deleteParams
			if err := decode(params, &p); err != nil {
				return err
			}
			if p.ConversationID == "" && len(p.ConversationIDs) == 0 {
				return frame.ErrInvalidParams.New("conversationId or conversationIds required")
			}
			return nil
		},
		Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p deleteParams
			_ = json.Unmarshal(params, &p)
			ids := p.ConversationIDs
			if p.ConversationID != "" {
				ids = append([]string{p.ConversationID}, ids...)
			}
			org, err := d.orgID(ctx)
			if err != nil {
				return nil, err
			}
			deleted, err := d.Caps.DeleteConversations(ctx, org, ids)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": deleted, "requested": len(ids)}, nil
		},
	})
}

type deleteParams struct {
	ConversationID  string   `json:"conversationId"`
	ConversationIDs []string `json:"conversationIds"`
}

func requireConversationID(params json.RawMessage) error {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decode(params, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return frame.ErrInvalidParams.New("conversationId required")
	}
	return nil
}
