// operation.go — Operation model: identity, kinds, states, milestones.
// Operation ids are unified end-to-end: whichever participant names an
// operation first, every other participant reuses that exact id.
package ops

import (
	"encoding/json"
	"time"
)

// Kind identifies what a long-running browser operation does.
type Kind string

const (
	KindSendMessage     Kind = "send_message"
	KindGetResponse     Kind = "get_response"
	KindForwardResponse Kind = "forward_response"
	KindCompound        Kind = "compound"
)

// ValidKind reports whether k is a known operation kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindSendMessage, KindGetResponse, KindForwardResponse, KindCompound:
		return true
	}
	return false
}

// State is an operation lifecycle state. Terminal states are sticky.
type State string

const (
	StateRegistered        State = "registered"
	StateInFlight          State = "in-flight"
	StateAwaitingMilestone State = "awaiting-milestone"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
	StateTimedOut          State = "timed-out"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Well-known milestone names for send/response operations.
const (
	MilestoneMessageSent       = "message_sent"
	MilestoneResponseStarted   = "response_started"
	MilestoneResponseCompleted = "response_completed"
)

// Milestone is a named intermediate event recorded against an operation.
// Milestones are append-only and strictly time-ordered.
type Milestone struct {
	Name string          `json:"name"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConflictGroup controls mutual exclusion on a tab.
type ConflictGroup string

const (
	GroupWrite    ConflictGroup = "write"
	GroupReadonly ConflictGroup = "readonly"
)

// Operation is one tracked browser operation.
// TabID 0 means the operation is not tab-scoped.
type Operation struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Params       json.RawMessage `json:"params,omitempty"`
	State        State           `json:"state"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Deadline     time.Time       `json:"deadline,omitempty"`
	Milestones   []Milestone     `json:"milestones,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorType    string          `json:"errorType,omitempty"`
	OwningPeerID string          `json:"owningPeerId"`
	TabID        int             `json:"tabId,omitempty"`
}

// Clone returns a deep copy safe to hand outside the manager's lock.
func (o *Operation) Clone() Operation {
	c := *o
	if o.Milestones != nil {
		c.Milestones = make([]Milestone, len(o.Milestones))
		copy(c.Milestones, o.Milestones)
	}
	return c
}

// Progress is the notification emitted on every operation state change.
type Progress struct {
	Type        string          `json:"type"`
	OperationID string          `json:"operationId"`
	State       State           `json:"state"`
	Milestones  []Milestone     `json:"milestones"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorType   string          `json:"errorType,omitempty"`
}

// ProgressFor builds the progress notification for an operation snapshot.
func ProgressFor(op Operation) Progress {
	return Progress{
		Type:        "progress",
		OperationID: op.ID,
		State:       op.State,
		Milestones:  op.Milestones,
		Result:      op.Result,
		Error:       op.Error,
		ErrorType:   op.ErrorType,
	}
}
