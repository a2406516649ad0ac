// frame.go — Wire frame type shared by every peer and the relay.
// A frame is one JSON message on a transport. Underscore-prefixed fields are
// reserved for the router and are stripped from peer-authored payloads.
package frame

import (
	"encoding/json"
	"time"
)

// Relay-local control verbs. Frames with these types are handled by the relay
// itself instead of being routed to a peer.
const (
	TypeHealth             = "health"
	TypePeerList           = "peer-list"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeProgress           = "progress"
	TypeClientListUpdate   = "_client_list_update"
	TypeRegisterOperation  = "register_operation"
	TypeOperationMilestone = "operation_milestone"
	TypeOperationCompleted = "operation_completed"
	TypeLogNotification    = "log_notification"
	TypeStatusReport       = "status_report"
)

// Frame is a single JSON message exchanged over a peer transport.
// `id` correlates a request with its response; correlation state is owned by
// the requesting peer, never by the router.
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// Router-reserved fields. Set by the relay, never by peers.
	From      string `json:"_from,omitempty"`
	To        string `json:"_to,omitempty"`
	Broadcast bool   `json:"_broadcast,omitempty"`
	Clients   any    `json:"_clients,omitempty"`
}

// New builds a frame of the given type with marshaled params.
// Marshal errors are impossible for the param types used in this codebase
// (plain structs and maps), so they are reported as an InvalidParams frame.
func New(frameType string, params any) Frame {
	f := Frame{Type: frameType, Timestamp: time.Now().UnixMilli()}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return ErrorFrame("", ErrInvalidParams.New("marshal params: %v", err))
		}
		f.Params = data
	}
	return f
}

// NewRequest builds a request frame carrying a correlation id.
func NewRequest(id, frameType string, params any) Frame {
	f := New(frameType, params)
	f.ID = id
	return f
}

// Response builds a success response to the given request frame.
// The response inherits the request id and is addressed back to the origin.
func Response(req Frame, result any) Frame {
	f := Frame{
		ID:        req.ID,
		Type:      req.Type + "_response",
		To:        req.From,
		Timestamp: time.Now().UnixMilli(),
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return ErrorResponse(req, ErrInternal.New("marshal result: %v", err))
		}
		f.Result = data
	}
	return f
}

// ErrorResponse builds an error response to the given request frame.
func ErrorResponse(req Frame, err error) Frame {
	f := ErrorFrame(req.Type+"_response", err)
	f.ID = req.ID
	f.To = req.From
	return f
}

// ErrorFrame builds a standalone error frame of the given type.
func ErrorFrame(frameType string, err error) Frame {
	if frameType == "" {
		frameType = "error"
	}
	return Frame{
		Type:      frameType,
		Error:     Message(err),
		ErrorType: CodeOf(err),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Decode parses raw transport bytes into a frame. A frame without a type is
// rejected; everything else is left to the router and handlers to validate.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, ErrInvalidParams.New("malformed frame: %v", err)
	}
	if f.Type == "" {
		return Frame{}, ErrInvalidParams.New("frame missing type")
	}
	return f, nil
}

// Encode serializes a frame for the wire, enforcing the configured size limit.
// Oversized frames are rejected with FrameTooLarge; the connection stays open.
func Encode(f Frame, sizeLimit int) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, ErrInternal.New("marshal frame: %v", err)
	}
	if sizeLimit > 0 && len(data) > sizeLimit {
		return nil, ErrFrameTooLarge.New("frame is %d bytes, limit %d", len(data), sizeLimit)
	}
	return data, nil
}

// Sanitize strips router-reserved fields from a peer-authored frame.
// Peers are not allowed to pre-stamp routing metadata other than _to and
// _broadcast, which express addressing intent.
func Sanitize(f Frame) Frame {
	f.From = ""
	f.Clients = nil
	return f
}

// UnmarshalParams decodes the frame params into dst, mapping decode failures
// to InvalidParams.
func (f Frame) UnmarshalParams(dst any) error {
	if len(f.Params) == 0 {
		return ErrInvalidParams.New("missing params")
	}
	if err := json.Unmarshal(f.Params, dst); err != nil {
		return ErrInvalidParams.New("invalid params: %v", err)
	}
	return nil
}
