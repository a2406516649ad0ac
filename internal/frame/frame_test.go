package frame

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequiresType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"1"}`))
	require.Error(t, err)
	require.Equal(t, "InvalidParams", CodeOf(err))

	_, err = Decode([]byte(`{not json`))
	require.Error(t, err)
	require.Equal(t, "InvalidParams", CodeOf(err))

	f, err := Decode([]byte(`{"type":"ping","id":"7"}`))
	require.NoError(t, err)
	require.Equal(t, "ping", f.Type)
	require.Equal(t, "7", f.ID)
}

func TestEncodeSizeLimit(t *testing.T) {
	f := New("blob", map[string]string{"payload": string(make([]byte, 2048))})
	_, err := Encode(f, 256)
	require.Error(t, err)
	require.Equal(t, "FrameTooLarge", CodeOf(err))

	data, err := Encode(f, 0) // no limit
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestSanitizeStripsRouterFields(t *testing.T) {
	f := Frame{Type: "x", From: "spoofed", Clients: []string{"a"}, To: "peer-1", Broadcast: true}
	got := Sanitize(f)
	require.Empty(t, got.From)
	require.Nil(t, got.Clients)
	// Addressing intent survives.
	require.Equal(t, "peer-1", got.To)
	require.True(t, got.Broadcast)
}

func TestResponseShape(t *testing.T) {
	req := Frame{ID: "42", Type: "send_message", From: "peer-a"}
	resp := Response(req, map[string]any{"ok": true})
	require.Equal(t, "42", resp.ID)
	require.Equal(t, "send_message_response", resp.Type)
	require.Equal(t, "peer-a", resp.To)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, true, result["ok"])
}

func TestErrorResponseCarriesCode(t *testing.T) {
	req := Frame{ID: "9", Type: "get_response", From: "peer-b"}
	resp := ErrorResponse(req, ErrLockTimeout.New("tab 3 busy"))
	require.Equal(t, "LockTimeout", resp.ErrorType)
	require.Contains(t, resp.Error, "tab 3 busy")
	require.Equal(t, "peer-b", resp.To)
}

func TestCodeOfResolvesClasses(t *testing.T) {
	require.Equal(t, "Timeout", CodeOf(ErrTimeout.New("x")))
	require.Equal(t, "OrgIdUnavailable", CodeOf(ErrOrgIDUnavailable.New("x")))
	require.Equal(t, "Internal", CodeOf(json.Unmarshal([]byte("{"), &struct{}{})))
	require.Empty(t, CodeOf(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(ErrLockTimeout.New("x")))
	require.True(t, Retryable(ErrExtensionUnavailable.New("x")))
	require.False(t, Retryable(ErrInvalidParams.New("x")))
	require.False(t, Retryable(ErrOperationAlreadyTerminal.New("x")))
}

func TestClassForRoundTrip(t *testing.T) {
	for _, code := range []string{"InvalidParams", "LockTimeout", "Timeout", "PeerDisconnected"} {
		err := ClassFor(code).New("boom")
		require.Equal(t, code, CodeOf(err))
	}
	require.Equal(t, "Internal", CodeOf(ClassFor("NoSuchCode").New("boom")))
}

func TestUnmarshalParams(t *testing.T) {
	f := New("tool", map[string]int{"tabId": 3})
	var p struct {
		TabID int `json:"tabId"`
	}
	require.NoError(t, f.UnmarshalParams(&p))
	require.Equal(t, 3, p.TabID)

	empty := Frame{Type: "tool"}
	require.Error(t, empty.UnmarshalParams(&p))
}
