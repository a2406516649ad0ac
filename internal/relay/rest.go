// rest.go — Secondary loopback REST endpoints: health, metrics, and the
// pull-transport fallback (poll-commands, heartbeat, command-response).
package relay

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/frame"
)

// RESTHandler serves the pull transport and diagnostics over HTTP.
type RESTHandler struct {
	log    *zap.Logger
	health *Health
	pull   *PullTransport
}

// NewRESTHandler creates the REST surface.
func NewRESTHandler(log *zap.Logger, health *Health, pull *PullTransport) *RESTHandler {
	return &RESTHandler{log: log, health: health, pull: pull}
}

// Mux returns the route table for the secondary listener.
func (h *RESTHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /poll-commands", h.handlePoll)
	mux.HandleFunc("POST /heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /command-response", h.handleCommandResponse)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *RESTHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Report())
}

// handlePoll drains queued frames for a pull peer. A peer without an id (or
// with an evicted one) supplies its role and is (re)registered; the response
// always carries the authoritative peer id.
func (h *RESTHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")

	if peerID != "" {
		frames, err := h.pull.Poll(peerID)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"peerId":   peerID,
				"commands": frames,
			})
			return
		}
		// Evicted while away; fall through to re-registration.
	}

	role := Role(r.URL.Query().Get("role"))
	if role == "" {
		writeError(w, http.StatusBadRequest,
			frame.ErrInvalidParams.New("peer_id unknown and no role supplied"))
		return
	}
	var capabilities []string
	if raw := r.URL.Query().Get("capabilities"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &capabilities); err != nil {
			capabilities = []string{raw}
		}
	}
	info, err := h.pull.Register(role, capabilities)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.log.Info("pull peer registered", zap.String("peer", info.ID), zap.String("role", string(role)))
	writeJSON(w, http.StatusOK, map[string]any{
		"peerId":   info.ID,
		"commands": []frame.Frame{},
	})
}

func (h *RESTHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string          `json:"peerId"`
		Status json.RawMessage `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PeerID == "" {
		writeError(w, http.StatusBadRequest, frame.ErrInvalidParams.New("heartbeat requires peerId"))
		return
	}
	if err := h.pull.Heartbeat(body.PeerID); err != nil {
		writeError(w, http.StatusGone, err)
		return
	}
	if len(body.Status) > 0 {
		h.health.RecordExtensionStatus(body.Status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RESTHandler) handleCommandResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string      `json:"peerId"`
		Frame  frame.Frame `json:"frame"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PeerID == "" {
		writeError(w, http.StatusBadRequest, frame.ErrInvalidParams.New("command-response requires peerId and frame"))
		return
	}
	if body.Frame.Type == "" {
		writeError(w, http.StatusBadRequest, frame.ErrInvalidParams.New("frame missing type"))
		return
	}
	if err := h.pull.Submit(body.PeerID, body.Frame); err != nil {
		writeError(w, http.StatusGone, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"success":   false,
		"error":     frame.Message(err),
		"errorType": frame.CodeOf(err),
	})
}
