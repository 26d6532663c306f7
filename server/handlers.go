package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/chatcart/hub"
	"github.com/onnwee/chatcart/signals"
)

// Handlers bundles route handlers with their session dependency.
type Handlers struct {
	session *hub.Session
}

// NewHandlers creates handlers bound to one session.
func NewHandlers(session *hub.Session) *Handlers {
	return &Handlers{session: session}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("err", err))
	}
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: the session must be running.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if !h.session.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "session not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type adapterStatus struct {
	Platform string    `json:"platform"`
	State    string    `json:"state"`
	Terminal bool      `json:"terminal,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// HandleStatus reports per-adapter connection state, aggregator coverage, and
// the current buffer depth.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	states := h.session.AdapterStates()
	out := make([]adapterStatus, 0, len(states))
	for _, c := range states {
		st := adapterStatus{
			Platform: string(c.Platform),
			State:    c.State.String(),
			Terminal: c.Terminal,
			At:       c.At,
		}
		if c.Err != nil {
			st.Error = c.Err.Error()
		}
		out = append(out, st)
	}
	covered := make([]string, 0)
	for _, p := range h.session.CoveredPlatforms() {
		covered = append(covered, string(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":           h.session.ID,
		"running":           h.session.Running(),
		"adapters":          out,
		"covered_platforms": covered,
		"buffered_messages": h.session.Classifier().BufferLen(),
	})
}

// HandleMessages returns the most recent buffered messages, newest last.
// ?limit=N caps the result.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := h.session.Classifier().Buffered()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(msgs) {
			msgs = msgs[len(msgs)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

// HandleActions runs an on-demand derivation pass and returns the ranked
// action list.
func (h *Handlers) HandleActions(w http.ResponseWriter, r *http.Request) {
	actions := h.session.DeriveActions()
	if actions == nil {
		actions = []signals.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type broadcastRequest struct {
	Text string `json:"text"`
}

type broadcastOutcome struct {
	Platform    string `json:"platform"`
	Delivered   bool   `json:"delivered"`
	Unsupported bool   `json:"unsupported,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HandleBroadcast relays a message to every connected platform and reports
// the per-platform outcomes.
func (h *Handlers) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "body must be {\"text\": \"...\"}", http.StatusBadRequest)
		return
	}
	results := h.session.Broadcast(r.Context(), req.Text)
	out := make([]broadcastOutcome, 0, len(results))
	for _, res := range results {
		o := broadcastOutcome{
			Platform:    string(res.Platform),
			Delivered:   res.Err == nil,
			Unsupported: res.Unsupported,
		}
		if res.Err != nil && !res.Unsupported {
			o.Error = res.Err.Error()
		}
		out = append(out, o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
