package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/signals"
)

// sse event names on the /stream endpoint.
const (
	eventMessage = "message"
	eventActions = "actions"
)

// HandleStream serves the live session feed over Server-Sent Events: one
// "message" event per classified chat message and one "actions" event per
// derived action batch. The connection stays open until the client goes away.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Channel-funneled delivery keeps writes on this goroutine; the
	// subscription callbacks must never block the hub consumer for long.
	events := make(chan sseEvent, 64)
	unsubMsg := h.session.OnMessage(func(m chatmsg.Message) {
		select {
		case events <- sseEvent{name: eventMessage, payload: m}:
		default: // slow client, drop
		}
	})
	defer unsubMsg()
	unsubActions := h.session.OnActions(func(actions []signals.Action) {
		select {
		case events <- sseEvent{name: eventActions, payload: actions}:
		default:
		}
	})
	defer unsubActions()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev.payload)
			if err != nil {
				slog.Error("failed to encode stream event", slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type sseEvent struct {
	name    string
	payload any
}
