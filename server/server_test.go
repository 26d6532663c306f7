package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/hub"
)

type stubAdapter struct {
	platform chatmsg.Platform
	sendErr  error
	sent     []string

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

func (s *stubAdapter) Platform() chatmsg.Platform { return s.platform }

func (s *stubAdapter) Connect(ctx context.Context) error {
	s.states.Publish(adapter.StateChange{Platform: s.platform, State: adapter.StateConnected, At: time.Now()})
	return nil
}

func (s *stubAdapter) Disconnect() {}

func (s *stubAdapter) SendMessage(ctx context.Context, text string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubAdapter) OnMessage(fn func(chatmsg.Message)) func()         { return s.msgs.Subscribe(fn) }
func (s *stubAdapter) OnViewerCount(fn func(adapter.ViewerCount)) func() { return s.counts.Subscribe(fn) }
func (s *stubAdapter) OnStateChange(fn func(adapter.StateChange)) func() { return s.states.Subscribe(fn) }

func runningSession(t *testing.T, adapters ...adapter.Adapter) *hub.Session {
	t.Helper()
	if len(adapters) == 0 {
		adapters = []adapter.Adapter{&stubAdapter{platform: chatmsg.PlatformKick}}
	}
	s := hub.NewSession("test-session", adapters, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("session start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, target string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, target, err)
		}
	}
	return rec, out
}

func TestHealthzAndCorrelationID(t *testing.T) {
	mux := NewMux(runningSession(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want echo of request header", got)
	}

	// Without a header one is generated.
	rec2, _ := doJSON(t, mux, http.MethodGet, "/healthz", "")
	if rec2.Header().Get("X-Correlation-ID") == "" {
		t.Errorf("no correlation id generated")
	}
}

func TestReadyzTracksSessionLifecycle(t *testing.T) {
	s := hub.NewSession("test-session", []adapter.Adapter{&stubAdapter{platform: chatmsg.PlatformKick}}, nil)
	mux := NewMux(s)

	rec, _ := doJSON(t, mux, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before start: status = %d, want 503", rec.Code)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("session start: %v", err)
	}
	defer s.Stop()

	rec, _ = doJSON(t, mux, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("after start: status = %d, want 200", rec.Code)
	}
}

func TestStatusReportsAdapters(t *testing.T) {
	mux := NewMux(runningSession(t, &stubAdapter{platform: chatmsg.PlatformTwitch}))

	rec, body := doJSON(t, mux, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["session"] != "test-session" {
		t.Errorf("session = %v", body["session"])
	}
	if body["running"] != true {
		t.Errorf("running = %v", body["running"])
	}
	adapters, ok := body["adapters"].([]any)
	if !ok || len(adapters) != 1 {
		t.Fatalf("adapters = %v", body["adapters"])
	}
	first := adapters[0].(map[string]any)
	if first["platform"] != "twitch" || first["state"] != "connected" {
		t.Errorf("adapter entry = %v", first)
	}
}

func TestMessagesLimitParam(t *testing.T) {
	stub := &stubAdapter{platform: chatmsg.PlatformKick}
	s := runningSession(t, stub)
	mux := NewMux(s)

	for i := 0; i < 5; i++ {
		stub.msgs.Publish(chatmsg.Message{
			ID:        chatmsg.NewID(chatmsg.PlatformKick, ""),
			Platform:  chatmsg.PlatformKick,
			Type:      chatmsg.TypeChat,
			Content:   "hello",
			Timestamp: time.Now().UTC(),
		})
	}
	// Fan-in is asynchronous; wait for the buffer to fill.
	deadline := time.Now().Add(2 * time.Second)
	for s.Classifier().BufferLen() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rec, body := doJSON(t, mux, http.MethodGet, "/messages?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/messages?limit=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status = %d, want 400", rec.Code)
	}
}

func TestActionsReturnsEmptyListNotNull(t *testing.T) {
	mux := NewMux(runningSession(t))

	rec, body := doJSON(t, mux, http.MethodGet, "/actions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := body["actions"].([]any); !ok {
		t.Errorf("actions should be a JSON array even when empty, got %v", body["actions"])
	}
}

func TestBroadcastOutcomes(t *testing.T) {
	okA := &stubAdapter{platform: chatmsg.PlatformTwitch}
	noSend := &stubAdapter{platform: chatmsg.PlatformTikTok, sendErr: adapter.ErrUnsupportedOperation}
	mux := NewMux(runningSession(t, okA, noSend))

	rec, body := doJSON(t, mux, http.MethodPost, "/broadcast", `{"text": "sale starts now"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("results = %v", body["results"])
	}
	byPlatform := map[string]map[string]any{}
	for _, r := range results {
		m := r.(map[string]any)
		byPlatform[m["platform"].(string)] = m
	}
	if byPlatform["twitch"]["delivered"] != true {
		t.Errorf("twitch outcome = %v", byPlatform["twitch"])
	}
	if byPlatform["tiktok"]["unsupported"] != true {
		t.Errorf("tiktok outcome = %v", byPlatform["tiktok"])
	}
	if len(okA.sent) != 1 || okA.sent[0] != "sale starts now" {
		t.Errorf("sent = %v", okA.sent)
	}
}

func TestBroadcastRejectsBadRequests(t *testing.T) {
	mux := NewMux(runningSession(t))

	rec, _ := doJSON(t, mux, http.MethodGet, "/broadcast", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodPost, "/broadcast", `{"text": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text: status = %d, want 400", rec.Code)
	}
}
