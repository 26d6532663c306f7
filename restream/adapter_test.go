package restream

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/testutil"
)

func welcomeFrame() map[string]any {
	return map[string]any{
		"action": "connection_info",
		"payload": map[string]any{
			"sessionId": "sess-1",
			"connections": []map[string]string{
				{"platform": "twitch", "identifier": "twitch-123"},
				{"platform": "youtube", "identifier": "youtube-456"},
			},
		},
	}
}

func startWelcoming(t *testing.T) *testutil.MockSocketServer {
	t.Helper()
	srv := testutil.NewMockSocketServer(t)
	srv.OnConnect = func(conn *websocket.Conn) {
		_ = conn.WriteJSON(welcomeFrame())
	}
	return srv
}

func TestConnectWaitsForWelcome(t *testing.T) {
	srv := startWelcoming(t)
	a := New(Config{URL: srv.WSURL(), ConnectTimeout: 2 * time.Second})

	states := make(chan adapter.StateChange, 8)
	a.OnStateChange(func(c adapter.StateChange) { states <- c })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	first := <-states
	if first.State != adapter.StateConnecting {
		t.Errorf("first transition = %v, want connecting", first.State)
	}
	second := <-states
	if second.State != adapter.StateConnected {
		t.Errorf("second transition = %v, want connected", second.State)
	}

	covered := a.CoveredPlatforms()
	if len(covered) != 2 {
		t.Fatalf("CoveredPlatforms = %v, want twitch and youtube", covered)
	}
}

func TestConnectTimesOutWithoutWelcome(t *testing.T) {
	srv := testutil.NewMockSocketServer(t)
	// Accept the socket but never send the welcome frame.
	a := New(Config{URL: srv.WSURL(), ConnectTimeout: 150 * time.Millisecond})

	err := a.Connect(context.Background())
	var timeoutErr *adapter.ConnectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Connect() = %v, want ConnectTimeoutError", err)
	}
	// A failed connect must leave nothing armed.
	if a.backoff.Pending() {
		t.Errorf("backoff timer pending after failed connect")
	}
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	srv := startWelcoming(t)
	a := New(Config{URL: srv.WSURL(), ConnectTimeout: 2 * time.Second})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() = %v, want nil", err)
	}
	if srv.ConnCount() != 1 {
		t.Errorf("second Connect dialed again: %d connections", srv.ConnCount())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := startWelcoming(t)
	a := New(Config{URL: srv.WSURL(), ConnectTimeout: 2 * time.Second})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	states := make(chan adapter.StateChange, 8)
	a.OnStateChange(func(c adapter.StateChange) { states <- c })

	a.Disconnect()
	a.Disconnect()

	select {
	case c := <-states:
		if c.State != adapter.StateDisconnected {
			t.Errorf("transition = %v, want disconnected", c.State)
		}
	case <-time.After(time.Second):
		t.Fatalf("no disconnect transition observed")
	}
	select {
	case c := <-states:
		t.Errorf("second Disconnect produced a transition: %v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventResolvesSourcePlatform(t *testing.T) {
	srv := startWelcoming(t)
	a := New(Config{URL: srv.WSURL(), ConnectTimeout: 2 * time.Second})

	msgs := make(chan chatmsg.Message, 1)
	a.OnMessage(func(m chatmsg.Message) { msgs <- m })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	event := map[string]any{
		"action": "event",
		"payload": map[string]any{
			"connectionIdentifier": "twitch-123",
			"eventPayload": map[string]any{
				"id":        "m1",
				"eventType": "message",
				"text":      "how much is this?",
				"author":    map[string]any{"id": "u1", "displayName": "buyer"},
			},
		},
	}
	srv.SendJSON(t, event)

	select {
	case m := <-msgs:
		if m.Platform != chatmsg.PlatformTwitch {
			t.Errorf("platform = %v, want twitch (resolved from metadata)", m.Platform)
		}
		if m.Content != "how much is this?" {
			t.Errorf("content = %q", m.Content)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message received")
	}
}

func TestViewerCountPublished(t *testing.T) {
	srv := startWelcoming(t)
	a := New(Config{URL: srv.WSURL(), ConnectTimeout: 2 * time.Second})

	counts := make(chan adapter.ViewerCount, 1)
	a.OnViewerCount(func(v adapter.ViewerCount) { counts <- v })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	srv.SendJSON(t, map[string]any{"action": "viewers", "payload": map[string]int{"total": 1234}})

	select {
	case v := <-counts:
		if v.Count != 1234 {
			t.Errorf("count = %d, want 1234", v.Count)
		}
	case <-time.After(time.Second):
		t.Fatalf("no viewer count received")
	}
}

func TestExhaustedReconnectsEndTerminal(t *testing.T) {
	srv := testutil.NewMockSocketServer(t)
	var welcomed atomic.Bool
	srv.OnConnect = func(conn *websocket.Conn) {
		if welcomed.CompareAndSwap(false, true) {
			_ = conn.WriteJSON(welcomeFrame())
			return
		}
		// Subsequent attempts get dropped without a welcome.
		_ = conn.Close()
	}
	a := New(Config{
		URL:            srv.WSURL(),
		ConnectTimeout: 150 * time.Millisecond,
		BackoffBase:    10 * time.Millisecond,
		MaxAttempts:    2,
	})

	states := make(chan adapter.StateChange, 32)
	a.OnStateChange(func(c adapter.StateChange) { states <- c })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	srv.CloseConns()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-states:
			if c.State == adapter.StateDisconnected && c.Terminal {
				if c.Err == nil {
					t.Errorf("terminal transition missing cause")
				}
				return
			}
		case <-deadline:
			t.Fatalf("never observed a terminal disconnect")
		}
	}
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	a := New(Config{})
	err := a.SendMessage(context.Background(), "hi")
	var transient *adapter.TransientTransportError
	if !errors.As(err, &transient) {
		t.Errorf("SendMessage while disconnected = %v, want transient transport error", err)
	}
}

func TestSourcePlatformPriority(t *testing.T) {
	cases := []struct {
		name string
		env  eventEnvelope
		want chatmsg.Platform
	}{
		{"identifier prefix wins", eventEnvelope{ConnectionIdentifier: "kick_99", EventSourceID: 1}, chatmsg.PlatformKick},
		{"numeric source id", eventEnvelope{EventSourceID: 5}, chatmsg.PlatformTikTok},
		{"platform name field", eventEnvelope{Platform: "YouTube"}, chatmsg.PlatformYouTube},
		{"source field fallback", eventEnvelope{Source: "facebook"}, chatmsg.PlatformFacebook},
		{"unresolvable falls back to generic", eventEnvelope{}, chatmsg.PlatformRestream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sourcePlatform(&tc.env); got != tc.want {
				t.Errorf("sourcePlatform = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNormalizeGiftTotalExact(t *testing.T) {
	env := &eventEnvelope{
		EventSourceID: 2,
		EventPayload: eventPayload{
			ID:          "g1",
			EventType:   "donation",
			GiftID:      "rose",
			GiftName:    "Rose",
			AmountCents: 150,
			Count:       4,
		},
	}
	raw, _ := json.Marshal(env)
	msg, ok := normalize(raw, env)
	if !ok {
		t.Fatalf("normalize returned ok=false")
	}
	if msg.Type != chatmsg.TypeGift || msg.Gift == nil {
		t.Fatalf("expected gift message, got %v", msg.Type)
	}
	if msg.Gift.ValueMinorUnits != 600 {
		t.Errorf("gift total = %d, want 600", msg.Gift.ValueMinorUnits)
	}
}

func TestNormalizeDropsEmptyChat(t *testing.T) {
	env := &eventEnvelope{EventSourceID: 1, EventPayload: eventPayload{EventType: "message", Text: ""}}
	if _, ok := normalize(nil, env); ok {
		t.Errorf("empty chat message should be dropped")
	}
}
