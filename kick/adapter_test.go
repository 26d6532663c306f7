package kick

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/testutil"
)

func channelPayload(live bool, viewers int) map[string]any {
	p := map[string]any{
		"id":       7,
		"slug":     "testchan",
		"chatroom": map[string]int{"id": 42},
	}
	if live {
		p["livestream"] = map[string]any{"is_live": true, "viewer_count": viewers}
	}
	return p
}

func messagesPayload(cursor string, msgs ...map[string]any) map[string]any {
	return map[string]any{"data": map[string]any{"messages": msgs, "cursor": cursor}}
}

func TestConnectResolvesChannelAndPrimesCursor(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/channels/testchan", channelPayload(true, 88))
	srv.MockJSON("/channels/testchan/messages", messagesPayload("cur-1"))

	a := New(Config{ChannelSlug: "testchan", BaseURL: srv.URL, PollInterval: time.Hour})
	counts := make(chan adapter.ViewerCount, 1)
	a.OnViewerCount(func(v adapter.ViewerCount) { counts <- v })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	select {
	case v := <-counts:
		if v.Count != 88 || v.Platform != chatmsg.PlatformKick {
			t.Errorf("viewer count = %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("no viewer count from live channel")
	}
}

func TestConnectFailsTerminalOnForbidden(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockStatus("/channels/testchan", http.StatusForbidden)

	a := New(Config{ChannelSlug: "testchan", BaseURL: srv.URL})
	err := a.Connect(context.Background())
	if !adapter.IsTerminal(err) {
		t.Errorf("Connect = %v, want terminal authorization error", err)
	}
}

func TestPollCarriesCursorForward(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/channels/testchan", channelPayload(false, 0))

	var mu sync.Mutex
	var cursors []string
	srv.Handlers["/channels/testchan/messages"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		n := len(cursors)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messagesPayload("cur-" + string(rune('0'+n))))
	}

	a := New(Config{ChannelSlug: "testchan", BaseURL: srv.URL, PollInterval: 30 * time.Millisecond})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(cursors)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cursors) < 3 {
		t.Fatalf("only %d polls observed", len(cursors))
	}
	if cursors[0] != "" {
		t.Errorf("first poll carried cursor %q, want empty", cursors[0])
	}
	if cursors[1] != "cur-1" || cursors[2] != "cur-2" {
		t.Errorf("cursor chain = %v, want each poll to carry the previous page cursor", cursors[:3])
	}
}

func TestPollPublishesNormalizedMessages(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/channels/testchan", channelPayload(false, 0))
	srv.MockJSON("/channels/testchan/messages", messagesPayload("c1", map[string]any{
		"id":          "k1",
		"chatroom_id": 42,
		"content":     "how much is the hoodie?",
		"type":        "message",
		"sender": map[string]any{
			"id":       9,
			"username": "Chatter",
			"identity": map[string]any{"badges": []map[string]string{{"type": "moderator"}}},
		},
	}))

	a := New(Config{ChannelSlug: "testchan", BaseURL: srv.URL, PollInterval: time.Hour})
	msgs := make(chan chatmsg.Message, 4)
	a.OnMessage(func(m chatmsg.Message) { msgs <- m })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	select {
	case m := <-msgs:
		if m.Platform != chatmsg.PlatformKick || m.Type != chatmsg.TypeChat {
			t.Errorf("got %v/%v", m.Platform, m.Type)
		}
		if m.User.ID != "9" || !m.User.IsModerator {
			t.Errorf("user = %+v", m.User)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message from first poll")
	}
}

func TestTerminalPollErrorStopsAdapter(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	var mu sync.Mutex
	authorized := true
	srv.Handlers["/channels/testchan"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := authorized
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(channelPayload(false, 0))
	}
	srv.MockJSON("/channels/testchan/messages", messagesPayload(""))

	a := New(Config{ChannelSlug: "testchan", BaseURL: srv.URL, PollInterval: 20 * time.Millisecond})
	states := make(chan adapter.StateChange, 16)
	a.OnStateChange(func(c adapter.StateChange) { states <- c })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	mu.Lock()
	authorized = false
	mu.Unlock()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-states:
			if c.State == adapter.StateDisconnected && c.Terminal {
				return
			}
		case <-deadline:
			t.Fatalf("poller never stopped terminally after 401")
		}
	}
}

func TestSendWithoutTokenUnsupported(t *testing.T) {
	a := New(Config{ChannelSlug: "testchan"})
	err := a.SendMessage(context.Background(), "hi")
	if !errors.Is(err, adapter.ErrUnsupportedOperation) {
		t.Errorf("send without bearer token = %v, want ErrUnsupportedOperation", err)
	}
}

func TestSendWithTokenPostsToChatroom(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/channels/testchan", channelPayload(false, 0))
	srv.MockJSON("/channels/testchan/messages", messagesPayload(""))

	var got map[string]string
	var auth string
	srv.Handlers["/messages/send/42"] = func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}

	a := New(Config{ChannelSlug: "testchan", BearerToken: "tok", BaseURL: srv.URL, PollInterval: time.Hour})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer a.Disconnect()

	if err := a.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("authorization header = %q", auth)
	}
	if got["content"] != "hello" {
		t.Errorf("posted body = %v", got)
	}
}
