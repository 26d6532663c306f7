package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/testutil"
)

func TestCreateChatSubscriptionSendsAuthHeaders(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	var gotClientID, gotAuth string
	var gotBody map[string]any
	srv.Handlers["/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		gotClientID = r.Header.Get("Client-Id")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}

	hc := &HelixClient{BaseURL: srv.URL, ClientID: "cid", AccessToken: "tok"}
	err := hc.CreateChatSubscription(context.Background(), "sess-1", "channel.chat.message", map[string]string{"broadcaster_user_id": "b1"})
	if err != nil {
		t.Fatalf("CreateChatSubscription error: %v", err)
	}
	if gotClientID != "cid" || gotAuth != "Bearer tok" {
		t.Errorf("auth headers = %q / %q", gotClientID, gotAuth)
	}
	transport, _ := gotBody["transport"].(map[string]any)
	if transport["session_id"] != "sess-1" || transport["method"] != "websocket" {
		t.Errorf("transport block = %v", transport)
	}
}

func TestCreateChatSubscriptionAuthFailureIsTerminal(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockStatus("/eventsub/subscriptions", http.StatusForbidden)

	hc := &HelixClient{BaseURL: srv.URL, ClientID: "cid", AccessToken: "expired"}
	err := hc.CreateChatSubscription(context.Background(), "sess-1", "channel.chat.message", nil)
	if !adapter.IsTerminal(err) {
		t.Errorf("403 on subscribe = %v, want terminal authorization error", err)
	}
}

func TestSendChatMessageDropReason(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/chat/messages", map[string]any{
		"data": []map[string]any{
			{"is_sent": false, "drop_reason": map[string]string{"message": "followers only"}},
		},
	})

	hc := &HelixClient{BaseURL: srv.URL, ClientID: "cid", AccessToken: "tok"}
	err := hc.SendChatMessage(context.Background(), "b1", "u1", "hello")
	var rejected *adapter.DeliveryRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want DeliveryRejectedError", err)
	}
	if rejected.Reason != "followers only" {
		t.Errorf("reason = %q", rejected.Reason)
	}
}

func TestSendChatMessageRateLimited(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockStatus("/chat/messages", http.StatusTooManyRequests)

	hc := &HelixClient{BaseURL: srv.URL, ClientID: "cid", AccessToken: "tok"}
	err := hc.SendChatMessage(context.Background(), "b1", "u1", "hello")
	var rejected *adapter.DeliveryRejectedError
	if !errors.As(err, &rejected) {
		t.Errorf("429 on send = %v, want DeliveryRejectedError", err)
	}
}

func TestSendChatMessageSuccess(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/chat/messages", map[string]any{
		"data": []map[string]any{{"is_sent": true}},
	})

	hc := &HelixClient{BaseURL: srv.URL, ClientID: "cid", AccessToken: "tok"}
	if err := hc.SendChatMessage(context.Background(), "b1", "u1", "hello"); err != nil {
		t.Errorf("SendChatMessage error: %v", err)
	}
}

func TestGetChatterCount(t *testing.T) {
	srv := testutil.NewMockVendorServer(t)
	srv.MockJSON("/chat/chatters", map[string]any{"total": 532})

	hc := &HelixClient{BaseURL: srv.URL, ClientID: "cid", AccessToken: "tok"}
	n, err := hc.GetChatterCount(context.Background(), "b1", "u1")
	if err != nil {
		t.Fatalf("GetChatterCount error: %v", err)
	}
	if n != 532 {
		t.Errorf("count = %d, want 532", n)
	}
}
