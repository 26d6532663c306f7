// Package twitch implements the server-push subscription adapter: an
// EventSub-style websocket for inbound events plus a Helix REST client for
// subscription management, chatter counts, and the outbound send path.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
)

const defaultHelixURL = "https://api.twitch.tv/helix"

// HelixClient provides the minimal Helix surface this adapter needs. The
// access token is supplied already valid; this package never refreshes it.
type HelixClient struct {
	BaseURL     string
	ClientID    string
	AccessToken string
	HTTPClient  *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultHelixURL
}

func (hc *HelixClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.base()+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+hc.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.http().Do(req)
}

// CreateChatSubscription registers an EventSub subscription bound to a
// websocket session. This call can fail independently of the socket
// handshake.
func (hc *HelixClient) CreateChatSubscription(ctx context.Context, sessionID, subType string, condition map[string]string) error {
	payload := map[string]any{
		"type":      subType,
		"version":   "1",
		"condition": condition,
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	}
	resp, err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", payload)
	if err != nil {
		return &adapter.TransientTransportError{Platform: string(chatmsg.PlatformTwitch), Err: err}
	}
	defer closeBody(resp)
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		if err := adapter.ClassifyStatus(string(chatmsg.PlatformTwitch), resp.StatusCode, string(b), false); err != nil {
			return err
		}
		return &adapter.TransientTransportError{Platform: string(chatmsg.PlatformTwitch), Err: fmt.Errorf("subscription request: %s", resp.Status)}
	}
	return nil
}

// SendChatMessage relays text via the Helix send endpoint. A 2xx response
// with is_sent=false means the vendor accepted the call but refused the
// message, surfaced as a retryable delivery rejection.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	resp, err := hc.do(ctx, http.MethodPost, "/chat/messages", payload)
	if err != nil {
		return &adapter.TransientTransportError{Platform: string(chatmsg.PlatformTwitch), Err: err}
	}
	defer closeBody(resp)
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return adapter.ClassifyStatus(string(chatmsg.PlatformTwitch), resp.StatusCode, string(b), true)
	}
	var body struct {
		Data []struct {
			IsSent     bool `json:"is_sent"`
			DropReason *struct {
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &adapter.TransientTransportError{Platform: string(chatmsg.PlatformTwitch), Err: err}
	}
	if len(body.Data) > 0 && !body.Data[0].IsSent {
		reason := "message dropped"
		if body.Data[0].DropReason != nil {
			reason = body.Data[0].DropReason.Message
		}
		return &adapter.DeliveryRejectedError{Platform: string(chatmsg.PlatformTwitch), Reason: reason}
	}
	return nil
}

// GetChatterCount returns the current chatter total for a broadcaster.
func (hc *HelixClient) GetChatterCount(ctx context.Context, broadcasterID, moderatorID string) (int, error) {
	path := fmt.Sprintf("/chat/chatters?broadcaster_id=%s&moderator_id=%s&first=1", broadcasterID, moderatorID)
	resp, err := hc.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, &adapter.TransientTransportError{Platform: string(chatmsg.PlatformTwitch), Err: err}
	}
	defer closeBody(resp)
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, adapter.ClassifyStatus(string(chatmsg.PlatformTwitch), resp.StatusCode, string(b), false)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, &adapter.TransientTransportError{Platform: string(chatmsg.PlatformTwitch), Err: err}
	}
	return body.Total, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
