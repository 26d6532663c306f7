// Package kick implements the poll-REST adapter over Kick's public channel
// API: a "who's currently live" check paired with the chatroom messages
// endpoint, polled on a fixed interval with a cursor carried across polls.
package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/telemetry"
)

const (
	defaultBaseURL        = "https://kick.com/api/v2"
	defaultPollInterval   = 5 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

// Config identifies the channel to poll. BearerToken is optional; without it
// the adapter is receive-only and SendMessage reports unsupported.
type Config struct {
	ChannelSlug    string
	BearerToken    string
	BaseURL        string
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	HTTPClient     *http.Client
}

// Adapter is the Kick poll implementation of adapter.Adapter.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      adapter.State
	runCtx     context.Context
	runCancel  context.CancelFunc
	chatroomID int
	cursor     string
	live       bool

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

// New builds the adapter; Connect starts it.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		cfg: cfg,
		log: slog.Default().With(slog.String("platform", string(chatmsg.PlatformKick))),
	}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.PlatformKick }

func (a *Adapter) OnMessage(fn func(chatmsg.Message)) func()         { return a.msgs.Subscribe(fn) }
func (a *Adapter) OnViewerCount(fn func(adapter.ViewerCount)) func() { return a.counts.Subscribe(fn) }
func (a *Adapter) OnStateChange(fn func(adapter.StateChange)) func() { return a.states.Subscribe(fn) }

// Connect resolves the channel's chatroom id and performs the first poll
// cycle immediately. Readiness means that first cycle succeeded.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == adapter.StateConnected {
		a.mu.Unlock()
		return nil
	}
	if a.state == adapter.StateConnecting {
		a.mu.Unlock()
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("connect already in progress")}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.runCtx, a.runCancel = runCtx, cancel
	change := a.setStateLocked(adapter.StateConnecting, false, nil)
	a.mu.Unlock()
	a.publishState(change)

	if err := a.ready(ctx, runCtx); err != nil {
		a.mu.Lock()
		a.teardownLocked()
		change := a.setStateLocked(adapter.StateDisconnected, adapter.IsTerminal(err), err)
		a.mu.Unlock()
		a.publishState(change)
		return err
	}

	a.mu.Lock()
	change = a.setStateLocked(adapter.StateConnected, false, nil)
	a.mu.Unlock()
	a.publishState(change)

	go a.pollLoop(runCtx)
	return nil
}

func (a *Adapter) ready(ctx context.Context, runCtx context.Context) error {
	dctx, dcancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer dcancel()
	stop := context.AfterFunc(runCtx, dcancel)
	defer stop()

	if err := a.resolveChannel(dctx); err != nil {
		if dctx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return err
	}
	if err := a.pollOnce(dctx); err != nil {
		if dctx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return err
	}
	return nil
}

// Disconnect stops the poll interval. Idempotent; aborts an in-flight
// Connect.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.runCancel == nil && a.state == adapter.StateDisconnected {
		a.mu.Unlock()
		return
	}
	a.teardownLocked()
	change := a.setStateLocked(adapter.StateDisconnected, false, nil)
	a.mu.Unlock()
	a.publishState(change)
}

func (a *Adapter) teardownLocked() {
	if a.runCancel != nil {
		a.runCancel()
		a.runCancel = nil
	}
}

// SendMessage posts to the chatroom when a bearer token is configured. The
// anonymous read endpoints have no paired send path, so without a token this
// platform is receive-only.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	if a.cfg.BearerToken == "" {
		telemetry.CountSend(string(a.Platform()), false)
		return adapter.ErrUnsupportedOperation
	}
	a.mu.Lock()
	chatroomID := a.chatroomID
	connected := a.state == adapter.StateConnected
	a.mu.Unlock()
	if !connected {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("not connected")}
	}
	body, _ := json.Marshal(map[string]string{"content": text, "type": "message"})
	url := fmt.Sprintf("%s/messages/send/%d", a.cfg.BaseURL, chatroomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	defer closeBody(resp)
	if resp.StatusCode >= 300 {
		telemetry.CountSend(string(a.Platform()), false)
		b, _ := io.ReadAll(resp.Body)
		return adapter.ClassifyStatus(string(a.Platform()), resp.StatusCode, string(b), true)
	}
	telemetry.CountSend(string(a.Platform()), true)
	return nil
}

// resolveChannel fetches channel info: chatroom id for message polling plus
// the current livestream block.
func (a *Adapter) resolveChannel(ctx context.Context) error {
	var ch channelResponse
	if err := a.getJSON(ctx, fmt.Sprintf("%s/channels/%s", a.cfg.BaseURL, a.cfg.ChannelSlug), &ch); err != nil {
		return err
	}
	if ch.Chatroom.ID == 0 {
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("channel %q has no chatroom", a.cfg.ChannelSlug)}
	}
	a.mu.Lock()
	a.chatroomID = ch.Chatroom.ID
	a.mu.Unlock()
	a.publishLivestream(ch.Livestream)
	return nil
}

func (a *Adapter) publishLivestream(ls *livestream) {
	a.mu.Lock()
	wasLive := a.live
	a.live = ls != nil && ls.IsLive
	nowLive := a.live
	a.mu.Unlock()
	if ls != nil && ls.IsLive {
		telemetry.SetViewers(string(a.Platform()), ls.ViewerCount)
		a.counts.Publish(adapter.ViewerCount{Platform: a.Platform(), Count: ls.ViewerCount, At: time.Now().UTC()})
	}
	if wasLive != nowLive {
		a.log.Info("live status changed", slog.Bool("live", nowLive))
	}
}

// pollLoop runs the fixed-interval cycle: refresh live status, then fetch new
// chat messages past the cursor. Cycles run in the loop body, so a slow cycle
// delays but never overlaps the next tick.
func (a *Adapter) pollLoop(runCtx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(runCtx, a.cfg.PollInterval*3)
			err := a.pollCycle(ctx)
			cancel()
			if err == nil {
				continue
			}
			if adapter.IsTerminal(err) {
				a.mu.Lock()
				a.teardownLocked()
				change := a.setStateLocked(adapter.StateDisconnected, true, err)
				a.mu.Unlock()
				a.publishState(change)
				a.log.Error("authorization rejected; stopping poller", slog.Any("err", err))
				return
			}
			a.log.Warn("poll cycle failed; retrying next tick", slog.Any("err", err))
		}
	}
}

func (a *Adapter) pollCycle(ctx context.Context) error {
	if err := a.resolveChannel(ctx); err != nil {
		return err
	}
	return a.pollOnce(ctx)
}

// pollOnce fetches messages newer than the cursor and advances it.
func (a *Adapter) pollOnce(ctx context.Context) error {
	a.mu.Lock()
	chatroomID := a.chatroomID
	cursor := a.cursor
	a.mu.Unlock()

	url := fmt.Sprintf("%s/channels/%s/messages", a.cfg.BaseURL, a.cfg.ChannelSlug)
	if cursor != "" {
		url += "?cursor=" + cursor
	}
	var page messagesResponse
	if err := a.getJSON(ctx, url, &page); err != nil {
		return err
	}

	a.mu.Lock()
	if page.Data.Cursor != "" {
		a.cursor = page.Data.Cursor
	}
	a.mu.Unlock()

	for i := range page.Data.Messages {
		m := &page.Data.Messages[i]
		if m.ChatroomID != 0 && m.ChatroomID != chatroomID {
			continue
		}
		msg, ok := normalizeMessage(m)
		if !ok {
			telemetry.CountDropped(string(a.Platform()))
			continue
		}
		telemetry.CountMessage(string(a.Platform()))
		a.msgs.Publish(msg)
	}
	return nil
}

func (a *Adapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		if err := adapter.ClassifyStatus(string(a.Platform()), resp.StatusCode, string(b), false); err != nil {
			return err
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	return nil
}

func (a *Adapter) setStateLocked(s adapter.State, terminal bool, err error) *adapter.StateChange {
	if a.state == s && !terminal && err == nil {
		return nil
	}
	a.state = s
	telemetry.SetConnected(string(a.Platform()), s == adapter.StateConnected)
	return &adapter.StateChange{Platform: a.Platform(), State: s, Terminal: terminal, Err: err, At: time.Now().UTC()}
}

func (a *Adapter) publishState(change *adapter.StateChange) {
	if change != nil {
		a.states.Publish(*change)
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// Vendor payload shapes, internal to this package. -------------------------

type channelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
	Livestream *livestream `json:"livestream"`
}

type livestream struct {
	IsLive      bool `json:"is_live"`
	ViewerCount int  `json:"viewer_count"`
}

type messagesResponse struct {
	Data struct {
		Messages []vendorMessage `json:"messages"`
		Cursor   string          `json:"cursor"`
	} `json:"data"`
}

type vendorMessage struct {
	ID         string `json:"id"`
	ChatroomID int    `json:"chatroom_id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
	Sender     struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
		Identity struct {
			Badges []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

func normalizeMessage(m *vendorMessage) (chatmsg.Message, bool) {
	if m.Content == "" && m.Type != "" && m.Type != "message" {
		return chatmsg.Message{}, false
	}
	raw, _ := json.Marshal(m)

	ts := time.Now().UTC()
	if m.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
			ts = t.UTC()
		}
	}

	var badges []chatmsg.Badge
	for _, b := range m.Sender.Identity.Badges {
		switch b.Type {
		case "moderator":
			badges = append(badges, chatmsg.BadgeModerator)
		case "subscriber", "og", "founder":
			badges = append(badges, chatmsg.BadgeSubscriber)
		case "vip":
			badges = append(badges, chatmsg.BadgeVIP)
		case "verified":
			badges = append(badges, chatmsg.BadgeVerified)
		case "broadcaster":
			badges = append(badges, chatmsg.BadgeCreator)
		}
	}
	badges = chatmsg.NormalizeBadges(badges)

	userID := ""
	if m.Sender.ID != 0 {
		userID = strconv.Itoa(m.Sender.ID)
	}

	return chatmsg.Message{
		ID:       chatmsg.NewID(chatmsg.PlatformKick, m.ID),
		Platform: chatmsg.PlatformKick,
		Type:     chatmsg.TypeChat,
		Content:  m.Content,
		User: chatmsg.User{
			ID:           userID,
			DisplayName:  chatmsg.FallbackName(m.Sender.Username, m.Sender.Slug),
			Badges:       badges,
			IsModerator:  hasBadge(badges, chatmsg.BadgeModerator),
			IsSubscriber: hasBadge(badges, chatmsg.BadgeSubscriber),
			IsVerified:   hasBadge(badges, chatmsg.BadgeVerified),
		},
		Timestamp:  ts,
		RawPayload: raw,
	}, true
}

func hasBadge(badges []chatmsg.Badge, b chatmsg.Badge) bool {
	for _, x := range badges {
		if x == b {
			return true
		}
	}
	return false
}
