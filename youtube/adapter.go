// Package youtube implements the poll-REST adapter over the YouTube live
// chat API: short-lived message pages fetched on a fixed interval with a
// continuation page token carried across polls.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/telemetry"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

// Config carries an already-valid access token and identifiers. LiveChatID
// may be empty, in which case Connect resolves it from the creator's active
// broadcast.
type Config struct {
	AccessToken    string
	LiveChatID     string
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	// Options are appended to the service options; tests inject
	// option.WithEndpoint and option.WithHTTPClient here.
	Options []option.ClientOption
}

// Adapter is the YouTube poll implementation of adapter.Adapter.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      adapter.State
	runCtx     context.Context
	runCancel  context.CancelFunc
	svc        *yt.Service
	liveChatID string
	pageToken  string

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

// New builds the adapter; Connect starts it.
func New(cfg Config) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Adapter{
		cfg: cfg,
		log: slog.Default().With(slog.String("platform", string(chatmsg.PlatformYouTube))),
	}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.PlatformYouTube }

func (a *Adapter) OnMessage(fn func(chatmsg.Message)) func()         { return a.msgs.Subscribe(fn) }
func (a *Adapter) OnViewerCount(fn func(adapter.ViewerCount)) func() { return a.counts.Subscribe(fn) }
func (a *Adapter) OnStateChange(fn func(adapter.StateChange)) func() { return a.states.Subscribe(fn) }

// Connect builds the API service, resolves the live chat id if needed, and
// performs the first fetch immediately. Readiness means that first fetch
// succeeded.
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

	err := a.ready(ctx, runCtx)
	if err != nil {
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

	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.cfg.AccessToken})),
	}, a.cfg.Options...)
	svc, err := yt.NewService(dctx, opts...)
	if err != nil {
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}

	liveChatID := a.cfg.LiveChatID
	if liveChatID == "" {
		liveChatID, err = resolveActiveChatID(dctx, svc)
		if err != nil {
			return a.classify(err, dctx, runCtx, false)
		}
	}

	a.mu.Lock()
	a.svc = svc
	a.liveChatID = liveChatID
	a.pageToken = ""
	a.mu.Unlock()

	// Fetch immediately on connect; this also primes the page token.
	if err := a.pollOnce(dctx); err != nil {
		return a.classify(err, dctx, runCtx, false)
	}
	return nil
}

func resolveActiveChatID(ctx context.Context, svc *yt.Service) (string, error) {
	resp, err := svc.LiveBroadcasts.List([]string{"snippet"}).BroadcastStatus("active").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	for _, item := range resp.Items {
		if item.Snippet != nil && item.Snippet.LiveChatId != "" {
			return item.Snippet.LiveChatId, nil
		}
	}
	return "", fmt.Errorf("no active live broadcast with a chat")
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

// SendMessage inserts a text message into the live chat.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	svc := a.svc
	liveChatID := a.liveChatID
	connected := a.state == adapter.StateConnected
	a.mu.Unlock()
	if !connected || svc == nil {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("not connected")}
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: liveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	_, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	if err != nil {
		telemetry.CountSend(string(a.Platform()), false)
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			if e := adapter.ClassifyStatus(string(a.Platform()), gerr.Code, gerr.Message, true); e != nil {
				return e
			}
		}
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	telemetry.CountSend(string(a.Platform()), true)
	return nil
}

// pollLoop runs the fixed-interval fetch cycle. Fetches run in the loop body,
// so a slow cycle delays but never overlaps the next one. Transient errors
// log and wait for the next tick; authorization failures end the loop with a
// terminal disconnect.
func (a *Adapter) pollLoop(runCtx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(runCtx, a.cfg.PollInterval*3)
			err := a.pollOnce(ctx)
			cancel()
			if err == nil {
				continue
			}
			if terminalErr := a.classify(err, ctx, runCtx, true); adapter.IsTerminal(terminalErr) {
				a.mu.Lock()
				a.teardownLocked()
				change := a.setStateLocked(adapter.StateDisconnected, true, terminalErr)
				a.mu.Unlock()
				a.publishState(change)
				a.log.Error("authorization rejected; stopping poller", slog.Any("err", terminalErr))
				return
			}
			a.log.Warn("poll cycle failed; retrying next tick", slog.Any("err", err))
		}
	}
}

// pollOnce fetches one page of live chat messages and advances the cursor.
func (a *Adapter) pollOnce(ctx context.Context) error {
	a.mu.Lock()
	svc := a.svc
	liveChatID := a.liveChatID
	pageToken := a.pageToken
	a.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("service not initialized")
	}

	call := svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pageToken = resp.NextPageToken
	a.mu.Unlock()

	for _, item := range resp.Items {
		msg, ok := normalizeItem(item)
		if !ok {
			telemetry.CountDropped(string(a.Platform()))
			continue
		}
		telemetry.CountMessage(string(a.Platform()))
		a.msgs.Publish(msg)
	}
	return nil
}

// classify maps a poll/resolve error into the taxonomy. 403-class responses
// are terminal authorization failures; timeout during connect surfaces as
// ConnectTimeoutError unless the attempt was aborted.
func (a *Adapter) classify(err error, ctx context.Context, runCtx context.Context, polling bool) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if e := adapter.ClassifyStatus(string(a.Platform()), gerr.Code, gerr.Message, false); e != nil {
			return e
		}
	}
	if !polling && ctx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
		return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
	}
	return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
}

func normalizeItem(item *yt.LiveChatMessage) (chatmsg.Message, bool) {
	if item == nil || item.Snippet == nil {
		return chatmsg.Message{}, false
	}
	raw, _ := json.Marshal(item)

	ts := time.Now().UTC()
	if item.Snippet.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			ts = t.UTC()
		}
	}

	user := chatmsg.User{DisplayName: "Anonymous"}
	if ad := item.AuthorDetails; ad != nil {
		var badges []chatmsg.Badge
		if ad.IsChatModerator {
			badges = append(badges, chatmsg.BadgeModerator)
		}
		if ad.IsChatSponsor {
			badges = append(badges, chatmsg.BadgeSubscriber)
		}
		if ad.IsVerified {
			badges = append(badges, chatmsg.BadgeVerified)
		}
		if ad.IsChatOwner {
			badges = append(badges, chatmsg.BadgeCreator)
		}
		user = chatmsg.User{
			ID:           ad.ChannelId,
			DisplayName:  chatmsg.FallbackName(ad.DisplayName),
			AvatarURL:    ad.ProfileImageUrl,
			Badges:       chatmsg.NormalizeBadges(badges),
			IsModerator:  ad.IsChatModerator,
			IsSubscriber: ad.IsChatSponsor,
			IsVerified:   ad.IsVerified,
		}
	}

	msg := chatmsg.Message{
		ID:         chatmsg.NewID(chatmsg.PlatformYouTube, item.Id),
		Platform:   chatmsg.PlatformYouTube,
		User:       user,
		Timestamp:  ts,
		RawPayload: raw,
	}

	switch item.Snippet.Type {
	case "textMessageEvent":
		if item.Snippet.TextMessageDetails == nil {
			return chatmsg.Message{}, false
		}
		msg.Type = chatmsg.TypeChat
		msg.Content = item.Snippet.TextMessageDetails.MessageText
	case "superChatEvent":
		sc := item.Snippet.SuperChatDetails
		if sc == nil {
			return chatmsg.Message{}, false
		}
		msg.Type = chatmsg.TypeGift
		// AmountMicros is micros of the major unit; minor units are /10000.
		msg.Gift = chatmsg.NewGift("superchat", "Super Chat", int64(sc.AmountMicros/10000), 1, "")
		msg.Content = sc.UserComment
		if msg.Content == "" {
			msg.Content = user.DisplayName + " sent a Super Chat"
		}
	case "newSponsorEvent":
		msg.Type = chatmsg.TypeSubscription
		msg.Content = user.DisplayName + " became a member"
	default:
		msg.Type = chatmsg.TypeSystem
		msg.Content = item.Snippet.Type
	}
	return msg, true
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
