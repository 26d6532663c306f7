package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/telemetry"
)

const (
	defaultSocketURL      = "wss://eventsub.wss.twitch.tv/ws"
	defaultKeepaliveGrace = 10 * time.Second
	defaultConnectTimeout = 12 * time.Second
	defaultBackoffBase    = 2 * time.Second
	defaultMaxAttempts    = 5
	defaultViewerPoll     = 60 * time.Second
)

// Config carries already-valid credentials and identifiers for one channel.
type Config struct {
	ClientID    string
	AccessToken string
	// BroadcasterID is the channel the subscriptions are scoped to; UserID is
	// the authorized user (also the sender id on the Helix send path).
	BroadcasterID string
	UserID        string

	// ChannelLogin plus the bot credentials enable the IRC send relay. When
	// absent, sends go through the Helix REST endpoint.
	ChannelLogin string
	BotUsername  string
	BotOAuth     string

	URL               string
	HelixURL          string
	SubscriptionTypes []string

	KeepaliveGrace     time.Duration
	ConnectTimeout     time.Duration
	BackoffBase        time.Duration
	MaxAttempts        int
	ViewerPollInterval time.Duration
	Dialer             *websocket.Dialer
}

// Adapter is the subscription-socket implementation of adapter.Adapter.
type Adapter struct {
	cfg   Config
	helix *HelixClient
	log   *slog.Logger

	mu        sync.Mutex
	state     adapter.State
	conn      *websocket.Conn
	runCtx    context.Context
	runCancel context.CancelFunc
	attempts  int
	sessionID string
	keepalive time.Duration
	ircClient *irc.Client

	watchdog adapter.Task
	backoff  adapter.Task

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

// New builds the adapter; Connect starts it.
func New(cfg Config) *Adapter {
	if cfg.URL == "" {
		cfg.URL = defaultSocketURL
	}
	if len(cfg.SubscriptionTypes) == 0 {
		cfg.SubscriptionTypes = []string{"channel.chat.message"}
	}
	if cfg.KeepaliveGrace <= 0 {
		cfg.KeepaliveGrace = defaultKeepaliveGrace
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ViewerPollInterval <= 0 {
		cfg.ViewerPollInterval = defaultViewerPoll
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Adapter{
		cfg:   cfg,
		helix: &HelixClient{BaseURL: cfg.HelixURL, ClientID: cfg.ClientID, AccessToken: cfg.AccessToken},
		log:   slog.Default().With(slog.String("platform", string(chatmsg.PlatformTwitch))),
	}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.PlatformTwitch }

func (a *Adapter) OnMessage(fn func(chatmsg.Message)) func()         { return a.msgs.Subscribe(fn) }
func (a *Adapter) OnViewerCount(fn func(adapter.ViewerCount)) func() { return a.counts.Subscribe(fn) }
func (a *Adapter) OnStateChange(fn func(adapter.StateChange)) func() { return a.states.Subscribe(fn) }

// Connect dials the subscription socket, waits for the session welcome, and
// issues the event subscription requests. Readiness means a verified session
// and accepted subscriptions, not an open socket.
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
	a.attempts = 0
	change := a.setStateLocked(adapter.StateConnecting, false, nil)
	a.mu.Unlock()
	a.publishState(change)

	if err := a.establish(ctx, runCtx, a.cfg.URL, true); err != nil {
		a.mu.Lock()
		a.teardownLocked()
		change := a.setStateLocked(adapter.StateDisconnected, adapter.IsTerminal(err), err)
		a.mu.Unlock()
		a.publishState(change)
		return err
	}

	a.startIRCRelay(runCtx)
	if a.cfg.BroadcasterID != "" && a.cfg.UserID != "" {
		go a.viewerPollLoop(runCtx)
	}
	return nil
}

// establish dials url, completes the welcome handshake, and (when subscribe
// is true) issues subscription requests for the new session. Migration after
// a session_reconnect instruction passes subscribe=false because the server
// carries the subscription state over.
func (a *Adapter) establish(ctx context.Context, runCtx context.Context, url string, subscribe bool) error {
	dctx, dcancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer dcancel()
	stop := context.AfterFunc(runCtx, dcancel)
	defer stop()

	conn, _, err := a.cfg.Dialer.DialContext(dctx, url, nil)
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}

	deadline, _ := dctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var f frame
	if err := conn.ReadJSON(&f); err != nil || f.Metadata.MessageType != "session_welcome" {
		_ = conn.Close()
		if runCtx.Err() != nil {
			return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("connect aborted")}
		}
		if err != nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("expected session_welcome, got %q", f.Metadata.MessageType)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	var welcome sessionPayload
	if err := json.Unmarshal(f.Payload, &welcome); err != nil || welcome.Session.ID == "" {
		_ = conn.Close()
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("malformed session welcome")}
	}
	keepalive := time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}

	// The subscription request is a separate, asynchronous call that can fail
	// independently of the socket handshake.
	if subscribe {
		for _, subType := range a.cfg.SubscriptionTypes {
			cond := map[string]string{"broadcaster_user_id": a.cfg.BroadcasterID, "user_id": a.cfg.UserID}
			if err := a.helix.CreateChatSubscription(dctx, welcome.Session.ID, subType, cond); err != nil {
				_ = conn.Close()
				return err
			}
		}
	}

	a.mu.Lock()
	if runCtx.Err() != nil {
		a.mu.Unlock()
		_ = conn.Close()
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("connect aborted")}
	}
	old := a.conn
	a.conn = conn
	a.sessionID = welcome.Session.ID
	a.keepalive = keepalive
	a.attempts = 0
	change := a.setStateLocked(adapter.StateConnected, false, nil)
	a.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	a.publishState(change)

	// Server-driven keepalive: if nothing at all arrives within the announced
	// interval plus grace, the watchdog closes the socket and reconnects.
	a.watchdog.Schedule(keepalive+a.cfg.KeepaliveGrace, func() { a.watchdogFired(runCtx) })

	a.log.Info("subscription session established", slog.String("session", welcome.Session.ID), slog.Duration("keepalive", keepalive))
	go a.readLoop(runCtx, conn)
	return nil
}

// Disconnect cancels the watchdog, backoff, viewer poll, and IRC relay before
// returning. Idempotent; aborts an in-flight Connect.
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
	a.watchdog.Stop()
	a.backoff.Stop()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	if a.ircClient != nil {
		_ = a.ircClient.Disconnect()
		a.ircClient = nil
	}
}

// SendMessage relays text into the channel's live chat, preferring the IRC
// relay when bot credentials are configured.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	connected := a.state == adapter.StateConnected
	ircClient := a.ircClient
	a.mu.Unlock()
	if !connected {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("not connected")}
	}
	if ircClient != nil {
		ircClient.Say(a.cfg.ChannelLogin, text)
		telemetry.CountSend(string(a.Platform()), true)
		return nil
	}
	err := a.helix.SendChatMessage(ctx, a.cfg.BroadcasterID, a.cfg.UserID, text)
	telemetry.CountSend(string(a.Platform()), err == nil)
	return err
}

// startIRCRelay connects the outbound IRC client when bot creds are present.
// Relay failures never affect the subscription socket.
func (a *Adapter) startIRCRelay(runCtx context.Context) {
	if a.cfg.BotUsername == "" || a.cfg.BotOAuth == "" || a.cfg.ChannelLogin == "" {
		return
	}
	client := irc.NewClient(a.cfg.BotUsername, a.cfg.BotOAuth)
	client.Join(a.cfg.ChannelLogin)
	a.mu.Lock()
	a.ircClient = client
	a.mu.Unlock()
	go func() {
		if err := client.Connect(); err != nil && runCtx.Err() == nil {
			a.log.Warn("irc relay connect error", slog.Any("err", err))
			a.mu.Lock()
			if a.ircClient == client {
				a.ircClient = nil
			}
			a.mu.Unlock()
		}
	}()
}

func (a *Adapter) readLoop(runCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			stale := a.conn != conn // migrated away; this loop is done
			a.mu.Unlock()
			if stale || runCtx.Err() != nil {
				return
			}
			a.scheduleReconnect(err)
			return
		}
		a.watchdog.Reset(0)
		a.handleFrame(runCtx, data)
	}
}

func (a *Adapter) handleFrame(runCtx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.log.Warn("unparseable frame dropped", slog.Any("err", err))
		telemetry.CountDropped(string(a.Platform()))
		return
	}
	switch f.Metadata.MessageType {
	case "session_keepalive":
		// liveness only; the watchdog reset above is the whole point
	case "session_reconnect":
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
			telemetry.CountDropped(string(a.Platform()))
			return
		}
		go a.migrate(runCtx, p.Session.ReconnectURL)
	case "notification":
		var p notificationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			a.log.Warn("unparseable notification dropped", slog.Any("err", err))
			telemetry.CountDropped(string(a.Platform()))
			return
		}
		msg, ok := normalizeNotification(f.Metadata.SubscriptionType, f.Payload, p.Event)
		if !ok {
			telemetry.CountDropped(string(a.Platform()))
			return
		}
		telemetry.CountMessage(string(a.Platform()))
		a.msgs.Publish(msg)
	case "revocation":
		a.log.Warn("subscription revoked by server")
	default:
		a.log.Debug("ignoring frame", slog.String("type", f.Metadata.MessageType))
	}
}

// migrate honors a server-issued reconnect instruction: open a fresh
// connection to the given address while the subscription state carries over.
// Not treated as a failure and not counted against the reconnect budget.
func (a *Adapter) migrate(runCtx context.Context, url string) {
	a.log.Info("server requested session migration", slog.String("url", url))
	if err := a.establish(context.Background(), runCtx, url, false); err != nil {
		if runCtx.Err() == nil {
			a.scheduleReconnect(err)
		}
	}
}

// watchdogFired runs when no message of any kind arrived within
// keepalive+grace: proactively close and schedule exactly one reconnect.
func (a *Adapter) watchdogFired(runCtx context.Context) {
	if runCtx.Err() != nil {
		return
	}
	a.log.Warn("keepalive watchdog expired; closing connection")
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	a.scheduleReconnect(fmt.Errorf("keepalive timeout"))
}

func (a *Adapter) scheduleReconnect(cause error) {
	a.mu.Lock()
	if a.runCtx == nil || a.runCtx.Err() != nil {
		a.mu.Unlock()
		return
	}
	if a.backoff.Pending() {
		// a reconnect is already queued (read loop and watchdog can race)
		a.mu.Unlock()
		return
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.watchdog.Stop()
	a.attempts++
	attempt := a.attempts
	if attempt > a.cfg.MaxAttempts || adapter.IsTerminal(cause) {
		a.teardownLocked()
		change := a.setStateLocked(adapter.StateDisconnected, true, cause)
		a.mu.Unlock()
		a.publishState(change)
		a.log.Error("reconnect attempts exhausted", slog.Int("attempts", a.cfg.MaxAttempts), slog.Any("err", cause))
		return
	}
	runCtx := a.runCtx
	change := a.setStateLocked(adapter.StateConnecting, false, cause)
	a.mu.Unlock()
	a.publishState(change)

	telemetry.CountReconnect(string(a.Platform()))
	delay := a.cfg.BackoffBase * time.Duration(attempt)
	a.log.Warn("reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("err", cause))
	a.backoff.Schedule(delay, func() {
		if runCtx.Err() != nil {
			return
		}
		if err := a.establish(context.Background(), runCtx, a.cfg.URL, true); err != nil {
			a.scheduleReconnect(err)
		}
	})
}

func (a *Adapter) viewerPollLoop(runCtx context.Context) {
	ticker := time.NewTicker(a.cfg.ViewerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(runCtx, 8*time.Second)
			n, err := a.helix.GetChatterCount(ctx, a.cfg.BroadcasterID, a.cfg.UserID)
			cancel()
			if err != nil {
				a.log.Debug("chatter count refresh failed", slog.Any("err", err))
				continue
			}
			telemetry.SetViewers(string(a.Platform()), n)
			a.counts.Publish(adapter.ViewerCount{Platform: a.Platform(), Count: n, At: time.Now().UTC()})
		}
	}
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
