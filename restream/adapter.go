// Package restream implements the aggregator chat adapter. One duplex socket
// carries events for all of a creator's connected destination platforms;
// each event's true source platform is resolved from nested metadata.
package restream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/telemetry"
)

const (
	defaultURL               = "wss://chat.api.restream.io/ws"
	defaultHeartbeatInterval = 30 * time.Second
	defaultConnectTimeout    = 12 * time.Second
	defaultBackoffBase       = 2 * time.Second
	defaultMaxAttempts       = 5
)

// Config carries already-valid credentials and tuning knobs. Zero durations
// pick the defaults above.
type Config struct {
	AccessToken       string
	URL               string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	MaxAttempts       int
	Dialer            *websocket.Dialer
}

// Adapter is the aggregator-socket implementation of adapter.Adapter.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     adapter.State
	conn      *websocket.Conn
	runCtx    context.Context
	runCancel context.CancelFunc
	attempts  int
	covered   []chatmsg.Platform

	backoff adapter.Task

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

// New builds an aggregator adapter from config. Connect starts it.
func New(cfg Config) *Adapter {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
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
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Adapter{
		cfg: cfg,
		log: slog.Default().With(slog.String("platform", string(chatmsg.PlatformRestream))),
	}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.PlatformRestream }

func (a *Adapter) OnMessage(fn func(chatmsg.Message)) func()          { return a.msgs.Subscribe(fn) }
func (a *Adapter) OnViewerCount(fn func(adapter.ViewerCount)) func()  { return a.counts.Subscribe(fn) }
func (a *Adapter) OnStateChange(fn func(adapter.StateChange)) func()  { return a.states.Subscribe(fn) }

// CoveredPlatforms lists the destination platforms the aggregator session
// reported as connected in its welcome frame. The hub uses this to drop
// duplicate direct-adapter streams.
func (a *Adapter) CoveredPlatforms() []chatmsg.Platform {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]chatmsg.Platform, len(a.covered))
	copy(out, a.covered)
	return out
}

// Connect dials the aggregator socket and resolves once the welcome frame
// arrives. No-op when already connected.
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

	if err := a.establish(ctx, runCtx); err != nil {
		a.mu.Lock()
		a.teardownLocked()
		change := a.setStateLocked(adapter.StateDisconnected, adapter.IsTerminal(err), err)
		a.mu.Unlock()
		a.publishState(change)
		return err
	}
	return nil
}

// establish dials, performs the welcome handshake, and starts the read and
// heartbeat loops. Aborts when runCtx is cancelled mid-attempt.
func (a *Adapter) establish(ctx context.Context, runCtx context.Context) error {
	dctx, dcancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer dcancel()
	stop := context.AfterFunc(runCtx, dcancel)
	defer stop()

	header := http.Header{}
	if a.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	conn, resp, err := a.cfg.Dialer.DialContext(dctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &adapter.AuthorizationError{Platform: string(a.Platform()), Detail: resp.Status}
		}
		if dctx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}

	// Readiness means the welcome frame, not merely an open socket.
	deadline, _ := dctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var f frame
	if err := conn.ReadJSON(&f); err != nil || f.Action != "connection_info" {
		_ = conn.Close()
		if runCtx.Err() != nil {
			return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("connect aborted")}
		}
		if err != nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("unexpected first frame %q", f.Action)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	var info connectionInfo
	if err := json.Unmarshal(f.Payload, &info); err == nil {
		covered := make([]chatmsg.Platform, 0, len(info.Connections))
		for _, c := range info.Connections {
			if p, ok := platformNames[c.Platform]; ok {
				covered = append(covered, p)
			}
		}
		a.mu.Lock()
		a.covered = covered
		a.mu.Unlock()
	}

	a.mu.Lock()
	if runCtx.Err() != nil {
		a.mu.Unlock()
		_ = conn.Close()
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("connect aborted")}
	}
	a.conn = conn
	a.attempts = 0
	change := a.setStateLocked(adapter.StateConnected, false, nil)
	a.mu.Unlock()
	a.publishState(change)

	a.log.Info("aggregator connected", slog.String("session", info.SessionID), slog.Int("destinations", len(info.Connections)))
	go a.readLoop(runCtx, conn)
	go a.heartbeatLoop(runCtx, conn)
	return nil
}

// Disconnect tears down the socket and cancels the heartbeat and any pending
// backoff before returning. Idempotent; aborts an in-flight Connect.
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
	a.backoff.Stop()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// SendMessage relays text through the aggregator, which fans it out to every
// connected destination that accepts sends.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.state == adapter.StateConnected
	a.mu.Unlock()
	if !connected || conn == nil {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: fmt.Errorf("not connected")}
	}
	payload, _ := json.Marshal(map[string]any{
		"action":  "send_message",
		"payload": map[string]string{"text": text},
	})
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		telemetry.CountSend(string(a.Platform()), false)
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
	}
	telemetry.CountSend(string(a.Platform()), true)
	return nil
}

func (a *Adapter) readLoop(runCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if runCtx.Err() != nil {
				return // clean disconnect
			}
			a.scheduleReconnect(err)
			return
		}
		a.handleFrame(data)
	}
}

func (a *Adapter) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.log.Warn("unparseable frame dropped", slog.Any("err", err))
		telemetry.CountDropped(string(a.Platform()))
		return
	}
	switch f.Action {
	case "heartbeat", "pong":
		// server ack, nothing to do
	case "viewers":
		var v viewersPayload
		if err := json.Unmarshal(f.Payload, &v); err != nil {
			telemetry.CountDropped(string(a.Platform()))
			return
		}
		telemetry.SetViewers(string(a.Platform()), v.Total)
		a.counts.Publish(adapter.ViewerCount{Platform: a.Platform(), Count: v.Total, At: time.Now().UTC()})
	case "event":
		var env eventEnvelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			a.log.Warn("unparseable event dropped", slog.Any("err", err))
			telemetry.CountDropped(string(a.Platform()))
			return
		}
		msg, ok := normalize(f.Payload, &env)
		if !ok {
			return
		}
		telemetry.CountMessage(string(msg.Platform))
		a.msgs.Publish(msg)
	default:
		a.log.Debug("ignoring frame", slog.String("action", f.Action))
	}
}

func (a *Adapter) heartbeatLoop(runCtx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	beat, _ := json.Marshal(map[string]string{"action": "heartbeat"})
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, beat); err != nil {
				// read loop observes the broken socket and reconnects
				return
			}
		}
	}
}

// scheduleReconnect applies the linear backoff policy: delay = base*attempt,
// capped at MaxAttempts, then a terminal disconnect.
func (a *Adapter) scheduleReconnect(cause error) {
	a.mu.Lock()
	if a.runCtx == nil || a.runCtx.Err() != nil {
		a.mu.Unlock()
		return
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
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
	a.log.Warn("socket closed; reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("err", cause))
	a.backoff.Schedule(delay, func() {
		if runCtx.Err() != nil {
			return
		}
		if err := a.establish(context.Background(), runCtx); err != nil {
			a.scheduleReconnect(err)
		}
	})
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
