// Package tiktok implements the receive-only adapter. Events arrive over an
// SDK-style push websocket keyed by the creator's unique id; there is no
// outbound send path at all, so SendMessage always reports unsupported.
package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/telemetry"
)

const (
	defaultURL            = "wss://webcast.tiktok.com/ws"
	defaultConnectTimeout = 12 * time.Second
	defaultBackoffBase    = 2 * time.Second
	defaultMaxAttempts    = 5
)

// Config identifies the live room to attach to. UniqueID is the creator's
// handle without the leading at sign.
type Config struct {
	UniqueID       string
	URL            string
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	MaxAttempts    int
	Dialer         *websocket.Dialer
}

// Adapter is the receive-only implementation of adapter.Adapter.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     adapter.State
	conn      *websocket.Conn
	runCtx    context.Context
	runCancel context.CancelFunc
	attempts  int

	backoff adapter.Task

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

// New builds the adapter; Connect starts it.
func New(cfg Config) *Adapter {
	if cfg.URL == "" {
		cfg.URL = defaultURL
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
		log: slog.Default().With(slog.String("platform", string(chatmsg.PlatformTikTok))),
	}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.PlatformTikTok }

func (a *Adapter) OnMessage(fn func(chatmsg.Message)) func()         { return a.msgs.Subscribe(fn) }
func (a *Adapter) OnViewerCount(fn func(adapter.ViewerCount)) func() { return a.counts.Subscribe(fn) }
func (a *Adapter) OnStateChange(fn func(adapter.StateChange)) func() { return a.states.Subscribe(fn) }

// Connect attaches to the creator's live room. No-op when already connected.
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

func (a *Adapter) establish(ctx context.Context, runCtx context.Context) error {
	dctx, dcancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer dcancel()
	stop := context.AfterFunc(runCtx, dcancel)
	defer stop()

	u := a.cfg.URL
	if a.cfg.UniqueID != "" {
		u += "?unique_id=" + url.QueryEscape(a.cfg.UniqueID)
	}
	conn, resp, err := a.cfg.Dialer.DialContext(dctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			// Room not found: the creator is offline. Not retryable.
			return &adapter.AuthorizationError{Platform: string(a.Platform()), Detail: "room not found (creator offline?)"}
		}
		if dctx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			return &adapter.ConnectTimeoutError{Platform: string(a.Platform()), Timeout: a.cfg.ConnectTimeout.String()}
		}
		return &adapter.TransientTransportError{Platform: string(a.Platform()), Err: err}
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

	a.log.Info("live room attached", slog.String("unique_id", a.cfg.UniqueID))
	go a.readLoop(runCtx, conn)
	return nil
}

// Disconnect detaches from the room. Idempotent; aborts an in-flight Connect.
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

// SendMessage always fails: this platform exposes no send path.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	telemetry.CountSend(string(a.Platform()), false)
	return adapter.ErrUnsupportedOperation
}

func (a *Adapter) readLoop(runCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			a.scheduleReconnect(err)
			return
		}
		a.handleEnvelope(data)
	}
}

func (a *Adapter) handleEnvelope(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Warn("unparseable frame dropped", slog.Any("err", err))
		telemetry.CountDropped(string(a.Platform()))
		return
	}
	if env.Type == "room_user" || env.Type == "viewer_count" {
		var p viewerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			telemetry.CountDropped(string(a.Platform()))
			return
		}
		telemetry.SetViewers(string(a.Platform()), p.Count)
		a.counts.Publish(adapter.ViewerCount{Platform: a.Platform(), Count: p.Count, At: time.Now().UTC()})
		return
	}
	msg, ok := normalize(&env)
	if !ok {
		return
	}
	telemetry.CountMessage(string(a.Platform()))
	a.msgs.Publish(msg)
}

// scheduleReconnect applies linear backoff capped at MaxAttempts, then a
// terminal disconnect.
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
	a.log.Warn("room socket closed; reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("err", cause))
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
