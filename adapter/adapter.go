// Package adapter defines the shared contract every platform chat transport
// implements, the connection state machine, the error taxonomy, and the small
// pub/sub and timer primitives the transports are built from.
package adapter

import (
	"context"
	"time"

	"github.com/onnwee/chatcart/chatmsg"
)

// State is the adapter connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StateChange is emitted on every connection state transition. Terminal marks
// a disconnect the adapter will not retry on its own (reconnect attempts
// exhausted, or an authorization failure).
type StateChange struct {
	Platform chatmsg.Platform
	State    State
	Terminal bool
	Err      error
	At       time.Time
}

// ViewerCount is emitted on each successful viewer/chatter count refresh.
type ViewerCount struct {
	Platform chatmsg.Platform
	Count    int
	At       time.Time
}

// Adapter is the uniform contract over the four transport styles. Each
// instance owns one transport, its timers, and its reconnect state; instances
// share nothing.
type Adapter interface {
	// Platform returns the platform this adapter fronts. Aggregator adapters
	// return their generic platform; individual messages carry the resolved
	// source platform.
	Platform() chatmsg.Platform

	// Connect establishes the transport and returns once the adapter can
	// actually receive (welcome handshake done, token verified, or first
	// fetch succeeded). A second Connect while connected is a no-op. Fails
	// with *ConnectTimeoutError when readiness is not reached in time,
	// leaving no timers running.
	Connect(ctx context.Context) error

	// Disconnect tears down the transport and cancels every outstanding
	// timer before returning. Idempotent, and safe to call during an
	// in-flight Connect (the attempt is aborted).
	Disconnect()

	// SendMessage relays text to the platform's live chat. Platforms without
	// a send path return ErrUnsupportedOperation; vendor refusals return
	// *DeliveryRejectedError.
	SendMessage(ctx context.Context, text string) error

	// OnMessage registers a subscriber for normalized inbound messages,
	// delivered in transport order. The returned func unsubscribes.
	OnMessage(fn func(chatmsg.Message)) (unsubscribe func())

	// OnViewerCount registers a subscriber for count refreshes.
	OnViewerCount(fn func(ViewerCount)) (unsubscribe func())

	// OnStateChange registers a subscriber for connection transitions.
	OnStateChange(fn func(StateChange)) (unsubscribe func())
}
