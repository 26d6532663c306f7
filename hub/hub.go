// Package hub composes platform adapters into one creator session: a merged
// inbound stream feeding the signal classifier, aggregator precedence over
// duplicate direct connections, and broadcast fan-out for the send path.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/signals"
)

// queueDepth bounds the fan-in queue. Adapter goroutines block rather than
// drop when the consumer falls this far behind.
const queueDepth = 256

// coverageReporter is implemented by aggregator adapters whose single socket
// already carries events for other connected platforms.
type coverageReporter interface {
	CoveredPlatforms() []chatmsg.Platform
}

// BroadcastResult is one platform's outcome of a Broadcast call.
type BroadcastResult struct {
	Platform    chatmsg.Platform
	Err         error
	Unsupported bool
}

// Session wires a set of adapters to one classifier instance. Inbound
// messages from every adapter funnel through a single consumer goroutine, so
// the classifier sees a serialized stream in arrival order.
type Session struct {
	ID         string
	adapters   []adapter.Adapter
	classifier *signals.Classifier
	offers     signals.OfferSource
	log        *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	queue   chan chatmsg.Message
	unsubs  []func()
	covered map[chatmsg.Platform]bool
	last    map[chatmsg.Platform]adapter.StateChange

	msgs   adapter.Broker[chatmsg.Message]
	counts adapter.Broker[adapter.ViewerCount]
	states adapter.Broker[adapter.StateChange]
}

// NewSession builds a session over the given adapters. offers may be nil; it
// feeds drop-link suggestions with real offer ids when present.
func NewSession(id string, adapters []adapter.Adapter, offers signals.OfferSource) *Session {
	return &Session{
		ID:         id,
		adapters:   adapters,
		classifier: signals.New(offers),
		offers:     offers,
		log:        slog.Default().With(slog.String("component", "hub"), slog.String("session", id)),
	}
}

// Classifier exposes the session's classifier for action subscriptions and
// buffer inspection.
func (s *Session) Classifier() *signals.Classifier { return s.classifier }

// DeriveActions runs an on-demand derivation pass against the session's
// active offers.
func (s *Session) DeriveActions() []signals.Action {
	var offers []string
	if s.offers != nil {
		offers = s.offers()
	}
	return s.classifier.DeriveActions(offers)
}

// OnMessage registers a subscriber for the merged, deduplicated inbound
// stream, after classification.
func (s *Session) OnMessage(fn func(chatmsg.Message)) func() { return s.msgs.Subscribe(fn) }

// OnViewerCount registers a subscriber for merged count refreshes.
func (s *Session) OnViewerCount(fn func(adapter.ViewerCount)) func() { return s.counts.Subscribe(fn) }

// OnStateChange registers a subscriber for merged connection transitions.
func (s *Session) OnStateChange(fn func(adapter.StateChange)) func() { return s.states.Subscribe(fn) }

// OnActions registers a subscriber for derived operator actions.
func (s *Session) OnActions(fn func([]signals.Action)) func() { return s.classifier.Subscribe(fn) }

// Start connects every adapter and begins consuming. Adapters that fail to
// connect are logged and skipped; Start only errors when no adapter at all
// came up. A second Start while running is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.queue = make(chan chatmsg.Message, queueDepth)
	s.covered = make(map[chatmsg.Platform]bool)
	s.last = make(map[chatmsg.Platform]adapter.StateChange)
	queue := s.queue
	s.mu.Unlock()

	go s.consume(runCtx, queue)
	s.classifier.Start(runCtx)

	connected := 0
	var errs []error
	for _, a := range s.adapters {
		a := a
		unsubMsg := a.OnMessage(func(m chatmsg.Message) { s.enqueue(runCtx, queue, a, m) })
		unsubCount := a.OnViewerCount(func(v adapter.ViewerCount) { s.counts.Publish(v) })
		unsubState := a.OnStateChange(func(c adapter.StateChange) {
			s.mu.Lock()
			if s.last != nil {
				s.last[c.Platform] = c
			}
			s.mu.Unlock()
			s.states.Publish(c)
		})
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsubMsg, unsubCount, unsubState)
		s.mu.Unlock()

		if err := a.Connect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Platform(), err))
			s.log.Warn("adapter failed to connect", slog.String("platform", string(a.Platform())), slog.Any("err", err))
			continue
		}
		connected++
		if rep, ok := a.(coverageReporter); ok {
			s.markCovered(rep.CoveredPlatforms())
		}
	}

	if connected == 0 && len(s.adapters) > 0 {
		s.Stop()
		return errors.Join(errs...)
	}
	s.log.Info("session started", slog.Int("adapters", connected), slog.Int("failed", len(errs)))
	return nil
}

// Stop disconnects every adapter and halts the consumer and classifier
// ticker. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, a := range s.adapters {
		a.Disconnect()
	}
	s.classifier.Stop()
	if cancel != nil {
		cancel()
	}
	s.log.Info("session stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AdapterStates returns the most recent connection transition observed per
// platform since Start.
func (s *Session) AdapterStates() []adapter.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]adapter.StateChange, 0, len(s.last))
	for _, c := range s.last {
		out = append(out, c)
	}
	return out
}

// CoveredPlatforms lists the platforms the aggregator connection already
// carries, as recorded at connect time.
func (s *Session) CoveredPlatforms() []chatmsg.Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatmsg.Platform, 0, len(s.covered))
	for p := range s.covered {
		out = append(out, p)
	}
	return out
}

// markCovered records the platforms an aggregator session already carries so
// their direct adapters' messages are dropped as duplicates.
func (s *Session) markCovered(platforms []chatmsg.Platform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range platforms {
		s.covered[p] = true
	}
}

// enqueue applies aggregator precedence, then hands the message to the
// consumer. Messages from the aggregator itself always pass; a direct
// adapter's message is dropped when the aggregator covers its platform.
func (s *Session) enqueue(runCtx context.Context, queue chan chatmsg.Message, src adapter.Adapter, m chatmsg.Message) {
	if _, isAgg := src.(coverageReporter); !isAgg {
		s.mu.Lock()
		dup := s.covered[m.Platform]
		s.mu.Unlock()
		if dup {
			return
		}
	}
	select {
	case queue <- m:
	case <-runCtx.Done():
	}
}

func (s *Session) consume(runCtx context.Context, queue chan chatmsg.Message) {
	for {
		select {
		case <-runCtx.Done():
			return
		case m := <-queue:
			s.classifier.Analyze(&m)
			s.msgs.Publish(m)
		}
	}
}

// Broadcast relays text through every adapter that supports sending and
// reports the per-platform outcomes. Platforms without a send path are
// reported as unsupported, not failed.
func (s *Session) Broadcast(ctx context.Context, text string) []BroadcastResult {
	results := make([]BroadcastResult, len(s.adapters))
	var wg sync.WaitGroup
	for i, a := range s.adapters {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			err := a.SendMessage(ctx, text)
			results[i] = BroadcastResult{
				Platform:    a.Platform(),
				Err:         err,
				Unsupported: errors.Is(err, adapter.ErrUnsupportedOperation),
			}
		}(i, a)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil && !r.Unsupported {
			s.log.Warn("broadcast delivery failed", slog.String("platform", string(r.Platform)), slog.Any("err", r.Err))
		}
	}
	return results
}
