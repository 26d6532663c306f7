// Package signals annotates canonical chat messages with purchase-intent
// heuristics and derives ranked operator actions from the recent message
// window. One Classifier instance serves one creator session and owns its
// buffer exclusively; callers must serialize Analyze and DeriveActions.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatcart/chatmsg"
	"github.com/onnwee/chatcart/telemetry"
)

const (
	// bufferCap bounds the per-session FIFO of analyzed messages.
	bufferCap = 200
	// actionWindow is how many recent messages DeriveActions considers.
	actionWindow = 50
	// deriveInterval is the periodic action derivation cadence.
	deriveInterval = 10 * time.Second
)

// Urgency orders suggested actions; lower ranks sort first.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencySoon      Urgency = "soon"
	UrgencyOptional  Urgency = "optional"
)

func urgencyRank(u Urgency) int {
	switch u {
	case UrgencyImmediate:
		return 0
	case UrgencySoon:
		return 1
	default:
		return 2
	}
}

// ActionType enumerates operator recommendations.
type ActionType string

const (
	ActionDropLink       ActionType = "drop_link"
	ActionAnswerQuestion ActionType = "answer_question"
	ActionPinOffer       ActionType = "pin_offer"
	ActionFlashSale      ActionType = "flash_sale"
	ActionAcknowledge    ActionType = "acknowledge"
)

// Action is a ranked operator recommendation.
type Action struct {
	Type    ActionType
	Message string
	OfferID string
	Urgency Urgency
}

// Priority is the per-message triage tier used during action derivation.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// OfferSource supplies the caller's active offer ids so drop-link suggestions
// can reference a real offer. It is the classifier's only external dependency
// and is treated as optional.
type OfferSource func() []string

// Classifier buffers recent messages for one session, scores each one, and
// periodically (and reactively) derives prioritized operator actions.
type Classifier struct {
	mu     sync.Mutex
	buffer []chatmsg.Message
	offers OfferSource
	subs   subscriberSet
	cancel context.CancelFunc
	log    *slog.Logger
}

type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func([]Action)
}

// New constructs a per-session classifier. offers may be nil.
func New(offers OfferSource) *Classifier {
	return &Classifier{
		offers: offers,
		log:    slog.Default().With(slog.String("component", "signals")),
	}
}

// Start launches the 10 second derivation ticker. Stop (or ctx cancellation)
// halts it; it is the classifier's only timer.
func (c *Classifier) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(deriveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				c.deriveAndNotify()
			}
		}
	}()
}

// Stop cancels the derivation ticker. Idempotent.
func (c *Classifier) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe registers fn for non-empty derived action lists and returns an
// unsubscribe handle. Empty results never trigger a callback.
func (c *Classifier) Subscribe(fn func([]Action)) func() {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	if c.subs.fns == nil {
		c.subs.fns = make(map[int]func([]Action))
	}
	id := c.subs.nextID
	c.subs.nextID++
	c.subs.fns[id] = fn
	return func() {
		c.subs.mu.Lock()
		defer c.subs.mu.Unlock()
		delete(c.subs.fns, id)
	}
}

// Analyze scores one message, attaches its Signals annotation (once), and
// appends it to the session buffer. Classification never fails: unmatched
// content simply yields neutral defaults. A buying-intent hit triggers an
// immediate action derivation pass.
func (c *Classifier) Analyze(msg *chatmsg.Message) *chatmsg.Signals {
	if msg.Signals == nil {
		sig := Score(msg.Content, msg.Type)
		msg.Signals = sig
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, *msg)
	if len(c.buffer) > bufferCap {
		// Strict FIFO: drop oldest, keep arrival order for the tail.
		c.buffer = c.buffer[len(c.buffer)-bufferCap:]
	}
	c.mu.Unlock()

	if msg.Signals.HasBuyingIntent {
		telemetry.CountBuyingSignal()
		c.deriveAndNotify()
	}
	return msg.Signals
}

// Score runs the rule tables over content and returns the resulting signals.
// It is stateless and usable without a Classifier instance.
func Score(content string, msgType chatmsg.Type) *chatmsg.Signals {
	lowered := strings.ToLower(content)

	var keywords []string
	intentHits := matchRules(buyingIntentRules, lowered)
	keywords = append(keywords, intentHits...)
	hasIntent := len(intentHits) > 0

	questionHits := matchRules(productQuestionRules, lowered)
	keywords = append(keywords, questionHits...)
	isQuestion := strings.Contains(content, "?") || len(questionHits) > 0

	pos := countRules(positiveRules, lowered)
	neg := countRules(negativeRules, lowered)
	sentiment := chatmsg.SentimentNeutral
	if pos > neg {
		sentiment = chatmsg.SentimentPositive
	} else if neg > pos {
		sentiment = chatmsg.SentimentNegative
	}

	deduped := dedupe(keywords)
	confidence := 0.3 * float64(len(deduped))
	if hasIntent {
		confidence += 0.4
	}
	if isQuestion {
		confidence += 0.2
	}
	confidence = math.Min(1, confidence)

	return &chatmsg.Signals{
		HasBuyingIntent: hasIntent,
		IsQuestion:      isQuestion,
		Sentiment:       sentiment,
		Confidence:      confidence,
		Keywords:        deduped,
		SuggestedAction: suggestAction(hasIntent, isQuestion, sentiment, msgType),
	}
}

func suggestAction(hasIntent, isQuestion bool, sentiment chatmsg.Sentiment, msgType chatmsg.Type) string {
	switch {
	case hasIntent && !isQuestion:
		return "Viewer is ready to buy - drop a link now"
	case hasIntent && isQuestion:
		return "Answer their question and include a product link"
	case isQuestion:
		return "Viewer has a question"
	case sentiment == chatmsg.SentimentPositive && msgType == chatmsg.TypeGift:
		return "Thank them and mention the current deal"
	}
	return ""
}

// BufferLen reports the current session buffer size.
func (c *Classifier) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Buffered returns a copy of the buffered messages in arrival order.
func (c *Classifier) Buffered() []chatmsg.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chatmsg.Message, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// DeriveActions inspects the most recent buffered messages and returns a
// ranked action list. Deterministic for an identical buffer snapshot and
// offer list; may be empty.
func (c *Classifier) DeriveActions(activeOfferIDs []string) []Action {
	c.mu.Lock()
	window := c.buffer
	if len(window) > actionWindow {
		window = window[len(window)-actionWindow:]
	}
	snapshot := make([]chatmsg.Message, len(window))
	copy(snapshot, window)
	c.mu.Unlock()

	return deriveFromWindow(snapshot, activeOfferIDs)
}

func deriveFromWindow(window []chatmsg.Message, activeOfferIDs []string) []Action {
	var (
		highBuyers   int
		questions    int
		linkMentions int
	)
	for _, m := range window {
		sig := m.Signals
		if sig == nil {
			continue
		}
		p := messagePriority(m)
		if p == PriorityHigh && sig.HasBuyingIntent {
			highBuyers++
		}
		if sig.IsQuestion && p != PriorityLow {
			questions++
		}
		linkMentions += strings.Count(strings.ToLower(m.Content), "link")
	}

	var actions []Action
	switch {
	case highBuyers >= 3:
		actions = append(actions, Action{
			Type:    ActionDropLink,
			Message: fmt.Sprintf("%d viewers are ready to buy - drop the product link now", highBuyers),
			Urgency: UrgencyImmediate,
		})
	case highBuyers >= 1:
		actions = append(actions, Action{
			Type:    ActionDropLink,
			Message: fmt.Sprintf("%d viewer(s) showing buying intent - share a product link", highBuyers),
			Urgency: UrgencySoon,
		})
	}
	if questions >= 5 {
		actions = append(actions, Action{
			Type:    ActionAnswerQuestion,
			Message: fmt.Sprintf("%d unanswered product questions in chat", questions),
			Urgency: UrgencySoon,
		})
	}
	if linkMentions >= 5 && len(activeOfferIDs) > 0 {
		actions = append(actions, Action{
			Type:    ActionDropLink,
			Message: "Chat is asking for the link - pin the active offer",
			OfferID: activeOfferIDs[0],
			Urgency: UrgencyImmediate,
		})
	}

	// Stable sort by urgency rank; ties keep rule insertion order.
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && urgencyRank(actions[j].Urgency) < urgencyRank(actions[j-1].Urgency); j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
	return actions
}

// messagePriority triages one analyzed message for batch derivation.
func messagePriority(m chatmsg.Message) Priority {
	sig := m.Signals
	if sig == nil {
		return PriorityLow
	}
	if (sig.HasBuyingIntent && sig.Confidence > 0.5) || m.Type == chatmsg.TypeGift || m.Type == chatmsg.TypeSubscription {
		return PriorityHigh
	}
	if sig.HasBuyingIntent || (sig.IsQuestion && sig.Confidence > 0.3) {
		return PriorityMedium
	}
	return PriorityLow
}

func (c *Classifier) deriveAndNotify() {
	var offers []string
	if c.offers != nil {
		offers = c.offers()
	}
	actions := c.DeriveActions(offers)
	if len(actions) == 0 {
		return
	}
	telemetry.CountActions(len(actions))

	c.subs.mu.Lock()
	fns := make([]func([]Action), 0, len(c.subs.fns))
	for _, fn := range c.subs.fns {
		fns = append(fns, fn)
	}
	c.subs.mu.Unlock()
	for _, fn := range fns {
		fn(actions)
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
