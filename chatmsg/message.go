// Package chatmsg defines the canonical chat message model that every
// platform adapter normalizes into. Vendor payload shapes never cross an
// adapter boundary; Message is the only cross-platform type.
package chatmsg

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the true source platform of a message. For aggregator
// connections this is the destination platform resolved from event metadata,
// not the aggregator itself.
type Platform string

const (
	PlatformTwitch    Platform = "twitch"
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformKick      Platform = "kick"
	// PlatformRestream is the fallback when an aggregator event carries no
	// recognizable source platform.
	PlatformRestream Platform = "restream-generic"
)

// Type classifies the normalized event.
type Type string

const (
	TypeChat         Type = "chat"
	TypeGift         Type = "gift"
	TypeSubscription Type = "subscription"
	TypeFollow       Type = "follow"
	TypeRaid         Type = "raid"
	TypeShare        Type = "share"
	TypeLike         Type = "like"
	TypeQuestion     Type = "question"
	TypeSystem       Type = "system"
)

// Badge is a normalized user role marker shared across platforms.
type Badge string

const (
	BadgeModerator  Badge = "moderator"
	BadgeSubscriber Badge = "subscriber"
	BadgeVIP        Badge = "vip"
	BadgeVerified   Badge = "verified"
	BadgeCreator    Badge = "creator"
	BadgeGiftSender Badge = "gift_sender"
	BadgeNewViewer  Badge = "new_viewer"
)

// User is the normalized author of a message.
type User struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	AvatarURL   string  `json:"avatarUrl,omitempty"`
	Badges      []Badge `json:"badges,omitempty"`
	IsModerator bool    `json:"isModerator"`
	IsSubscriber bool   `json:"isSubscriber"`
	IsVerified  bool    `json:"isVerified"`
}

// Gift describes a monetary gift attached to a TypeGift message. Values are
// integer minor currency units (cents); ValueMinorUnits is always
// UnitValueMinorUnits * Count with no rounding.
type Gift struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	UnitValueMinorUnits int64  `json:"unitValueMinorUnits"`
	Count               int64  `json:"count"`
	ValueMinorUnits     int64  `json:"valueMinorUnits"`
	ImageURL            string `json:"imageUrl,omitempty"`
}

// NewGift constructs a Gift with the total value derived from unit value and
// count so the invariant cannot drift.
func NewGift(id, name string, unitValueMinorUnits, count int64, imageURL string) *Gift {
	if count <= 0 {
		count = 1
	}
	return &Gift{
		ID:                  id,
		Name:                name,
		UnitValueMinorUnits: unitValueMinorUnits,
		Count:               count,
		ValueMinorUnits:     unitValueMinorUnits * count,
		ImageURL:            imageURL,
	}
}

// Sentiment is the coarse tone label attached by the classifier.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Signals is the classifier annotation. It is set at most once per message and
// never mutated afterwards.
type Signals struct {
	HasBuyingIntent bool      `json:"hasBuyingIntent"`
	IsQuestion      bool      `json:"isQuestion"`
	Sentiment       Sentiment `json:"sentiment"`
	Confidence      float64   `json:"confidence"`
	Keywords        []string  `json:"keywords,omitempty"`
	SuggestedAction string    `json:"suggestedAction,omitempty"`
}

// Message is the canonical chat message. Immutable once emitted by an adapter,
// except for the one-time Signals annotation applied by the classifier.
type Message struct {
	ID         string          `json:"id"`
	Platform   Platform        `json:"platform"`
	Type       Type            `json:"type"`
	Content    string          `json:"content"`
	User       User            `json:"user"`
	Gift       *Gift           `json:"gift,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
	Signals    *Signals        `json:"signals,omitempty"`
}

// NewID returns the vendor id scoped by platform, or a synthesized uuid when
// the vendor omits one. Ids must be unique within a session's stream.
func NewID(p Platform, vendorID string) string {
	if vendorID != "" {
		return string(p) + ":" + vendorID
	}
	return string(p) + ":" + uuid.NewString()
}

// NormalizeBadges sorts and deduplicates a badge list.
func NormalizeBadges(badges []Badge) []Badge {
	if len(badges) == 0 {
		return nil
	}
	seen := make(map[Badge]struct{}, len(badges))
	out := make([]Badge, 0, len(badges))
	for _, b := range badges {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FallbackName returns the first non-empty candidate, ending in "Anonymous".
// Vendors disagree about which field carries the display name, so adapters
// pass their candidates in priority order.
func FallbackName(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return "Anonymous"
}
