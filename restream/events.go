package restream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/onnwee/chatcart/chatmsg"
)

// Wire frames for the aggregator socket. These shapes are internal to this
// package; nothing outside sees them.

type frame struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// connectionInfo is the welcome payload. Connections lists the creator's
// currently linked destination platforms, which the hub uses for precedence.
type connectionInfo struct {
	SessionID   string `json:"sessionId"`
	Connections []struct {
		Platform   string `json:"platform"`
		Identifier string `json:"identifier"`
	} `json:"connections"`
}

type viewersPayload struct {
	Total int `json:"total"`
}

// eventEnvelope wraps a single destination-platform event. The top-level
// action is always "event", so the true source platform has to be resolved
// from nested metadata; several vendor field names are tried in priority
// order because older connections populate different ones.
type eventEnvelope struct {
	ConnectionIdentifier string       `json:"connectionIdentifier"`
	EventSourceID        int          `json:"eventSourceId"`
	Platform             string       `json:"platform"`
	Source               string       `json:"source"`
	EventPayload         eventPayload `json:"eventPayload"`
}

type eventPayload struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis, 0 when absent
	Author    struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		DisplayName string   `json:"displayName"`
		Username    string   `json:"username"`
		Avatar      string   `json:"avatar"`
		Badges      []string `json:"badges"`
		Moderator   bool     `json:"isModerator"`
		Subscriber  bool     `json:"isSubscriber"`
	} `json:"author"`
	// Donation / gift fields
	GiftID     string `json:"giftId"`
	GiftName   string `json:"giftName"`
	AmountCents int64 `json:"amountCents"`
	Count      int64  `json:"count"`
	GiftImage  string `json:"giftImage"`
}

// eventSourceIDs maps the numeric source id used by older envelope versions.
var eventSourceIDs = map[int]chatmsg.Platform{
	1: chatmsg.PlatformTwitch,
	2: chatmsg.PlatformYouTube,
	3: chatmsg.PlatformFacebook,
	4: chatmsg.PlatformInstagram,
	5: chatmsg.PlatformTikTok,
	6: chatmsg.PlatformKick,
}

var platformNames = map[string]chatmsg.Platform{
	"twitch":    chatmsg.PlatformTwitch,
	"youtube":   chatmsg.PlatformYouTube,
	"facebook":  chatmsg.PlatformFacebook,
	"instagram": chatmsg.PlatformInstagram,
	"tiktok":    chatmsg.PlatformTikTok,
	"kick":      chatmsg.PlatformKick,
}

// sourcePlatform resolves the destination platform of an envelope. Field
// priority: connectionIdentifier prefix, eventSourceId, platform, source.
func sourcePlatform(env *eventEnvelope) chatmsg.Platform {
	if env.ConnectionIdentifier != "" {
		prefix := env.ConnectionIdentifier
		if i := strings.IndexAny(prefix, "-_"); i > 0 {
			prefix = prefix[:i]
		}
		if p, ok := platformNames[strings.ToLower(prefix)]; ok {
			return p
		}
	}
	if p, ok := eventSourceIDs[env.EventSourceID]; ok {
		return p
	}
	if p, ok := platformNames[strings.ToLower(env.Platform)]; ok {
		return p
	}
	if p, ok := platformNames[strings.ToLower(env.Source)]; ok {
		return p
	}
	return chatmsg.PlatformRestream
}

// normalize converts an envelope into a canonical message. Returns false when
// the event carries nothing worth emitting.
func normalize(raw json.RawMessage, env *eventEnvelope) (chatmsg.Message, bool) {
	p := sourcePlatform(env)
	ep := &env.EventPayload

	ts := time.Now().UTC()
	if ep.Timestamp > 0 {
		ts = time.UnixMilli(ep.Timestamp).UTC()
	}

	var badges []chatmsg.Badge
	for _, b := range ep.Author.Badges {
		switch strings.ToLower(b) {
		case "moderator", "mod":
			badges = append(badges, chatmsg.BadgeModerator)
		case "subscriber", "sub", "member":
			badges = append(badges, chatmsg.BadgeSubscriber)
		case "vip":
			badges = append(badges, chatmsg.BadgeVIP)
		case "verified":
			badges = append(badges, chatmsg.BadgeVerified)
		case "owner", "broadcaster", "creator":
			badges = append(badges, chatmsg.BadgeCreator)
		}
	}
	badges = chatmsg.NormalizeBadges(badges)

	user := chatmsg.User{
		ID:           ep.Author.ID,
		DisplayName:  chatmsg.FallbackName(ep.Author.DisplayName, ep.Author.Username, ep.Author.Name),
		AvatarURL:    ep.Author.Avatar,
		Badges:       badges,
		IsModerator:  ep.Author.Moderator || hasBadge(badges, chatmsg.BadgeModerator),
		IsSubscriber: ep.Author.Subscriber || hasBadge(badges, chatmsg.BadgeSubscriber),
	}

	msg := chatmsg.Message{
		ID:         chatmsg.NewID(p, ep.ID),
		Platform:   p,
		User:       user,
		Timestamp:  ts,
		RawPayload: raw,
	}

	switch strings.ToLower(ep.EventType) {
	case "", "message", "chat":
		if ep.Text == "" {
			return chatmsg.Message{}, false
		}
		msg.Type = chatmsg.TypeChat
		msg.Content = ep.Text
	case "donation", "gift", "superchat":
		msg.Type = chatmsg.TypeGift
		msg.Gift = chatmsg.NewGift(ep.GiftID, chatmsg.FallbackName(ep.GiftName, "donation"), ep.AmountCents, ep.Count, ep.GiftImage)
		msg.Content = ep.Text
		if msg.Content == "" {
			msg.Content = user.DisplayName + " sent " + msg.Gift.Name
		}
	case "follow":
		msg.Type = chatmsg.TypeFollow
		msg.Content = user.DisplayName + " followed"
	case "subscription", "sub", "membership":
		msg.Type = chatmsg.TypeSubscription
		msg.Content = user.DisplayName + " subscribed"
	case "raid":
		msg.Type = chatmsg.TypeRaid
		msg.Content = user.DisplayName + " is raiding"
	default:
		msg.Type = chatmsg.TypeSystem
		msg.Content = chatmsg.FallbackName(ep.Text, ep.EventType+" event")
	}
	return msg, true
}

func hasBadge(badges []chatmsg.Badge, b chatmsg.Badge) bool {
	for _, x := range badges {
		if x == b {
			return true
		}
	}
	return false
}
