package twitch

import (
	"encoding/json"
	"time"

	"github.com/onnwee/chatcart/chatmsg"
)

// EventSub websocket frame shapes, internal to this package.

type frame struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Event json.RawMessage `json:"event"`
}

type chatEvent struct {
	MessageID       string `json:"message_id"`
	ChatterUserID   string `json:"chatter_user_id"`
	ChatterUserName string `json:"chatter_user_name"`
	ChatterLogin    string `json:"chatter_user_login"`
	Message         struct {
		Text string `json:"text"`
	} `json:"message"`
	Badges []struct {
		SetID string `json:"set_id"`
	} `json:"badges"`
	Cheer *struct {
		Bits int64 `json:"bits"`
	} `json:"cheer"`
}

type subscribeEvent struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Tier     string `json:"tier"`
}

type followEvent struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type raidEvent struct {
	FromBroadcasterID   string `json:"from_broadcaster_user_id"`
	FromBroadcasterName string `json:"from_broadcaster_user_name"`
	Viewers             int    `json:"viewers"`
}

// normalizeNotification maps an EventSub notification into the canonical
// model. Unknown subscription types return ok=false and are dropped by the
// caller.
func normalizeNotification(subType string, raw json.RawMessage, event json.RawMessage) (chatmsg.Message, bool) {
	now := time.Now().UTC()
	switch subType {
	case "channel.chat.message":
		var ev chatEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return chatmsg.Message{}, false
		}
		var badges []chatmsg.Badge
		for _, b := range ev.Badges {
			switch b.SetID {
			case "moderator":
				badges = append(badges, chatmsg.BadgeModerator)
			case "subscriber", "founder":
				badges = append(badges, chatmsg.BadgeSubscriber)
			case "vip":
				badges = append(badges, chatmsg.BadgeVIP)
			case "broadcaster":
				badges = append(badges, chatmsg.BadgeCreator)
			case "partner":
				badges = append(badges, chatmsg.BadgeVerified)
			}
		}
		badges = chatmsg.NormalizeBadges(badges)
		msg := chatmsg.Message{
			ID:       chatmsg.NewID(chatmsg.PlatformTwitch, ev.MessageID),
			Platform: chatmsg.PlatformTwitch,
			Type:     chatmsg.TypeChat,
			Content:  ev.Message.Text,
			User: chatmsg.User{
				ID:           ev.ChatterUserID,
				DisplayName:  chatmsg.FallbackName(ev.ChatterUserName, ev.ChatterLogin),
				Badges:       badges,
				IsModerator:  hasBadge(badges, chatmsg.BadgeModerator),
				IsSubscriber: hasBadge(badges, chatmsg.BadgeSubscriber),
				IsVerified:   hasBadge(badges, chatmsg.BadgeVerified),
			},
			Timestamp:  now,
			RawPayload: raw,
		}
		if ev.Cheer != nil && ev.Cheer.Bits > 0 {
			// Bits are worth one minor unit each.
			msg.Type = chatmsg.TypeGift
			msg.Gift = chatmsg.NewGift("bits", "Cheer", 1, ev.Cheer.Bits, "")
		}
		return msg, true
	case "channel.subscribe":
		var ev subscribeEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return chatmsg.Message{}, false
		}
		name := chatmsg.FallbackName(ev.UserName)
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTwitch, ""),
			Platform:   chatmsg.PlatformTwitch,
			Type:       chatmsg.TypeSubscription,
			Content:    name + " subscribed",
			User:       chatmsg.User{ID: ev.UserID, DisplayName: name, IsSubscriber: true},
			Timestamp:  now,
			RawPayload: raw,
		}, true
	case "channel.follow":
		var ev followEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return chatmsg.Message{}, false
		}
		name := chatmsg.FallbackName(ev.UserName)
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTwitch, ""),
			Platform:   chatmsg.PlatformTwitch,
			Type:       chatmsg.TypeFollow,
			Content:    name + " followed",
			User:       chatmsg.User{ID: ev.UserID, DisplayName: name},
			Timestamp:  now,
			RawPayload: raw,
		}, true
	case "channel.raid":
		var ev raidEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return chatmsg.Message{}, false
		}
		name := chatmsg.FallbackName(ev.FromBroadcasterName)
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTwitch, ""),
			Platform:   chatmsg.PlatformTwitch,
			Type:       chatmsg.TypeRaid,
			Content:    name + " is raiding",
			User:       chatmsg.User{ID: ev.FromBroadcasterID, DisplayName: name},
			Timestamp:  now,
			RawPayload: raw,
		}, true
	}
	return chatmsg.Message{}, false
}

func hasBadge(badges []chatmsg.Badge, b chatmsg.Badge) bool {
	for _, x := range badges {
		if x == b {
			return true
		}
	}
	return false
}
