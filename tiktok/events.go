package tiktok

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/onnwee/chatcart/chatmsg"
)

// Like bursts below this magnitude are noise and dropped.
const likeBurstFloor = 10

// Push frame shapes, internal to this package. The SDK-style endpoint
// delivers one JSON envelope per event with the event name in "type".
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type userInfo struct {
	UserID   string `json:"user_id"`
	UniqueID string `json:"unique_id"`
	Nickname string `json:"nickname"`
	IsMod    bool   `json:"is_moderator"`
	IsSub    bool   `json:"is_subscriber"`
}

func (u *userInfo) canonical() chatmsg.User {
	var badges []chatmsg.Badge
	if u.IsMod {
		badges = append(badges, chatmsg.BadgeModerator)
	}
	if u.IsSub {
		badges = append(badges, chatmsg.BadgeSubscriber)
	}
	return chatmsg.User{
		ID:           u.UserID,
		DisplayName:  chatmsg.FallbackName(u.Nickname, u.UniqueID),
		Badges:       chatmsg.NormalizeBadges(badges),
		IsModerator:  u.IsMod,
		IsSubscriber: u.IsSub,
	}
}

type chatPayload struct {
	MessageID string   `json:"message_id"`
	Comment   string   `json:"comment"`
	User      userInfo `json:"user"`
}

type giftPayload struct {
	User        userInfo `json:"user"`
	GiftID      int64    `json:"gift_id"`
	GiftName    string   `json:"gift_name"`
	DiamondCost int64    `json:"diamond_count"`
	RepeatCount int64    `json:"repeat_count"`
	RepeatEnd   bool     `json:"repeat_end"`
	ImageURL    string   `json:"image_url"`
}

type likePayload struct {
	User  userInfo `json:"user"`
	Count int      `json:"count"`
	Total int      `json:"total"`
}

type socialPayload struct {
	User userInfo `json:"user"`
}

type viewerPayload struct {
	Count int `json:"viewer_count"`
}

// normalize maps a push envelope into the canonical model. The second return
// distinguishes "not a chat message" (viewer updates, streak-in-progress
// gifts, sub-threshold likes) from events that produce one.
func normalize(env *envelope) (chatmsg.Message, bool) {
	now := time.Now().UTC()
	switch env.Type {
	case "chat":
		var p chatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatmsg.Message{}, false
		}
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTikTok, p.MessageID),
			Platform:   chatmsg.PlatformTikTok,
			Type:       chatmsg.TypeChat,
			Content:    p.Comment,
			User:       p.User.canonical(),
			Timestamp:  now,
			RawPayload: env.Payload,
		}, true
	case "gift":
		var p giftPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatmsg.Message{}, false
		}
		// Streaked gifts repeat the same payload while the combo runs;
		// only the closing frame carries the final multiplier.
		if p.RepeatCount > 1 && !p.RepeatEnd {
			return chatmsg.Message{}, false
		}
		count := p.RepeatCount
		if count < 1 {
			count = 1
		}
		user := p.User.canonical()
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTikTok, ""),
			Platform:   chatmsg.PlatformTikTok,
			Type:       chatmsg.TypeGift,
			Content:    user.DisplayName + " sent " + p.GiftName,
			User:       user,
			Gift:       chatmsg.NewGift(strconv.FormatInt(p.GiftID, 10), p.GiftName, p.DiamondCost, count, p.ImageURL),
			Timestamp:  now,
			RawPayload: env.Payload,
		}, true
	case "like":
		var p likePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatmsg.Message{}, false
		}
		if p.Count < likeBurstFloor {
			return chatmsg.Message{}, false
		}
		user := p.User.canonical()
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTikTok, ""),
			Platform:   chatmsg.PlatformTikTok,
			Type:       chatmsg.TypeLike,
			Content:    user.DisplayName + " sent " + strconv.Itoa(p.Count) + " likes",
			User:       user,
			Timestamp:  now,
			RawPayload: env.Payload,
		}, true
	case "follow":
		var p socialPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatmsg.Message{}, false
		}
		user := p.User.canonical()
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTikTok, ""),
			Platform:   chatmsg.PlatformTikTok,
			Type:       chatmsg.TypeFollow,
			Content:    user.DisplayName + " followed",
			User:       user,
			Timestamp:  now,
			RawPayload: env.Payload,
		}, true
	case "share":
		var p socialPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatmsg.Message{}, false
		}
		user := p.User.canonical()
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTikTok, ""),
			Platform:   chatmsg.PlatformTikTok,
			Type:       chatmsg.TypeShare,
			Content:    user.DisplayName + " shared the stream",
			User:       user,
			Timestamp:  now,
			RawPayload: env.Payload,
		}, true
	case "subscribe":
		var p socialPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatmsg.Message{}, false
		}
		user := p.User.canonical()
		user.IsSubscriber = true
		return chatmsg.Message{
			ID:         chatmsg.NewID(chatmsg.PlatformTikTok, ""),
			Platform:   chatmsg.PlatformTikTok,
			Type:       chatmsg.TypeSubscription,
			Content:    user.DisplayName + " subscribed",
			User:       user,
			Timestamp:  now,
			RawPayload: env.Payload,
		}, true
	}
	return chatmsg.Message{}, false
}
