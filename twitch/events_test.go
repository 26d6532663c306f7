package twitch

import (
	"encoding/json"
	"testing"

	"github.com/onnwee/chatcart/chatmsg"
)

func TestNormalizeChatWithCheer(t *testing.T) {
	event, _ := json.Marshal(map[string]any{
		"message_id":        "m1",
		"chatter_user_id":   "u1",
		"chatter_user_name": "Gifter",
		"message":           map[string]string{"text": "cheer100 nice"},
		"cheer":             map[string]int{"bits": 100},
	})
	msg, ok := normalizeNotification("channel.chat.message", nil, event)
	if !ok {
		t.Fatalf("normalize returned ok=false")
	}
	if msg.Type != chatmsg.TypeGift || msg.Gift == nil {
		t.Fatalf("cheer should become a gift message, got %v", msg.Type)
	}
	if msg.Gift.ValueMinorUnits != 100 {
		t.Errorf("bits total = %d, want 100", msg.Gift.ValueMinorUnits)
	}
}

func TestNormalizeBadgeMapping(t *testing.T) {
	event, _ := json.Marshal(map[string]any{
		"message_id":        "m1",
		"chatter_user_id":   "u1",
		"chatter_user_name": "Mod",
		"message":           map[string]string{"text": "hi"},
		"badges": []map[string]string{
			{"set_id": "moderator"},
			{"set_id": "founder"},
			{"set_id": "partner"},
		},
	})
	msg, ok := normalizeNotification("channel.chat.message", nil, event)
	if !ok {
		t.Fatalf("normalize returned ok=false")
	}
	if !msg.User.IsModerator || !msg.User.IsSubscriber || !msg.User.IsVerified {
		t.Errorf("badge flags = mod:%v sub:%v verified:%v", msg.User.IsModerator, msg.User.IsSubscriber, msg.User.IsVerified)
	}
}

func TestNormalizeRaid(t *testing.T) {
	event, _ := json.Marshal(map[string]any{
		"from_broadcaster_user_id":   "b9",
		"from_broadcaster_user_name": "Raider",
		"viewers":                    250,
	})
	msg, ok := normalizeNotification("channel.raid", nil, event)
	if !ok {
		t.Fatalf("normalize returned ok=false")
	}
	if msg.Type != chatmsg.TypeRaid {
		t.Errorf("type = %v, want raid", msg.Type)
	}
	if msg.User.DisplayName != "Raider" {
		t.Errorf("display name = %q", msg.User.DisplayName)
	}
}

func TestNormalizeUnknownTypeDropped(t *testing.T) {
	if _, ok := normalizeNotification("channel.unknown", nil, json.RawMessage(`{}`)); ok {
		t.Errorf("unknown subscription type should be dropped")
	}
}
