// Package config loads environment variables, layered over an optional YAML
// file, into a typed Config used across the service. It applies sensible
// defaults so the binary can run locally with minimal setup; per-platform
// credential blocks that stay empty simply disable that adapter.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Session
	SessionID    string        `yaml:"session_id"`
	ListenAddr   string        `yaml:"listen_addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
	OfferIDs     []string      `yaml:"offer_ids"`

	Restream RestreamConfig `yaml:"restream"`
	Twitch   TwitchConfig   `yaml:"twitch"`
	YouTube  YouTubeConfig  `yaml:"youtube"`
	Kick     KickConfig     `yaml:"kick"`
	TikTok   TikTokConfig   `yaml:"tiktok"`
}

type RestreamConfig struct {
	AccessToken string `yaml:"access_token"`
	URL         string `yaml:"url"`
}

type TwitchConfig struct {
	ClientID      string `yaml:"client_id"`
	AccessToken   string `yaml:"access_token"`
	BroadcasterID string `yaml:"broadcaster_id"`
	UserID        string `yaml:"user_id"`
	ChannelLogin  string `yaml:"channel_login"`
	BotUsername   string `yaml:"bot_username"`
	BotOAuth      string `yaml:"bot_oauth"`
}

type YouTubeConfig struct {
	AccessToken string `yaml:"access_token"`
	LiveChatID  string `yaml:"live_chat_id"`
}

type KickConfig struct {
	ChannelSlug string `yaml:"channel_slug"`
	BearerToken string `yaml:"bearer_token"`
}

type TikTokConfig struct {
	UniqueID string `yaml:"unique_id"`
}

// Load reads CONFIG_FILE (YAML, optional) first, then overlays environment
// variables. It doesn't fail when a platform's creds are missing; use the
// per-platform Enabled methods to decide which adapters to build.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlay(&cfg.SessionID, "SESSION_ID")
	if cfg.SessionID == "" {
		cfg.SessionID = "default"
	}
	overlay(&cfg.ListenAddr, "LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("OFFER_IDS"); v != "" {
		cfg.OfferIDs = splitList(v)
	}

	overlay(&cfg.Restream.AccessToken, "RESTREAM_ACCESS_TOKEN")
	overlay(&cfg.Restream.URL, "RESTREAM_URL")

	overlay(&cfg.Twitch.ClientID, "TWITCH_CLIENT_ID")
	overlay(&cfg.Twitch.AccessToken, "TWITCH_ACCESS_TOKEN")
	overlay(&cfg.Twitch.BroadcasterID, "TWITCH_BROADCASTER_ID")
	overlay(&cfg.Twitch.UserID, "TWITCH_USER_ID")
	overlay(&cfg.Twitch.ChannelLogin, "TWITCH_CHANNEL")
	overlay(&cfg.Twitch.BotUsername, "TWITCH_BOT_USERNAME")
	overlay(&cfg.Twitch.BotOAuth, "TWITCH_BOT_OAUTH")

	overlay(&cfg.YouTube.AccessToken, "YT_ACCESS_TOKEN")
	overlay(&cfg.YouTube.LiveChatID, "YT_LIVE_CHAT_ID")

	overlay(&cfg.Kick.ChannelSlug, "KICK_CHANNEL_SLUG")
	overlay(&cfg.Kick.BearerToken, "KICK_BEARER_TOKEN")

	overlay(&cfg.TikTok.UniqueID, "TIKTOK_UNIQUE_ID")

	return cfg, nil
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c RestreamConfig) Enabled() bool { return c.AccessToken != "" }

func (c TwitchConfig) Enabled() bool {
	return c.ClientID != "" && c.AccessToken != "" && c.BroadcasterID != ""
}

func (c YouTubeConfig) Enabled() bool { return c.AccessToken != "" }

func (c KickConfig) Enabled() bool { return c.ChannelSlug != "" }

func (c TikTokConfig) Enabled() bool { return c.UniqueID != "" }

// Validate rejects a configuration with no platform enabled at all.
func (c *Config) Validate() error {
	if !c.Restream.Enabled() && !c.Twitch.Enabled() && !c.YouTube.Enabled() && !c.Kick.Enabled() && !c.TikTok.Enabled() {
		return fmt.Errorf("no platform configured: set at least one credential block")
	}
	return nil
}
