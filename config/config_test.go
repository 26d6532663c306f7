package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SESSION_ID", "")
	t.Setenv("LISTEN_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SessionID != "default" {
		t.Errorf("SessionID = %q, want default", cfg.SessionID)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
}

func TestEnvOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("session_id: from-file\nkick:\n  channel_slug: filechan\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SESSION_ID", "from-env")
	t.Setenv("KICK_CHANNEL_SLUG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SessionID != "from-env" {
		t.Errorf("SessionID = %q, want env to win over file", cfg.SessionID)
	}
	if cfg.Kick.ChannelSlug != "filechan" {
		t.Errorf("Kick.ChannelSlug = %q, want file value to survive", cfg.Kick.ChannelSlug)
	}
	if !cfg.Kick.Enabled() {
		t.Errorf("expected kick enabled with a channel slug")
	}
}

func TestPollIntervalParse(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("POLL_INTERVAL", "7s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 7*time.Second {
		t.Errorf("PollInterval = %v, want 7s", cfg.PollInterval)
	}

	t.Setenv("POLL_INTERVAL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid POLL_INTERVAL")
	}
}

func TestOfferIDsList(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("OFFER_IDS", "offer-1, offer-2,,offer-3")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []string{"offer-1", "offer-2", "offer-3"}
	if len(cfg.OfferIDs) != len(want) {
		t.Fatalf("OfferIDs = %v, want %v", cfg.OfferIDs, want)
	}
	for i := range want {
		if cfg.OfferIDs[i] != want[i] {
			t.Errorf("OfferIDs[%d] = %q, want %q", i, cfg.OfferIDs[i], want[i])
		}
	}
}

func TestValidateRequiresAPlatform(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error with no platform configured")
	}
	cfg.TikTok.UniqueID = "creator"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config with tiktok enabled, got %v", err)
	}
}
