// Command chatcart is the main entrypoint for the live chat aggregation
// service. It:
//   - Loads configuration and initializes structured logging.
//   - Builds an adapter per configured platform and wires them into one
//     session with a shared buying-signal classifier.
//   - Exposes an HTTP server with /healthz, /status, /messages, /actions,
//     /broadcast, /stream, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatcart/adapter"
	"github.com/onnwee/chatcart/config"
	"github.com/onnwee/chatcart/hub"
	"github.com/onnwee/chatcart/kick"
	"github.com/onnwee/chatcart/restream"
	"github.com/onnwee/chatcart/server"
	"github.com/onnwee/chatcart/telemetry"
	"github.com/onnwee/chatcart/tiktok"
	"github.com/onnwee/chatcart/twitch"
	"github.com/onnwee/chatcart/youtube"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatcart", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	adapters := buildAdapters(cfg)
	slog.Info("adapters configured", slog.Int("count", len(adapters)))

	offers := func() []string { return cfg.OfferIDs }
	session := hub.NewSession(cfg.SessionID, adapters, offers)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		slog.Error("session failed to start", slog.Any("err", err))
		os.Exit(1)
	}
	defer session.Stop()

	go func() {
		if err := server.Start(ctx, session, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// buildAdapters constructs one adapter per platform whose credential block is
// populated. Empty blocks simply disable that platform.
func buildAdapters(cfg *config.Config) []adapter.Adapter {
	var adapters []adapter.Adapter
	if cfg.Restream.Enabled() {
		adapters = append(adapters, restream.New(restream.Config{
			AccessToken: cfg.Restream.AccessToken,
			URL:         cfg.Restream.URL,
		}))
	}
	if cfg.Twitch.Enabled() {
		adapters = append(adapters, twitch.New(twitch.Config{
			ClientID:      cfg.Twitch.ClientID,
			AccessToken:   cfg.Twitch.AccessToken,
			BroadcasterID: cfg.Twitch.BroadcasterID,
			UserID:        cfg.Twitch.UserID,
			ChannelLogin:  cfg.Twitch.ChannelLogin,
			BotUsername:   cfg.Twitch.BotUsername,
			BotOAuth:      cfg.Twitch.BotOAuth,
		}))
	}
	if cfg.YouTube.Enabled() {
		adapters = append(adapters, youtube.New(youtube.Config{
			AccessToken:  cfg.YouTube.AccessToken,
			LiveChatID:   cfg.YouTube.LiveChatID,
			PollInterval: cfg.PollInterval,
		}))
	}
	if cfg.Kick.Enabled() {
		adapters = append(adapters, kick.New(kick.Config{
			ChannelSlug:  cfg.Kick.ChannelSlug,
			BearerToken:  cfg.Kick.BearerToken,
			PollInterval: cfg.PollInterval,
		}))
	}
	if cfg.TikTok.Enabled() {
		adapters = append(adapters, tiktok.New(tiktok.Config{
			UniqueID: cfg.TikTok.UniqueID,
		}))
	}
	return adapters
}
