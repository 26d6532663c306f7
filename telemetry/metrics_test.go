package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Ordering matters: the helper no-op checks must run before Init populates
// the package globals, so everything lives in one lifecycle test.
func TestMetricsLifecycle(t *testing.T) {
	// Helpers are safe no-ops before Init.
	CountMessage("twitch")
	CountDropped("twitch")
	CountReconnect("twitch")
	CountSend("twitch", false)
	CountBuyingSignal()
	CountActions(3)
	SetViewers("twitch", 100)
	SetConnected("twitch", true)

	Init()
	Init() // idempotent

	CountMessage("twitch")
	CountMessage("twitch")
	if got := testutil.ToFloat64(MessagesNormalized.WithLabelValues("twitch")); got != 2 {
		t.Errorf("messages counter = %v, want 2", got)
	}

	CountSend("kick", false)
	if got := testutil.ToFloat64(SendsAttempted.WithLabelValues("kick")); got != 1 {
		t.Errorf("sends attempted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(SendsFailed.WithLabelValues("kick")); got != 1 {
		t.Errorf("sends failed = %v, want 1", got)
	}

	CountSend("kick", true)
	if got := testutil.ToFloat64(SendsFailed.WithLabelValues("kick")); got != 1 {
		t.Errorf("successful send counted as failure: %v", got)
	}

	SetViewers("youtube", 250)
	if got := testutil.ToFloat64(ViewerGauge.WithLabelValues("youtube")); got != 250 {
		t.Errorf("viewer gauge = %v, want 250", got)
	}

	SetConnected("youtube", true)
	if got := testutil.ToFloat64(ConnectedGauge.WithLabelValues("youtube")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	SetConnected("youtube", false)
	if got := testutil.ToFloat64(ConnectedGauge.WithLabelValues("youtube")); got != 0 {
		t.Errorf("connected gauge = %v, want 0", got)
	}
}

func TestCorrelationContext(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context returned corr %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("corr = %q, want abc-123", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Errorf("LoggerWithCorr returned nil")
	}
}
