// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters (per platform)
	MessagesNormalized *prometheus.CounterVec
	PayloadsDropped    *prometheus.CounterVec
	ReconnectAttempts  *prometheus.CounterVec
	SendsAttempted     *prometheus.CounterVec
	SendsFailed        *prometheus.CounterVec

	// Classifier counters
	BuyingSignalsTotal prometheus.Counter
	ActionsTotal       prometheus.Counter

	// Gauges
	ViewerGauge    *prometheus.GaugeVec
	ConnectedGauge *prometheus.GaugeVec // 1=connected,0=not
)

// Init registers metrics (idempotent). Call once from the hosting process;
// the helpers below are safe no-ops when Init was never called (library
// embedding, unit tests).
func Init() {
	once.Do(func() {
		MessagesNormalized = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_normalized_total", Help: "Messages normalized into the canonical model"}, []string{"platform"})
		PayloadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_payloads_dropped_total", Help: "Unparseable vendor payloads logged and dropped"}, []string{"platform"})
		ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_reconnect_attempts_total", Help: "Adapter reconnect attempts"}, []string{"platform"})
		SendsAttempted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_attempted_total", Help: "Outbound chat send attempts"}, []string{"platform"})
		SendsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_failed_total", Help: "Outbound chat sends rejected or failed"}, []string{"platform"})
		BuyingSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_buying_signals_total", Help: "Messages classified with buying intent"})
		ActionsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_suggested_actions_total", Help: "Suggested actions emitted to subscribers"})
		ViewerGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_viewers", Help: "Last reported viewer/chatter count"}, []string{"platform"})
		ConnectedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_adapter_connected", Help: "Adapter connected=1 not=0"}, []string{"platform"})
	})
}

// CountMessage records one normalized message for a platform.
func CountMessage(platform string) {
	if MessagesNormalized != nil {
		MessagesNormalized.WithLabelValues(platform).Inc()
	}
}

// CountDropped records one dropped vendor payload.
func CountDropped(platform string) {
	if PayloadsDropped != nil {
		PayloadsDropped.WithLabelValues(platform).Inc()
	}
}

// CountReconnect records one reconnect attempt.
func CountReconnect(platform string) {
	if ReconnectAttempts != nil {
		ReconnectAttempts.WithLabelValues(platform).Inc()
	}
}

// CountSend records a send attempt and whether it failed.
func CountSend(platform string, ok bool) {
	if SendsAttempted != nil {
		SendsAttempted.WithLabelValues(platform).Inc()
	}
	if !ok && SendsFailed != nil {
		SendsFailed.WithLabelValues(platform).Inc()
	}
}

// CountBuyingSignal records one buying-intent classification.
func CountBuyingSignal() {
	if BuyingSignalsTotal != nil {
		BuyingSignalsTotal.Inc()
	}
}

// CountActions records n suggested actions delivered to subscribers.
func CountActions(n int) {
	if ActionsTotal != nil {
		ActionsTotal.Add(float64(n))
	}
}

// SetViewers records the latest viewer count for a platform.
func SetViewers(platform string, n int) {
	if ViewerGauge != nil {
		ViewerGauge.WithLabelValues(platform).Set(float64(n))
	}
}

// SetConnected flips the per-platform connected gauge.
func SetConnected(platform string, connected bool) {
	if ConnectedGauge != nil {
		v := 0.0
		if connected {
			v = 1
		}
		ConnectedGauge.WithLabelValues(platform).Set(v)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
