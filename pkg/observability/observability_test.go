package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/baatcheet/keyrouter/pkg/config"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("dispatch", "provider", "groq")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "dispatch" || entry["provider"] != "groq" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerTextLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "msg=shown") {
		t.Errorf("expected text output, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRecordDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDispatch("groq", "success", 20*time.Millisecond)
	m.RecordDispatch("groq", "success", 30*time.Millisecond)
	m.RecordDispatch("groq", "quota_exceeded", time.Millisecond)

	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("groq", "success")); got != 2 {
		t.Errorf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("groq", "quota_exceeded")); got != 1 {
		t.Errorf("expected 1 quota dispatch, got %v", got)
	}
}

func TestKeyAndRouteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordKeyExhausted("gemini", "vendor")
	m.RecordWindowReset("gemini")
	m.RecordWindowReset("gemini")
	m.RecordRoute("chat", "success")
	m.RecordFallback("chat", "groq")
	m.RecordLedgerError()

	if got := testutil.ToFloat64(m.KeyExhaustions.WithLabelValues("gemini", "vendor")); got != 1 {
		t.Errorf("expected 1 exhaustion, got %v", got)
	}
	if got := testutil.ToFloat64(m.WindowResets.WithLabelValues("gemini")); got != 2 {
		t.Errorf("expected 2 resets, got %v", got)
	}
	if got := testutil.ToFloat64(m.RouteResults.WithLabelValues("chat", "success")); got != 1 {
		t.Errorf("expected 1 route result, got %v", got)
	}
	if got := testutil.ToFloat64(m.Fallbacks.WithLabelValues("chat", "groq")); got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}
	if got := testutil.ToFloat64(m.LedgerErrors); got != 1 {
		t.Errorf("expected 1 ledger error, got %v", got)
	}
}

func TestCircuitBreakerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetCircuitBreakerState("deepseek", 2)
	m.RecordCircuitBreakerTrip("deepseek")

	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("deepseek")); got != 2 {
		t.Errorf("expected open state, got %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("deepseek")); got != 1 {
		t.Errorf("expected 1 trip, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("groq", "success", time.Second)
	m.RecordKeyExhausted("groq", "capacity")
	m.RecordWindowReset("groq")
	m.RecordRoute("chat", "success")
	m.RecordFallback("chat", "groq")
	m.RecordLedgerError()
	m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	m.SetCircuitBreakerState("groq", 0)
	m.RecordCircuitBreakerTrip("groq")
}
