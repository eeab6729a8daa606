package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"StockLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_IncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "engine", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Str("command", "StartPicking").Msg("done")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "engine" || line["command"] != "StartPicking" {
		t.Errorf("fields: %+v", line)
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before ready: got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rec.Code)
	}

	h.AddCheck("postgres", func(ctx context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing check: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness: got %d", rec.Code)
	}
}

func TestMetrics_NilSafeAndRegistered(t *testing.T) {
	var nilMetrics *observability.Metrics
	nilMetrics.ObserveCommand("StartPicking", "ok", time.Millisecond)
	nilMetrics.ObserveGuardWait("local", time.Millisecond, true)

	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.ObserveGuardWait("advisory", time.Millisecond, true)
	m.ObserveGuardWait("advisory", time.Millisecond, false)
	if got := gathered(t, reg, "stock_guard_timeouts_total"); got != 1 {
		t.Errorf("guard timeouts: got %v, want 1", got)
	}
	m.SetRebuildResult("location_balance", true, 3, 3)
	if got := gathered(t, reg, "stock_projection_checksum_match"); got != 1 {
		t.Errorf("rebuild match: got %v, want 1", got)
	}

	// a second registry must not panic on duplicate registration
	observability.NewMetrics(prometheus.NewRegistry())
}

// gathered sums every counter and gauge sample of one metric family.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}
