package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusExporter(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultExporterConfig())

	t.Run("RecordRequest", func(t *testing.T) {
		exporter.RecordRequest("order_status", "keyword", 100*time.Millisecond, true)
		exporter.RecordRequest("order_status", "semantic", 200*time.Millisecond, true)
		exporter.RecordRequest("", "none", 50*time.Millisecond, false)

		exporter.AddActiveRequests(1)
		exporter.AddActiveRequests(-1)
	})

	t.Run("RecordRouteDecision", func(t *testing.T) {
		exporter.RecordRouteDecision("keyword", 0.9)
		exporter.RecordRouteDecision("continuity", 0.75)
	})

	t.Run("RecordToolCall", func(t *testing.T) {
		exporter.RecordToolCall("order_lookup", 50*time.Millisecond, true)
		exporter.RecordToolCall("store_search", 100*time.Millisecond, false)
	})

	t.Run("RecordLLMCall", func(t *testing.T) {
		exporter.RecordLLMCall("deepseek-chat", "deepseek", 500*time.Millisecond, 100, 50)
	})

	t.Run("RecordCache", func(t *testing.T) {
		exporter.RecordCacheHit("embedding")
		exporter.RecordCacheMiss("embedding")
	})

	t.Run("RecordPersistence", func(t *testing.T) {
		exporter.RecordPersistRetry()
		exporter.RecordDirtyState()
		exporter.RecordCheckpoint(true)
		exporter.RecordCheckpoint(false)
	})

	t.Run("RecordError", func(t *testing.T) {
		exporter.RecordError("llm_rate_limit")
		exporter.RecordOverload()
		exporter.RecordSafetyViolation("output", "banned_phrase")
	})
}

func TestPrometheusExporterHandler(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultExporterConfig())

	exporter.RecordRequest("order_status", "keyword", 100*time.Millisecond, true)
	exporter.RecordRouteDecision("keyword", 0.9)
	exporter.RecordToolCall("order_lookup", 50*time.Millisecond, true)
	exporter.RecordCacheHit("embedding")

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	exporter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, metric := range []string{
		"switchboard_core_requests_total",
		"switchboard_core_route_decisions_total",
		"switchboard_core_tool_calls_total",
		"switchboard_core_cache_hits_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected %s metric in output", metric)
		}
	}
}
