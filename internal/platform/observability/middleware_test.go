package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/reconciler/internal/platform/requestctx"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func newRouter(metrics *Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(InjectLoggerMiddleware(logger), TraceMiddleware("payments-prod"), RecoveryMiddleware(logger), RequestLoggerMiddleware(metrics))
	r.Get("/api/v1/orders/{orderID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/internal/boom", func(http.ResponseWriter, *http.Request) {
		panic("ledger exploded")
	})
	return r
}

func TestRequestLoggerUsesRoutePattern(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	metrics := NewMetrics()
	router := newRouter(metrics, zap.New(core))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_123", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}

	got := counterValue(t, metrics, "reconciler_http_requests_total", map[string]string{"route": "/api/v1/orders/{orderID}", "code": "4xx"})
	if got != 1 {
		t.Fatalf("expected one 4xx request under the route pattern, got %v", got)
	}
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 || entries[0].Level != zap.WarnLevel {
		t.Fatalf("expected one warn completion line, got %+v", entries)
	}
	if entries[0].ContextMap()["route"] != "/api/v1/orders/{orderID}" {
		t.Fatalf("unexpected fields %v", entries[0].ContextMap())
	}
}

func TestRecoveryWritesEnvelopeAndCountsFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	metrics := NewMetrics()
	router := newRouter(metrics, zap.New(core))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/boom", nil))
	if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), `"kind":"internal"`) {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected panic to be logged")
	}
	if got := counterValue(t, metrics, "reconciler_http_requests_total", map[string]string{"code": "5xx"}); got != 1 {
		t.Fatalf("expected the panic to count as 5xx, got %v", got)
	}
}

func TestParseCloudTrace(t *testing.T) {
	sc, ok := parseCloudTrace("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok || !sc.IsSampled() || sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" || sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span context %+v ok=%v", sc, ok)
	}
	for _, bad := range []string{"", "nospan", "zz/1;o=1", "105445aa7843bc8bf206b12000100000/abc"} {
		if _, ok := parseCloudTrace(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	info := requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000", SpanID: "00000000000000ff", Sampled: true}
	if got := formatCloudTrace(info); got != "105445aa7843bc8bf206b12000100000/255;o=1" {
		t.Fatalf("formatCloudTrace = %q", got)
	}
}

func TestTraceMiddlewareHonoursTraceparent(t *testing.T) {
	tp := InstallTracerProvider(1)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var seen requestctx.TraceInfo
	h := TraceMiddleware("payments-prod")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = requestctx.Trace(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if seen.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" || seen.ProjectID != "payments-prod" {
		t.Fatalf("unexpected trace info %+v", seen)
	}
	if !strings.HasPrefix(rr.Header().Get(cloudTraceHeader), "4bf92f3577b34da6a3ce929d0e0e4736/") {
		t.Fatalf("unexpected trace header %q", rr.Header().Get(cloudTraceHeader))
	}
}

func TestClean(t *testing.T) {
	if got := clean("ord\n_1\x00", 64); got != "ord_1" {
		t.Fatalf("clean = %q", got)
	}
	if got := clean("abcdef", 3); got != "abc" {
		t.Fatalf("clean limit = %q", got)
	}
}
