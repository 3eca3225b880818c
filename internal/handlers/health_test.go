package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/services"
)

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

var probeTime = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) healthPayload {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body healthPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	return body
}

func TestHealthzReportsBuild(t *testing.T) {
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "3.1.0", CommitSHA: "d34db33f", Environment: "staging", StartedAt: probeTime.Add(-2 * time.Minute)}),
		WithHealthClock(func() time.Time { return probeTime }),
	)
	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := decodeHealth(t, rr)
	if rr.Code != http.StatusOK || body.Status != domain.HealthStatusOK {
		t.Fatalf("unexpected liveness %d %+v", rr.Code, body)
	}
	if body.Version != "3.1.0" || body.CommitSHA != "d34db33f" || body.Environment != "staging" || body.Uptime != "2m0s" {
		t.Fatalf("unexpected build fields %+v", body)
	}
}

func TestReadyzStatusMapping(t *testing.T) {
	cases := []struct {
		name        string
		svc         *stubSystemService
		wantCode    int
		wantStatus  string
		wantDetails []string
	}{
		{
			name: "all ok",
			svc: &stubSystemService{report: domain.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{"postgres": {Status: domain.HealthStatusOK, Latency: 4 * time.Millisecond}},
			}},
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "optional dependency degraded",
			svc: &stubSystemService{report: domain.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{"pubsub": {Status: domain.HealthStatusDegraded, Error: "dial tcp: i/o timeout"}},
			}},
			wantCode:    http.StatusOK,
			wantStatus:  domain.HealthStatusDegraded,
			wantDetails: []string{"pubsub: dial tcp: i/o timeout"},
		},
		{
			name: "store down",
			svc: &stubSystemService{report: domain.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"postgres": {Status: domain.HealthStatusError, Error: "connection refused"},
					"pubsub":   {Status: domain.HealthStatusOK},
				},
			}},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusError,
			wantDetails: []string{"postgres: connection refused"},
		},
		{
			name:        "probe failure",
			svc:         &stubSystemService{err: errors.New("collect: context deadline exceeded")},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusError,
			wantDetails: []string{"collect: context deadline exceeded"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.svc), WithHealthClock(func() time.Time { return probeTime }))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			body := decodeHealth(t, rr)
			if rr.Code != tc.wantCode || body.Status != tc.wantStatus {
				t.Fatalf("got %d %q, want %d %q", rr.Code, body.Status, tc.wantCode, tc.wantStatus)
			}
			if len(body.Details) != len(tc.wantDetails) {
				t.Fatalf("details %v, want %v", body.Details, tc.wantDetails)
			}
			for i := range tc.wantDetails {
				if body.Details[i] != tc.wantDetails[i] {
					t.Fatalf("details %v, want %v", body.Details, tc.wantDetails)
				}
			}
			if rr.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("readiness must not be cached")
			}
		})
	}
}

func TestReadyzWithoutProberFallsBackToLiveness(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
