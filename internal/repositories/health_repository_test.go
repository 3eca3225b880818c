package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

func ok(context.Context) error { return nil }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDependencyHealthCollect(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.7:5432: connection refused")
	cases := []struct {
		name       string
		checks     []DependencyCheck
		wantStatus string
		wantChecks map[string]string
		wantDetail map[string]string
	}{
		{
			name:       "all healthy",
			checks:     []DependencyCheck{{Name: "postgres", Check: ok}, {Name: "pubsub", Optional: true, Check: ok}},
			wantStatus: domain.HealthStatusOK,
			wantChecks: map[string]string{"postgres": domain.HealthStatusOK, "pubsub": domain.HealthStatusOK},
		},
		{
			name: "optional dependency down",
			checks: []DependencyCheck{
				{Name: "postgres", Check: ok},
				{Name: "pubsub", Optional: true, Check: func(context.Context) error { return refused }},
			},
			wantStatus: domain.HealthStatusDegraded,
			wantChecks: map[string]string{"postgres": domain.HealthStatusOK, "pubsub": domain.HealthStatusDegraded},
			wantDetail: map[string]string{"pubsub": "unreachable"},
		},
		{
			name: "store down",
			checks: []DependencyCheck{
				{Name: "postgres", Check: func(context.Context) error { return refused }},
				{Name: "pubsub", Optional: true, Check: func(context.Context) error { return refused }},
			},
			wantStatus: domain.HealthStatusError,
			wantChecks: map[string]string{"postgres": domain.HealthStatusError, "pubsub": domain.HealthStatusDegraded},
		},
		{
			name:       "store times out",
			checks:     []DependencyCheck{{Name: "firestore", Timeout: 5 * time.Millisecond, Check: blockUntilDone}},
			wantStatus: domain.HealthStatusError,
			wantChecks: map[string]string{"firestore": domain.HealthStatusError},
			wantDetail: map[string]string{"firestore": "timeout"},
		},
	}

	now := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := NewDependencyHealthRepository(tc.checks, WithDependencyClock(func() time.Time { return now }))
			if err != nil {
				t.Fatalf("NewDependencyHealthRepository: %v", err)
			}
			report, err := repo.Collect(context.Background())
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if report.Status != tc.wantStatus || !report.GeneratedAt.Equal(now) {
				t.Fatalf("report status %s at %s", report.Status, report.GeneratedAt)
			}
			for name, want := range tc.wantChecks {
				if got := report.Checks[name]; got.Status != want {
					t.Fatalf("%s: status %s, want %s", name, got.Status, want)
				}
			}
			for name, want := range tc.wantDetail {
				if got := report.Checks[name]; got.Detail != want || got.Error == "" {
					t.Fatalf("%s: detail %q error %q", name, got.Detail, got.Error)
				}
			}
		})
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	bad := [][]DependencyCheck{
		nil,
		{{Name: "", Check: ok}},
		{{Name: "postgres"}},
		{{Name: "postgres", Check: ok}, {Name: "postgres", Check: ok}},
	}
	for i, checks := range bad {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
