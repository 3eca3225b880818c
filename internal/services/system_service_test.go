package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

type healthRepositoryFunc func(ctx context.Context) (domain.SystemHealthReport, error)

func (f healthRepositoryFunc) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	return f(ctx)
}

func fixedHealth(checks map[string]domain.SystemHealthCheck) healthRepositoryFunc {
	return func(context.Context) (domain.SystemHealthReport, error) {
		return domain.SystemHealthReport{Checks: checks}, nil
	}
}

func TestSystemServiceStampsBuildAndUptime(t *testing.T) {
	started := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: fixedHealth(map[string]domain.SystemHealthCheck{"postgres": {Status: domain.HealthStatusOK}}),
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "2.0.1", CommitSHA: "9f1c2ab", Environment: "staging", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK || report.Version != "2.0.1" || report.CommitSHA != "9f1c2ab" || report.Environment != "staging" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Uptime != 90*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("uptime %s generatedAt %s", report.Uptime, report.GeneratedAt)
	}
}

func TestSystemServiceDerivesWorstStatus(t *testing.T) {
	cases := map[string]map[string]domain.SystemHealthCheck{
		domain.HealthStatusOK:       nil,
		domain.HealthStatusDegraded: {"pubsub": {Status: domain.HealthStatusDegraded}, "postgres": {Status: domain.HealthStatusOK}},
		domain.HealthStatusError:    {"pubsub": {Status: domain.HealthStatusDegraded}, "postgres": {Status: domain.HealthStatusError}},
	}
	for want, checks := range cases {
		svc, err := NewSystemService(SystemServiceDeps{HealthRepository: fixedHealth(checks)})
		if err != nil {
			t.Fatalf("NewSystemService: %v", err)
		}
		report, err := svc.HealthReport(context.Background())
		if err != nil || report.Status != want || report.Checks == nil {
			t.Fatalf("want %s, got %+v (%v)", want, report, err)
		}
	}
}

func TestSystemServiceErrors(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error without a health repository")
	}
	boom := errors.New("collect failed")
	svc, _ := NewSystemService(SystemServiceDeps{HealthRepository: healthRepositoryFunc(func(context.Context) (domain.SystemHealthReport, error) {
		return domain.SystemHealthReport{}, boom
	})})
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected collect error, got %v", err)
	}
}
