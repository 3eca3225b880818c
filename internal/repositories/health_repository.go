package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// DependencyCheck probes one backing service for /readyz. A failing Optional check degrades
// the report; any other failure marks it as error.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(context.Context) error
}

type DependencyHealthOption func(*dependencyHealth)

// WithDependencyTimeout sets the timeout for checks that declare none. Defaults to 1.5s.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(h *dependencyHealth) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(h *dependencyHealth) {
		if clock != nil {
			h.now = clock
		}
	}
}

type dependencyHealth struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

// NewDependencyHealthRepository runs checks concurrently on every Collect. Names must be
// unique and non-empty.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks")
	}
	seen := make(map[string]bool, len(checks))
	for _, c := range checks {
		switch {
		case c.Name == "":
			return nil, errors.New("health: dependency check without a name")
		case c.Check == nil:
			return nil, fmt.Errorf("health: dependency %s has no check", c.Name)
		case seen[c.Name]:
			return nil, fmt.Errorf("health: dependency %s registered twice", c.Name)
		}
		seen[c.Name] = true
	}

	h := &dependencyHealth{checks: append([]DependencyCheck(nil), checks...), timeout: 1500 * time.Millisecond, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

func (h *dependencyHealth) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make([]domain.SystemHealthCheck, len(h.checks))
	var g errgroup.Group
	for i, check := range h.checks {
		g.Go(func() error {
			results[i] = h.probe(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(results)),
		GeneratedAt: h.now(),
	}
	for i, result := range results {
		report.Checks[h.checks[i].Name] = result
		report.Status = worstStatus(report.Status, result.Status)
	}
	return report, nil
}

func (h *dependencyHealth) probe(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := h.now()
	err := check.Check(ctx)
	if err == nil {
		err = ctx.Err()
	}
	end := h.now()

	result := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
	if err == nil {
		return result
	}
	result.Status = domain.HealthStatusError
	if check.Optional {
		result.Status = domain.HealthStatusDegraded
	}
	result.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Detail = "cancelled"
	default:
		result.Detail = "unreachable"
	}
	return result
}

// worstStatus orders ok < degraded < error.
func worstStatus(a, b string) string {
	rank := map[string]int{domain.HealthStatusOK: 0, domain.HealthStatusDegraded: 1, domain.HealthStatusError: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
