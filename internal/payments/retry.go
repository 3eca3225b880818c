package payments

import (
	"context"
	"errors"
	"time"

	"github.com/googleapis/gax-go/v2"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

// RetryPolicy bounds retries of ErrGatewayUnavailable failures.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = defaultInitialBackoff
	}
	if p.Max <= 0 {
		p.Max = defaultMaxBackoff
	}
	return p
}

// do runs fn until it succeeds, fails with a non-transient error, or attempts run out.
func (p RetryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	p = p.withDefaults()
	backoff := gax.Backoff{Initial: p.Initial, Max: p.Max, Multiplier: 2}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrGatewayUnavailable) || attempt >= p.MaxAttempts {
			return err
		}
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			return err
		}
	}
}
