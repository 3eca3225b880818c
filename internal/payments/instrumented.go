package payments

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// CallObserver receives the outcome of every outbound gateway request.
type CallObserver interface {
	ObserveGatewayCall(provider, operation string, err error, elapsed time.Duration)
}

type instrumentedGateway struct {
	Gateway
	observer CallObserver
	now      func() time.Time
}

// Instrument wraps g so Initialize and Verify report to observer. A nil observer returns g unchanged.
func Instrument(g Gateway, observer CallObserver) Gateway {
	if g == nil || observer == nil {
		return g
	}
	return &instrumentedGateway{Gateway: g, observer: observer, now: time.Now}
}

func (g *instrumentedGateway) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	start := g.now()
	res, err := g.Gateway.Initialize(ctx, req)
	g.observer.ObserveGatewayCall(g.Name(), "initialize", err, g.now().Sub(start))
	return res, err
}

func (g *instrumentedGateway) Verify(ctx context.Context, reference string) (domain.PaymentConfirmation, error) {
	start := g.now()
	conf, err := g.Gateway.Verify(ctx, reference)
	// Not-found is an expected answer while the customer is still paying.
	observed := err
	if errors.Is(observed, ErrReferenceNotFound) {
		observed = nil
	}
	g.observer.ObserveGatewayCall(g.Name(), "verify", observed, g.now().Sub(start))
	return conf, err
}
