package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/textutil"
)

const (
	stripeName            = "stripe"
	stripeReferenceKey    = "reference"
	stripeSignatureHeader = "Stripe-Signature"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// stripeIntentFinder looks up the payment intent carrying a reference in its metadata.
type stripeIntentFinder interface {
	FindByReference(ctx context.Context, reference string) (*stripe.PaymentIntent, error)
}

type stripeSearchFinder struct {
	api *client.API
}

func (f stripeSearchFinder) FindByReference(ctx context.Context, reference string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", stripeReferenceKey, strings.ReplaceAll(reference, "'", ""))
	params.Context = ctx
	iter := f.api.PaymentIntents.Search(params)
	var latest *stripe.PaymentIntent
	for iter.Next() {
		intent := iter.PaymentIntent()
		if latest == nil || intent.Created > latest.Created {
			latest = intent
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return latest, nil
}

// StripeConfig configures the Stripe Checkout gateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Backends      *stripe.Backends
	Retry         RetryPolicy
	Logger        func(ctx context.Context, event string, fields map[string]any)

	sessions stripeSessionAPI
	intents  stripeIntentFinder
}

// StripeGateway implements Gateway over Stripe Checkout Sessions.
type StripeGateway struct {
	sessions      stripeSessionAPI
	intents       stripeIntentFinder
	webhookSecret string
	successURL    string
	cancelURL     string
	retry         RetryPolicy
	logger        func(ctx context.Context, event string, fields map[string]any)
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && (cfg.sessions == nil || cfg.intents == nil) {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	sessions, intents := cfg.sessions, cfg.intents
	if sessions == nil || intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		if sessions == nil {
			sessions = sc.CheckoutSessions
		}
		if intents == nil {
			intents = stripeSearchFinder{api: sc}
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		sessions:      sessions,
		intents:       intents,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		retry:         cfg.Retry,
		logger:        logger,
	}, nil
}

func (g *StripeGateway) Name() string { return stripeName }

func (g *StripeGateway) SignatureHeader() string { return stripeSignatureHeader }

// Initialize creates a Checkout Session for the frozen amount.
func (g *StripeGateway) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	successURL := firstNonEmpty(req.CallbackURL, g.successURL)
	cancelURL := firstNonEmpty(g.cancelURL, successURL)

	metadata := textutil.GatewayMetadata(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	metadata[stripeReferenceKey] = req.Reference

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.Reference),
		Metadata:          metadata,
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + req.Reference),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("init-" + req.Reference)

	var session *stripe.CheckoutSession
	err := g.retry.do(ctx, func(context.Context) error {
		var err error
		session, err = g.sessions.New(params)
		return classifyStripeError(err)
	})
	if err != nil {
		g.logger(ctx, "payments.stripe.session.failed", map[string]any{
			"reference": req.Reference,
			"error":     err.Error(),
		})
		return InitializeResult{}, err
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"reference": req.Reference,
	})
	return InitializeResult{AuthorizationURL: session.URL, AccessCode: session.ID}, nil
}

// Verify searches for the payment intent tagged with reference.
func (g *StripeGateway) Verify(ctx context.Context, reference string) (domain.PaymentConfirmation, error) {
	var intent *stripe.PaymentIntent
	err := g.retry.do(ctx, func(ctx context.Context) error {
		var err error
		intent, err = g.intents.FindByReference(ctx, reference)
		return classifyStripeError(err)
	})
	if err != nil {
		return domain.PaymentConfirmation{}, err
	}
	if intent == nil {
		return domain.PaymentConfirmation{}, fmt.Errorf("%w: %s", ErrReferenceNotFound, reference)
	}
	confirmation := stripeIntentConfirmation(reference, intent)
	confirmation.Source = domain.ConfirmationSourcePoll
	return confirmation, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header including its timestamp tolerance.
func (g *StripeGateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	_, err := webhook.ConstructEventWithOptions(rawBody, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	return err == nil
}

// ParseWebhook maps Checkout and PaymentIntent events onto confirmations.
func (g *StripeGateway) ParseWebhook(rawBody []byte) (WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if event.Data == nil {
		return WebhookEvent{}, fmt.Errorf("%w: missing data", ErrInvalidWebhook)
	}

	result := WebhookEvent{RawType: string(event.Type), Type: WebhookEventIgnored}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.async_payment_failed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
		}
		reference := firstNonEmpty(session.ClientReferenceID, session.Metadata[stripeReferenceKey])
		if reference == "" {
			return WebhookEvent{}, fmt.Errorf("%w: session without reference", ErrInvalidWebhook)
		}
		status := domain.GatewayStatusAbandoned
		switch {
		case event.Type == "checkout.session.async_payment_failed":
			status = domain.GatewayStatusFailed
		case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			status = domain.GatewayStatusSuccess
		}
		if status == domain.GatewayStatusAbandoned {
			return result, nil
		}
		result.Type = WebhookEventPaymentSucceeded
		if status == domain.GatewayStatusFailed {
			result.Type = WebhookEventPaymentFailed
		}
		result.Confirmation = domain.PaymentConfirmation{
			Reference:     reference,
			GatewayStatus: status,
			AmountPaid:    session.AmountTotal,
			Currency:      strings.ToUpper(string(session.Currency)),
			RawPayload:    append([]byte(nil), rawBody...),
		}
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
		}
		reference := intent.Metadata[stripeReferenceKey]
		if reference == "" {
			return result, nil
		}
		result.Type = WebhookEventPaymentFailed
		result.Confirmation = stripeIntentConfirmation(reference, &intent)
		result.Confirmation.GatewayStatus = domain.GatewayStatusFailed
		result.Confirmation.RawPayload = append([]byte(nil), rawBody...)
	default:
		return result, nil
	}
	result.Confirmation.Source = domain.ConfirmationSourceWebhook
	return result, nil
}

func stripeIntentConfirmation(reference string, intent *stripe.PaymentIntent) domain.PaymentConfirmation {
	status := domain.GatewayStatusAbandoned
	switch {
	case intent.Status == stripe.PaymentIntentStatusSucceeded:
		status = domain.GatewayStatusSuccess
	case intent.Status == stripe.PaymentIntentStatusCanceled:
		status = domain.GatewayStatusFailed
	case intent.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && intent.LastPaymentError != nil:
		status = domain.GatewayStatusFailed
	}
	amount := intent.AmountReceived
	if amount == 0 && status != domain.GatewayStatusSuccess {
		amount = intent.Amount
	}
	raw, _ := json.Marshal(intent)
	return domain.PaymentConfirmation{
		Reference:     reference,
		GatewayStatus: status,
		AmountPaid:    amount,
		Currency:      strings.ToUpper(string(intent.Currency)),
		RawPayload:    raw,
	}
}

// classifyStripeError maps Stripe SDK errors onto the gateway error sentinels.
func classifyStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == 404:
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrGatewayUnavailable, stripeErr.Msg)
		case stripeErr.HTTPStatusCode >= 400:
			return fmt.Errorf("%w: %s", ErrGatewayRejected, stripeErr.Msg)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
