package payments

import (
	"context"
	"errors"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

var (
	// ErrGatewayUnavailable indicates a transport failure or a 5xx/429 response. Callers may retry.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected indicates the gateway refused the request (4xx). Retrying will not help.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrReferenceNotFound indicates the gateway holds no transaction for the reference yet.
	ErrReferenceNotFound = errors.New("payments: reference not found")
	// ErrUnsupportedProvider is returned when the manager cannot locate a gateway.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidWebhook indicates the webhook body could not be decoded.
	ErrInvalidWebhook = errors.New("payments: invalid webhook payload")
)

// InitializeRequest carries the frozen amount and reference handed to the gateway.
type InitializeRequest struct {
	Amount      int64
	Currency    string
	Reference   string
	Email       string
	CallbackURL string
	Metadata    map[string]string
}

// InitializeResult is the hosted payment page the customer is redirected to.
type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
}

// WebhookEventType classifies gateway notifications relevant to reconciliation.
type WebhookEventType string

const (
	// WebhookEventPaymentSucceeded reports a cleared payment.
	WebhookEventPaymentSucceeded WebhookEventType = "payment.succeeded"
	// WebhookEventPaymentFailed reports a declined or errored payment.
	WebhookEventPaymentFailed WebhookEventType = "payment.failed"
	// WebhookEventIgnored covers notifications the reconciler does not act on.
	WebhookEventIgnored WebhookEventType = "ignored"
)

// WebhookEvent is the normalised form of a gateway notification.
type WebhookEvent struct {
	Type         WebhookEventType
	RawType      string
	Confirmation domain.PaymentConfirmation
}

// Gateway is implemented by every payment provider adapter.
type Gateway interface {
	Name() string
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error)
	// Verify asks the gateway for the current state of the transaction. The returned confirmation
	// has Source set to poll.
	Verify(ctx context.Context, reference string) (domain.PaymentConfirmation, error)
	// VerifyWebhookSignature authenticates the raw request body exactly as received.
	VerifyWebhookSignature(rawBody []byte, signature string) bool
	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
	ParseWebhook(rawBody []byte) (WebhookEvent, error)
}
