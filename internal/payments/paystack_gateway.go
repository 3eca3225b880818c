package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/textutil"
)

const (
	paystackName                   = "paystack"
	defaultPaystackBaseURL         = "https://api.paystack.co"
	defaultPaystackSignatureHeader = "X-Signature"
	defaultPaystackTimeout         = 15 * time.Second
	maxGatewayResponseBytes        = 1 << 20
)

// PaystackConfig configures the REST gateway adapter.
type PaystackConfig struct {
	BaseURL         string
	SecretKey       string
	SignatureHeader string
	Timeout         time.Duration
	HTTPClient      *http.Client
	Retry           RetryPolicy
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// PaystackGateway talks to a Paystack-compatible REST API.
type PaystackGateway struct {
	baseURL         string
	secret          string
	signatureHeader string
	client          *http.Client
	retry           RetryPolicy
	logger          func(ctx context.Context, event string, fields map[string]any)
}

var _ Gateway = (*PaystackGateway)(nil)

// NewPaystackGateway validates cfg and returns a ready adapter.
func NewPaystackGateway(cfg PaystackConfig) (*PaystackGateway, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("paystack: secret key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultPaystackBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("paystack: invalid base url: %w", err)
	}
	header := strings.TrimSpace(cfg.SignatureHeader)
	if header == "" {
		header = defaultPaystackSignatureHeader
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultPaystackTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaystackGateway{
		baseURL:         base,
		secret:          secret,
		signatureHeader: header,
		client:          client,
		retry:           cfg.Retry,
		logger:          logger,
	}, nil
}

func (g *PaystackGateway) Name() string { return paystackName }

func (g *PaystackGateway) SignatureHeader() string { return g.signatureHeader }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackTransaction struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// Initialize creates a transaction and returns the hosted payment page.
func (g *PaystackGateway) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	payload := map[string]any{
		"amount":    req.Amount,
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.Reference,
		"email":     req.Email,
	}
	if req.CallbackURL != "" {
		payload["callback_url"] = req.CallbackURL
	}
	if metadata := textutil.GatewayMetadata(req.Metadata); metadata != nil {
		payload["metadata"] = metadata
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("paystack: encode initialize: %w", err)
	}

	var data paystackInitializeData
	err = g.retry.do(ctx, func(ctx context.Context) error {
		return g.call(ctx, http.MethodPost, "/transaction/initialize", body, &data)
	})
	if err != nil {
		g.logger(ctx, "payments.paystack.initialize.failed", map[string]any{
			"reference": req.Reference,
			"error":     err.Error(),
		})
		return InitializeResult{}, err
	}
	if data.AuthorizationURL == "" {
		return InitializeResult{}, fmt.Errorf("%w: initialize response missing authorization_url", ErrGatewayUnavailable)
	}
	return InitializeResult{AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode}, nil
}

// Verify fetches the transaction status for reference.
func (g *PaystackGateway) Verify(ctx context.Context, reference string) (domain.PaymentConfirmation, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.PaymentConfirmation{}, fmt.Errorf("%w: reference is required", ErrGatewayRejected)
	}
	var (
		tx  paystackTransaction
		raw []byte
	)
	err := g.retry.do(ctx, func(ctx context.Context) error {
		var msg json.RawMessage
		if err := g.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &msg); err != nil {
			return err
		}
		raw = msg
		return json.Unmarshal(msg, &tx)
	})
	if err != nil {
		return domain.PaymentConfirmation{}, err
	}
	if tx.Reference == "" {
		tx.Reference = reference
	}
	confirmation := paystackConfirmation(tx, raw)
	confirmation.Source = domain.ConfirmationSourcePoll
	return confirmation, nil
}

// VerifyWebhookSignature compares the hex HMAC-SHA512 of rawBody in constant time.
func (g *PaystackGateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(g.secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided)
}

// ParseWebhook decodes a charge notification. Unknown events are reported as ignored.
func (g *PaystackGateway) ParseWebhook(rawBody []byte) (WebhookEvent, error) {
	var envelope struct {
		Event string              `json:"event"`
		Data  paystackTransaction `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	event := WebhookEvent{RawType: envelope.Event, Type: WebhookEventIgnored}
	switch envelope.Event {
	case "charge.success":
		event.Type = WebhookEventPaymentSucceeded
	case "charge.failed":
		event.Type = WebhookEventPaymentFailed
	default:
		return event, nil
	}
	if strings.TrimSpace(envelope.Data.Reference) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing reference", ErrInvalidWebhook)
	}
	event.Confirmation = paystackConfirmation(envelope.Data, rawBody)
	if event.Type == WebhookEventPaymentFailed {
		event.Confirmation.GatewayStatus = domain.GatewayStatusFailed
	}
	event.Confirmation.Source = domain.ConfirmationSourceWebhook
	return event, nil
}

func paystackConfirmation(tx paystackTransaction, raw []byte) domain.PaymentConfirmation {
	return domain.PaymentConfirmation{
		Reference:     tx.Reference,
		GatewayStatus: paystackStatus(tx.Status),
		AmountPaid:    tx.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(tx.Currency)),
		RawPayload:    append([]byte(nil), raw...),
	}
}

func paystackStatus(raw string) domain.GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return domain.GatewayStatusSuccess
	case "failed", "reversed":
		return domain.GatewayStatusFailed
	default:
		return domain.GatewayStatusAbandoned
	}
}

func (g *PaystackGateway) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("paystack: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	var envelope paystackEnvelope
	decodeErr := json.Unmarshal(payload, &envelope)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrReferenceNotFound, envelope.Message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		if strings.Contains(strings.ToLower(envelope.Message), "reference not found") {
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, envelope.Message)
		}
		return fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, envelope.Message)
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, decodeErr)
	}
	if !envelope.Status {
		return fmt.Errorf("%w: %s", ErrGatewayRejected, envelope.Message)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], envelope.Data...)
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrGatewayUnavailable, err)
	}
	return nil
}
