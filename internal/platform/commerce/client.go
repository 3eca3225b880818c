// Package commerce talks to the storefront's cart and catalog service.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/money"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	maxResponseBytes   = 1 << 20
)

// Config configures the commerce client.
type Config struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
}

// Error is a failed commerce call. It satisfies repositories.RepositoryError.
type Error struct {
	Op     string
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Status == 0 {
		return fmt.Sprintf("commerce %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("commerce %s: status %d: %s", e.Op, e.Status, e.Detail)
}

func (e *Error) IsNotFound() bool { return e != nil && e.Status == http.StatusNotFound }

func (e *Error) IsConflict() bool {
	return e != nil && (e.Status == http.StatusConflict || e.Status == http.StatusUnprocessableEntity)
}

func (e *Error) IsUnavailable() bool {
	return e != nil && (e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500)
}

// Client reads carts and prices them through the commerce REST API.
type Client struct {
	base        string
	token       string
	client      *http.Client
	maxAttempts int
	backoff     func() gax.Backoff
}

// NewClient validates cfg.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("commerce: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("commerce: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Client{
		base:        base,
		token:       strings.TrimSpace(cfg.Token),
		client:      client,
		maxAttempts: attempts,
		backoff: func() gax.Backoff {
			return gax.Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
		},
	}, nil
}

type cartLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type cartBody struct {
	ID            string     `json:"id"`
	Currency      string     `json:"currency"`
	Items         []cartLine `json:"items"`
	PromotionCode string     `json:"promotionCode"`
}

// GetCart returns the customer's active cart.
func (c *Client) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	var body cartBody
	endpoint := fmt.Sprintf("%s/v1/users/%s/cart", c.base, url.PathEscape(userID))
	if err := c.call(ctx, "get_cart", http.MethodGet, endpoint, nil, &body); err != nil {
		return domain.Cart{}, err
	}
	cart := domain.Cart{
		ID:            body.ID,
		UserID:        userID,
		Currency:      strings.ToUpper(body.Currency),
		PromotionCode: body.PromotionCode,
		Items:         make([]domain.CartItem, 0, len(body.Items)),
	}
	for _, line := range body.Items {
		cart.Items = append(cart.Items, domain.CartItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return cart, nil
}

type quoteRequest struct {
	UserID        string     `json:"userId"`
	Items         []cartLine `json:"items"`
	PromotionCode string     `json:"promotionCode,omitempty"`
	ApplyCredits  bool       `json:"applyCredits"`
}

type quotedLine struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type quoteResponse struct {
	Currency string          `json:"currency"`
	Items    []quotedLine    `json:"items"`
	Discount decimal.Decimal `json:"discount"`
	Credits  decimal.Decimal `json:"credits"`
}

// QuoteCart prices the cart at current catalog prices. The catalog answers in major-unit
// decimals, which are converted to the currency's minor unit here.
func (c *Client) QuoteCart(ctx context.Context, req domain.QuoteRequest) (domain.CartQuote, error) {
	payload := quoteRequest{
		UserID:        req.UserID,
		PromotionCode: req.PromotionCode,
		ApplyCredits:  req.ApplyCredits,
		Items:         make([]cartLine, 0, len(req.Cart.Items)),
	}
	for _, item := range req.Cart.Items {
		payload.Items = append(payload.Items, cartLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.CartQuote{}, fmt.Errorf("commerce: encode quote: %w", err)
	}

	var resp quoteResponse
	endpoint := fmt.Sprintf("%s/v1/carts/%s:quote", c.base, url.PathEscape(req.Cart.ID))
	if err := c.call(ctx, "quote_cart", http.MethodPost, endpoint, body, &resp); err != nil {
		return domain.CartQuote{}, err
	}
	currency, err := money.NormalizeCurrency(resp.Currency)
	if err != nil {
		return domain.CartQuote{}, fmt.Errorf("commerce quote_cart: %w", err)
	}
	quote := domain.CartQuote{Currency: currency, Items: make([]domain.LineItem, 0, len(resp.Items))}
	if quote.Discount, err = money.ToMinor(resp.Discount, currency); err != nil {
		return domain.CartQuote{}, fmt.Errorf("commerce quote_cart: discount: %w", err)
	}
	if quote.Credits, err = money.ToMinor(resp.Credits, currency); err != nil {
		return domain.CartQuote{}, fmt.Errorf("commerce quote_cart: credits: %w", err)
	}
	for _, line := range resp.Items {
		unit, err := money.ToMinor(line.UnitPrice, currency)
		if err != nil {
			return domain.CartQuote{}, fmt.Errorf("commerce quote_cart: %s: %w", line.ProductID, err)
		}
		quote.Items = append(quote.Items, domain.LineItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: unit,
		})
	}
	return quote, nil
}

// call retries unavailable responses with backoff. Reads and quotes are side-effect free.
func (c *Client) call(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	backoff := c.backoff()
	var err error
	for attempt := 1; ; attempt++ {
		err = c.do(ctx, op, method, endpoint, body, out)
		var cerr *Error
		if err == nil || !errors.As(err, &cerr) || !cerr.IsUnavailable() || attempt >= c.maxAttempts {
			return err
		}
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("commerce %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Op: op, Detail: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Op: op, Detail: "read response: " + err.Error()}
	}
	if resp.StatusCode >= 300 {
		return &Error{Op: op, Status: resp.StatusCode, Detail: strings.TrimSpace(string(payload))}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Op: op, Detail: "decode response: " + err.Error()}
	}
	return nil
}
