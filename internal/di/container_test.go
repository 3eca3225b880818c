package di

import (
	"context"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/platform/commerce"
	"github.com/hanko-field/reconciler/internal/platform/config"
	"github.com/hanko-field/reconciler/internal/platform/idempotency"
	"github.com/hanko-field/reconciler/internal/repositories"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
)

type fakeGateway struct{}

func (fakeGateway) Name() string { return "paystack" }

func (fakeGateway) Initialize(context.Context, payments.InitializeRequest) (payments.InitializeResult, error) {
	return payments.InitializeResult{}, nil
}

func (fakeGateway) Verify(context.Context, string) (domain.PaymentConfirmation, error) {
	return domain.PaymentConfirmation{}, payments.ErrReferenceNotFound
}

func (fakeGateway) VerifyWebhookSignature([]byte, string) bool { return false }
func (fakeGateway) SignatureHeader() string                    { return "X-Signature" }

func (fakeGateway) ParseWebhook([]byte) (payments.WebhookEvent, error) {
	return payments.WebhookEvent{}, nil
}

func memoryConfig() config.Config {
	return config.Config{
		Store:     config.StoreConfig{Driver: config.StoreDriverMemory},
		Payments:  config.PaymentsConfig{DefaultProvider: "paystack"},
		Reconcile: config.ReconcileConfig{PendingOrderTTL: time.Minute, IdentifierAttempts: 3, StatsCurrency: "NGN"},
		Invoice:   config.InvoiceConfig{URLTTL: time.Minute},
	}
}

func TestNewContainerMemoryDriver(t *testing.T) {
	ctx := context.Background()
	c, err := NewContainer(ctx, memoryConfig(), WithGateways(fakeGateway{}))
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if c.Services.Reconcile == nil {
		t.Fatalf("expected reconciliation service")
	}
	if c.Services.System == nil {
		t.Fatalf("expected system service")
	}
	if _, ok := c.Idempotency.(*idempotency.MemoryStore); !ok {
		t.Fatalf("expected memory idempotency store, got %T", c.Idempotency)
	}
	if _, err := c.Gateways.Resolve("paystack"); err != nil {
		t.Fatalf("expected paystack gateway: %v", err)
	}

	report, err := c.Services.System.HealthReport(ctx)
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok health, got %s", report.Status)
	}

	page, err := c.Services.Reconcile.ListAllOrders(ctx, repositories.OrderListFilter{})
	if err != nil {
		t.Fatalf("ListAllOrders: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty store, got %d orders", len(page.Items))
	}
}

func TestNewContainerRequiresGateway(t *testing.T) {
	if _, err := NewContainer(context.Background(), memoryConfig()); err == nil {
		t.Fatalf("expected error without any gateway credentials")
	}
}

func TestNewContainerUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Driver = "cassandra"
	if _, err := NewContainer(context.Background(), cfg, WithGateways(fakeGateway{})); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestBuildCommerce(t *testing.T) {
	local, err := buildCommerce(memoryConfig())
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	if _, ok := local.(*memory.Commerce); !ok {
		t.Fatalf("expected in-process catalog, got %T", local)
	}

	cfg := memoryConfig()
	cfg.Store.Driver = config.StoreDriverPostgres
	if _, err := buildCommerce(cfg); err == nil {
		t.Fatalf("expected an error without a commerce service outside the memory driver")
	}

	cfg.Commerce = config.CommerceConfig{BaseURL: "https://commerce.internal", Timeout: time.Second}
	remote, err := buildCommerce(cfg)
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	if _, ok := remote.(*commerce.Client); !ok {
		t.Fatalf("expected commerce client, got %T", remote)
	}
}
