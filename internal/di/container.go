package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"gorm.io/gorm"

	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/platform/commerce"
	"github.com/hanko-field/reconciler/internal/platform/config"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/platform/idempotency"
	"github.com/hanko-field/reconciler/internal/platform/invoicing"
	"github.com/hanko-field/reconciler/internal/platform/jobs"
	"github.com/hanko-field/reconciler/internal/platform/observability"
	"github.com/hanko-field/reconciler/internal/platform/requestctx"
	"github.com/hanko-field/reconciler/internal/platform/storage"
	"github.com/hanko-field/reconciler/internal/platform/textutil"
	"github.com/hanko-field/reconciler/internal/repositories"
	firestoreRepo "github.com/hanko-field/reconciler/internal/repositories/firestore"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
	postgresRepo "github.com/hanko-field/reconciler/internal/repositories/postgres"
	"github.com/hanko-field/reconciler/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Reconcile services.ReconciliationService
	System    services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Gateways     *payments.Manager
	Metrics      *observability.Metrics
	Idempotency  idempotency.Store

	closers []func(context.Context) error
}

// Option customises container construction, mainly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	commerce commerceBackend
	logger   *zap.Logger
	metrics  *observability.Metrics
	registry repositories.Registry
	gateways []payments.Gateway
	build    services.BuildInfo
	clock    func() time.Time
}

// WithLogger sets the logger used for service and gateway events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics shares a metrics registry with the HTTP layer.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *buildOptions) {
		o.metrics = metrics
	}
}

// WithRegistry bypasses store driver selection.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *buildOptions) {
		o.registry = reg
	}
}

// commerceBackend is the cart store and catalog pair checkout prices against.
type commerceBackend interface {
	services.CartSource
	services.CatalogPricer
}

// WithCommerce bypasses commerce client construction.
func WithCommerce(backend commerceBackend) Option {
	return func(o *buildOptions) {
		o.commerce = backend
	}
}

// WithGateways bypasses gateway construction from configuration.
func WithGateways(gateways ...payments.Gateway) Option {
	return func(o *buildOptions) {
		o.gateways = append(o.gateways, gateways...)
	}
}

func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *buildOptions) {
		o.build = info
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *buildOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies selected by cfg.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := buildOptions{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics()
	}

	c := &Container{Config: cfg, Metrics: o.metrics}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.Background())
		}
	}()

	var checks []repositories.DependencyCheck
	reg := o.registry
	if reg == nil {
		var err error
		reg, checks, err = c.buildRegistry(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	c.Repositories = reg

	gateways := o.gateways
	if len(gateways) == 0 {
		var err error
		gateways, err = buildGateways(cfg.Payments, o.logger.Named("payments"))
		if err != nil {
			return nil, err
		}
	}
	instrumented := make([]payments.Gateway, 0, len(gateways))
	for _, g := range gateways {
		instrumented = append(instrumented, payments.Instrument(g, o.metrics))
	}
	manager, err := payments.NewManager(instrumented, payments.WithDefaultProvider(cfg.Payments.DefaultProvider))
	if err != nil {
		return nil, fmt.Errorf("build gateway manager: %w", err)
	}
	c.Gateways = manager

	backend := o.commerce
	if backend == nil {
		backend, err = buildCommerce(cfg)
		if err != nil {
			return nil, err
		}
	}

	deps := services.ReconciliationServiceDeps{
		PendingOrders:      reg.PendingOrders(),
		Orders:             reg.Orders(),
		Carts:              backend,
		Pricer:             backend,
		Gateways:           manager,
		Metrics:            o.metrics,
		Sanitize:           textutil.PlainText,
		Clock:              o.clock,
		Logger:             eventLogger(o.logger.Named("reconcile")),
		PendingOrderTTL:    cfg.Reconcile.PendingOrderTTL,
		IdentifierAttempts: cfg.Reconcile.IdentifierAttempts,
		InvoiceRetryAfter:  cfg.Invoice.RetryAfter,
		InvoiceURLTTL:      cfg.Invoice.URLTTL,
		CallbackURL:        cfg.Reconcile.CallbackURL,
		StatsCurrency:      cfg.Reconcile.StatsCurrency,
	}

	if project := strings.TrimSpace(cfg.PubSub.ProjectID); project != "" {
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.InvoiceTopic)
		c.closers = append(c.closers, func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		dispatcher, err := jobs.NewPubSubInvoiceDispatcher(topic)
		if err != nil {
			return nil, err
		}
		deps.Invoices = dispatcher
		checks = append(checks, repositories.DependencyCheck{
			Name:     "pubsub",
			Timeout:  2 * time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := jobs.NewKafkaOrderEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderEventsTopic)
		if err != nil {
			return nil, fmt.Errorf("build kafka publisher: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return publisher.Close() })
		deps.Events = publisher
	}

	if strings.TrimSpace(cfg.Invoice.RendererURL) != "" {
		renderer, err := invoicing.NewHTTPRenderer(invoicing.Config{
			BaseURL: cfg.Invoice.RendererURL,
			Token:   cfg.Invoice.RendererToken,
			Bucket:  cfg.Storage.InvoicesBucket,
			Timeout: cfg.Invoice.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build invoice renderer: %w", err)
		}
		deps.Renderer = renderer
	}

	if path := strings.TrimSpace(cfg.Storage.SignerCredentialsFile); path != "" {
		signer, err := buildInvoiceSigner(path, cfg.Storage.InvoicesBucket)
		if err != nil {
			return nil, err
		}
		deps.Signer = signer
	}

	reconcile, err := services.NewReconciliationService(deps)
	if err != nil {
		return nil, fmt.Errorf("build reconciliation service: %w", err)
	}
	c.Services.Reconcile = reconcile

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            o.clock,
			Build:            o.build,
		})
		if err != nil {
			return nil, fmt.Errorf("build system service: %w", err)
		}
		c.Services.System = system
	} else if len(checks) > 0 {
		health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(o.clock))
		if err != nil {
			return nil, fmt.Errorf("build health repository: %w", err)
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            o.clock,
			Build:            o.build,
		})
		if err != nil {
			return nil, fmt.Errorf("build system service: %w", err)
		}
		c.Services.System = system
	}

	if c.Idempotency == nil {
		c.Idempotency = idempotency.NewMemoryStore()
	}

	ok = true
	return c, nil
}

// Close releases resources in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildRegistry opens the store selected by cfg.Store.Driver. The registry's health repository is
// left nil; the returned checks feed the system service instead so other dependencies can join them.
func (c *Container) buildRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, []repositories.DependencyCheck, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		check := repositories.DependencyCheck{
			Name:  "memory",
			Check: func(context.Context) error { return nil },
		}
		return memory.NewRegistry(nil), []repositories.DependencyCheck{check}, nil

	case config.StoreDriverPostgres:
		db, err := postgresRepo.Open(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.AutoMigrate {
			if err := postgresRepo.Migrate(db); err != nil {
				return nil, nil, err
			}
		}
		c.Idempotency = idempotency.NewGormStore(db)
		return postgresRepo.NewRegistry(db, nil), []repositories.DependencyCheck{postgresCheck(db)}, nil

	case config.StoreDriverFirestore, "":
		provider := pfirestore.NewProvider(cfg.Firestore)
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("build firestore client: %w", err)
		}
		reg, err := firestoreRepo.NewRegistry(provider, nil)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		c.Idempotency = idempotency.NewFirestoreStore(provider)
		check := repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		}
		return reg, []repositories.DependencyCheck{check}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func postgresCheck(db *gorm.DB) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "postgres",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

func buildGateways(cfg config.PaymentsConfig, logger *zap.Logger) ([]payments.Gateway, error) {
	retry := payments.RetryPolicy{MaxAttempts: cfg.RetryAttempts}
	var gateways []payments.Gateway
	if strings.TrimSpace(cfg.Paystack.SecretKey) != "" {
		g, err := payments.NewPaystackGateway(payments.PaystackConfig{
			BaseURL:         cfg.Paystack.BaseURL,
			SecretKey:       cfg.Paystack.SecretKey,
			SignatureHeader: cfg.Paystack.SignatureHeader,
			Timeout:         cfg.Timeout,
			Retry:           retry,
			Logger:          eventLogger(logger.Named("paystack")),
		})
		if err != nil {
			return nil, fmt.Errorf("build paystack gateway: %w", err)
		}
		gateways = append(gateways, g)
	}
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		g, err := payments.NewStripeGateway(payments.StripeConfig{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			Retry:         retry,
			Logger:        eventLogger(logger.Named("stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		gateways = append(gateways, g)
	}
	if len(gateways) == 0 {
		return nil, errors.New("no payment gateway configured")
	}
	return gateways, nil
}

// buildCommerce returns the HTTP commerce client, or an empty in-process catalog for the memory
// driver when no commerce service is configured.
func buildCommerce(cfg config.Config) (commerceBackend, error) {
	if strings.TrimSpace(cfg.Commerce.BaseURL) == "" {
		if cfg.Store.Driver == config.StoreDriverMemory {
			return memory.NewCommerce(), nil
		}
		return nil, errors.New("commerce base url is required")
	}
	client, err := commerce.NewClient(commerce.Config{
		BaseURL: cfg.Commerce.BaseURL,
		Token:   cfg.Commerce.Token,
		Timeout: cfg.Commerce.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build commerce client: %w", err)
	}
	return client, nil
}

func buildInvoiceSigner(credentialsFile, bucket string) (*storage.InvoiceSigner, error) {
	if _, err := os.Stat(credentialsFile); err != nil {
		return nil, fmt.Errorf("storage signer credentials: %w", err)
	}
	key, err := storage.NewKeySignerFromFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("storage signer: %w", err)
	}
	urls, err := storage.NewURLSigner(key)
	if err != nil {
		return nil, fmt.Errorf("storage url signer: %w", err)
	}
	return storage.NewInvoiceSigner(urls, bucket)
}

// eventLogger adapts zap to the structured event callbacks used by services and gateways.
func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+2)
		zFields = append(zFields, zap.String("event", event))
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zFields = append(zFields, zap.String("traceId", traceID))
		}
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}
