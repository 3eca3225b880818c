package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultStoreDriver          = StoreDriverFirestore
	defaultPostgresMaxOpen      = 20
	defaultPostgresMaxIdle      = 5
	defaultPostgresLifetime     = 30 * time.Minute
	defaultInvoiceTopic         = "invoice-render"
	defaultOrderEventsTopic     = "order-events"
	defaultPaymentProvider      = "paystack"
	defaultPaystackHeader       = "X-Signature"
	defaultGatewayTimeout       = 15 * time.Second
	defaultGatewayRetries       = 3
	defaultPendingOrderTTL      = 30 * time.Minute
	defaultIdentifierAttempts   = 5
	defaultSweepLimit           = 100
	defaultSweepInterval        = 5 * time.Minute
	defaultStatsCurrency        = "NGN"
	defaultInvoiceRetryAfter    = 15 * time.Minute
	defaultInvoiceURLTTL        = 15 * time.Minute
	defaultInvoiceTimeout       = 20 * time.Second
	defaultCommerceTimeout      = 10 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Store drivers accepted by API_STORE_DRIVER.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
)

// Config is the resolved runtime configuration. Load is the only constructor.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Kafka       KafkaConfig
	Payments    PaymentsConfig
	Reconcile   ReconcileConfig
	Invoice     InvoiceConfig
	Commerce    CommerceConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the project whose ID tokens customers present.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the persistence backend for pending orders and orders.
type StoreConfig struct {
	Driver string
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// StorageConfig names the bucket holding rendered invoices and the key used to sign URLs.
type StorageConfig struct {
	InvoicesBucket        string
	SignerCredentialsFile string
}

// PubSubConfig configures the invoice task topic.
type PubSubConfig struct {
	ProjectID    string
	InvoiceTopic string
}

// KafkaConfig configures the order event stream. No brokers disables publishing.
type KafkaConfig struct {
	Brokers          []string
	OrderEventsTopic string
}

// PaymentsConfig collects gateway credentials.
type PaymentsConfig struct {
	DefaultProvider string
	Timeout         time.Duration
	RetryAttempts   int
	Paystack        PaystackConfig
	Stripe          StripeConfig
}

// PaystackConfig holds the Paystack-compatible REST gateway settings.
type PaystackConfig struct {
	BaseURL         string
	SecretKey       string
	SignatureHeader string
}

// StripeConfig holds the Stripe Checkout settings.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	PendingOrderTTL    time.Duration
	IdentifierAttempts int
	SweepLimit         int
	SweepInterval      time.Duration
	CallbackURL        string
	StatsCurrency      string
}

// InvoiceConfig configures the external invoice renderer.
type InvoiceConfig struct {
	RendererURL   string
	RendererToken string
	Timeout       time.Duration
	RetryAfter    time.Duration
	URLTTL        time.Duration
}

// CommerceConfig points at the cart and catalog service that prices checkouts. The memory store
// driver runs without it against an in-process catalog.
type CommerceConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig guards /internal. Audiences maps environment name to audience and fills Audience when unset.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig drives the checkout replay guard and its cleanup job.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile        string
	overrides      map[string]string
	systemEnv      bool
	resolver       SecretResolver
	required       []string
	panicOnMissing bool
}

func defaultLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, systemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile points at a dotenv file; "" disables it. A missing file is ignored.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.overrides = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.systemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets names secret-backed fields (e.g. "Payments.Paystack.SecretKey") that must
// end up non-empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.required = append(o.required, names...) }
}

// WithPanicOnMissingSecrets turns a MissingSecretsError into a panic.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissing = true }
}

// EnvironmentValues flattens dotenv, process env and overrides, in that precedence order.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(defaultLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.flatten(), nil
}

// Load reads every API_* setting, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := defaultLoaderOptions(opts)
	env, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.dur("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.dur("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.dur("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{Driver: strings.ToLower(env.str("API_STORE_DRIVER", defaultStoreDriver))},
		Postgres: PostgresConfig{
			DSN:             env.str("API_POSTGRES_DSN", ""),
			MaxOpenConns:    env.num("API_POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
			MaxIdleConns:    env.num("API_POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxIdle),
			ConnMaxLifetime: env.dur("API_POSTGRES_CONN_MAX_LIFETIME", defaultPostgresLifetime),
			AutoMigrate:     env.flag("API_POSTGRES_AUTO_MIGRATE", true),
		},
		Storage: StorageConfig{
			InvoicesBucket:        env.str("API_STORAGE_INVOICES_BUCKET", ""),
			SignerCredentialsFile: env.str("API_STORAGE_SIGNER_CREDENTIALS_FILE", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:    env.str("API_PUBSUB_PROJECT_ID", ""),
			InvoiceTopic: env.str("API_PUBSUB_INVOICE_TOPIC", defaultInvoiceTopic),
		},
		Kafka: KafkaConfig{
			Brokers:          env.list("API_KAFKA_BROKERS"),
			OrderEventsTopic: env.str("API_KAFKA_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(env.str("API_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			Timeout:         env.dur("API_PAYMENTS_TIMEOUT", defaultGatewayTimeout),
			RetryAttempts:   env.num("API_PAYMENTS_RETRY_ATTEMPTS", defaultGatewayRetries),
			Paystack: PaystackConfig{
				BaseURL:         env.str("API_PAYSTACK_BASE_URL", ""),
				SecretKey:       env.str("API_PAYSTACK_SECRET_KEY", ""),
				SignatureHeader: env.str("API_PAYSTACK_SIGNATURE_HEADER", defaultPaystackHeader),
			},
			Stripe: StripeConfig{
				APIKey:        env.str("API_STRIPE_API_KEY", ""),
				WebhookSecret: env.str("API_STRIPE_WEBHOOK_SECRET", ""),
				SuccessURL:    env.str("API_STRIPE_SUCCESS_URL", ""),
				CancelURL:     env.str("API_STRIPE_CANCEL_URL", ""),
			},
		},
		Reconcile: ReconcileConfig{
			PendingOrderTTL:    env.dur("API_RECONCILE_PENDING_TTL", defaultPendingOrderTTL),
			IdentifierAttempts: env.num("API_RECONCILE_IDENTIFIER_ATTEMPTS", defaultIdentifierAttempts),
			SweepLimit:         env.num("API_RECONCILE_SWEEP_LIMIT", defaultSweepLimit),
			SweepInterval:      env.dur("API_RECONCILE_SWEEP_INTERVAL", defaultSweepInterval),
			CallbackURL:        env.str("API_RECONCILE_CALLBACK_URL", ""),
			StatsCurrency:      strings.ToUpper(env.str("API_RECONCILE_STATS_CURRENCY", defaultStatsCurrency)),
		},
		Invoice: InvoiceConfig{
			RendererURL:   env.str("API_INVOICE_RENDERER_URL", ""),
			RendererToken: env.str("API_INVOICE_RENDERER_TOKEN", ""),
			Timeout:       env.dur("API_INVOICE_TIMEOUT", defaultInvoiceTimeout),
			RetryAfter:    env.dur("API_INVOICE_RETRY_AFTER", defaultInvoiceRetryAfter),
			URLTTL:        env.dur("API_INVOICE_URL_TTL", defaultInvoiceURLTTL),
		},
		Commerce: CommerceConfig{
			BaseURL: env.str("API_COMMERCE_BASE_URL", ""),
			Token:   env.str("API_COMMERCE_TOKEN", ""),
			Timeout: env.dur("API_COMMERCE_TIMEOUT", defaultCommerceTimeout),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.dur("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.dur("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.num("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
	cfg.applyDerivedDefaults()

	resolved, err := cfg.resolveSecrets(ctx, o.resolver)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(o.required, resolved); missing != nil {
		if o.panicOnMissing {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing)
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func (c *Config) applyDerivedDefaults() {
	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = c.Firebase.ProjectID
	}
	if c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = c.Firebase.ProjectID
	}
	oidc := &c.Security.OIDC
	if len(oidc.Issuers) == 0 {
		oidc.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if oidc.Audience == "" {
		oidc.Audience = oidc.Audiences[c.Security.Environment]
	}
}

// secretFields lists the values that may hold a secret reference, keyed by the names
// WithRequiredSecrets accepts.
func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"Postgres.DSN":                  &c.Postgres.DSN,
		"Payments.Paystack.SecretKey":   &c.Payments.Paystack.SecretKey,
		"Payments.Stripe.APIKey":        &c.Payments.Stripe.APIKey,
		"Payments.Stripe.WebhookSecret": &c.Payments.Stripe.WebhookSecret,
		"Invoice.RendererToken":         &c.Invoice.RendererToken,
		"Commerce.Token":                &c.Commerce.Token,
	}
}

func (c *Config) validate() error {
	var bad []string
	check := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}
	check(c.Server.Port != "", "Server.Port")
	check(c.Firebase.ProjectID != "", "Firebase.ProjectID")
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFirestore:
		check(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverPostgres:
		check(strings.TrimSpace(c.Postgres.DSN) != "", "Postgres.DSN")
	default:
		bad = append(bad, "Store.Driver")
	}
	check(c.Store.Driver == StoreDriverMemory || strings.TrimSpace(c.Commerce.BaseURL) != "", "Commerce.BaseURL")
	check(c.Payments.Paystack.SecretKey != "" || c.Payments.Stripe.APIKey != "", "Payments.Paystack.SecretKey")
	check(c.Payments.Stripe.APIKey == "" || c.Payments.Stripe.WebhookSecret != "", "Payments.Stripe.WebhookSecret")
	check(c.Reconcile.PendingOrderTTL > 0, "Reconcile.PendingOrderTTL")
	check(c.Reconcile.IdentifierAttempts > 0, "Reconcile.IdentifierAttempts")
	check(len(c.Reconcile.StatsCurrency) == 3, "Reconcile.StatsCurrency")
	check(c.Invoice.URLTTL > 0, "Invoice.URLTTL")
	check(strings.TrimSpace(c.Idempotency.Header) != "", "Idempotency.Header")
	check(c.Idempotency.TTL > 0, "Idempotency.TTL")
	check(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}
