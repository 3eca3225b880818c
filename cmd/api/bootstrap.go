package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/config"
	"github.com/hanko-field/reconciler/internal/platform/observability"
	"github.com/hanko-field/reconciler/internal/platform/secrets"
	"github.com/hanko-field/reconciler/internal/services"
)

// requiredSecretNames lists the secrets that must resolve for the gateways and stores the
// environment enables. A gateway is enabled by setting its credential variable at all, so an
// unresolved Secret Manager reference fails startup instead of silently disabling it.
func requiredSecretNames(env map[string]string) []string {
	var names []string
	if envValue(env, "API_PAYSTACK_SECRET_KEY") != "" {
		names = append(names, "Payments.Paystack.SecretKey")
	}
	if envValue(env, "API_STRIPE_API_KEY") != "" {
		names = append(names, "Payments.Stripe.APIKey", "Payments.Stripe.WebhookSecret")
	}
	if strings.EqualFold(envValue(env, "API_STORE_DRIVER"), "postgres") {
		names = append(names, "Postgres.DSN")
	}
	if envValue(env, "API_INVOICE_RENDERER_URL") != "" && envValue(env, "API_INVOICE_RENDERER_TOKEN") != "" {
		names = append(names, "Invoice.RendererToken")
	}
	if envValue(env, "API_COMMERCE_BASE_URL") != "" && envValue(env, "API_COMMERCE_TOKEN") != "" {
		names = append(names, "Commerce.Token")
	}
	return names
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	info := services.BuildInfo{
		Version:     envValue(env, "API_BUILD_VERSION"),
		CommitSHA:   envValue(env, "API_BUILD_COMMIT_SHA"),
		Environment: strings.TrimSpace(cfg.Security.Environment),
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.CommitSHA == "" {
		info.CommitSHA = "unknown"
	}
	if info.Environment == "" {
		info.Environment = "local"
	}
	return info
}

// buildOIDCMiddleware guards /internal routes with Google-signed OIDC tokens. It returns nil
// when no JWKS endpoint is configured.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter), auth.WithOIDCMetrics(metrics))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		audience = strings.TrimSpace(cfg.Security.OIDC.Audiences["internal"])
	}
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// traceSampleRatio reads API_TRACE_SAMPLE_RATIO, clamped to [0,1]. Defaults to 0.1.
func traceSampleRatio(env map[string]string) float64 {
	ratio, err := strconv.ParseFloat(envValue(env, "API_TRACE_SAMPLE_RATIO"), 64)
	if err != nil {
		return 0.1
	}
	return min(max(ratio, 0), 1)
}

func traceProjectID(cfg config.Config) string {
	for _, id := range []string{cfg.Firebase.ProjectID, cfg.Firestore.ProjectID, cfg.PubSub.ProjectID} {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	envLabel := strings.ToLower(envValue(env, "API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	fallbackPath := envValue(env, "API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}

	projects := parsePairs(envValue(env, "API_SECRET_PROJECT_IDS"), func(key, value string) (string, string) {
		return strings.ToLower(key), value
	})
	if len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}

	defaultProject := envValue(env, "API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = envValue(env, "API_FIREBASE_PROJECT_ID")
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}

	pins := parsePairs(envValue(env, "API_SECRET_VERSION_PINS"), func(key, value string) (string, string) {
		return canonicalSecretRef(key), value
	})
	if len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}

	if credentials := envValue(env, "API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// parsePairs reads "k=v,k=v" lists, dropping malformed or blank entries.
func parsePairs(raw string, normalize func(key, value string) (string, string)) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if normalize != nil {
			key, value = normalize(key, value)
		}
		out[key] = value
	}
	return out
}

// canonicalSecretRef rewrites "env:name" or "sm://name" pin keys into the
// "env:secret://name" form the fetcher indexes by.
func canonicalSecretRef(ref string) string {
	var prefix string
	if idx := strings.Index(ref, ":"); idx > 0 {
		if scheme := strings.Index(ref, "://"); scheme == -1 || idx < scheme {
			prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
			ref = strings.TrimSpace(ref[idx+1:])
		}
	}
	switch {
	case strings.HasPrefix(ref, "sm://"):
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	case !strings.HasPrefix(ref, "secret://"):
		ref = "secret://" + ref
	}
	return prefix + ref
}

func envValue(env map[string]string, key string) string {
	if env == nil {
		return ""
	}
	return strings.TrimSpace(env[key])
}
