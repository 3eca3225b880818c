package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// MetricsRecorder receives one call per verification attempt.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// OIDCValidator authenticates Cloud Scheduler and Pub/Sub push calls to /internal routes using
// Google-signed ID tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = recorder }
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// ServiceIdentity is the verified caller of an internal route.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// oidcFailure is a rejected verification: the metric reason, status and client message.
type oidcFailure struct {
	reason  string
	status  int
	message string
}

// RequireOIDC rejects requests without a valid RS256 token for audience. An empty issuers list
// accepts any issuer the JWKS keys verify.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make([]string, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed = append(allowed, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			identity, failure := v.verify(ctx, r, audience, allowed)
			if failure != nil {
				v.record(ctx, false, failure.reason, start)
				respondAuthError(ctx, w, failure.status, failure.message)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(ctx context.Context, r *http.Request, audience string, issuers []string) (*ServiceIdentity, *oidcFailure) {
	if audience == "" {
		return nil, &oidcFailure{"audience_not_configured", http.StatusServiceUnavailable, "oidc audience not configured"}
	}
	raw := oidcToken(r)
	if raw == "" {
		return nil, &oidcFailure{"token_missing", http.StatusUnauthorized, "oidc token missing"}
	}
	if v.cache == nil {
		return nil, &oidcFailure{"cache_unavailable", http.StatusServiceUnavailable, "oidc verification unavailable"}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
		v.logger.Printf("auth: oidc verification failed: %v", err)
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, &oidcFailure{"jwks_unavailable", http.StatusServiceUnavailable, "oidc token verification failed"}
		}
		return nil, &oidcFailure{"token_invalid", http.StatusUnauthorized, "oidc token verification failed"}
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		v.logger.Printf("auth: oidc issuer %q not allowed", issuer)
		return nil, &oidcFailure{"issuer_mismatch", http.StatusUnauthorized, "oidc issuer mismatch"}
	}
	if !slices.Contains(claimAudiences(claims), audience) {
		v.logger.Printf("auth: oidc token not issued for %q", audience)
		return nil, &oidcFailure{"audience_mismatch", http.StatusUnauthorized, "oidc audience mismatch"}
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
	}
}

// oidcToken prefers the bearer token and falls back to the IAP assertion header.
func oidcToken(r *http.Request) string {
	if token, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func claimAudiences(claims jwt.MapClaims) []string {
	switch aud := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(aud)}
	case []string:
		return aud
	case []any:
		out := make([]string, 0, len(aud))
		for _, item := range aud {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}
