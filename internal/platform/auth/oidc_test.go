package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	schedulerAudience = "https://reconciler.example.com/internal"
	googleIssuer      = "https://accounts.google.com"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

type verificationLog struct {
	mu      sync.Mutex
	reasons []string
}

func (l *verificationLog) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kind != "oidc" || success != (reason == "ok") {
		reason = "inconsistent:" + reason
	}
	l.reasons = append(l.reasons, reason)
}

func (l *verificationLog) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.reasons) == 0 {
		return ""
	}
	return l.reasons[len(l.reasons)-1]
}

type oidcFixture struct {
	key       *rsa.PrivateKey
	jwksURL   string
	fetches   *atomic.Int32
	now       time.Time
	validator *OIDCValidator
	log       *verificationLog
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fetches := &atomic.Int32{}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "scheduler-key", Algorithm: "RS256", Use: "sig"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = original })

	f := &oidcFixture{key: key, jwksURL: server.URL, fetches: fetches, now: now, log: &verificationLog{}}
	cache := NewJWKSCache(server.URL,
		WithJWKSLogger(discardLogger{}),
		WithJWKSClock(func() time.Time { return now }),
		WithoutJWKSBackgroundRefresh(),
	)
	f.validator = NewOIDCValidator(cache,
		WithOIDCLogger(discardLogger{}),
		WithOIDCMetrics(f.log),
		WithOIDCClock(func() time.Time { return now }),
	)
	return f
}

func (f *oidcFixture) sign(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   schedulerAudience,
		"iss":   googleIssuer,
		"sub":   "1234567890",
		"email": "scheduler@payments.iam.gserviceaccount.com",
		"iat":   float64(f.now.Unix()),
		"exp":   float64(f.now.Add(time.Hour).Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "scheduler-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWKSCacheReusesKeysWithinMaxAge(t *testing.T) {
	f := newOIDCFixture(t)
	for i := 0; i < 3; i++ {
		key, err := f.validator.cache.Key(context.Background(), "scheduler-key")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := key.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", key)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("expected one JWKS fetch, got %d", got)
	}
	if _, err := f.validator.cache.Key(context.Background(), "rotated-key"); err == nil {
		t.Fatal("expected unknown kid to fail after refetch")
	}
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("expected unknown kid to trigger a refetch, got %d fetches", got)
	}
}

func TestCacheLifetime(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"max-age", http.Header{"Cache-Control": {"public, max-age=120, must-revalidate"}}, 2 * time.Minute},
		{"expires", http.Header{"Expires": {now.Add(time.Hour).Format(http.TimeFormat)}}, time.Hour},
		{"fallback", http.Header{}, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := cacheLifetime(tc.header, now, 5*time.Minute); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestRequireOIDC(t *testing.T) {
	cases := []struct {
		name       string
		audience   string
		issuers    []string
		mutate     func(jwt.MapClaims)
		header     string
		noToken    bool
		breakJWKS  bool
		wantStatus int
		wantReason string
	}{
		{name: "scheduler token", audience: schedulerAudience, issuers: []string{googleIssuer}, header: "Authorization", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "iap assertion", audience: schedulerAudience, header: "X-Goog-Iap-Jwt-Assertion", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "audience list", audience: schedulerAudience, header: "Authorization", mutate: func(c jwt.MapClaims) { c["aud"] = []any{"other", schedulerAudience} }, wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "wrong audience", audience: "https://elsewhere.example.com", header: "Authorization", wantStatus: http.StatusUnauthorized, wantReason: "audience_mismatch"},
		{name: "wrong issuer", audience: schedulerAudience, issuers: []string{"https://issuer.example.com"}, header: "Authorization", wantStatus: http.StatusUnauthorized, wantReason: "issuer_mismatch"},
		{name: "expired", audience: schedulerAudience, header: "Authorization", mutate: func(c jwt.MapClaims) { c["exp"] = float64(1_600_000_000) }, wantStatus: http.StatusUnauthorized, wantReason: "token_invalid"},
		{name: "missing token", audience: schedulerAudience, noToken: true, wantStatus: http.StatusUnauthorized, wantReason: "token_missing"},
		{name: "unconfigured audience", audience: "", header: "Authorization", wantStatus: http.StatusServiceUnavailable, wantReason: "audience_not_configured"},
		{name: "jwks down", audience: schedulerAudience, header: "Authorization", breakJWKS: true, wantStatus: http.StatusServiceUnavailable, wantReason: "jwks_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOIDCFixture(t)
			if tc.breakJWKS {
				f.validator.cache.url = "http://127.0.0.1:1/jwks"
			}
			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/pending-orders:expire", nil)
			if !tc.noToken {
				token := f.sign(t, tc.mutate)
				if tc.header == "Authorization" {
					token = "Bearer " + token
				}
				req.Header.Set(tc.header, token)
			}

			var caller *ServiceIdentity
			rr := httptest.NewRecorder()
			f.validator.RequireOIDC(tc.audience, tc.issuers)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				caller, _ = ServiceIdentityFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
			if got := f.log.last(); got != tc.wantReason {
				t.Fatalf("reason = %q, want %q", got, tc.wantReason)
			}
			if tc.wantStatus == http.StatusNoContent {
				if caller == nil || caller.Email != "scheduler@payments.iam.gserviceaccount.com" || caller.Audience != schedulerAudience {
					t.Fatalf("unexpected service identity %+v", caller)
				}
			}
		})
	}
}
