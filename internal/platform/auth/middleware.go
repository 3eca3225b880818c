package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
)

type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter loads the Firebase user record, used to find the email of accounts whose ID
// token carries none (phone sign-in).
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator guards customer and back-office routes with Firebase ID tokens.
type Authenticator struct {
	verifier     TokenVerifier
	users        UserGetter
	metrics      MetricsRecorder
	roleClaim    string
	fallbackRole string
	timeout      time.Duration
}

type Option func(*Authenticator)

func WithUserGetter(users UserGetter) Option {
	return func(a *Authenticator) { a.users = users }
}

func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role assumed when the token has no role claim. An empty role
// makes such tokens forbidden.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) { a.fallbackRole = strings.ToLower(strings.TrimSpace(role)) }
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithAuthMetrics(recorder MetricsRecorder) Option {
	return func(a *Authenticator) { a.metrics = recorder }
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, roleClaim: "role", fallbackRole: RoleUser, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// authFailure is a rejected Firebase check: the metric reason, status and client message.
type authFailure struct {
	reason  string
	status  int
	message string
}

// RequireFirebaseAuth admits requests whose bearer token verifies and, when roles are given,
// whose identity holds at least one of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			identity, failure := a.authenticate(ctx, r.Header.Get("Authorization"), roles)
			if failure != nil {
				a.record(ctx, false, failure.reason, start)
				respondAuthError(ctx, w, failure.status, failure.message)
				return
			}
			a.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, header string, roles []string) (*Identity, *authFailure) {
	raw, ok := extractBearerToken(header)
	if !ok {
		return nil, &authFailure{"token_missing", http.StatusUnauthorized, "authorization header missing or invalid"}
	}
	if a == nil || a.verifier == nil {
		return nil, &authFailure{"verifier_unavailable", http.StatusServiceUnavailable, "authentication unavailable"}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	switch {
	case err == nil:
	case firebaseauth.IsIDTokenExpired(err):
		return nil, &authFailure{"token_expired", http.StatusUnauthorized, "firebase id token expired"}
	case firebaseauth.IsIDTokenRevoked(err):
		return nil, &authFailure{"token_revoked", http.StatusUnauthorized, "firebase id token revoked"}
	default:
		return nil, &authFailure{"token_invalid", http.StatusUnauthorized, "firebase id token invalid"}
	}

	identity := &Identity{UID: token.UID, Roles: claimRoles(token.Claims[a.roleClaim])}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	if len(identity.Roles) == 0 {
		return nil, &authFailure{"role_missing", http.StatusForbidden, "no roles associated with identity"}
	}
	if len(roles) > 0 && !hasAnyRole(identity, roles) {
		return nil, &authFailure{"role_denied", http.StatusForbidden, "identity does not have required role"}
	}
	if identity.Email == "" && a.users != nil {
		if user, err := a.users.GetUser(ctx, identity.UID); err == nil && user.UserInfo != nil {
			identity.Email = user.Email
		}
	}
	return identity, nil
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a != nil && a.metrics != nil {
		a.metrics.RecordVerification(ctx, "firebase", success, reason, time.Since(start))
	}
}

func hasAnyRole(identity *Identity, roles []string) bool {
	for _, role := range roles {
		if identity.HasRole(role) {
			return true
		}
	}
	return false
}

// claimRoles accepts the role claim as a string, a list, or a {"role": true} map.
func claimRoles(raw any) []string {
	var names []string
	switch v := raw.(type) {
	case string:
		names = []string{v}
	case []string:
		names = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
	case map[string]any:
		for name, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				names = append(names, name)
			}
		}
	}
	roles := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && !slices.Contains(roles, name) {
			roles = append(roles, name)
		}
	}
	return roles
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	kind := "unauthenticated"
	switch status {
	case http.StatusForbidden:
		kind = "forbidden"
	case http.StatusServiceUnavailable:
		kind = "unavailable"
	}
	httpx.WriteError(ctx, w, httpx.NewError(kind, message, status))
}
