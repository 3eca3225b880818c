package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
)

// ReplayHeader marks responses served from the store rather than the handler.
const ReplayHeader = "X-Idempotent-Replay"

type Logger interface {
	Printf(format string, args ...any)
}

type guard struct {
	store  Store
	header string
	ttl    time.Duration
	now    func() time.Time
	logger Logger
}

type Option func(*guard)

// WithHeader sets the request header carrying the client key. Defaults to Idempotency-Key.
func WithHeader(name string) Option {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(g *guard) { g.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Middleware makes checkout submissions safe to retry. The first request for a key runs the
// handler and its response is stored; a retry with the same body gets that response back. Keys
// are scoped to the authenticated caller, so two users cannot collide on one key.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{store: store, header: "Idempotency-Key", ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()
	clientKey := strings.TrimSpace(r.Header.Get(g.header))
	if clientKey == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation", g.header+" header is required", http.StatusBadRequest).WithField(g.header))
		return
	}
	body, err := bufferBody(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation", "request body could not be read", http.StatusBadRequest))
		return
	}

	caller := callerID(r)
	key := clientKey + "|" + caller
	fp := fingerprint(r, caller, body)

	outcome, entry, err := g.store.Claim(ctx, key, fp, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "idempotency key was used for a different request", http.StatusConflict))
		return
	case err != nil:
		g.logf("idempotency: claim %s: %v", clientKey, err)
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
		return
	case outcome == OutcomeReplay:
		replay(w, entry)
		return
	case outcome == OutcomeInFlight:
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "a request with this idempotency key is still in progress", http.StatusConflict))
		return
	}

	buf := &bufferedWriter{header: make(http.Header)}
	next.ServeHTTP(buf, r)

	resp := Response{Status: buf.statusCode(), Header: buf.header, Body: buf.body.Bytes()}
	if err := g.store.Complete(ctx, key, fp, resp, g.now().UTC(), g.ttl); err != nil {
		g.logf("idempotency: complete %s: %v", clientKey, err)
		if err := g.store.Abandon(ctx, key); err != nil {
			g.logf("idempotency: abandon %s: %v", clientKey, err)
		}
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
		return
	}
	buf.flushTo(w)
}

func (g *guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func callerID(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.UID != "" {
		return id.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc.Subject != "" {
		return "svc:" + svc.Subject
	}
	return "anonymous"
}

// fingerprint hashes what makes two submissions "the same request".
func fingerprint(r *http.Request, caller string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), caller} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

// bufferedWriter holds the handler response until it has been stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
