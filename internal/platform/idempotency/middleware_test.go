package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/reconciler/internal/platform/auth"
)

var checkoutAt = time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)

func checkoutRequest(key, body, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

type checkoutHandler struct{ calls atomic.Int32 }

func (h *checkoutHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	n := h.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/v1/pending-orders/pend_1")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"paymentReference":"PAY-` + string(rune('0'+n)) + `"}`))
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Success bool `json:"success"`
		Errors  []struct {
			Kind string `json:"kind"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	if env.Success || len(env.Errors) == 0 {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}
	return env.Errors[0].Kind
}

func newGuarded(store Store) (http.Handler, *checkoutHandler) {
	h := &checkoutHandler{}
	mw := Middleware(store, WithClock(func() time.Time { return checkoutAt }), WithTTL(time.Hour))
	return mw(h), h
}

func TestMiddlewareReplaysCompletedCheckout(t *testing.T) {
	handler, inner := newGuarded(NewMemoryStore())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest("cart-42", `{"cartId":"42"}`, "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, checkoutRequest("cart-42", `{"cartId":"42"}`, "user-1"))

	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times", got)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %s vs %s", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" || first.Header().Get(ReplayHeader) != "" {
		t.Fatal("only the replay should carry the replay header")
	}
	if second.Header().Get("Location") != "/api/v1/pending-orders/pend_1" {
		t.Fatalf("headers not replayed: %v", second.Header())
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	handler, inner := newGuarded(NewMemoryStore())
	for _, uid := range []string{"user-1", "user-2"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, checkoutRequest("shared", `{}`, uid))
		if rr.Code != http.StatusCreated {
			t.Fatalf("%s: status %d", uid, rr.Code)
		}
	}
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("expected each caller to reach the handler, got %d calls", got)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	store := NewMemoryStore()
	handler, inner := newGuarded(store)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest("", `{}`, "user-1"))
	if rr.Code != http.StatusBadRequest || errorKind(t, rr) != "validation" {
		t.Fatalf("missing key: %d %s", rr.Code, rr.Body.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), checkoutRequest("k1", `{"cartId":"1"}`, "user-1"))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest("k1", `{"cartId":"2"}`, "user-1"))
	if rr.Code != http.StatusConflict || errorKind(t, rr) != "conflict" {
		t.Fatalf("reused key: %d %s", rr.Code, rr.Body.String())
	}

	req := checkoutRequest("k2", `{}`, "user-1")
	body, _ := bufferBody(req)
	if _, _, err := store.Claim(context.Background(), "k2|user-1", fingerprint(req, "user-1", body), checkoutAt, time.Hour); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("in-flight key: %d", rr.Code)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times", got)
	}
}

func TestMiddlewarePassesReadsThrough(t *testing.T) {
	handler, inner := newGuarded(NewMemoryStore())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if rr.Code != http.StatusCreated || inner.calls.Load() != 1 {
		t.Fatalf("GET should bypass the guard: %d", rr.Code)
	}
}

type failingStore struct {
	*MemoryStore
	abandoned []string
}

func (s *failingStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	return errors.New("firestore unavailable")
}

func (s *failingStore) Abandon(ctx context.Context, key string) error {
	s.abandoned = append(s.abandoned, key)
	return s.MemoryStore.Abandon(ctx, key)
}

func TestMiddlewareAbandonsKeyWhenCompleteFails(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	handler, _ := newGuarded(store)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest("k3", `{}`, "user-9"))
	if rr.Code != http.StatusServiceUnavailable || errorKind(t, rr) != "unavailable" {
		t.Fatalf("expected 503, got %d %s", rr.Code, rr.Body.String())
	}
	if len(store.abandoned) != 1 || store.abandoned[0] != "k3|user-9" {
		t.Fatalf("expected key to be abandoned, got %v", store.abandoned)
	}
	if store.Len() != 0 {
		t.Fatal("abandoned key should be claimable again")
	}
}

func TestMemoryStoreExpiryAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if outcome, _, _ := store.Claim(ctx, "a", "fp", checkoutAt, time.Minute); outcome != OutcomeFresh {
		t.Fatalf("first claim: %v", outcome)
	}
	if err := store.Complete(ctx, "a", "fp", Response{Status: 201, Header: http.Header{"Date": {"x"}, "X-Trace": {"t"}}}, checkoutAt, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	outcome, entry, _ := store.Claim(ctx, "a", "fp", checkoutAt.Add(30*time.Second), time.Minute)
	if outcome != OutcomeReplay || entry.Status != 201 {
		t.Fatalf("expected replay, got %v %+v", outcome, entry)
	}
	if _, ok := entry.Header["Date"]; ok || entry.Header.Get("X-Trace") != "t" {
		t.Fatalf("unexpected replay headers %v", entry.Header)
	}
	if outcome, _, _ := store.Claim(ctx, "a", "other", checkoutAt.Add(2*time.Minute), time.Minute); outcome != OutcomeFresh {
		t.Fatalf("expired key should be claimable by a new fingerprint, got %v", outcome)
	}

	store.Claim(ctx, "b", "fp", checkoutAt, time.Minute)
	removed, err := store.CleanupExpired(ctx, checkoutAt.Add(90*time.Second), 10)
	if err != nil || removed != 1 || store.Len() != 1 {
		t.Fatalf("cleanup removed %d (len %d): %v", removed, store.Len(), err)
	}
}
