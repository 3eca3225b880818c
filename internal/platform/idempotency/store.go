package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL is how long a checkout key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Outcome is what a Claim found for a key.
type Outcome int

const (
	// OutcomeFresh means the caller now owns the key and must Complete or Abandon it.
	OutcomeFresh Outcome = iota
	// OutcomeReplay means a finished response is stored for the key.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key and has not finished.
	OutcomeInFlight
)

// ErrFingerprintMismatch reports a key reused for a request with a different body or route.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// Entry is one remembered request.
type Entry struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	Header      http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Response is the handler output saved for replay.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store remembers checkout responses by key. Implementations must make Claim atomic: two
// concurrent claims of one unclaimed key yield exactly one OutcomeFresh.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// claimOutcome decides a Claim against the stored entry, if any. The returned entry is what
// should be persisted when the outcome is OutcomeFresh.
func claimOutcome(existing *Entry, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if existing == nil || existing.expired(now) {
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		return OutcomeFresh, Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}, nil
	}
	if existing.Fingerprint != fingerprint {
		return 0, Entry{}, ErrFingerprintMismatch
	}
	if existing.Completed {
		return OutcomeReplay, *existing, nil
	}
	return OutcomeInFlight, *existing, nil
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// hopByHop headers are never replayed.
var hopByHop = map[string]bool{
	"Connection": true, "Content-Length": true, "Date": true, "Keep-Alive": true,
	"Proxy-Authenticate": true, "Proxy-Authorization": true, "Te": true,
	"Trailers": true, "Transfer-Encoding": true, "Upgrade": true,
}

func replayableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if hopByHop[name] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
