package storage

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"
)

type fakeSigner struct {
	email string
	calls int
	err   error
}

func (f *fakeSigner) Email() string { return f.email }

func (f *fakeSigner) SignBytes(context.Context, []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("signed"), nil
}

// assertExpiry checks the signed lifetime. The library measures it against its own clock
// reading, so whole seconds may round down by one.
func assertExpiry(t *testing.T, q url.Values, ttl time.Duration) {
	t.Helper()
	expires, err := strconv.Atoi(q.Get("X-Goog-Expires"))
	if err != nil {
		t.Fatalf("X-Goog-Expires: %v", err)
	}
	want := int(ttl.Seconds())
	if expires != want && expires != want-1 {
		t.Fatalf("expected ~%ds expiry, got %d", want, expires)
	}
	stamped, err := time.Parse("20060102T150405Z", q.Get("X-Goog-Date"))
	if err != nil {
		t.Fatalf("X-Goog-Date: %v", err)
	}
	if skew := time.Since(stamped); skew < -time.Minute || skew > time.Minute {
		t.Fatalf("signing date %s is not current", stamped)
	}
}

func TestURLSignerDownload(t *testing.T) {
	if _, err := NewURLSigner(&fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}

	signer := &fakeSigner{email: "invoices@payments.iam.gserviceaccount.com"}
	urls, err := NewURLSigner(signer)
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}
	ref := ObjectRef{Bucket: "invoices-prod", Object: "invoices/2025/01/INV-1.pdf"}

	raw, err := urls.Download(context.Background(), ref, 0, map[string]string{"content-type": "application/pdf", "cache-control": ""})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("X-Goog-Signature") == "" {
		t.Fatalf("missing signature in %s", parsed.RawQuery)
	}
	assertExpiry(t, q, defaultDownloadTTL)
	if q.Get("response-content-type") != "application/pdf" || q.Has("response-cache-control") {
		t.Fatalf("unexpected overrides %s", parsed.RawQuery)
	}
	if signer.calls != 1 {
		t.Fatalf("expected one signing call, got %d", signer.calls)
	}

	if _, err := urls.Download(context.Background(), ref, 30*time.Minute, nil); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
	if _, err := urls.Download(context.Background(), ObjectRef{Bucket: "b"}, 0, nil); !errors.Is(err, ErrInvalidObjectRef) {
		t.Fatalf("expected ErrInvalidObjectRef, got %v", err)
	}
}

func TestURLSignerPropagatesSignerError(t *testing.T) {
	urls, _ := NewURLSigner(&fakeSigner{email: "svc@example.com", err: errors.New("kms unavailable")})
	if _, err := urls.Download(context.Background(), ObjectRef{Bucket: "b", Object: "o"}, time.Minute, nil); err == nil {
		t.Fatal("expected signer error")
	}
}
