package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseObjectRef(t *testing.T) {
	cases := []struct {
		name   string
		ref    string
		want   ObjectRef
		errStr string
	}{
		{name: "gs", ref: "gs://invoices-prod/invoices/2025/03/INV-1.pdf", want: ObjectRef{Bucket: "invoices-prod", Object: "invoices/2025/03/INV-1.pdf"}},
		{name: "https", ref: "https://storage.googleapis.com/invoices-prod/invoices/INV-1.pdf", want: ObjectRef{Bucket: "invoices-prod", Object: "invoices/INV-1.pdf"}},
		{name: "bare path", ref: "/invoices/INV-1.pdf", want: ObjectRef{Bucket: "default-bucket", Object: "invoices/INV-1.pdf"}},
		{name: "foreign host", ref: "https://example.com/bucket/INV-1.pdf", errStr: "invalid object reference"},
		{name: "unsupported scheme", ref: "s3://bucket/INV-1.pdf", errStr: "unsupported scheme"},
		{name: "missing object", ref: "gs://bucket", errStr: "invalid object reference"},
		{name: "traversal", ref: "gs://bucket/../secret", errStr: "invalid object reference"},
		{name: "empty", ref: "  ", errStr: "invalid object reference"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseObjectRef(tc.ref, "default-bucket")
			if tc.errStr != "" {
				if err == nil || !errors.Is(err, ErrInvalidObjectRef) || !strings.Contains(err.Error(), tc.errStr) {
					t.Fatalf("expected error containing %q, got %v", tc.errStr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestParseObjectRefBarePathWithoutDefaultBucket(t *testing.T) {
	if _, err := ParseObjectRef("invoices/INV-1.pdf", ""); !errors.Is(err, ErrInvalidObjectRef) {
		t.Fatalf("expected ErrInvalidObjectRef, got %v", err)
	}
}

func TestInvoiceSignerSignsAttachmentURL(t *testing.T) {
	client, err := NewURLSigner(&fakeSigner{email: "svc@example.com"})
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}
	signer, err := NewInvoiceSigner(client, "invoices-prod")
	if err != nil {
		t.Fatalf("NewInvoiceSigner: %v", err)
	}

	raw, err := signer.SignedURL(context.Background(), "gs://invoices-prod/invoices/2025/03/INV-1.pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(parsed.Path, "invoices-prod") || !strings.HasSuffix(parsed.Path, "INV-1.pdf") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	if got := parsed.Query().Get("response-content-disposition"); got != `attachment; filename="INV-1.pdf"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	assertExpiry(t, parsed.Query(), 15*time.Minute)
}

func TestInvoiceSignerRejectsLongTTL(t *testing.T) {
	client, _ := NewURLSigner(&fakeSigner{email: "svc@example.com"})
	signer, _ := NewInvoiceSigner(client, "bucket")
	if _, err := signer.SignedURL(context.Background(), "invoices/INV-1.pdf", time.Hour); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
}
