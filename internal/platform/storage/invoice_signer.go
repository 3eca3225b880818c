package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrInvalidObjectRef reports a document reference that does not name a Cloud Storage object.
var ErrInvalidObjectRef = errors.New("storage: invalid object reference")

const storageHost = "storage.googleapis.com"

// ObjectRef addresses one Cloud Storage object.
type ObjectRef struct {
	Bucket string
	Object string
}

// String renders the reference in gs:// form.
func (r ObjectRef) String() string {
	return fmt.Sprintf("gs://%s/%s", r.Bucket, r.Object)
}

// ParseObjectRef accepts gs://bucket/object, https://storage.googleapis.com/bucket/object,
// or a bare object path resolved against defaultBucket.
func ParseObjectRef(ref, defaultBucket string) (ObjectRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ObjectRef{}, ErrInvalidObjectRef
	}

	switch {
	case strings.HasPrefix(ref, "gs://"):
		bucket, object, ok := strings.Cut(strings.TrimPrefix(ref, "gs://"), "/")
		return newObjectRef(bucket, object, ok)
	case strings.HasPrefix(ref, "https://"):
		parsed, err := url.Parse(ref)
		if err != nil || parsed.Host != storageHost {
			return ObjectRef{}, fmt.Errorf("%w: %q", ErrInvalidObjectRef, ref)
		}
		bucket, object, ok := strings.Cut(strings.TrimPrefix(parsed.Path, "/"), "/")
		return newObjectRef(bucket, object, ok)
	case strings.Contains(ref, "://"):
		return ObjectRef{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidObjectRef, ref)
	default:
		return newObjectRef(defaultBucket, strings.TrimPrefix(ref, "/"), true)
	}
}

func newObjectRef(bucket, object string, ok bool) (ObjectRef, error) {
	bucket = strings.TrimSpace(bucket)
	object = strings.TrimSpace(object)
	if !ok || bucket == "" || object == "" || strings.Contains(object, "..") {
		return ObjectRef{}, ErrInvalidObjectRef
	}
	return ObjectRef{Bucket: bucket, Object: object}, nil
}

// InvoiceSigner issues short-lived attachment links for rendered invoice PDFs.
type InvoiceSigner struct {
	urls          *URLSigner
	defaultBucket string
}

// NewInvoiceSigner resolves references stored without a bucket against defaultBucket.
func NewInvoiceSigner(urls *URLSigner, defaultBucket string) (*InvoiceSigner, error) {
	if urls == nil {
		return nil, errNoSigner
	}
	return &InvoiceSigner{urls: urls, defaultBucket: strings.TrimSpace(defaultBucket)}, nil
}

func (s *InvoiceSigner) SignedURL(ctx context.Context, documentRef string, ttl time.Duration) (string, error) {
	ref, err := ParseObjectRef(documentRef, s.defaultBucket)
	if err != nil {
		return "", err
	}
	return s.urls.Download(ctx, ref, ttl, map[string]string{
		"content-disposition": fmt.Sprintf("attachment; filename=%q", path.Base(ref.Object)),
		"content-type":        "application/pdf",
		"cache-control":       "private, max-age=0",
	})
}
