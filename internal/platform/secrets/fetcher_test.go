package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const paystackLatest = "projects/payments-prod/secrets/paystack_secret_key/versions/latest"

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func writeFallback(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesRemoteValue(t *testing.T) {
	client := newFakeAccessClient()
	client.values[paystackLatest] = "sk_live_remote"
	fetcher := newTestFetcher(t, withClient(client), WithDefaultProject("payments-prod"))

	for i := 0; i < 3; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://paystack_secret_key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "sk_live_remote" {
			t.Fatalf("got %q", got)
		}
	}
	if calls := client.calls(paystackLatest); calls != 1 {
		t.Fatalf("expected one remote access, got %d", calls)
	}
}

func TestResolveCacheTTLExpires(t *testing.T) {
	client := newFakeAccessClient()
	client.values[paystackLatest] = "sk_live_remote"
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	fetcher := newTestFetcher(t,
		withClient(client),
		WithDefaultProject("payments-prod"),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)

	if _, err := fetcher.Resolve(context.Background(), "secret://paystack_secret_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	now = now.Add(2 * time.Minute)
	client.values[paystackLatest] = "sk_live_rotated"
	got, err := fetcher.Resolve(context.Background(), "secret://paystack_secret_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_live_rotated" || client.calls(paystackLatest) != 2 {
		t.Fatalf("expected refetch after ttl, got %q after %d calls", got, client.calls(paystackLatest))
	}
}

func TestResolveFallsBackOnTransientErrors(t *testing.T) {
	for _, code := range []codes.Code{codes.PermissionDenied, codes.Unavailable, codes.DeadlineExceeded} {
		client := newFakeAccessClient()
		client.errs[paystackLatest] = status.Error(code, "nope")
		fetcher := newTestFetcher(t,
			withClient(client),
			WithDefaultProject("payments-prod"),
			WithFallbackFile(writeFallback(t, "# local\nsecret://paystack_secret_key=sk_test_local\n")),
		)
		got, err := fetcher.Resolve(context.Background(), "secret://paystack_secret_key")
		if err != nil {
			t.Fatalf("%s: Resolve: %v", code, err)
		}
		if got != "sk_test_local" {
			t.Fatalf("%s: got %q", code, got)
		}
	}
}

func TestResolveNotFoundDoesNotFallBack(t *testing.T) {
	client := newFakeAccessClient()
	client.errs[paystackLatest] = status.Error(codes.NotFound, "missing")
	fetcher := newTestFetcher(t,
		withClient(client),
		WithDefaultProject("payments-prod"),
		WithFallbackFile(writeFallback(t, "secret://paystack_secret_key=sk_test_local\n")),
	)
	_, err := fetcher.Resolve(context.Background(), "secret://paystack_secret_key")
	if status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestResolveVersionPinsAndEnvironmentProjects(t *testing.T) {
	client := newFakeAccessClient()
	client.values["projects/payments-stg/secrets/postgres_dsn/versions/4"] = "postgres://stg"
	fetcher := newTestFetcher(t,
		withClient(client),
		WithEnvironment("STG"),
		WithDefaultProject("payments-prod"),
		WithProjectMap(map[string]string{"stg": "payments-stg"}),
		WithVersionPins(map[string]string{
			"secret://postgres_dsn":     "9",
			"stg:secret://postgres_dsn": "4",
		}),
	)
	got, err := fetcher.Resolve(context.Background(), "sm://postgres_dsn")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "postgres://stg" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveExplicitVersionInFallbackFile(t *testing.T) {
	fetcher := newTestFetcher(t,
		withClient(newFakeAccessClient()),
		WithFallbackFile(writeFallback(t, "secret://stripe_webhook_secret?version=2=whsec_v2\nsecret://stripe_webhook_secret=whsec_latest\n")),
	)
	got, err := fetcher.Resolve(context.Background(), "secret://stripe_webhook_secret?version=2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_v2" {
		t.Fatalf("got %q", got)
	}
	got, err = fetcher.Resolve(context.Background(), "secret://stripe_webhook_secret")
	if err != nil || got != "whsec_latest" {
		t.Fatalf("got %q err %v", got, err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	client := newFakeAccessClient()
	client.values[paystackLatest] = "sk_live_remote"
	fetcher := newTestFetcher(t, withClient(client), WithDefaultProject("payments-prod"))

	ctx := context.Background()
	if _, err := fetcher.Resolve(ctx, "secret://paystack_secret_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fetcher.Invalidate("secret://paystack_secret_key")
	if _, err := fetcher.Resolve(ctx, "secret://paystack_secret_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls := client.calls(paystackLatest); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (accessClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	fetcher := newTestFetcher(t,
		WithDefaultProject("payments-prod"),
		WithFallbackFile(writeFallback(t, "sm://paystack_secret_key=sk_test_local\n")),
	)
	got, err := fetcher.Resolve(context.Background(), "secret://paystack_secret_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	fetcher := newTestFetcher(t, withClient(newFakeAccessClient()))
	for _, ref := range []string{"", "https://example.com/x", "secret://"} {
		if _, err := fetcher.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

type fakeAccessClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	counts map[string]int
}

func newFakeAccessClient() *fakeAccessClient {
	return &fakeAccessClient{values: map[string]string{}, errs: map[string]error{}, counts: map[string]int{}}
}

func (f *fakeAccessClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[req.GetName()]++
	if err := f.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (f *fakeAccessClient) Close() error { return nil }

func (f *fakeAccessClient) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}
