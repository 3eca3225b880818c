package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/hanko-field/reconciler/internal/platform/secrets"

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references from Secret Manager, falling back to a local file when
// the remote is unreachable or no project is configured. Gateway keys and the Postgres DSN are
// the usual callers.
type Fetcher struct {
	client     accessClient
	clientOpts []option.ClientOption
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	cacheTTL       time.Duration
	now            func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     fallbackFile

	mu    sync.Mutex
	cache map[string]cached

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type cached struct {
	value     string
	fetchedAt time.Time
}

// Option customises a Fetcher.
type Option func(*Fetcher)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects the per-environment project and pin entries.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) { f.env = strings.ToLower(strings.TrimSpace(env)) }
}

func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) { f.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) {
		for env, project := range m {
			f.projects[strings.ToLower(env)] = strings.TrimSpace(project)
		}
	}
}

// WithVersionPins pins versions by "secret://name" or "env:secret://name".
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) {
		for ref, version := range pins {
			f.pins[ref] = strings.TrimSpace(version)
		}
	}
}

func WithFallbackFile(path string) Option {
	return func(f *Fetcher) { f.fallbackPath = path }
}

// WithCacheTTL bounds how long a resolved value is reused. Zero caches for the process lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.cacheTTL = ttl }
}

func WithMeter(m metric.Meter) Option {
	return func(f *Fetcher) { f.registerMetrics(m) }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) { f.clientOpts = append(f.clientOpts, opts...) }
}

// withClient injects an access client; tests use it to avoid real credentials.
func withClient(client accessClient) Option {
	return func(f *Fetcher) { f.client, f.ownsClient = client, false }
}

func withClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher builds a Fetcher. When the Secret Manager client cannot be created it degrades to
// the fallback file instead of failing.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		env:          "local",
		projects:     map[string]string{},
		pins:         map[string]string{},
		now:          time.Now,
		fallbackPath: ".secrets.local",
		cache:        map[string]cached{},
	}
	f.registerMetrics(otel.GetMeterProvider().Meter(meterName))
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.client == nil {
		client, err := newSecretManagerClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager client unavailable; using fallback file", zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

func (f *Fetcher) registerMetrics(m metric.Meter) {
	if m == nil {
		return
	}
	if h, err := m.Float64Histogram("secrets.resolve.latency", metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source")); err == nil {
		f.latency = h
	}
	if c, err := m.Int64Counter("secrets.resolve.cache_hits",
		metric.WithDescription("Secret resolutions served from cache")); err == nil {
		f.hits = c
	}
}

func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. NotFound and other non-transient remote errors are
// returned as-is; only permission and availability failures fall back to the local file.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := f.now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.cacheKey(version)

	if value, ok := f.cached(key); ok {
		if f.hits != nil {
			f.hits.Add(ctx, 1)
		}
		f.observe(ctx, start, "cache")
		return value, nil
	}

	if project := f.project(ref); project != "" && f.client != nil {
		value, err := f.access(ctx, project, ref.Name, version)
		if err == nil {
			f.store(key, value)
			f.observe(ctx, start, "remote")
			return value, nil
		}
		if !transient(err) {
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: resolve %s: %w", ref.Canonical(), err)
		}
		f.logger.Debug("secrets: remote unavailable; trying fallback file", zap.String("ref", ref.Canonical()), zap.Error(err))
	}

	f.fallbackOnce.Do(func() {
		fb, err := loadFallbackFile(f.fallbackPath)
		if err != nil {
			f.logger.Warn("secrets: fallback file unreadable", zap.Error(err))
		}
		f.fallback = fb
	})
	value, ok := f.fallback.lookup(ref, version)
	if !ok {
		f.observe(ctx, start, "error")
		return "", fmt.Errorf("secrets: no value for %s", ref.Canonical())
	}
	f.store(key, value)
	f.observe(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops every cached version of ref so the next Resolve refetches it.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.Canonical() + "#"
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", errors.New("secrets: empty payload for " + resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if project := f.projects[f.env]; project != "" {
		return project
	}
	return f.defaultProject
}

func (f *Fetcher) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{f.env + ":" + ref.Canonical(), ref.Canonical()} {
		if pin := f.pins[key]; pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if f.cacheTTL > 0 && f.now().Sub(entry.fetchedAt) > f.cacheTTL {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	elapsed := float64(f.now().Sub(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

func transient(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
