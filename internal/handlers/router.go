package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
)

// RouteRegistrar registers one route group on the router it is handed.
type RouteRegistrar func(r chi.Router)

// Route groups mounted under the API prefix.
const (
	GroupPendingOrders = "/pending-orders"
	GroupPayments      = "/payments"
	GroupOrders        = "/orders"
	GroupAdmin         = "/admin"
	GroupWebhooks      = "/webhooks"
	GroupInternal      = "/internal"
)

var apiGroups = []string{GroupPendingOrders, GroupPayments, GroupOrders, GroupAdmin, GroupWebhooks, GroupInternal}

const (
	apiPrefix         = "/api/v1"
	requestTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

type mount struct {
	register    RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	global  []func(http.Handler) http.Handler
	health  *HealthHandlers
	metrics http.Handler
	groups  map[string]*mount
}

func (c *routerConfig) group(path string) *mount {
	m, ok := c.groups[path]
	if !ok {
		m = &mount{}
		c.groups[path] = m
	}
	return m
}

type Option func(*routerConfig)

// WithMiddlewares appends global middleware after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(c *routerConfig) { c.global = append(c.global, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(c *routerConfig) { c.health = h }
}

// WithMetricsHandler exposes h at /metrics, outside the API prefix.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *routerConfig) { c.metrics = h }
}

// WithGroup registers the routes for one API group (GroupOrders, GroupWebhooks, ...).
// Groups left unregistered answer 501.
func WithGroup(path string, register RouteRegistrar) Option {
	return func(c *routerConfig) { c.group(path).register = register }
}

// WithGroupMiddlewares wraps only the given group, e.g. OIDC on GroupInternal.
func WithGroupMiddlewares(path string, mw ...func(http.Handler) http.Handler) Option {
	return func(c *routerConfig) {
		g := c.group(path)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// NewRouter builds the chi router: probes and metrics at the root, API groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		global: []func(http.Handler) http.Handler{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups: make(map[string]*mount, len(apiGroups)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.global {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route(apiPrefix, func(api chi.Router) {
		for _, path := range apiGroups {
			g := cfg.group(path)
			api.Route(path, func(sub chi.Router) {
				for _, mw := range g.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.register == nil {
					notImplemented(sub, path)
					return
				}
				g.register(sub)
			})
		}
	})
	return r
}

func notImplemented(r chi.Router, group string) {
	h := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", apiPrefix+group+" is not enabled", http.StatusNotImplemented))
	}
	r.HandleFunc("/", h)
	r.HandleFunc("/*", h)
	r.NotFound(h)
	r.MethodNotAllowed(h)
}
