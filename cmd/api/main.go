package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/reconciler/internal/di"
	"github.com/hanko-field/reconciler/internal/handlers"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/config"
	"github.com/hanko-field/reconciler/internal/platform/idempotency"
	"github.com/hanko-field/reconciler/internal/platform/observability"
	"github.com/hanko-field/reconciler/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("reconciler")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	tracerProvider := observability.InstallTracerProvider(traceSampleRatio(envValues))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()
	metrics := observability.NewMetrics()

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithMetrics(metrics),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier), auth.WithAuthMetrics(metrics))

	idempotencyMiddleware := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	reconcile := container.Services.Reconcile
	orderHandlers := handlers.NewOrderHandlers(authenticator, reconcile, handlers.WithCheckoutIdempotency(idempotencyMiddleware))
	pendingHandlers := handlers.NewPendingOrderHandlers(authenticator, reconcile)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, reconcile)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, reconcile)
	webhookHandlers := handlers.NewWebhookHandlers(reconcile, container.Gateways)
	internalHandlers := handlers.NewInternalHandlers(reconcile)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(metrics),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(metrics.Handler()),
		handlers.WithGroup(handlers.GroupOrders, orderHandlers.Routes),
		handlers.WithGroup(handlers.GroupPendingOrders, pendingHandlers.Routes),
		handlers.WithGroup(handlers.GroupPayments, paymentHandlers.Routes),
		handlers.WithGroup(handlers.GroupAdmin, adminHandlers.Routes),
		handlers.WithGroup(handlers.GroupWebhooks, webhookHandlers.Routes),
		handlers.WithGroup(handlers.GroupInternal, internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg, metrics); oidcMiddleware != nil {
		opts = append(opts, handlers.WithGroupMiddlewares(handlers.GroupInternal, oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWG sync.WaitGroup
	runEvery(bgCtx, &bgWG, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
		removed, err := container.Idempotency.CleanupExpired(ctx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		if err != nil {
			logger.Named("idempotency").Error("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Named("idempotency").Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})
	runEvery(bgCtx, &bgWG, cfg.Reconcile.SweepInterval, func(ctx context.Context) {
		sweep(ctx, logger.Named("sweeper"), reconcile, cfg.Reconcile.SweepLimit)
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("reconciler api listening", zap.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	bgCancel()
	bgWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runEvery calls fn on a ticker until ctx is cancelled. A non-positive interval disables it.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweep expires stale pending orders and re-queues invoices that never rendered. Scheduler
// endpoints under /internal/maintenance do the same on demand.
func sweep(ctx context.Context, logger *zap.Logger, reconcile services.ReconciliationService, limit int) {
	result, err := reconcile.ExpirePendingOrders(ctx, limit)
	if err != nil {
		logger.Error("pending order sweep failed", zap.Error(err))
	} else if result.Scanned > 0 {
		logger.Info("pending order sweep",
			zap.Int("scanned", result.Scanned),
			zap.Int("expired", result.Expired),
			zap.Int("confirmed", result.Confirmed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
		)
	}

	dispatched, err := reconcile.RedispatchMissingInvoices(ctx, limit)
	if err != nil {
		logger.Error("invoice redispatch failed", zap.Error(err))
		return
	}
	if dispatched > 0 {
		logger.Info("invoice redispatch", zap.Int("dispatched", dispatched))
	}
}
