package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/recete-ai/recete-engine/pkg/auth"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/handlers"
	"github.com/recete-ai/recete-engine/pkg/middleware"
	"github.com/recete-ai/recete-engine/pkg/services"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and background schedulers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	jwks, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return err
	}
	defer jwks.Close()
	if !cfg.Auth.EnableVerification {
		logger.Warn("JWT verification disabled, merchant API tokens are not checked")
	}
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwks, logger), logger)

	mux := http.NewServeMux()
	a.registerRoutes(mux, authMiddleware)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger, a.metrics)(middleware.Recoverer(logger)(mux)),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
			zap.String("env", cfg.Env),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		services.DispatchLoop(gctx, a.scheduler, a.queue, cfg.Scheduler.PollInterval, cfg.Scheduler.BatchSize, logger)
		return nil
	})
	g.Go(func() error {
		services.EventDrainLoop(gctx, a.processor, cfg.Scheduler.PollInterval, cfg.Scheduler.EventDrainLimit, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.queue.Wait(waitCtx); err != nil {
		logger.Warn("Background tasks still running at shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}

func (a *app) registerRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return a.db.Pool.Ping(ctx) },
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	var metricsHandler http.Handler
	if a.cfg.Metrics.Enabled {
		metricsHandler = a.metrics.Handler()
	}
	handlers.NewHealthHandler(a.cfg, checks, metricsHandler, a.logger).RegisterRoutes(mux)

	handlers.NewShopifyWebhookHandler(
		a.merchants, a.processor, a.credentials, a.cfg.Shopify.WebhookSecret,
		a.auditor, a.getTenantCtx, a.getSystemCtx, a.logger,
	).RegisterRoutes(mux)
	handlers.NewWhatsAppWebhookHandler(
		a.conversations, a.cfg.WhatsApp.AppSecret, a.cfg.WhatsApp.VerifyToken, a.auditor, a.logger,
	).RegisterRoutes(mux)

	handlers.NewMerchantAPIHandler(
		a.processor, a.rag, a.indexer, a.queue, a.conversations, a.scheduler,
		a.merchants, a.getTenantCtx, a.logger,
	).RegisterRoutes(mux, authMiddleware, database.WithTenantContext(a.db, a.logger))
}
