package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/catalog"
	"github.com/alexjbarnes/toolgate/internal/config"
	"github.com/alexjbarnes/toolgate/internal/credentials"
	"github.com/alexjbarnes/toolgate/internal/crypto"
	"github.com/alexjbarnes/toolgate/internal/gateway"
	"github.com/alexjbarnes/toolgate/internal/logging"
	"github.com/alexjbarnes/toolgate/internal/mcpserver"
	"github.com/alexjbarnes/toolgate/internal/metrics"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/alexjbarnes/toolgate/internal/state"
	"github.com/alexjbarnes/toolgate/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, logging.ParseLevel(cfg.LogLevel))
	logger.Info("toolgate starting", slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.StateDBPath
	if dbPath == "" {
		dbPath = state.DefaultPath()
	}

	appState, err := state.LoadAt(dbPath)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer appState.Close()

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authenticator, bearer, closeAuth, err := newAuthenticator(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	var revoker gateway.Revoker
	if bearer != nil {
		revoker = bearer
	}

	vault := credentials.New(appState, cipher, credentials.Options{
		Timeout: cfg.TokenEndpointTimeout,
		Logger:  logger.With(slog.String("component", "credentials")),
		Metrics: m,
	})

	cat, err := catalog.New(cfg.CatalogPath, logger.With(slog.String("component", "catalog")))
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	logger.Info("catalog loaded", slog.Any("apps", cat.Names()))

	builder := mcpserver.NewBuilder(cat, vault, mcpserver.Options{
		Version: Version,
		Metrics: m,
		Logger:  logger.With(slog.String("component", "tools")),
	})

	gw := gateway.New(gateway.Config{
		Authenticator: authenticator,
		Resolver:      tenant.NewResolver(appState, cfg.RequiredScope, logger),
		Builder:       builder,
		Connector:     vault,
		Catalog:       cat,
		Metrics:       m,
		Logger:        logger.With(slog.String("component", "gateway")),
		PublicURL:     cfg.PublicURL,
		RedirectURL:   cfg.OAuthRedirectURI,
		Revoker:       revoker,
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Gateway:                gw,
			Gatherer:               reg,
			PublicURL:              cfg.PublicURL,
			AuthorizationServerURL: cfg.AuthorizationServerURL,
			Scopes:                 cfg.Scopes(),
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := cat.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watching catalog: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		logger.Info("starting gateway",
			slog.String("listen", cfg.ListenAddr),
			slog.String("public_url", cfg.PublicURL),
			slog.String("session_cache", cfg.SessionCache),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newAuthenticator assembles the configured strategies. The API key is
// tried first so internal callers never pay for introspection. The bearer
// strategy is nil when bearer auth is disabled.
func newAuthenticator(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*auth.Authenticator, *auth.BearerStrategy, func(), error) {
	authLogger := logger.With(slog.String("component", "auth"))
	strategies := []auth.Strategy{auth.NewAPIKeyStrategy(cfg.GatewayAPIKey)}
	closeFn := func() {}

	if !cfg.BearerEnabled() {
		return auth.NewAuthenticator(authLogger, strategies...), nil, closeFn, nil
	}

	var introspector auth.Introspector
	if cfg.IntrospectionURL != "" {
		introspector = auth.NewHTTPIntrospector(cfg.IntrospectionURL, cfg.IntrospectionClientID,
			cfg.IntrospectionClientSecret, cfg.TokenEndpointTimeout, authLogger)
	} else {
		introspector = auth.NewJWTIntrospector([]byte(cfg.JWTSigningKey), cfg.JWTIssuer, cfg.JWTAudience)
	}

	var cache auth.SessionCache

	switch cfg.SessionCache {
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}

		rc := auth.NewRedisCache(client, "", cfg.SessionCacheMaxTTL)
		cache = rc
		closeFn = func() { _ = rc.Close() }
	default:
		mc := auth.NewMemoryCache(cfg.SessionCacheMaxTTL)
		cache = mc
		closeFn = mc.Stop
	}

	bearer := auth.NewBearerStrategy(cache, introspector, m, authLogger)
	strategies = append(strategies, bearer)

	return auth.NewAuthenticator(authLogger, strategies...), bearer, closeFn, nil
}
