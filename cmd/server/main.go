// Command server runs the demo RPC application over HTTP.
//
// Configuration is read from the environment (optionally seeded from a .env
// file); see internal/config for the variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/rpc-server-go/identity"
	"github.com/ggoodman/rpc-server-go/internal/api"
	"github.com/ggoodman/rpc-server-go/internal/config"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/metrics"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/ggoodman/rpc-server-go/store"
	"github.com/ggoodman/rpc-server-go/store/memory"
	"github.com/ggoodman/rpc-server-go/store/redis"
	"github.com/ggoodman/rpc-server-go/streaminghttp"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := slog.New(logctx.Wrap(cfg.NewLogger(os.Stderr).Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shared := openStore(cfg, log)
	defer func() {
		if err := shared.Close(); err != nil {
			log.Warn("store.close.err", slog.String("err", err.Error()))
		}
	}()

	sessions := identity.NewSessions(shared, identity.WithSessionTTL(cfg.SessionTTL))
	provider, err := newProvider(ctx, cfg, sessions, log)
	if err != nil {
		return err
	}

	router, err := api.NewRouter(api.WithSessions(sessions), api.WithStepDelay(cfg.StreamStepDelay))
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	collector := metrics.NewCollector("rpc")
	factory := rpc.NewContextFactory(provider, shared, rpc.WithLogger(log))

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithEndpoint(cfg.Endpoint),
		streaminghttp.WithKeepAlive(cfg.KeepAlive),
		streaminghttp.WithMaxBatchSize(cfg.MaxBatchSize),
		streaminghttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
		streaminghttp.WithMaxConcurrency(cfg.MaxConcurrency),
		streaminghttp.WithMetrics(collector),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, streaminghttp.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	h, err := streaminghttp.New(router, factory, opts...)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, h)
	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, collector.Handler())
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.Endpoint), slog.Int("procedures", router.Len()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore returns a lazily-opened handle. A Redis outage at startup does
// not prevent serving; calls fail with INTERNAL until Redis is reachable.
func openStore(cfg *config.Config, log *slog.Logger) *store.Shared {
	if cfg.RedisURL == "" {
		return store.NewShared(func(context.Context) (store.Store, error) {
			log.Info("store.open", slog.String("backend", "memory"))
			return memory.New(cfg.StoreMaxItems)
		})
	}
	return store.NewShared(func(ctx context.Context) (store.Store, error) {
		st, err := redis.Dial(ctx, cfg.RedisURL, cfg.StoreKeyPrefix)
		if err != nil {
			log.Warn("store.open.err", slog.String("backend", "redis"), slog.String("err", err.Error()))
			return nil, err
		}
		log.Info("store.open", slog.String("backend", "redis"))
		return st, nil
	})
}

func newProvider(ctx context.Context, cfg *config.Config, sessions *identity.Sessions, log *slog.Logger) (identity.Provider, error) {
	providers := []identity.Provider{sessions}
	if cfg.OIDCIssuer != "" {
		jp, err := identity.NewJWTProvider(ctx, identity.JWTConfig{
			Issuer:    cfg.OIDCIssuer,
			Audiences: cfg.Audiences(),
			JWKSURL:   cfg.OIDCJWKSURL,
		})
		if err != nil {
			return nil, fmt.Errorf("jwt provider: %w", err)
		}
		providers = append(providers, jp)
	}
	provider := identity.Chain(providers...)

	if cfg.RolesFile == "" {
		return provider, nil
	}
	dir, err := identity.LoadRoleDirectory(cfg.RolesFile)
	if err != nil {
		return nil, fmt.Errorf("roles file: %w", err)
	}
	go func() {
		if err := dir.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("identity.roles.watch.err", slog.String("err", err.Error()))
		}
	}()
	return dir.Promote(provider), nil
}
