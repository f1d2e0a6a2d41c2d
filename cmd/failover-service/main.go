// Command failover-service serves the stream registry and resolves aliases to
// an endpoint on whichever upstream feed is live.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-failover/internal/api"
	"stream-failover/internal/ceeblue"
	"stream-failover/internal/failover"
	"stream-failover/internal/observability/logging"
	"stream-failover/internal/observability/metrics"
	"stream-failover/internal/registry"
	"stream-failover/internal/server"
	"stream-failover/internal/serverutil"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("failover service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("failover service stopped")
}

func run(ctx context.Context, cfg serviceConfig, logger *slog.Logger) error {
	recorder := metrics.Default()

	platformCfg, err := ceeblue.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load platform configuration: %w", err)
	}
	client, err := ceeblue.NewClient(platformCfg, logger, recorder)
	if err != nil {
		return fmt.Errorf("configure platform client: %w", err)
	}
	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Login(loginCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("platform login: %w", err)
	}

	store, err := openRegistry(ctx, cfg.Registry)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	logger.Info("registry ready", "driver", cfg.Registry.Driver)
	if entries, err := store.List(ctx); err == nil {
		recorder.SetRegisteredStreams(len(entries))
	} else {
		logger.Warn("count registered streams", "error", err)
	}

	resolver, err := failover.NewResolver(failover.Config{
		Registry:    store,
		Liveness:    client,
		Allocator:   client,
		Logger:      logger,
		Metrics:     recorder,
		CallTimeout: cfg.ResolveTimeout,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return err
	}

	handler := api.NewHandler(store, resolver)
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")
	handler.HealthChecks = healthChecks(client, store)

	if cfg.AdminTokenHash == "" {
		logger.Warn("no admin token hash configured, registry writes are unauthenticated")
	}
	srv, err := server.New(handler, server.Config{
		Addr:           cfg.Addr,
		TLS:            server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit:      cfg.RateLimit,
		CORS:           server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		AdminTokenHash: cfg.AdminTokenHash,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("initialise server: %w", err)
	}

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Hooks: []serverutil.ShutdownHook{
			{Name: "rate limiter", Close: func(context.Context) error { return srv.Close() }},
			{Name: "registry", Close: store.Close},
		},
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthChecks(client *ceeblue.Client, store registry.Store) []api.HealthCheck {
	checks := []api.HealthCheck{{
		Name: "platform",
		Check: func(context.Context) error {
			if !client.Authenticated() {
				return errors.New("no platform token")
			}
			return nil
		},
	}}
	if p, ok := store.(pinger); ok {
		checks = append(checks, api.HealthCheck{Name: "registry", Check: p.Ping})
	}
	return checks
}
