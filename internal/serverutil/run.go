// Package serverutil runs an HTTP server until its context ends and then
// drains it, followed by any registered cleanup hooks.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ShutdownHook releases a resource once the server has stopped accepting
// requests. Hooks run in registration order and share the shutdown deadline.
type ShutdownHook struct {
	Name  string
	Close func(ctx context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready receives the bound address once the listener is open.
	Ready  chan<- net.Addr
	Hooks  []ShutdownHook
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run listens on cfg.Server.Addr and serves until ctx is cancelled or the
// server fails. A cancelled context triggers a graceful shutdown bounded by
// ShutdownTimeout, after which every hook runs even if draining failed.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return err
		}
		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		hookErr := runHooks(context.Background(), cfg.Hooks, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return hookErr
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", timeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = cfg.Server.Shutdown(shutdownCtx)
	if err == nil {
		if serveErrValue := <-serveErr; serveErrValue != nil && !errors.Is(serveErrValue, http.ErrServerClosed) {
			err = serveErrValue
		}
	}
	if hookErr := runHooks(shutdownCtx, cfg.Hooks, logger); err == nil {
		err = hookErr
	}
	return err
}

func runHooks(ctx context.Context, hooks []ShutdownHook, logger *slog.Logger) error {
	var errs []error
	for _, hook := range hooks {
		if hook.Close == nil {
			continue
		}
		if err := hook.Close(ctx); err != nil {
			logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		}
	}
	return errors.Join(errs...)
}
