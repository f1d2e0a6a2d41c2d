// Package logging builds the service's slog loggers and threads the request
// id and stream alias of the request being served into every log line.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"stream-failover/internal/observability/metrics"
)

// Config selects the level, output, and encoding of a logger.
type Config struct {
	Level  string
	Writer io.Writer
	// Format is FormatJSON (default) or FormatText.
	Format string
}

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Init builds a logger with New and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatText) {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// parseLevel accepts slog level names in any case plus "warning". Anything
// else logs at info.
func parseLevel(name string) slog.Level {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type scopeKey struct{}

// scope is the request-scoped state stored on a context. Each setter copies
// it so parent contexts are never mutated.
type scope struct {
	requestID string
	alias     string
	logger    *slog.Logger
}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, update func(*scope)) context.Context {
	s := scopeFrom(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithRequestID records id on ctx. Blank ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

// ContextWithAlias records the stream alias being served. Blank aliases are
// ignored.
func ContextWithAlias(ctx context.Context, alias string) context.Context {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.alias = alias })
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return scopeFrom(ctx).logger
}

// WithContext adds the request id and alias held by ctx to logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	s := scopeFrom(ctx)
	if s.requestID != "" {
		logger = logger.With("request_id", s.requestID)
	}
	if s.alias != "" {
		logger = logger.With("alias", s.alias)
	}
	return logger
}

// RequestLogger logs one line per request once the handler returns. Server
// errors are logged at warn. When the response names a failover choice it is
// recorded with the feed that served it. fields, when set, adds caller
// supplied attributes such as the resolved client IP.
func RequestLogger(logger *slog.Logger, fields func(*http.Request) []any) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if choice := recorder.Header().Get("X-Failover-Choice"); choice != "" {
				attrs = append(attrs, "failover_choice", choice, "failover_feed", recorder.Header().Get("X-Failover-Feed"))
			}
			if fields != nil {
				attrs = append(attrs, fields(r)...)
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			WithContext(r.Context(), logger).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
