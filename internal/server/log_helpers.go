package server

import (
	"log/slog"
	"net/http"

	"stream-failover/internal/observability/logging"
)

// loggingWithRequest annotates base with the request-scoped fields shared by
// the middleware logs: request ID, alias, path, and resolved client IP.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	ip, source := resolver.ClientIPFromRequest(r)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}
