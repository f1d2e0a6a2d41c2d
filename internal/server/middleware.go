package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"stream-failover/internal/auth"
)

// isMutation reports whether r writes to the registry.
func isMutation(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/stream/")
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if !isMutation(r) {
			next.ServeHTTP(w, r)
			return
		}
		ip, _ := resolver.ClientIPFromRequest(r)
		allowed, retryAfter, err := rl.AllowMutation(r.Context(), ip)
		if err != nil {
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Error("rate limiter failure", "error", err)
			}
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
			return
		}
		if !allowed {
			if seconds := int(retryAfter.Seconds() + 0.5); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Warn("mutation rate limit exceeded", "method", r.Method)
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many registry changes")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware requires the admin bearer token on registry writes.
// Reads are never authenticated. A nil verifier disables the check.
func adminAuthMiddleware(verifier *auth.Verifier, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutation(r) {
			next.ServeHTTP(w, r)
			return
		}
		token, _ := auth.BearerToken(r)
		if err := verifier.Verify(token); err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
					reqLogger.Warn("rejected admin token", "method", r.Method)
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="stream-failover"`)
			writeMiddlewareError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
