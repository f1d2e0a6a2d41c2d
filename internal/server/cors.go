package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowHeaders  = "Authorization, Content-Type, X-Request-Id"
	corsExposeHeaders = "X-Request-Id, X-Failover-Feed, X-Failover-Choice, Retry-After"
	corsMaxAge        = "600"
)

// CORSConfig lists the browser origins allowed to call the API. With an empty
// list only same-origin requests are accepted.
type CORSConfig struct {
	AllowedOrigins []string
}

type corsPolicy struct {
	allowed map[string]struct{}
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{})}
	for _, origin := range cfg.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			continue
		}
		normalized, ok := canonicalOrigin(origin)
		if !ok {
			return corsPolicy{}, fmt.Errorf("cors origin %q must be scheme://host", origin)
		}
		policy.allowed[normalized] = struct{}{}
	}
	return policy, nil
}

// canonicalOrigin lowercases scheme://host[:port] and rejects anything that
// carries a path, query, or credentials.
func canonicalOrigin(raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" || parsed.User != nil {
		return "", false
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p corsPolicy) allows(r *http.Request, origin string) bool {
	normalized, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	if _, listed := p.allowed[normalized]; listed {
		return true
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return r.Host != "" && normalized == scheme+"://"+strings.ToLower(r.Host)
}

// routeMethods lists the methods a browser may use on path. Only the
// registration route accepts writes.
func routeMethods(path string) string {
	if alias, ok := strings.CutPrefix(path, "/stream/"); ok && alias != "" && !strings.Contains(alias, "/") {
		return "GET, POST, DELETE, OPTIONS"
	}
	return "GET, OPTIONS"
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		if !policy.allows(r, origin) {
			if logger != nil {
				logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			}
			writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", routeMethods(r.URL.Path))
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
