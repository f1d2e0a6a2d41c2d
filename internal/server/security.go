package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
)

// SecurityConfig sets hardening headers on every response. Empty fields use
// defaults suited to a JSON-only API.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		next.ServeHTTP(w, r)
	})
}
