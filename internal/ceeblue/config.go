package ceeblue

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public platform API.
const DefaultBaseURL = "https://api.ceeblue.tv/v1"

// ErrMissingCredentials is returned when neither a token nor a username and
// password pair is configured.
var ErrMissingCredentials = errors.New("missing platform credentials: set CEEBLUE_TOKEN or CEEBLUE_USERNAME and CEEBLUE_PASSWORD")

// Config stores connectivity information for the platform API.
type Config struct {
	BaseURL           string
	Token             string
	Username          string
	Password          string
	HTTPClient        *http.Client
	HTTPTimeout       time.Duration
	HTTPMaxAttempts   int
	HTTPRetryInterval time.Duration
	// MaxConcurrent bounds in-flight API calls across all callers.
	MaxConcurrent int64
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:           strings.TrimSpace(os.Getenv("CEEBLUE_API_URL")),
		Token:             strings.TrimSpace(os.Getenv("CEEBLUE_TOKEN")),
		Username:          strings.TrimSpace(os.Getenv("CEEBLUE_USERNAME")),
		Password:          os.Getenv("CEEBLUE_PASSWORD"),
		HTTPTimeout:       10 * time.Second,
		HTTPMaxAttempts:   3,
		HTTPRetryInterval: 500 * time.Millisecond,
		MaxConcurrent:     32,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if timeout := strings.TrimSpace(os.Getenv("CEEBLUE_HTTP_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse CEEBLUE_HTTP_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.HTTPTimeout = parsed
		}
	}

	if attempts := strings.TrimSpace(os.Getenv("CEEBLUE_HTTP_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse CEEBLUE_HTTP_MAX_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.HTTPMaxAttempts = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("CEEBLUE_HTTP_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse CEEBLUE_HTTP_RETRY_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.HTTPRetryInterval = parsed
		}
	}

	if limit := strings.TrimSpace(os.Getenv("CEEBLUE_MAX_CONCURRENT")); limit != "" {
		parsed, err := strconv.ParseInt(limit, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse CEEBLUE_MAX_CONCURRENT: %w", err)
		}
		if parsed > 0 {
			cfg.MaxConcurrent = parsed
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UsesLogin reports whether the client must exchange username and password
// for a token rather than using a static one.
func (c Config) UsesLogin() bool {
	return c.Token == "" && c.Username != "" && c.Password != ""
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		return ErrMissingCredentials
	}
	if c.BaseURL != "" {
		parsed, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid CEEBLUE_API_URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("invalid CEEBLUE_API_URL %q: scheme must be http or https", c.BaseURL)
		}
	}
	if c.HTTPMaxAttempts < 0 {
		return errors.New("HTTP max attempts cannot be negative")
	}
	if c.HTTPRetryInterval < 0 {
		return errors.New("HTTP retry interval cannot be negative")
	}
	if c.MaxConcurrent < 0 {
		return errors.New("max concurrent calls cannot be negative")
	}
	return nil
}
