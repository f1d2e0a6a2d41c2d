package ceeblue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"stream-failover/internal/observability/logging"
	"stream-failover/internal/observability/metrics"
)

const maxErrorBody = 4 << 10

// Client talks to the platform API. It is safe for concurrent use; the bearer
// token is shared by all callers and refreshed once per 401 when the client
// was configured with a username and password.
type Client struct {
	baseURL       string
	http          *http.Client
	logger        *slog.Logger
	metrics       *metrics.Recorder
	maxAttempts   int
	retryInterval time.Duration
	sem           *semaphore.Weighted

	username string
	password string
	canLogin bool

	mu     sync.RWMutex
	token  string
	logins singleflight.Group
}

// NewClient validates cfg and builds a Client. No request is issued; callers
// that log in should call Login before serving traffic.
func NewClient(cfg Config, logger *slog.Logger, recorder *metrics.Recorder) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	attempts := cfg.HTTPMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	client := &Client{
		baseURL:       baseURL,
		http:          httpClient,
		logger:        logging.WithComponent(logger, "ceeblue"),
		metrics:       recorder,
		maxAttempts:   attempts,
		retryInterval: cfg.HTTPRetryInterval,
		username:      cfg.Username,
		password:      cfg.Password,
		canLogin:      cfg.UsesLogin(),
		token:         cfg.Token,
	}
	if cfg.MaxConcurrent > 0 {
		client.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return client, nil
}

// Login exchanges the configured username and password for a bearer token.
// It is a no-op for clients built with a static token.
func (c *Client) Login(ctx context.Context) error {
	if !c.canLogin {
		return nil
	}
	return c.refreshToken(ctx, c.currentToken(), true)
}

// Authenticated reports whether a bearer token is held.
func (c *Client) Authenticated() bool {
	return c.currentToken() != ""
}

// Input fetches one input by id.
func (c *Client) Input(ctx context.Context, inputID string) (Input, error) {
	var input Input
	if err := c.call(ctx, "get_input", http.MethodGet, "inputs/"+url.PathEscape(inputID), nil, &input); err != nil {
		return Input{}, err
	}
	return input, nil
}

// Inputs lists every input of the account.
func (c *Client) Inputs(ctx context.Context) ([]Input, error) {
	var inputs []Input
	if err := c.call(ctx, "list_inputs", http.MethodGet, "inputs", nil, &inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

// CheckLiveness reports whether the input is in the Ingestion state.
func (c *Client) CheckLiveness(ctx context.Context, feedID string) (bool, error) {
	input, err := c.Input(ctx, feedID)
	if err != nil {
		return false, err
	}
	c.logger.Debug("input status", "feed", feedID, "status", input.Status)
	return input.Live(), nil
}

// AllocateEndpoint asks the load balancer for an output of feedID in format
// and returns the response body untouched.
func (c *Client) AllocateEndpoint(ctx context.Context, feedID, format string) (json.RawMessage, error) {
	if !KnownFormat(format) {
		c.logger.Warn("unknown output format, forwarding to platform", "feed", feedID, "format", format)
	}
	request := outputRequest{Format: CanonicalFormat(format), StreamID: feedID}
	var output json.RawMessage
	if err := c.call(ctx, "allocate_endpoint", http.MethodPost, "outputs", request, &output); err != nil {
		return nil, err
	}
	c.logger.Debug("output allocated", "feed", feedID, "format", request.Format)
	return output, nil
}

// NodeGroups lists the node groups visible to the account.
func (c *Client) NodeGroups(ctx context.Context) ([]NodeGroup, error) {
	var groups []NodeGroup
	if err := c.call(ctx, "list_node_groups", http.MethodGet, "node-groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// call issues an authenticated request, re-logging in once on 401.
func (c *Client) call(ctx context.Context, operation, method, path string, payload, dest interface{}) error {
	token := c.currentToken()
	if token == "" && c.canLogin {
		if err := c.refreshToken(ctx, "", false); err != nil {
			return err
		}
		token = c.currentToken()
	}
	err := c.send(ctx, operation, method, path, payload, dest, token)
	if err == nil || !c.canLogin || !errors.Is(err, ErrUnauthorized) {
		return err
	}
	c.logger.Info("token rejected, logging in again", "operation", operation)
	if err := c.refreshToken(ctx, token, false); err != nil {
		return fmt.Errorf("%s: re-login: %w", operation, err)
	}
	return c.send(ctx, operation, method, path, payload, dest, c.currentToken())
}

// refreshToken logs in unless another caller already replaced stale. Concurrent
// refreshes share one login request.
func (c *Client) refreshToken(ctx context.Context, stale string, force bool) error {
	_, err, _ := c.logins.Do("login", func() (interface{}, error) {
		if current := c.currentToken(); !force && current != "" && current != stale {
			return nil, nil
		}
		var response loginResponse
		request := loginRequest{Username: c.username, Password: c.password}
		if err := c.send(ctx, "login", http.MethodPost, "login", request, &response, ""); err != nil {
			return nil, err
		}
		if strings.TrimSpace(response.Token) == "" {
			return nil, errors.New("login: response carried no token")
		}
		c.mu.Lock()
		c.token = response.Token
		c.mu.Unlock()
		c.logger.Info("logged in to platform API")
		return nil, nil
	})
	return err
}

func (c *Client) send(ctx context.Context, operation, method, path string, payload, dest interface{}, token string) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", operation, err)
		}
		body = encoded
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		defer c.sem.Release(1)
	}
	err := doWithRetry(ctx, c.http, operation, method, c.baseURL+"/"+path, body, func(req *http.Request) {
		req.Header.Set("Accept", "application/json")
		setBearer(req, token)
	}, dest, c.logger, c.maxAttempts, c.retryInterval)
	c.metrics.ObserveUpstreamCall(operation, outcomeLabel(err))
	return err
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.StatusCode)
	}
	return "error"
}

// doWithRetry retries transport failures, 429, and 5xx responses. Other
// non-2xx responses are returned immediately as *StatusError.
func doWithRetry(ctx context.Context, client *http.Client, operation, method, target string, payload []byte, mutate func(*http.Request), dest interface{}, logger *slog.Logger, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if interval < 0 {
		interval = 0
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if mutate != nil {
			mutate(req)
		}

		retry := true
		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", operation, err)
		} else {
			retry, lastErr = readResponse(operation, resp, dest)
		}
		if lastErr == nil || !retry || ctx.Err() != nil {
			return lastErr
		}
		if attempt < attempts {
			logger.Warn("platform API request failed", "operation", operation, "method", method, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return lastErr
}

func readResponse(operation string, resp *http.Response, dest interface{}) (bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return false, fmt.Errorf("%s: decode response: %w", operation, err)
		}
		return false, nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	return statusErr.retryable(), statusErr
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
