package ceeblue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"stream-failover/internal/observability/metrics"
	"stream-failover/internal/testsupport/ceebluestub"
)

func newTestClient(t *testing.T, cfg Config) (*Client, *metrics.Recorder) {
	t.Helper()
	recorder := metrics.New()
	if cfg.HTTPMaxAttempts == 0 {
		cfg.HTTPMaxAttempts = 3
	}
	client, err := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), recorder)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, recorder
}

func TestCheckLivenessWithStaticToken(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)
	platform.SetInput("S1", "Idle")

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt"})
	ctx := context.Background()

	live, err := client.CheckLiveness(ctx, "P1")
	if err != nil || !live {
		t.Fatalf("expected P1 live, got %v %v", live, err)
	}
	live, err = client.CheckLiveness(ctx, "S1")
	if err != nil || live {
		t.Fatalf("expected S1 not live, got %v %v", live, err)
	}
	if _, err := client.CheckLiveness(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown input")
	}
	for _, op := range platform.Operations() {
		if op.Token != "jwt" {
			t.Fatalf("expected static bearer token, got %+v", op)
		}
	}
	if platform.Count("login") != 0 {
		t.Fatal("static token must not log in")
	}
}

func TestAllocateEndpointForwardsResponse(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)

	client, recorder := newTestClient(t, Config{BaseURL: platform.BaseURL() + "/", Token: "jwt"})

	raw, err := client.AllocateEndpoint(context.Background(), "P1", "webrtc")
	if err != nil {
		t.Fatalf("AllocateEndpoint: %v", err)
	}
	var output map[string]string
	if err := json.Unmarshal(raw, &output); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if output["format"] != "WebRTC" || output["streamId"] != "P1" || output["url"] == "" {
		t.Fatalf("unexpected output %+v", output)
	}
	if got := recorder.UpstreamCounts()[metrics.UpstreamLabel{Operation: "allocate_endpoint", Outcome: "ok"}]; got != 1 {
		t.Fatalf("expected allocation to be counted, got %d", got)
	}
}

func TestAllocateEndpointUnknownFormatIsNotRetried(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)

	var logs bytes.Buffer
	client, err := NewClient(Config{BaseURL: platform.BaseURL(), Token: "jwt", HTTPMaxAttempts: 4},
		slog.New(slog.NewTextHandler(&logs, nil)), metrics.New())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.AllocateEndpoint(context.Background(), "P1", "flv")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if got := platform.Count("output"); got != 1 {
		t.Fatalf("4xx must not be retried, saw %d requests", got)
	}
	if !strings.Contains(logs.String(), "unknown output format") || !strings.Contains(logs.String(), "format=flv") {
		t.Fatalf("expected unknown format warning, got %s", logs.String())
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)
	platform.Fail("input", 2, http.StatusServiceUnavailable)

	client, recorder := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt", HTTPMaxAttempts: 3})

	live, err := client.CheckLiveness(context.Background(), "P1")
	if err != nil || !live {
		t.Fatalf("expected retry to succeed, got %v %v", live, err)
	}
	if got := platform.Count("input"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := recorder.UpstreamCounts()[metrics.UpstreamLabel{Operation: "get_input", Outcome: "ok"}]; got != 1 {
		t.Fatalf("expected one logical call, got %d", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)
	platform.Fail("input", 5, http.StatusBadGateway)

	client, recorder := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt", HTTPMaxAttempts: 2})

	_, err := client.CheckLiveness(context.Background(), "P1")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 StatusError, got %v", err)
	}
	if got := recorder.UpstreamCounts()[metrics.UpstreamLabel{Operation: "get_input", Outcome: "502"}]; got != 1 {
		t.Fatalf("expected failure to be counted, got %d", got)
	}
}

func TestLoginOnFirstCallAndReloginOn401(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{Username: "ops", Password: "secret"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Username: "ops", Password: "secret"})
	ctx := context.Background()

	if client.Authenticated() {
		t.Fatal("expected no token before login")
	}
	if _, err := client.CheckLiveness(ctx, "P1"); err != nil {
		t.Fatalf("CheckLiveness: %v", err)
	}
	if platform.Count("login") != 1 || !client.Authenticated() {
		t.Fatalf("expected lazy login, saw %d", platform.Count("login"))
	}

	platform.RevokeTokens()
	if _, err := client.CheckLiveness(ctx, "P1"); err != nil {
		t.Fatalf("expected re-login to recover, got %v", err)
	}
	if got := platform.Count("login"); got != 2 {
		t.Fatalf("expected one re-login, got %d logins", got)
	}
}

func TestConcurrentUnauthorizedCallsShareOneLogin(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{Username: "ops", Password: "secret"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Username: "ops", Password: "secret"})
	ctx := context.Background()
	if err := client.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
	platform.RevokeTokens()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.CheckLiveness(ctx, "P1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CheckLiveness: %v", err)
	}
	// One explicit login plus at most a couple of refreshes when callers
	// observe the 401 at different times.
	if got := platform.Count("login"); got < 2 || got > 4 {
		t.Fatalf("expected coalesced re-login, got %d logins", got)
	}
}

func TestStaticTokenUnauthorizedIsReturned(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)
	platform.RevokeTokens()

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt"})
	_, err := client.CheckLiveness(context.Background(), "P1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if platform.Count("input") != 1 {
		t.Fatal("401 must not be retried with a static token")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{Username: "ops", Password: "secret"})
	defer platform.Close()

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Username: "ops", Password: "wrong"})
	if err := client.Login(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNodeGroupsAndInputs(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{
		StaticToken: "jwt",
		NodeGroups: json.RawMessage(`[
			{"id":"g1","resources":[
				{"node":{"hostname":"edge-1","publicIPv4":"203.0.113.1"}},
				{"ip":"10.0.0.2","node":{"publicIPv4":"203.0.113.2"}},
				{"node":{}}
			]},
			{"id":"g2","resources":[{"node":{"hostname":"edge-1","publicIPv4":"203.0.113.9"}}]}
		]`),
	})
	defer platform.Close()
	platform.SetInput("P1", "Idle")

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt"})
	ctx := context.Background()

	groups, err := client.NodeGroups(ctx)
	if err != nil {
		t.Fatalf("NodeGroups: %v", err)
	}
	addresses, keys := NodeAddresses(groups)
	if len(keys) != 2 || keys[0] != "edge-1" || keys[1] != "10.0.0.2" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if addresses["edge-1"].IP != "203.0.113.9" {
		t.Fatalf("expected later node to overwrite, got %+v", addresses["edge-1"])
	}
	if addresses["10.0.0.2"].Hostname != "" || addresses["10.0.0.2"].IP != "203.0.113.2" {
		t.Fatalf("unexpected address %+v", addresses["10.0.0.2"])
	}

	inputs, err := client.Inputs(ctx)
	if err != nil {
		t.Fatalf("Inputs: %v", err)
	}
	if len(inputs) != 1 || inputs[0].ID != "P1" || inputs[0].Live() {
		t.Fatalf("unexpected inputs %+v", inputs)
	}
}

func TestCallHonoursContextDeadline(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)
	platform.SetDelay(time.Second)

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt", HTTPMaxAttempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := client.CheckLiveness(ctx, "P1"); err == nil {
		t.Fatal("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("deadline not honoured, took %s", elapsed)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", StatusIngestion)

	client, _ := newTestClient(t, Config{BaseURL: platform.BaseURL(), Token: "jwt", MaxConcurrent: 1})
	if err := client.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.CheckLiveness(ctx, "P1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected call to wait for a slot, got %v", err)
	}
	client.sem.Release(1)
	if platform.Count("input") != 0 {
		t.Fatal("no request should have been issued while the slot was held")
	}
}
