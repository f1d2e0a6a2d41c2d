package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stream-failover/internal/ceeblue"
	"stream-failover/internal/failover"
	"stream-failover/internal/observability/metrics"
	"stream-failover/internal/registry"
	"stream-failover/internal/testsupport/ceebluestub"
)

type stubResolver struct {
	resolution failover.Resolution
	err        error
	calls      []string
}

func (s *stubResolver) Resolve(_ context.Context, alias, format string) (failover.Resolution, error) {
	s.calls = append(s.calls, alias+"/"+format)
	if s.err != nil {
		return failover.Resolution{}, s.err
	}
	res := s.resolution
	res.Alias, res.Format = alias, format
	return res, nil
}

func newTestHandler(t *testing.T, resolver Resolver) (*Handler, *registry.MemoryStore, *metrics.Recorder) {
	t.Helper()
	store := registry.NewMemoryStore()
	handler := NewHandler(store, resolver)
	handler.Metrics = metrics.New()
	handler.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return handler, store, handler.Metrics
}

func doRequest(handler http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload["error"]
}

func TestCreateListDeleteStream(t *testing.T) {
	handler, _, recorder := newTestHandler(t, &stubResolver{})

	rec := doRequest(handler.StreamByAlias, http.MethodPost, "/stream/studioA", `{"primary":"P1","secondary":"S1"}`)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "true" {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(handler.StreamByAlias, http.MethodPost, "/stream/studioB", `{"primary":"P2","note":"ignored"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create studioB: %d %s", rec.Code, rec.Body.String())
	}
	if recorder.RegisteredStreams() != 2 {
		t.Fatalf("expected gauge 2, got %d", recorder.RegisteredStreams())
	}

	rec = doRequest(handler.Streams, http.MethodGet, "/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var entries []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(entries) != 2 || entries[0]["alias"] != "studioA" {
		t.Fatalf("unexpected list %s", rec.Body.String())
	}
	stream := entries[0]["stream"].(map[string]interface{})
	if stream["primary"] != "P1" || stream["secondary"] != "S1" {
		t.Fatalf("unexpected pair %+v", stream)
	}
	if _, ok := entries[1]["stream"].(map[string]interface{})["secondary"]; ok {
		t.Fatalf("expected secondary to be omitted for studioB: %s", rec.Body.String())
	}

	rec = doRequest(handler.StreamByAlias, http.MethodGet, "/stream/studioB", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"primary":"P2"`) {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(handler.StreamByAlias, http.MethodDelete, "/stream/studioA", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `"Stream deleted"` {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(handler.StreamByAlias, http.MethodDelete, "/stream/studioA", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
	if recorder.RegisteredStreams() != 1 {
		t.Fatalf("expected gauge 1, got %d", recorder.RegisteredStreams())
	}
}

func TestCreateStreamErrors(t *testing.T) {
	handler, store, _ := newTestHandler(t, &stubResolver{})
	if err := store.Create(context.Background(), "studioA", registry.StreamPair{Primary: "P1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "duplicate", path: "/stream/studioA", body: `{"primary":"X"}`, status: http.StatusConflict},
		{name: "duplicate empty object", path: "/stream/studioA", body: `{}`, status: http.StatusConflict},
		{name: "duplicate without primary", path: "/stream/studioA", body: `{"secondary":"S"}`, status: http.StatusConflict},
		{name: "duplicate no body", path: "/stream/studioA", body: "", status: http.StatusConflict},
		{name: "missing primary", path: "/stream/studioC", body: `{"secondary":"S"}`, status: http.StatusBadRequest},
		{name: "blank primary", path: "/stream/studioC", body: `{"primary":"  "}`, status: http.StatusBadRequest},
		{name: "no body", path: "/stream/studioC", body: "", status: http.StatusBadRequest},
		{name: "malformed", path: "/stream/studioC", body: `{"primary":`, status: http.StatusBadRequest},
		{name: "no alias", path: "/stream/", body: `{"primary":"P"}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(handler.StreamByAlias, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if decodeError(t, rec) == "" {
				t.Fatal("expected error message")
			}
		})
	}

	pair, err := store.Get(context.Background(), "studioA")
	if err != nil || pair.Primary != "P1" {
		t.Fatalf("duplicate create mutated the registry: %+v %v", pair, err)
	}
	if _, err := store.Get(context.Background(), "studioC"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("invalid create registered studioC: %v", err)
	}
}

func TestResolveStreamWritesEndpoint(t *testing.T) {
	resolver := &stubResolver{resolution: failover.Resolution{
		FeedID:   "S1",
		Choice:   failover.ChoiceSecondary,
		Endpoint: failover.Endpoint(`{"url":"https://edge/s1"}`),
	}}
	handler, _, _ := newTestHandler(t, resolver)

	rec := doRequest(handler.StreamByAlias, http.MethodGet, "/stream/studioA/WebRTC", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"url":"https://edge/s1"}` {
		t.Fatalf("endpoint not forwarded verbatim: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Failover-Feed") != "S1" || rec.Header().Get("X-Failover-Choice") != "secondary" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if len(resolver.calls) != 1 || resolver.calls[0] != "studioA/WebRTC" {
		t.Fatalf("unexpected resolver calls %v", resolver.calls)
	}
}

func TestResolveStreamErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: failover.ErrNotFound, status: http.StatusNotFound},
		{name: "allocation", err: &failover.AllocationError{FeedID: "P1", Format: "HLS", Err: errors.New("boom")}, status: http.StatusInternalServerError},
		{name: "other", err: fmt.Errorf("lookup: %w", errors.New("db down")), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			handler, _, _ := newTestHandler(t, &stubResolver{err: tc.err})
			rec := doRequest(handler.StreamByAlias, http.MethodGet, "/stream/studioA/HLS", "")
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			msg := decodeError(t, rec)
			if tc.name == "other" && strings.Contains(msg, "db down") {
				t.Fatalf("internal error leaked: %q", msg)
			}
		})
	}
}

func TestStreamRoutingRejectsUnknownShapes(t *testing.T) {
	handler, _, _ := newTestHandler(t, &stubResolver{})

	rec := doRequest(handler.StreamByAlias, http.MethodPut, "/stream/studioA", `{}`)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") == "" {
		t.Fatalf("expected 405 with Allow, got %d", rec.Code)
	}
	rec = doRequest(handler.StreamByAlias, http.MethodPost, "/stream/studioA/HLS", `{}`)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec = doRequest(handler.StreamByAlias, http.MethodGet, "/stream/a/b/c", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doRequest(handler.Streams, http.MethodPost, "/streams", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestListStreamsEmptyIsArray(t *testing.T) {
	handler, _, _ := newTestHandler(t, &stubResolver{})
	rec := doRequest(handler.Streams, http.MethodGet, "/streams", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	handler, _, recorder := newTestHandler(t, &stubResolver{})
	handler.HealthChecks = []HealthCheck{
		{Name: "registry", Check: func(context.Context) error { return nil }},
		{Name: "ceeblue", Check: func(context.Context) error { return errors.New("not authenticated") }},
	}

	rec := doRequest(handler.Health, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" || len(payload.Components) != 2 || payload.Components[1].Error != "not authenticated" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `failover_dependency_health{service="ceeblue",status="degraded"} -1`) {
		t.Fatalf("expected dependency health metric, got %s", buf.String())
	}

	handler.HealthChecks = handler.HealthChecks[:1]
	rec = doRequest(handler.Health, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestResolveAgainstPlatformStub(t *testing.T) {
	platform := ceebluestub.Start(ceebluestub.Options{StaticToken: "jwt"})
	defer platform.Close()
	platform.SetInput("P1", "Idle")
	platform.SetInput("S1", ceeblue.StatusIngestion)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	client, err := ceeblue.NewClient(ceeblue.Config{BaseURL: platform.BaseURL(), Token: "jwt", HTTPMaxAttempts: 1}, logger, recorder)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	store := registry.NewMemoryStore()
	resolver, err := failover.NewResolver(failover.Config{
		Registry:  store,
		Liveness:  client,
		Allocator: client,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	handler := NewHandler(store, resolver)
	handler.Metrics = recorder
	handler.Logger = logger

	rec := doRequest(handler.StreamByAlias, http.MethodPost, "/stream/studioA", `{"primary":"P1","secondary":"S1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(handler.StreamByAlias, http.MethodGet, "/stream/studioA/hls", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", rec.Code, rec.Body.String())
	}
	var output map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &output); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if output["streamId"] != "S1" || output["format"] != "HLS" {
		t.Fatalf("expected HLS output for S1, got %+v", output)
	}

	rec = doRequest(handler.StreamByAlias, http.MethodGet, "/stream/studioA/flv", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected allocation failure to map to 500, got %d", rec.Code)
	}
	if got := platform.Count("output"); got != 2 {
		t.Fatalf("allocation must not be retried on the other feed, saw %d output requests", got)
	}

	rec = doRequest(handler.StreamByAlias, http.MethodGet, "/stream/unknown/HLS", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
