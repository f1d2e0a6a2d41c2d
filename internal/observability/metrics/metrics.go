package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// UpstreamLabel identifies calls made to the media platform API.
type UpstreamLabel struct {
	Operation string
	Outcome   string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// failover decisions, liveness checks, platform API calls, and dependency
// health. It coordinates concurrent writers via a RWMutex while keeping the
// registered stream gauge atomic.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	resolutions       map[string]uint64
	livenessChecks    map[string]uint64
	upstreamCalls     map[UpstreamLabel]uint64
	dependencyValue   map[string]float64
	dependencyState   map[string]string
	registeredStreams atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		resolutions:     make(map[string]uint64),
		livenessChecks:  make(map[string]uint64),
		upstreamCalls:   make(map[UpstreamLabel]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveResolution counts a resolution outcome such as "primary",
// "secondary", "fallback", "not_found", or "allocation_error".
func (r *Recorder) ObserveResolution(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.resolutions[key]++
	r.mu.Unlock()
}

// ObserveLivenessCheck counts a liveness query result: "live", "not_live",
// or "error".
func (r *Recorder) ObserveLivenessCheck(result string) {
	key := normalizeName(result)
	r.mu.Lock()
	r.livenessChecks[key]++
	r.mu.Unlock()
}

// ObserveUpstreamCall counts a platform API call by operation and outcome
// (an HTTP status code or "error").
func (r *Recorder) ObserveUpstreamCall(operation, outcome string) {
	label := UpstreamLabel{Operation: normalizeName(operation), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.upstreamCalls[label]++
	r.mu.Unlock()
}

// StreamRegistered increments the registered stream gauge.
func (r *Recorder) StreamRegistered() {
	r.registeredStreams.Add(1)
}

// StreamDeleted decrements the registered stream gauge without letting it go
// negative.
func (r *Recorder) StreamDeleted() {
	for {
		current := r.registeredStreams.Load()
		if current <= 0 {
			return
		}
		if r.registeredStreams.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// SetRegisteredStreams overwrites the gauge, e.g. after loading a persisted
// registry.
func (r *Recorder) SetRegisteredStreams(count int) {
	if count < 0 {
		count = 0
	}
	r.registeredStreams.Store(int64(count))
}

// RegisteredStreams exposes the current gauge value.
func (r *Recorder) RegisteredStreams() int64 {
	return r.registeredStreams.Load()
}

// SetDependencyHealth maps a dependency status string to a numeric value
// (1=ok, 0=disabled, -1=anything else) and stores both for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ResolutionCounts returns a copy of the resolution counters.
func (r *Recorder) ResolutionCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.resolutions)
}

// LivenessCounts returns a copy of the liveness counters.
func (r *Recorder) LivenessCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.livenessChecks)
}

// UpstreamCounts returns a copy of the platform API call counters.
func (r *Recorder) UpstreamCounts() map[UpstreamLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[UpstreamLabel]uint64, len(r.upstreamCalls))
	for k, v := range r.upstreamCalls {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.resolutions = make(map[string]uint64)
	r.livenessChecks = make(map[string]uint64)
	r.upstreamCalls = make(map[UpstreamLabel]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.registeredStreams.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP failover_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE failover_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "failover_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP failover_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE failover_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "failover_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP failover_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE failover_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "failover_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP failover_resolutions_total Stream resolutions by outcome")
	fmt.Fprintln(w, "# TYPE failover_resolutions_total counter")
	for _, outcome := range sortedKeys(r.resolutions) {
		fmt.Fprintf(w, "failover_resolutions_total{outcome=\"%s\"} %d\n", outcome, r.resolutions[outcome])
	}

	fmt.Fprintln(w, "# HELP failover_liveness_checks_total Feed liveness queries by result")
	fmt.Fprintln(w, "# TYPE failover_liveness_checks_total counter")
	for _, result := range sortedKeys(r.livenessChecks) {
		fmt.Fprintf(w, "failover_liveness_checks_total{result=\"%s\"} %d\n", result, r.livenessChecks[result])
	}

	fmt.Fprintln(w, "# HELP failover_upstream_requests_total Platform API calls by operation and outcome")
	fmt.Fprintln(w, "# TYPE failover_upstream_requests_total counter")
	for _, label := range r.sortedUpstreamLabels() {
		fmt.Fprintf(w, "failover_upstream_requests_total{operation=\"%s\",outcome=\"%s\"} %d\n", label.Operation, label.Outcome, r.upstreamCalls[label])
	}

	fmt.Fprintln(w, "# HELP failover_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE failover_dependency_health gauge")
	services := make([]string, 0, len(r.dependencyValue))
	for service := range r.dependencyValue {
		services = append(services, service)
	}
	sort.Strings(services)
	for _, service := range services {
		fmt.Fprintf(w, "failover_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}

	fmt.Fprintln(w, "# HELP failover_registered_streams Current number of registered aliases")
	fmt.Fprintln(w, "# TYPE failover_registered_streams gauge")
	fmt.Fprintf(w, "failover_registered_streams %d\n", r.registeredStreams.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedUpstreamLabels() []UpstreamLabel {
	labels := make([]UpstreamLabel, 0, len(r.upstreamCalls))
	for label := range r.upstreamCalls {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys(counts map[string]uint64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// normalizePath collapses alias and format segments so per-alias requests
// share one label set.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "stream" {
		parts[1] = ":alias"
		if len(parts) >= 3 {
			parts[2] = ":format"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveResolution records a resolution outcome on the default recorder.
func ObserveResolution(outcome string) {
	defaultRecorder.ObserveResolution(outcome)
}

// ObserveLivenessCheck records a liveness result on the default recorder.
func ObserveLivenessCheck(result string) {
	defaultRecorder.ObserveLivenessCheck(result)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
