package ceebluestub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake platform API should behave.
type Options struct {
	// Username and Password are accepted by the login endpoint.
	Username string
	Password string

	// StaticToken is accepted as a bearer token without logging in.
	StaticToken string

	// Formats accepted by the outputs endpoint. Defaults to a small set.
	Formats []string

	// NodeGroups is served verbatim from the node-groups endpoint.
	NodeGroups json.RawMessage
}

// Operation represents a recorded API interaction.
type Operation struct {
	Kind      string
	InputID   string
	Format    string
	Token     string
	Status    int
	Timestamp time.Time
}

type failure struct {
	remaining int
	status    int
}

// Platform hosts a single httptest.Server that serves the platform endpoints
// under /v1.
type Platform struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	inputs     map[string]string
	tokens     map[string]bool
	issued     int
	failures   map[string]*failure
	delay      time.Duration
	operations []Operation
}

// Start spins up a new platform stub using the provided options.
func Start(opts Options) *Platform {
	if len(opts.Formats) == 0 {
		opts.Formats = []string{"WebRTC", "HLS", "DASH_CMAF", "SRT", "RTMP"}
	}
	p := &Platform{
		opts:     opts,
		inputs:   make(map[string]string),
		tokens:   make(map[string]bool),
		failures: make(map[string]*failure),
	}
	if opts.StaticToken != "" {
		p.tokens[opts.StaticToken] = true
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// Close shuts down the underlying HTTP server.
func (p *Platform) Close() {
	if p.server != nil {
		p.server.Close()
	}
}

// BaseURL returns the versioned API root, e.g. http://127.0.0.1:1234/v1.
func (p *Platform) BaseURL() string {
	return p.server.URL + "/v1"
}

// SetInput registers an input with the given status ("Ingestion" is live).
func (p *Platform) SetInput(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs[id] = status
}

// RevokeTokens invalidates every token, including the static one, so the next
// authenticated request fails with 401.
func (p *Platform) RevokeTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = make(map[string]bool)
}

// Fail makes the next n requests of kind ("login", "input", "inputs",
// "output", "node-groups") answer with status.
func (p *Platform) Fail(kind string, n, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[kind] = &failure{remaining: n, status: status}
}

// SetDelay delays every response, for timeout tests.
func (p *Platform) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Operations returns a copy of all recorded operations in the order they occurred.
func (p *Platform) Operations() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Operation, len(p.operations))
	copy(out, p.operations)
	return out
}

// Count returns how many operations of kind were recorded.
func (p *Platform) Count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, op := range p.operations {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

func (p *Platform) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodPost && path == "login":
		p.handleLogin(w, r)
	case r.Method == http.MethodGet && path == "inputs":
		p.handleListInputs(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "inputs/"):
		p.handleInput(w, r, strings.TrimPrefix(path, "inputs/"))
	case r.Method == http.MethodPost && path == "outputs":
		p.handleOutputs(w, r)
	case r.Method == http.MethodGet && path == "node-groups":
		p.handleNodeGroups(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (p *Platform) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.reply(w, Operation{Kind: "login"}, http.StatusBadRequest, nil)
		return
	}
	if p.injectFailure(w, "login") {
		return
	}
	if req.Username != p.opts.Username || req.Password != p.opts.Password {
		p.reply(w, Operation{Kind: "login"}, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}
	p.mu.Lock()
	p.issued++
	token := fmt.Sprintf("token-%d", p.issued)
	p.tokens[token] = true
	p.mu.Unlock()
	p.reply(w, Operation{Kind: "login", Token: token}, http.StatusOK, map[string]string{"token": token})
}

func (p *Platform) handleListInputs(w http.ResponseWriter, r *http.Request) {
	op := Operation{Kind: "inputs", Token: bearer(r)}
	if !p.authorized(w, r, op) || p.injectFailure(w, "inputs") {
		return
	}
	p.mu.Lock()
	inputs := make([]map[string]string, 0, len(p.inputs))
	for id, status := range p.inputs {
		inputs = append(inputs, map[string]string{"id": id, "status": status})
	}
	p.mu.Unlock()
	p.reply(w, op, http.StatusOK, inputs)
}

func (p *Platform) handleInput(w http.ResponseWriter, r *http.Request, id string) {
	op := Operation{Kind: "input", InputID: id, Token: bearer(r)}
	if !p.authorized(w, r, op) || p.injectFailure(w, "input") {
		return
	}
	p.mu.Lock()
	status, ok := p.inputs[id]
	p.mu.Unlock()
	if !ok {
		p.reply(w, op, http.StatusNotFound, map[string]string{"message": "input not found"})
		return
	}
	p.reply(w, op, http.StatusOK, map[string]string{"id": id, "name": id, "status": status})
}

func (p *Platform) handleOutputs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format   string `json:"format"`
		StreamID string `json:"streamId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.reply(w, Operation{Kind: "output"}, http.StatusBadRequest, nil)
		return
	}
	op := Operation{Kind: "output", InputID: req.StreamID, Format: req.Format, Token: bearer(r)}
	if !p.authorized(w, r, op) || p.injectFailure(w, "output") {
		return
	}
	if !p.knownFormat(req.Format) {
		p.reply(w, op, http.StatusBadRequest, map[string]string{"message": "unsupported format " + req.Format})
		return
	}
	p.mu.Lock()
	_, ok := p.inputs[req.StreamID]
	p.mu.Unlock()
	if !ok {
		p.reply(w, op, http.StatusNotFound, map[string]string{"message": "input not found"})
		return
	}
	p.reply(w, op, http.StatusOK, map[string]string{
		"format":   req.Format,
		"streamId": req.StreamID,
		"url":      fmt.Sprintf("https://edge.example.test/%s/%s", req.StreamID, strings.ToLower(req.Format)),
	})
}

func (p *Platform) handleNodeGroups(w http.ResponseWriter, r *http.Request) {
	op := Operation{Kind: "node-groups", Token: bearer(r)}
	if !p.authorized(w, r, op) || p.injectFailure(w, "node-groups") {
		return
	}
	body := p.opts.NodeGroups
	if len(body) == 0 {
		body = json.RawMessage("[]")
	}
	p.reply(w, op, http.StatusOK, body)
}

func (p *Platform) knownFormat(format string) bool {
	for _, candidate := range p.opts.Formats {
		if candidate == format {
			return true
		}
	}
	return false
}

func (p *Platform) authorized(w http.ResponseWriter, r *http.Request, op Operation) bool {
	token := bearer(r)
	p.mu.Lock()
	ok := token != "" && p.tokens[token]
	p.mu.Unlock()
	if !ok {
		p.reply(w, op, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
	}
	return ok
}

func (p *Platform) injectFailure(w http.ResponseWriter, kind string) bool {
	p.mu.Lock()
	f := p.failures[kind]
	if f == nil || f.remaining <= 0 {
		p.mu.Unlock()
		return false
	}
	f.remaining--
	status := f.status
	p.mu.Unlock()
	p.reply(w, Operation{Kind: kind}, status, map[string]string{"message": "injected failure"})
	return true
}

func (p *Platform) reply(w http.ResponseWriter, op Operation, status int, body interface{}) {
	op.Status = status
	op.Timestamp = time.Now()
	p.mu.Lock()
	p.operations = append(p.operations, op)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
