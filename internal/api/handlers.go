package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"stream-failover/internal/failover"
	"stream-failover/internal/observability/logging"
	"stream-failover/internal/observability/metrics"
	"stream-failover/internal/registry"
)

// Resolver turns an alias and format into an endpoint.
type Resolver interface {
	Resolve(ctx context.Context, alias, format string) (failover.Resolution, error)
}

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handler struct {
	Registry     registry.Store
	Resolver     Resolver
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	HealthChecks []HealthCheck
}

func NewHandler(store registry.Store, resolver Resolver) *Handler {
	return &Handler{Registry: store, Resolver: resolver}
}

type createStreamRequest struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// Streams serves GET /streams.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	entries, err := h.Registry.List(r.Context())
	if err != nil {
		logging.WithContext(r.Context(), h.logger()).Error("list streams failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list streams"))
		return
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// StreamByAlias serves /stream/{alias} (POST, GET, DELETE) and
// /stream/{alias}/{format} (GET).
func (h *Handler) StreamByAlias(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/stream/"), "/")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("alias is required"))
		return
	}
	parts := strings.Split(path, "/")
	alias := parts[0]
	ctx := logging.ContextWithAlias(r.Context(), alias)
	r = r.WithContext(ctx)

	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodPost:
			h.createStream(w, r, alias)
		case http.MethodGet:
			h.getStream(w, r, alias)
		case http.MethodDelete:
			h.deleteStream(w, r, alias)
		default:
			methodNotAllowed(w, r, "GET, POST, DELETE")
		}
	case 2:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		h.resolveStream(w, r, alias, parts[1])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown path %s", r.URL.Path))
	}
}

func (h *Handler) createStream(w http.ResponseWriter, r *http.Request, alias string) {
	logger := logging.WithContext(r.Context(), h.logger())

	var req createStreamRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pair := registry.StreamPair{Primary: req.Primary, Secondary: req.Secondary}
	if err := h.Registry.Create(r.Context(), alias, pair); err != nil {
		switch {
		case errors.Is(err, registry.ErrConflict):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, registry.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		default:
			logger.Error("create stream failed", "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("failed to create stream"))
		}
		return
	}
	h.metrics().StreamRegistered()
	logger.Info("stream registered", "primary", strings.TrimSpace(req.Primary), "secondary", strings.TrimSpace(req.Secondary))
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) getStream(w http.ResponseWriter, r *http.Request, alias string) {
	pair, err := h.Registry.Get(r.Context(), alias)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registry.Entry{Alias: alias, Stream: pair})
}

func (h *Handler) deleteStream(w http.ResponseWriter, r *http.Request, alias string) {
	if err := h.Registry.Delete(r.Context(), alias); err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	h.metrics().StreamDeleted()
	logging.WithContext(r.Context(), h.logger()).Info("stream deleted")
	writeJSON(w, http.StatusOK, "Stream deleted")
}

func (h *Handler) resolveStream(w http.ResponseWriter, r *http.Request, alias, format string) {
	format = strings.TrimSpace(format)
	if format == "" {
		writeError(w, http.StatusBadRequest, errors.New("format is required"))
		return
	}
	resolution, err := h.Resolver.Resolve(r.Context(), alias, format)
	if err != nil {
		var allocErr *failover.AllocationError
		switch {
		case errors.Is(err, failover.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &allocErr):
			writeError(w, http.StatusInternalServerError, allocErr)
		default:
			logging.WithContext(r.Context(), h.logger()).Error("resolve stream failed", "format", format, "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("failed to resolve stream"))
		}
		return
	}
	w.Header().Set("X-Failover-Feed", resolution.FeedID)
	w.Header().Set("X-Failover-Choice", string(resolution.Choice))
	writeRawJSON(w, http.StatusOK, resolution.Endpoint)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	logging.WithContext(r.Context(), h.logger()).Error("registry lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("registry unavailable"))
}
