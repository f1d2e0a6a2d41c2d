package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.HealthChecks))
	for _, check := range h.HealthChecks {
		status := componentStatus{Component: check.Name, Status: "ok"}
		if err := check.Check(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		h.metrics().SetDependencyHealth(check.Name, status.Status)
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

// Health serves GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
