package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable. config.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves the liveness and readiness probes.
type SystemHandler struct {
	checks  map[string]Pinger
	version string
}

// NewSystemHandler creates a SystemHandler. checks are probed by Readyz.
func NewSystemHandler(version string, checks map[string]Pinger) *SystemHandler {
	return &SystemHandler{checks: checks, version: version}
}

// Healthz is a liveness probe. Returns 200 while the process is running.
// GET /healthz
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	})
}

// Readyz is a readiness probe. Returns 503 when any check fails.
// GET /readyz
func (h *SystemHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = "error: " + err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}
