package handler

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/server/middleware"
	"github.com/turnstiledev/turnstile/internal/service"
)

// LockoutHandler exposes the in-memory lockout table to administrators.
type LockoutHandler struct {
	guard  *service.LockoutGuard
	logger *slog.Logger
}

// NewLockoutHandler creates a LockoutHandler.
func NewLockoutHandler(guard *service.LockoutGuard, logger *slog.Logger) *LockoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutHandler{guard: guard, logger: logger}
}

type releaseResponse struct {
	service.LockoutStatus
	Released bool `json:"released"`
}

func (h *LockoutHandler) identifier(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "identifier")
	id, err := url.PathUnescape(raw)
	if err == nil {
		id = service.NormalizeIdentifier(id)
	}
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, "Invalid identifier")
		return "", false
	}
	return id, true
}

// GetLockout reports the lockout state of an identifier.
// GET /api/v1/lockouts/{identifier}
func (h *LockoutHandler) GetLockout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identifier(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.guard.Status(id))
}

// ReleaseLockout clears the failure record of an identifier.
// DELETE /api/v1/lockouts/{identifier}
func (h *LockoutHandler) ReleaseLockout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identifier(w, r)
	if !ok {
		return
	}
	released := h.guard.Unlock(id)
	actor := ""
	if c := middleware.GetClaims(r.Context()); c != nil {
		actor = c.Subject
	}
	h.logger.Info("lockout released", "identifier", id, "actor", actor, "had_record", released)

	writeJSON(w, http.StatusOK, releaseResponse{LockoutStatus: h.guard.Status(id), Released: released})
}
