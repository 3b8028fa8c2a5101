package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	validation "github.com/jellydator/validation"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/service"
)

// maxBodyBytes caps request bodies. Every request this API accepts is tiny.
const maxBodyBytes = 64 << 10

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope. The optional ctx map
// provides additional context fields.
func writeError(w http.ResponseWriter, status int, reason model.Reason, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    status,
			Reason:  reason,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body into v. Oversized and malformed bodies
// are both reported as an error.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeValidationError reports a failed DTO validation as MALFORMED_REQUEST,
// listing the offending fields in the context.
func writeValidationError(w http.ResponseWriter, err error) {
	var fields validation.Errors
	if errors.As(err, &fields) {
		ctx := make(map[string]interface{}, len(fields))
		for name, ferr := range fields {
			ctx[name] = ferr.Error()
		}
		writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, "request validation failed", ctx)
		return
	}
	writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, err.Error())
}

// writeServiceError maps service and store errors onto HTTP responses.
// Unexpected errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var locked *service.LockedError
	switch {
	case errors.As(err, &locked):
		unlockAt := locked.UnlockAt.UTC()
		if secs := int(time.Until(unlockAt).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", fmt.Sprint(secs))
		}
		writeError(w, http.StatusLocked, model.ReasonAccountLocked, "Too many failed login attempts",
			map[string]interface{}{"unlock_at": unlockAt.Format(time.RFC3339)})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, model.ReasonInvalidCredentials, "Invalid credentials")
	case errors.Is(err, service.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, model.ReasonUnauthenticated, "Authentication required")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, model.ReasonForbidden, forbiddenMessage(err))
	case errors.Is(err, service.ErrPrincipalNotFound), errors.Is(err, config.ErrNotFound):
		writeError(w, http.StatusNotFound, model.ReasonNotFound, "Principal not found")
	case errors.Is(err, config.ErrConflict):
		writeError(w, http.StatusConflict, model.ReasonConflict, "A principal with this email already exists")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ReasonInternal, "Internal server error")
	}
}

func forbiddenMessage(err error) string {
	if errors.Is(err, service.ErrGrantExceedsActor) {
		return "Cannot grant a permission you do not hold"
	}
	return "Insufficient privileges for this principal"
}
