package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	validation "github.com/jellydator/validation"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/server/middleware"
	"github.com/turnstiledev/turnstile/internal/service"
)

// AuthHandler serves the /api/v1/auth endpoints.
type AuthHandler struct {
	auth       *service.AuthService
	principals *service.PrincipalService
	logger     *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(auth *service.AuthService, principals *service.PrincipalService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{auth: auth, principals: principals, logger: logger}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (r *loginRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Identifier,
			validation.Required.Error("identifier is required"),
			validation.Length(1, 254)),
		validation.Field(&r.Password,
			validation.Required.Error("password is required"),
			validation.Length(1, 1024)),
	)
}

// Login exchanges credentials for a token.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, err.Error())
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.LoginResponse{
		Token:     res.Token,
		TokenType: "bearer",
		ExpiresAt: res.Claims.ExpiresAt.Time,
		Principal: res.Principal.Summary(),
	})
}

// Validate reports whether the bearer token is valid for an active principal.
// Invalid tokens get 401 with valid=false.
// POST /api/v1/auth/validate
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	claims, p, err := h.auth.Validate(r.Context(), middleware.BearerToken(r))
	if err != nil {
		if !isAuthFailure(err) {
			writeServiceError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusUnauthorized, model.ValidateResponse{Valid: false, Code: model.ReasonUnauthenticated})
		return
	}
	summary := p.Summary()
	exp := claims.ExpiresAt.Time
	writeJSON(w, http.StatusOK, model.ValidateResponse{Valid: true, Principal: &summary, ExpiresAt: &exp})
}

// KeepAlive confirms the session, records activity and refreshes the token
// when it is close to expiry.
// POST /api/v1/auth/keepalive
func (h *AuthHandler) KeepAlive(w http.ResponseWriter, r *http.Request) {
	res, err := h.auth.KeepAlive(r.Context(), middleware.BearerToken(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.KeepAliveResponse{
		RefreshedToken: res.RefreshedToken,
		ExpiresAt:      res.Claims.ExpiresAt.Time,
	})
}

// Logout announces the end of a session. It always succeeds; tokens are
// stateless, so clients must also discard theirs.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(r.Context(), middleware.BearerToken(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type meResponse struct {
	Principal            *model.Principal `json:"principal"`
	Family               model.Family     `json:"family"`
	EffectivePermissions []string         `json:"effective_permissions"`
}

// Me returns the authenticated principal with its effective permissions.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, model.ReasonUnauthenticated, "Authentication required")
		return
	}
	p, err := h.principals.Get(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !p.IsActive {
		writeError(w, http.StatusUnauthorized, model.ReasonUnauthenticated, "Account is disabled")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Principal:            p,
		Family:               model.FamilyOf(p.Role),
		EffectivePermissions: model.EffectivePermissions(p.Role, p.Permissions),
	})
}

func isAuthFailure(err error) bool {
	return errors.Is(err, service.ErrInvalidToken)
}
