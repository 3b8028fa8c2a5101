package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/server/middleware"
	"github.com/turnstiledev/turnstile/internal/service"
)

// PrincipalHandler serves principal administration. Routes are mounted behind
// Authenticate and Require; the handler adds the CanManage checks.
type PrincipalHandler struct {
	svc    *service.PrincipalService
	logger *slog.Logger
}

// NewPrincipalHandler creates a PrincipalHandler.
func NewPrincipalHandler(svc *service.PrincipalService, logger *slog.Logger) *PrincipalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrincipalHandler{svc: svc, logger: logger}
}

// ListPrincipals returns every principal, optionally filtered by ?role= and
// ?family=.
// GET /api/v1/principals
func (h *PrincipalHandler) ListPrincipals(w http.ResponseWriter, r *http.Request) {
	principals, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	role := model.Role(r.URL.Query().Get("role"))
	family := model.Family(r.URL.Query().Get("family"))
	out := make([]model.Principal, 0, len(principals))
	for _, p := range principals {
		if role != "" && p.Role != role {
			continue
		}
		if family != "" && model.FamilyOf(p.Role) != family {
			continue
		}
		out = append(out, p)
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: out,
		Meta:     &model.ResponseMeta{Count: len(out)},
	})
}

type createPrincipalRequest struct {
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        model.Role `json:"role"`
	Password    string     `json:"password"`
	Permissions []string   `json:"permissions"`
}

func (r *createPrincipalRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Email,
			validation.Required.Error("email is required"),
			validation.Length(3, 254),
			is.EmailFormat.Error("must be a valid email address")),
		validation.Field(&r.Name, validation.Length(0, 255)),
		validation.Field(&r.Role,
			validation.Required.Error("role is required"),
			validation.By(validRole)),
		validation.Field(&r.Password,
			validation.Required.Error("password is required"),
			validation.Length(8, 72).Error("password must be between 8 and 72 characters")),
		validation.Field(&r.Permissions, validation.Each(validation.Required)),
	)
}

func validRole(value interface{}) error {
	if r, ok := value.(model.Role); ok && r.Valid() {
		return nil
	}
	return validation.NewError("validation_role", "must be a known role")
}

// CreatePrincipal registers a new principal. The caller must outrank the new
// role and hold every permission it grants.
// POST /api/v1/principals
func (h *PrincipalHandler) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	p, err := h.svc.Create(r.Context(), middleware.GetClaims(r.Context()), service.NewPrincipal{
		Email:       req.Email,
		Name:        req.Name,
		Role:        req.Role,
		Password:    req.Password,
		Permissions: req.Permissions,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (r *permissionsRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Permissions, validation.NotNil, validation.Each(validation.Required)),
	)
}

// SetPermissions replaces the explicit grants of a principal.
// PUT /api/v1/principals/{id}/permissions
func (h *PrincipalHandler) SetPermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	p, err := h.svc.SetPermissions(r.Context(), middleware.GetClaims(r.Context()), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type statusRequest struct {
	IsActive *bool `json:"is_active"`
}

func (r *statusRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.IsActive, validation.NotNil.Error("is_active is required")),
	)
}

// SetStatus enables or disables a principal. Disabled principals fail
// validation and keep-alive, which ends their sessions.
// PUT /api/v1/principals/{id}/status
func (h *PrincipalHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.ReasonMalformedRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	p, err := h.svc.SetActive(r.Context(), middleware.GetClaims(r.Context()), chi.URLParam(r, "id"), *req.IsActive)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
