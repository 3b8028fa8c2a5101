package handler

import (
	"net/http"

	"github.com/turnstiledev/turnstile/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document of this API.
type OpenAPIHandler struct {
	baseURL string
	version string
}

// NewOpenAPIHandler creates an OpenAPIHandler. An empty baseURL advertises
// the scheme and host of each request.
func NewOpenAPIHandler(baseURL, version string) *OpenAPIHandler {
	return &OpenAPIHandler{baseURL: baseURL, version: version}
}

// ServeSpec writes the document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	writeJSON(w, http.StatusOK, openapi.Generate(base, h.version))
}
