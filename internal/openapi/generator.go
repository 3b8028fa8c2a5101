// Package openapi describes the turnstile HTTP API as an OpenAPI 3.1 document.
package openapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/turnstiledev/turnstile/internal/model"
)

// Route describes one endpoint. The server mounts exactly these routes.
type Route struct {
	Method      string
	Path        string
	Tag         string
	OperationID string
	Summary     string
	// Auth is "" for public routes, "bearer" for any valid token, or the
	// permission the route requires.
	Auth     string
	Request  string // component schema name of the body, if any
	Status   int
	Response string // component schema name of the success body
	Errors   []int
}

// Routes returns the API surface in mount order.
func Routes() []Route {
	return []Route{
		{http.MethodPost, "/api/v1/auth/login", "auth", "login", "Exchange credentials for a token",
			"", "LoginRequest", 200, "LoginResponse", []int{400, 401, 423, 429}},
		{http.MethodPost, "/api/v1/auth/validate", "auth", "validate", "Check a token",
			"bearer", "", 200, "ValidateResponse", []int{401}},
		{http.MethodPost, "/api/v1/auth/keepalive", "auth", "keepalive", "Extend a session and refresh its token when close to expiry",
			"bearer", "", 200, "KeepAliveResponse", []int{401, 429}},
		{http.MethodPost, "/api/v1/auth/logout", "auth", "logout", "End a session",
			"", "", 200, "LogoutResponse", nil},
		{http.MethodGet, "/api/v1/auth/me", "auth", "me", "The authenticated principal",
			"bearer", "", 200, "Me", []int{401}},
		{http.MethodGet, "/api/v1/principals", "principals", "listPrincipals", "List principals",
			model.PermPrincipalsRead, "", 200, "PrincipalList", []int{401, 403}},
		{http.MethodPost, "/api/v1/principals", "principals", "createPrincipal", "Create a principal",
			model.PermPrincipalsManage, "CreatePrincipalRequest", 201, "Principal", []int{400, 401, 403, 409}},
		{http.MethodPut, "/api/v1/principals/{id}/permissions", "principals", "setPermissions", "Replace explicit grants",
			model.PermPrincipalsManage, "PermissionsRequest", 200, "Principal", []int{400, 401, 403, 404}},
		{http.MethodPut, "/api/v1/principals/{id}/status", "principals", "setStatus", "Enable or disable a principal",
			model.PermPrincipalsManage, "StatusRequest", 200, "Principal", []int{400, 401, 403, 404}},
		{http.MethodGet, "/api/v1/lockouts/{identifier}", "lockouts", "getLockout", "Lockout state of an identifier",
			model.PermLockoutsManage, "", 200, "LockoutStatus", []int{400, 401, 403}},
		{http.MethodDelete, "/api/v1/lockouts/{identifier}", "lockouts", "releaseLockout", "Release a locked identifier",
			model.PermLockoutsManage, "", 200, "LockoutStatus", []int{400, 401, 403}},
		{http.MethodGet, "/healthz", "system", "healthz", "Liveness probe",
			"", "", 200, "Health", nil},
		{http.MethodGet, "/readyz", "system", "readyz", "Readiness probe",
			"", "", 200, "Health", []int{503}},
	}
}

var errorDescriptions = map[int]string{
	400: "Malformed request",
	401: "Missing or invalid credentials",
	403: "Insufficient permissions",
	404: "Not found",
	409: "Conflict",
	423: "Account locked; context.unlock_at says until when",
	429: "Rate limited",
	503: "Not ready",
}

// Generate builds the OpenAPI document for the API served at baseURL.
func Generate(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Turnstile API",
			Description: "Authentication, authorization and session lifecycle for the training platform.",
			Version:     version,
		},
		Servers: openapi3.Servers{{URL: baseURL}},
	}

	roles := make([]string, 0, len(model.Roles()))
	for _, r := range model.Roles() {
		roles = append(roles, string(r))
	}
	reasons := []string{
		string(model.ReasonUnauthenticated), string(model.ReasonForbidden),
		string(model.ReasonAccountLocked), string(model.ReasonInvalidCredentials),
		string(model.ReasonMalformedRequest), string(model.ReasonNotFound),
		string(model.ReasonConflict), string(model.ReasonRateLimited),
		string(model.ReasonInternal),
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas(roles, reasons)
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	for _, rt := range Routes() {
		item := doc.Paths.Value(rt.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(rt.Path, item)
		}
		item.SetOperation(rt.Method, operation(rt))
	}
	return doc
}

func operation(rt Route) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{rt.Tag},
		Summary:     rt.Summary,
		OperationID: rt.OperationID,
		Parameters:  pathParameters(rt.Path),
		Responses:   newResponses(rt),
	}
	switch rt.Auth {
	case "":
		op.Security = &openapi3.SecurityRequirements{}
	case "bearer":
		op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	default:
		op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
		op.Description = fmt.Sprintf("Requires the %s permission.", rt.Auth)
	}
	if rt.Request != "" {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(ref(rt.Request)),
			},
		}
	}
	return op
}

func pathParameters(path string) openapi3.Parameters {
	var params openapi3.Parameters
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, &openapi3.ParameterRef{
				Value: openapi3.NewPathParameter(strings.Trim(seg, "{}")).WithSchema(openapi3.NewStringSchema()),
			})
		}
	}
	return params
}

// newResponses builds the success response plus the route's error responses,
// all of which share the ErrorResponse envelope.
func newResponses(rt Route) *openapi3.Responses {
	responses := openapi3.NewResponsesWithCapacity(1 + len(rt.Errors))

	desc := http.StatusText(rt.Status)
	responses.Set(fmt.Sprint(rt.Status), &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref(rt.Response)),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, code := range rt.Errors {
		d := errorDescriptions[code]
		schema := errorRef
		if rt.OperationID == "validate" && code == 401 {
			schema = ref("ValidateResponse")
		}
		if rt.OperationID == "readyz" && code == 503 {
			schema = ref("Health")
		}
		responses.Set(fmt.Sprint(code), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Content:     openapi3.NewContentWithJSONSchemaRef(schema),
			},
		})
	}
	return responses
}
