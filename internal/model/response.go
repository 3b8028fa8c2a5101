package model

import "time"

// Reason is the machine-readable failure category carried in error responses.
type Reason string

const (
	ReasonUnauthenticated    Reason = "UNAUTHENTICATED"
	ReasonForbidden          Reason = "FORBIDDEN"
	ReasonAccountLocked      Reason = "ACCOUNT_LOCKED"
	ReasonInvalidCredentials Reason = "INVALID_CREDENTIALS"
	ReasonMalformedRequest   Reason = "MALFORMED_REQUEST"
	// ReasonDegradedSession is only observed client-side, when keep-alive
	// calls stop reaching the server.
	ReasonDegradedSession Reason = "DEGRADED_SESSION_VALIDATION"
	ReasonNotFound        Reason = "NOT_FOUND"
	ReasonConflict        Reason = "CONFLICT"
	ReasonRateLimited     Reason = "RATE_LIMITED"
	ReasonInternal        Reason = "INTERNAL"
)

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Resource interface{}   `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains counting information for list responses.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Reason  Reason                 `json:"reason"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string           `json:"token"`
	TokenType string           `json:"token_type"`
	ExpiresAt time.Time        `json:"expires_at"`
	Principal PrincipalSummary `json:"principal"`
}

// ValidateResponse is returned by the token validation endpoint. Code is set
// only when Valid is false.
type ValidateResponse struct {
	Valid     bool              `json:"valid"`
	Code      Reason            `json:"code,omitempty"`
	Principal *PrincipalSummary `json:"principal,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// KeepAliveResponse is returned by the keep-alive endpoint. RefreshedToken
// is set only when the token was close to expiry and has been re-issued.
type KeepAliveResponse struct {
	RefreshedToken string    `json:"refreshed_token,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}
