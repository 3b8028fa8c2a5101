package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/service"
)

type contextKeyAuth string

// ClaimsKey is the context key for the verified token claims.
const ClaimsKey contextKeyAuth = "auth_claims"

// TokenVerifier verifies bearer tokens. service.AuthService implements it.
type TokenVerifier interface {
	VerifyToken(token string) (*service.Claims, error)
}

// DecisionObserver is told about every authorization decision.
// metrics.Collector implements it.
type DecisionObserver interface {
	ObserveDecision(result string)
}

// Authenticate verifies the Authorization: Bearer token and attaches its
// claims to the request context. Requests without a valid token get 401.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, model.ReasonUnauthenticated,
					"Authentication required. Provide a Bearer token.")
				return
			}
			claims, err := v.VerifyToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, model.ReasonUnauthenticated, "Invalid token")
				return
			}
			ctx := WithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require enforces req against the claims placed by Authenticate. It must be
// used after Authenticate in the middleware chain. obs may be nil.
func Require(req service.Requirement, obs DecisionObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := service.Decide(GetClaims(r.Context()), req)
			if obs != nil {
				if d.Allowed {
					obs.ObserveDecision("allowed")
				} else {
					obs.ObserveDecision(string(d.Reason))
				}
			}
			switch {
			case d.Allowed:
				next.ServeHTTP(w, r)
			case d.Reason == model.ReasonUnauthenticated:
				writeAuthError(w, http.StatusUnauthorized, d.Reason, "Authentication required")
			default:
				writeAuthError(w, http.StatusForbidden, d.Reason, "Missing "+req.String())
			}
		})
	}
}

// GetClaims extracts the verified claims from the context. Returns nil if
// the request was not authenticated.
func GetClaims(ctx context.Context) *service.Claims {
	if c, ok := ctx.Value(ClaimsKey).(*service.Claims); ok {
		return c
	}
	return nil
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *service.Claims) context.Context {
	if rec, ok := ctx.Value(requestRecordKey).(*requestRecord); ok && claims != nil {
		rec.setPrincipal(claims.PrincipalID())
	}
	return context.WithValue(ctx, ClaimsKey, claims)
}

// BearerToken returns the token in the Authorization header, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// writeAuthError writes the error envelope without going through the
// handler package, which imports this one.
func writeAuthError(w http.ResponseWriter, status int, reason model.Reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="turnstile"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Reason: reason, Message: message},
	})
}
