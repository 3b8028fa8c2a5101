package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/turnstiledev/turnstile/internal/model"
)

// RateLimit returns an HTTP middleware that limits requests per client IP
// to the specified number per minute, using a sliding window. Rejected
// requests get 429 with the standard error envelope. A limit of zero or
// less disables limiting.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeAuthError(w, http.StatusTooManyRequests, model.ReasonRateLimited, "Too many requests")
		}),
	)
}

// RateLimitByToken limits requests per bearer token, falling back to the
// client IP for anonymous requests.
func RateLimitByToken(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if tok := BearerToken(r); tok != "" {
				return "tok:" + tok, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeAuthError(w, http.StatusTooManyRequests, model.ReasonRateLimited, "Too many requests")
		}),
	)
}

func passthrough(next http.Handler) http.Handler { return next }
