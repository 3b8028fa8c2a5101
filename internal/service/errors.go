package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the uniform login failure. It never says whether
	// the identifier or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("forbidden")
	ErrPrincipalNotFound  = errors.New("principal not found")
	ErrWeakSecret         = errors.New("signing secret must be at least 32 bytes")
)

// TokenFailure names why a token was rejected. It is logged server-side and
// never returned to clients.
type TokenFailure string

const (
	TokenMalformed    TokenFailure = "MALFORMED"
	TokenBadSignature TokenFailure = "BAD_SIGNATURE"
	TokenExpired      TokenFailure = "EXPIRED"
	TokenWrongIssuer  TokenFailure = "WRONG_ISSUER"
)

// TokenError is returned by TokenService.Verify and Refresh.
type TokenError struct {
	Reason TokenFailure
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid token (%s)", e.Reason)
}

func (e *TokenError) Is(target error) bool { return target == ErrInvalidToken }

func (e *TokenError) Unwrap() error { return e.Err }

// LockedError is returned by Login while an identifier is locked out.
type LockedError struct {
	UnlockAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.UnlockAt.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
