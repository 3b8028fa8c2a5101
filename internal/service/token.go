package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/turnstiledev/turnstile/internal/model"
)

// MinSecretLength is the shortest accepted HS256 signing secret.
const MinSecretLength = 32

func init() {
	// Millisecond timestamps make a refresh move exp forward even when it
	// happens within the same second as the original issue.
	jwt.TimePrecision = time.Millisecond
}

// Claims is the payload of a turnstile token.
type Claims struct {
	Email       string       `json:"email,omitempty"`
	Role        model.Role   `json:"role"`
	Family      model.Family `json:"family"`
	Permissions []string     `json:"permissions"`
	jwt.RegisteredClaims
}

// PrincipalID returns the token subject.
func (c *Claims) PrincipalID() string {
	return c.Subject
}

// Subject is the identity a token is issued for.
type Subject struct {
	ID          string
	Email       string
	Role        model.Role
	Permissions []string // explicit grants; implied ones are added at issue time
}

// SubjectOf builds a token subject from a stored principal.
func SubjectOf(p *model.Principal) Subject {
	return Subject{ID: p.ID, Email: p.Email, Role: p.Role, Permissions: p.Permissions}
}

// TokenService issues and verifies HS256 tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTokenClock overrides the time source used for iat, exp and expiry checks.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService creates a token service. It fails when the secret is
// missing or shorter than MinSecretLength bytes.
func NewTokenService(secret, issuer string, ttl time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("token issuer is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be greater than zero")
	}
	s := &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the default token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issuer returns the issuer stamped on and required of every token.
func (s *TokenService) Issuer() string { return s.issuer }

// Issue signs a token for sub. A non-positive ttl uses the service default.
func (s *TokenService) Issue(sub Subject, ttl time.Duration) (string, *Claims, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return "", nil, errors.New("subject id is required")
	}
	if !sub.Role.Valid() {
		return "", nil, fmt.Errorf("unknown role %q", sub.Role)
	}
	claims := &Claims{
		Email:       sub.Email,
		Role:        sub.Role,
		Family:      model.FamilyOf(sub.Role),
		Permissions: model.EffectivePermissions(sub.Role, sub.Permissions),
	}
	claims.Subject = sub.ID
	return s.sign(claims, ttl)
}

func (s *TokenService) sign(claims *Claims, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now().UTC()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.ID = uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, issuer and expiry. A token is expired once
// now >= exp. Failures are *TokenError and match ErrInvalidToken.
func (s *TokenService) Verify(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, &TokenError{Reason: TokenMalformed, Err: errors.New("empty token")}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, &TokenError{Reason: TokenBadSignature, Err: err}
		}
		return nil, &TokenError{Reason: TokenMalformed, Err: err}
	}

	if claims.Issuer != s.issuer {
		return nil, &TokenError{Reason: TokenWrongIssuer, Err: fmt.Errorf("unexpected issuer %q", claims.Issuer)}
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, &TokenError{Reason: TokenMalformed, Err: errors.New("required claims missing")}
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return nil, &TokenError{Reason: TokenExpired}
	}
	return claims, nil
}

// Refresh verifies tokenStr and re-issues it with the same payload and a new
// iat, exp and jti. Expired tokens are not refreshed.
func (s *TokenService) Refresh(tokenStr string) (string, *Claims, error) {
	old, err := s.Verify(tokenStr)
	if err != nil {
		return "", nil, err
	}
	claims := &Claims{
		Email:       old.Email,
		Role:        old.Role,
		Family:      old.Family,
		Permissions: old.Permissions,
	}
	claims.Subject = old.Subject
	return s.sign(claims, s.ttl)
}

// Remaining returns how long claims stay valid from now.
func (s *TokenService) Remaining(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(s.now())
}
