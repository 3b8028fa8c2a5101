package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

// PrincipalRepository is the persistence boundary for principals.
// config.Store is the production implementation.
type PrincipalRepository interface {
	CreatePrincipal(ctx context.Context, p *model.Principal) error
	GetPrincipal(ctx context.Context, id string) (*model.Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*model.Principal, error)
	ListPrincipals(ctx context.Context) ([]model.Principal, error)
	UpdatePermissions(ctx context.Context, id string, perms []string) error
	SetActive(ctx context.Context, id string, active bool) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	TouchLastActivity(ctx context.Context, id string, at time.Time) error
}

// Publisher is the subset of the sync bus the services publish to.
type Publisher interface {
	Publish(ctx context.Context, ev syncbus.Event) error
}

// AuthMetrics receives login and token outcomes. metrics.Collector implements it.
type AuthMetrics interface {
	ObserveLogin(outcome string)
	ObserveTokenFailure(reason string)
}

// Login outcomes reported to AuthMetrics.
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginLocked             = "locked"
	LoginError              = "error"
)

type noopMetrics struct{}

func (noopMetrics) ObserveLogin(string)        {}
func (noopMetrics) ObserveTokenFailure(string) {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, syncbus.Event) error { return nil }

// AuthService runs the login, validation, keep-alive and logout flows.
type AuthService struct {
	repo             PrincipalRepository
	tokens           *TokenService
	lockout          *LockoutGuard
	bus              Publisher
	metrics          AuthMetrics
	logger           *slog.Logger
	refreshThreshold time.Duration
	dummyHash        []byte
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

// WithPublisher sets the bus login and logout events are published on.
func WithPublisher(p Publisher) AuthOption {
	return func(s *AuthService) {
		if p != nil {
			s.bus = p
		}
	}
}

// WithAuthMetrics sets the metrics sink.
func WithAuthMetrics(m AuthMetrics) AuthOption {
	return func(s *AuthService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(l *slog.Logger) AuthOption {
	return func(s *AuthService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRefreshThreshold makes KeepAlive re-issue the token once its remaining
// lifetime drops below d.
func WithRefreshThreshold(d time.Duration) AuthOption {
	return func(s *AuthService) { s.refreshThreshold = d }
}

// NewAuthService wires the login flow together.
func NewAuthService(repo PrincipalRepository, tokens *TokenService, lockout *LockoutGuard, opts ...AuthOption) *AuthService {
	s := &AuthService{
		repo:             repo,
		tokens:           tokens,
		lockout:          lockout,
		bus:              noopPublisher{},
		metrics:          noopMetrics{},
		logger:           slog.Default(),
		refreshThreshold: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Unknown identifiers are compared against this so they cost the same as real ones.
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("turnstile-timing-equalizer"), BcryptCost)
	return s
}

// Tokens returns the token service.
func (s *AuthService) Tokens() *TokenService { return s.tokens }

// Lockout returns the lockout guard.
func (s *AuthService) Lockout() *LockoutGuard { return s.lockout }

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string
	Claims    *Claims
	Principal *model.Principal
}

// Login checks the lockout table, verifies the password and issues a token.
// Unknown identifiers, wrong passwords and disabled accounts all return
// ErrInvalidCredentials and all count as failures. A locked identifier
// returns *LockedError before any credential check.
func (s *AuthService) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	id := NormalizeIdentifier(identifier)

	if st := s.lockout.Status(id); st.Locked {
		s.metrics.ObserveLogin(LoginLocked)
		s.logger.Info("login rejected: locked", "identifier", id)
		return nil, &LockedError{UnlockAt: *st.UnlockAt}
	}

	p, err := s.repo.GetPrincipalByEmail(ctx, id)
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		s.metrics.ObserveLogin(LoginError)
		return nil, fmt.Errorf("load principal: %w", err)
	}

	if p == nil {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, s.fail(id, "unknown identifier")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, s.fail(id, "wrong password")
	}
	if !p.IsActive {
		return nil, s.fail(id, "account disabled")
	}

	s.lockout.RecordSuccess(id)

	token, claims, err := s.tokens.Issue(SubjectOf(p), 0)
	if err != nil {
		s.metrics.ObserveLogin(LoginError)
		return nil, fmt.Errorf("issue token: %w", err)
	}

	now := claims.IssuedAt.Time
	if err := s.repo.TouchLastLogin(ctx, p.ID, now); err != nil {
		s.logger.Warn("failed to record last login", "principal_id", p.ID, "error", err)
	}
	p.LastLoginAt = &now
	p.LastActivityAt = &now

	s.publish(ctx, syncbus.Event{
		Type:        syncbus.EventLogin,
		PrincipalID: p.ID,
		Family:      claims.Family,
		State:       &syncbus.SessionState{Token: token, Principal: p.Summary()},
	})
	s.metrics.ObserveLogin(LoginSuccess)
	s.logger.Info("login succeeded", "principal_id", p.ID, "role", p.Role)

	return &LoginResult{Token: token, Claims: claims, Principal: p}, nil
}

// fail records a failed attempt and returns the uniform error.
func (s *AuthService) fail(id, why string) error {
	st := s.lockout.RecordFailure(id)
	s.metrics.ObserveLogin(LoginInvalidCredentials)
	s.logger.Info("login failed",
		"identifier", id,
		"reason", why,
		"attempts_remaining", st.AttemptsRemaining)
	return ErrInvalidCredentials
}

// Validate verifies token and checks that its principal still exists and is
// active. Deactivated principals are rejected even though their token is
// cryptographically valid.
func (s *AuthService) Validate(ctx context.Context, token string) (*Claims, *model.Principal, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.repo.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			s.metrics.ObserveTokenFailure("UNKNOWN_PRINCIPAL")
			return nil, nil, fmt.Errorf("%w: principal no longer exists", ErrInvalidToken)
		}
		return nil, nil, fmt.Errorf("load principal: %w", err)
	}
	if !p.IsActive {
		s.metrics.ObserveTokenFailure("INACTIVE_PRINCIPAL")
		return nil, nil, fmt.Errorf("%w: principal disabled", ErrInvalidToken)
	}
	return claims, p, nil
}

// VerifyToken verifies token and logs the specific failure reason.
func (s *AuthService) VerifyToken(token string) (*Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		var te *TokenError
		if errors.As(err, &te) {
			s.metrics.ObserveTokenFailure(string(te.Reason))
			s.logger.Debug("token rejected", "reason", te.Reason, "error", te.Err)
		}
		return nil, err
	}
	return claims, nil
}

// KeepAliveResult is returned by KeepAlive.
type KeepAliveResult struct {
	RefreshedToken string // empty unless the token was re-issued
	Claims         *Claims
}

// KeepAlive confirms the session is still valid, records activity and
// re-issues the token when it is close to expiry.
func (s *AuthService) KeepAlive(ctx context.Context, token string) (*KeepAliveResult, error) {
	claims, p, err := s.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	res := &KeepAliveResult{Claims: claims}
	if s.tokens.Remaining(claims) < s.refreshThreshold {
		refreshed, newClaims, err := s.tokens.Refresh(token)
		if err != nil {
			return nil, err
		}
		res.RefreshedToken = refreshed
		res.Claims = newClaims
		s.publish(ctx, syncbus.Event{
			Type:        syncbus.EventDataUpdate,
			PrincipalID: p.ID,
			Family:      newClaims.Family,
			State:       &syncbus.SessionState{Token: refreshed, Principal: p.Summary()},
			Payload:     map[string]any{"changed": []string{"token"}},
		})
	}

	s.publish(ctx, syncbus.Event{
		Type:        syncbus.EventActivityHeartbeat,
		PrincipalID: p.ID,
		Family:      claims.Family,
	})
	return res, nil
}

// Logout publishes a logout event for a valid token. Invalid or missing
// tokens are ignored; logout always succeeds from the caller's view.
func (s *AuthService) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return
	}
	s.publish(ctx, syncbus.Event{
		Type:        syncbus.EventLogout,
		PrincipalID: claims.Subject,
		Family:      claims.Family,
	})
	s.logger.Info("logout", "principal_id", claims.Subject)
}

func (s *AuthService) publish(ctx context.Context, ev syncbus.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish sync event", "type", ev.Type, "error", err)
	}
}
