package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/crypto/bcrypt"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

// BcryptCost is the work factor for new password hashes. Tests lower it.
var BcryptCost = bcrypt.DefaultCost

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// NewPrincipal is the input for creating a principal.
type NewPrincipal struct {
	Email       string
	Name        string
	Role        model.Role
	Password    string
	Permissions []string
}

// PrincipalService administers principals. Every change made on behalf of
// an actor is checked with CheckManage and announced on the bus.
type PrincipalService struct {
	repo   PrincipalRepository
	bus    Publisher
	logger *slog.Logger
}

// NewPrincipalService creates a principal service. bus may be nil.
func NewPrincipalService(repo PrincipalRepository, bus Publisher, logger *slog.Logger) *PrincipalService {
	if bus == nil {
		bus = noopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrincipalService{repo: repo, bus: bus, logger: logger}
}

// List returns every principal.
func (s *PrincipalService) List(ctx context.Context) ([]model.Principal, error) {
	return s.repo.ListPrincipals(ctx)
}

// Get returns a principal by id.
func (s *PrincipalService) Get(ctx context.Context, id string) (*model.Principal, error) {
	p, err := s.repo.GetPrincipal(ctx, id)
	if errors.Is(err, config.ErrNotFound) {
		return nil, ErrPrincipalNotFound
	}
	return p, err
}

// Register creates a principal without an acting principal. It is used by
// operator tooling (the CLI) that already has direct store access.
func (s *PrincipalService) Register(ctx context.Context, in NewPrincipal) (*model.Principal, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	p := &model.Principal{
		Email:        in.Email,
		Name:         in.Name,
		Role:         in.Role,
		Permissions:  normalizeGrants(in.Permissions),
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.repo.CreatePrincipal(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("principal created", "principal_id", p.ID, "role", p.Role)
	return p, nil
}

// Create registers a principal on behalf of actor, who must outrank the new
// role and hold every permission granted.
func (s *PrincipalService) Create(ctx context.Context, actor *Claims, in NewPrincipal) (*model.Principal, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}
	in.Permissions = normalizeGrants(in.Permissions)
	if err := CheckManage(actor, in.Role, in.Permissions); err != nil {
		return nil, err
	}
	return s.Register(ctx, in)
}

// SetPermissions replaces the explicit grants of the principal id.
func (s *PrincipalService) SetPermissions(ctx context.Context, actor *Claims, id string, perms []string) (*model.Principal, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	perms = normalizeGrants(perms)
	if err := CheckManage(actor, target.Role, perms); err != nil {
		return nil, err
	}
	if err := s.repo.UpdatePermissions(ctx, id, perms); err != nil {
		return nil, err
	}
	target.Permissions = perms
	s.announce(ctx, target, "permissions")
	return target, nil
}

// SetActive enables or disables the principal id. A disabled principal
// fails Validate, so its sessions end at their next keep-alive.
func (s *PrincipalService) SetActive(ctx context.Context, actor *Claims, id string, active bool) (*model.Principal, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckManage(actor, target.Role, nil); err != nil {
		return nil, err
	}
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return nil, err
	}
	target.IsActive = active
	s.announce(ctx, target, "is_active")
	return target, nil
}

func (s *PrincipalService) announce(ctx context.Context, p *model.Principal, field string) {
	ev := syncbus.Event{
		Type:        syncbus.EventDataUpdate,
		PrincipalID: p.ID,
		Family:      model.FamilyOf(p.Role),
		Payload:     map[string]any{"changed": []string{field}, "principal": p.Summary()},
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish sync event", "type", ev.Type, "error", err)
	}
	s.logger.Info("principal updated", "principal_id", p.ID, "field", field)
}

func normalizeGrants(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
