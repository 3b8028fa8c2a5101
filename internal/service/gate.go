package service

import (
	"errors"
	"fmt"

	"github.com/turnstiledev/turnstile/internal/model"
)

// Requirement is what a protected operation demands of the caller: either a
// permission or a minimum role.
type Requirement struct {
	Permission string
	MinRole    model.Role
}

// RequirePermission demands permission p (or all_access).
func RequirePermission(p string) Requirement {
	return Requirement{Permission: p}
}

// RequireRole demands a role at least as privileged as r.
func RequireRole(r model.Role) Requirement {
	return Requirement{MinRole: r}
}

func (r Requirement) String() string {
	if r.MinRole != "" {
		return "role>=" + string(r.MinRole)
	}
	return "permission:" + r.Permission
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  model.Reason // empty when allowed
	Claims  *Claims
}

// Err converts a denied decision into an error.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == model.ReasonUnauthenticated:
		return ErrInvalidToken
	default:
		return ErrForbidden
	}
}

// Gate answers "may the bearer of this token do this?". It holds no state
// of its own beyond the token verifier.
type Gate struct {
	tokens *TokenService
}

// NewGate creates a gate that verifies tokens with tokens.
func NewGate(tokens *TokenService) *Gate {
	return &Gate{tokens: tokens}
}

// Authorize verifies token and checks it against req. Invalid tokens yield
// UNAUTHENTICATED; valid tokens lacking the requirement yield FORBIDDEN.
func (g *Gate) Authorize(token string, req Requirement) Decision {
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return Decision{Reason: model.ReasonUnauthenticated}
	}
	return Decide(claims, req)
}

// Decide checks already-verified claims against req.
func Decide(claims *Claims, req Requirement) Decision {
	if claims == nil {
		return Decision{Reason: model.ReasonUnauthenticated}
	}
	if Satisfies(claims.Role, claims.Permissions, req) {
		return Decision{Allowed: true, Claims: claims}
	}
	return Decision{Reason: model.ReasonForbidden, Claims: claims}
}

// Satisfies reports whether a role with the given explicit grants meets req.
// The effective set is the role's implied permissions plus the grants, and
// all_access satisfies any permission requirement.
func Satisfies(role model.Role, explicit []string, req Requirement) bool {
	if req.MinRole != "" {
		return role.Valid() && req.MinRole.Valid() && model.LevelOf(role) >= model.LevelOf(req.MinRole)
	}
	if req.Permission == "" {
		return false
	}
	implied := model.ImpliedPermissions(role)
	if _, ok := implied[model.PermAllAccess]; ok {
		return true
	}
	if _, ok := implied[req.Permission]; ok {
		return true
	}
	for _, p := range explicit {
		if p == model.PermAllAccess || p == req.Permission {
			return true
		}
	}
	return false
}

// HasPermission is Satisfies for a single permission.
func HasPermission(role model.Role, explicit []string, perm string) bool {
	return Satisfies(role, explicit, RequirePermission(perm))
}

// ErrGrantExceedsActor is returned when an actor tries to grant a permission
// it does not hold itself.
var ErrGrantExceedsActor = errors.New("cannot grant a permission the actor does not hold")

// CheckManage enforces CanManage and grant monotonicity for an administrative
// change by actor to a principal holding targetRole. grants are the explicit
// permissions the change would set (nil when not changing grants).
func CheckManage(actor *Claims, targetRole model.Role, grants []string) error {
	if actor == nil {
		return ErrInvalidToken
	}
	if !model.CanManage(actor.Role, targetRole) {
		return fmt.Errorf("%w: %s cannot manage %s", ErrForbidden, actor.Role, targetRole)
	}
	for _, p := range grants {
		if !Satisfies(actor.Role, actor.Permissions, RequirePermission(p)) {
			return fmt.Errorf("%w: %w: %s", ErrForbidden, ErrGrantExceedsActor, p)
		}
	}
	return nil
}
