package model

import "time"

// Principal is an authenticated identity: an admin, a staff member or a
// candidate. Passwords are stored as bcrypt hashes.
type Principal struct {
	ID             string     `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	Name           string     `json:"name" db:"name"`
	Role           Role       `json:"role" db:"role"`
	Permissions    []string   `json:"permissions"`
	PasswordHash   string     `json:"-" db:"password_hash"` // bcrypt hash, never expose
	IsActive       bool       `json:"is_active" db:"is_active"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Summary returns the client-facing view of the principal.
func (p *Principal) Summary() PrincipalSummary {
	return PrincipalSummary{
		ID:          p.ID,
		Email:       p.Email,
		Name:        p.Name,
		Role:        p.Role,
		Family:      FamilyOf(p.Role),
		Permissions: EffectivePermissions(p.Role, p.Permissions),
		IsActive:    p.IsActive,
	}
}

// PrincipalSummary is what clients persist next to their token and what
// the sync bus carries between contexts.
type PrincipalSummary struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	Role        Role     `json:"role"`
	Family      Family   `json:"family"`
	Permissions []string `json:"permissions"`
	IsActive    bool     `json:"is_active"`
}
