package service

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

func actorClaims(role model.Role, explicit ...string) *Claims {
	c := &Claims{Role: role, Family: model.FamilyOf(role), Permissions: model.EffectivePermissions(role, explicit)}
	c.Subject = "actor"
	return c
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Error("expected error for short password")
	}
	hash, err := HashPassword("long-enough")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "long-enough" {
		t.Error("password stored in clear")
	}
}

func TestPrincipalCreate(t *testing.T) {
	store := newTestStore(t)
	svc := NewPrincipalService(store, nil, nil)
	ctx := context.Background()

	p, err := svc.Create(ctx, actorClaims(model.RoleAdmin), NewPrincipal{
		Email:       "New@Example.com",
		Name:        "New",
		Role:        model.RoleStaff,
		Password:    "correct-horse",
		Permissions: []string{model.PermReportsView, model.PermReportsView, ""},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Email != "new@example.com" || !p.IsActive {
		t.Errorf("unexpected principal: %+v", p)
	}
	if !slices.Equal(p.Permissions, []string{model.PermReportsView}) {
		t.Errorf("grants not normalized: %v", p.Permissions)
	}

	_, err = svc.Create(ctx, actorClaims(model.RoleManager), NewPrincipal{
		Email: "boss@example.com", Role: model.RoleAdmin, Password: "correct-horse",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("manager creating admin: expected ErrForbidden, got %v", err)
	}

	_, err = svc.Create(ctx, actorClaims(model.RoleManager), NewPrincipal{
		Email: "x@example.com", Role: model.RoleStaff, Password: "correct-horse",
		Permissions: []string{model.PermLockoutsManage},
	})
	if !errors.Is(err, ErrGrantExceedsActor) {
		t.Errorf("expected ErrGrantExceedsActor, got %v", err)
	}

	_, err = svc.Create(ctx, actorClaims(model.RoleAdmin), NewPrincipal{
		Email: "new@example.com", Role: model.RoleStaff, Password: "correct-horse",
	})
	if !errors.Is(err, config.ErrConflict) {
		t.Errorf("duplicate email: expected ErrConflict, got %v", err)
	}

	_, err = svc.Create(ctx, actorClaims(model.RoleSuperAdmin), NewPrincipal{
		Email: "z@example.com", Role: "wizard", Password: "correct-horse",
	})
	if err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestPrincipalSetPermissions(t *testing.T) {
	store := newTestStore(t)
	bus, events := newEventBus()
	svc := NewPrincipalService(store, bus, nil)
	ctx := context.Background()
	target := mustRegister(t, store, "ana@example.com", model.RoleInstructor)

	p, err := svc.SetPermissions(ctx, actorClaims(model.RoleManager), target.ID, []string{model.PermCoursesWrite})
	if err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if !slices.Equal(p.Permissions, []string{model.PermCoursesWrite}) {
		t.Errorf("permissions = %v", p.Permissions)
	}
	stored, _ := store.GetPrincipal(ctx, target.ID)
	if !slices.Equal(stored.Permissions, []string{model.PermCoursesWrite}) {
		t.Errorf("stored permissions = %v", stored.Permissions)
	}

	updates := events.ofType(syncbus.EventDataUpdate)
	if len(updates) != 1 || updates[0].PrincipalID != target.ID || updates[0].Family != model.FamilyStaff {
		t.Fatalf("unexpected data_update events: %+v", updates)
	}

	_, err = svc.SetPermissions(ctx, actorClaims(model.RoleInstructor), target.ID, nil)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("instructor managing instructor: expected ErrForbidden, got %v", err)
	}

	if _, err := svc.SetPermissions(ctx, actorClaims(model.RoleAdmin), "missing", nil); !errors.Is(err, ErrPrincipalNotFound) {
		t.Errorf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestPrincipalSetActive(t *testing.T) {
	store := newTestStore(t)
	bus, events := newEventBus()
	svc := NewPrincipalService(store, bus, nil)
	ctx := context.Background()
	target := mustRegister(t, store, "bo@example.com", model.RoleCandidate)

	p, err := svc.SetActive(ctx, actorClaims(model.RoleStaff), target.ID, false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if p.IsActive {
		t.Error("principal still active")
	}
	updates := events.ofType(syncbus.EventDataUpdate)
	if len(updates) != 1 {
		t.Fatalf("data_update events = %d", len(updates))
	}
	changed, _ := updates[0].Payload["changed"].([]string)
	if !slices.Equal(changed, []string{"is_active"}) {
		t.Errorf("changed = %v", changed)
	}

	peer := mustRegister(t, store, "cy@example.com", model.RoleAdmin)
	if _, err := svc.SetActive(ctx, actorClaims(model.RoleAdmin), peer.ID, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("admin disabling admin: expected ErrForbidden, got %v", err)
	}
}
