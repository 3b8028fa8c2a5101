package service

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turnstiledev/turnstile/internal/model"
)

func TestNewTokenServiceRejectsWeakSecret(t *testing.T) {
	for _, secret := range []string{"", "short", "0123456789012345678901234567890"} {
		if _, err := NewTokenService(secret, "turnstile", time.Hour); !errors.Is(err, ErrWeakSecret) {
			t.Errorf("secret of %d bytes: expected ErrWeakSecret, got %v", len(secret), err)
		}
	}
	if _, err := NewTokenService(testSecret, "", time.Hour); err == nil {
		t.Error("expected error for empty issuer")
	}
	if _, err := NewTokenService(testSecret, "turnstile", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestIssueAndVerify(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, clock)

	token, issued, err := ts.Issue(Subject{
		ID:          "p-1",
		Email:       "ana@example.com",
		Role:        model.RoleStaff,
		Permissions: []string{model.PermReportsView},
	}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.ID == "" {
		t.Error("expected jti")
	}
	if !issued.ExpiresAt.Time.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("exp = %v, want now+1h", issued.ExpiresAt.Time)
	}

	claims, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.PrincipalID() != "p-1" || claims.Role != model.RoleStaff || claims.Family != model.FamilyStaff {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "turnstile" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	for _, want := range []string{model.PermReportsView, model.PermCoursesWrite} {
		if !slices.Contains(claims.Permissions, want) {
			t.Errorf("permissions %v missing %s", claims.Permissions, want)
		}
	}
}

func TestIssueRejectsBadSubject(t *testing.T) {
	ts := newTestTokens(t, newFakeClock())
	if _, _, err := ts.Issue(Subject{Role: model.RoleStaff}, 0); err == nil {
		t.Error("expected error for missing subject id")
	}
	if _, _, err := ts.Issue(Subject{ID: "p", Role: "wizard"}, 0); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestVerifyFailureReasons(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, clock)
	sub := Subject{ID: "p-1", Role: model.RoleCandidate}

	other, err := NewTokenService("another-secret-that-is-long-enough-xyz", "turnstile", time.Hour, WithTokenClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	foreign, _, _ := other.Issue(sub, 0)

	elsewhere, err := NewTokenService(testSecret, "someone-else", time.Hour, WithTokenClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	wrongIssuer, _, _ := elsewhere.Issue(sub, 0)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "p-1",
		Issuer:    "turnstile",
		IssuedAt:  jwt.NewNumericDate(clock.Now()),
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	})
	wrongAlg, err := hs512.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "turnstile",
		IssuedAt:  jwt.NewNumericDate(clock.Now()),
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	})
	missingSub, err := noSubject.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		want  TokenFailure
	}{
		{"empty", "", TokenMalformed},
		{"garbage", "not-a-jwt", TokenMalformed},
		{"missing subject", missingSub, TokenMalformed},
		{"foreign secret", foreign, TokenBadSignature},
		{"wrong algorithm", wrongAlg, TokenBadSignature},
		{"wrong issuer", wrongIssuer, TokenWrongIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.Verify(tt.token)
			var te *TokenError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TokenError, got %v", err)
			}
			if te.Reason != tt.want {
				t.Errorf("reason = %s, want %s", te.Reason, tt.want)
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Error("expected errors.Is(err, ErrInvalidToken)")
			}
		})
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, clock)
	token, _, err := ts.Issue(Subject{ID: "p-1", Role: model.RoleAdmin}, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(10*time.Minute - time.Millisecond)
	if _, err := ts.Verify(token); err != nil {
		t.Fatalf("token should be valid just before exp: %v", err)
	}

	clock.Advance(time.Millisecond)
	_, err = ts.Verify(token)
	var te *TokenError
	if !errors.As(err, &te) || te.Reason != TokenExpired {
		t.Fatalf("expected EXPIRED at exp, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, clock)
	token, original, err := ts.Issue(Subject{ID: "p-1", Role: model.RoleManager, Permissions: []string{model.PermJobsWrite}}, 0)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(250 * time.Millisecond)
	refreshed, claims, err := ts.Refresh(token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed == token {
		t.Error("refresh returned the same token")
	}
	if !claims.ExpiresAt.Time.After(original.ExpiresAt.Time) {
		t.Errorf("exp did not move forward: %v -> %v", original.ExpiresAt.Time, claims.ExpiresAt.Time)
	}
	if claims.ID == original.ID {
		t.Error("jti reused")
	}
	if claims.Subject != original.Subject || claims.Role != original.Role || !slices.Equal(claims.Permissions, original.Permissions) {
		t.Errorf("payload changed: %+v -> %+v", original, claims)
	}

	clock.Advance(2 * time.Hour)
	_, _, err = ts.Refresh(refreshed)
	var te *TokenError
	if !errors.As(err, &te) || te.Reason != TokenExpired {
		t.Fatalf("expected EXPIRED refreshing an expired token, got %v", err)
	}
}

func TestRemaining(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, clock)
	_, claims, err := ts.Issue(Subject{ID: "p-1", Role: model.RoleStaff}, 0)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Minute)
	if got := ts.Remaining(claims); got != 40*time.Minute {
		t.Errorf("Remaining = %v, want 40m", got)
	}
	if ts.Remaining(nil) != 0 {
		t.Error("Remaining(nil) should be 0")
	}
}
