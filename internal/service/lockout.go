package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultLockoutThreshold is the number of consecutive failures that locks an identifier.
	DefaultLockoutThreshold = 5
	// DefaultLockoutDuration is how long a lock lasts.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutStatus is the externally visible state of one identifier.
type LockoutStatus struct {
	Identifier        string     `json:"identifier"`
	Locked            bool       `json:"locked"`
	UnlockAt          *time.Time `json:"unlock_at,omitempty"`
	AttemptsRemaining int        `json:"attempts_remaining"`
}

type lockoutRecord struct {
	failures    int
	lockedUntil time.Time // zero when not locked
}

// LockoutGuard counts failed logins per identifier and locks an identifier
// for a fixed window once the threshold is reached. The table lives in
// memory and is shared by every request and the sweeper under one mutex.
type LockoutGuard struct {
	mu        sync.Mutex
	records   map[string]*lockoutRecord
	threshold int
	duration  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	onLock    func(identifier string)
}

// LockoutOption configures a LockoutGuard.
type LockoutOption func(*LockoutGuard)

// WithLockoutThreshold sets the number of failures before lockout.
func WithLockoutThreshold(n int) LockoutOption {
	return func(g *LockoutGuard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithLockoutDuration sets how long a lockout lasts.
func WithLockoutDuration(d time.Duration) LockoutOption {
	return func(g *LockoutGuard) {
		if d > 0 {
			g.duration = d
		}
	}
}

// WithLockoutClock overrides the time source.
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(g *LockoutGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLockoutLogger sets the logger used for lock and unlock events.
func WithLockoutLogger(l *slog.Logger) LockoutOption {
	return func(g *LockoutGuard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithLockHook registers a callback invoked (outside the lock) each time an
// identifier becomes locked.
func WithLockHook(fn func(identifier string)) LockoutOption {
	return func(g *LockoutGuard) { g.onLock = fn }
}

// NewLockoutGuard creates a guard with the given options applied over the defaults.
func NewLockoutGuard(opts ...LockoutOption) *LockoutGuard {
	g := &LockoutGuard{
		records:   make(map[string]*lockoutRecord),
		threshold: DefaultLockoutThreshold,
		duration:  DefaultLockoutDuration,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NormalizeIdentifier trims and lower-cases a login identifier.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Threshold returns the configured failure threshold.
func (g *LockoutGuard) Threshold() int { return g.threshold }

// RecordFailure counts one failed attempt and returns the resulting status.
// Reaching the threshold locks the identifier until now + duration.
func (g *LockoutGuard) RecordFailure(identifier string) LockoutStatus {
	id := NormalizeIdentifier(identifier)
	now := g.now()

	g.mu.Lock()
	rec := g.liveRecordLocked(id, now)
	if rec == nil {
		rec = &lockoutRecord{}
		g.records[id] = rec
	}
	justLocked := false
	if rec.lockedUntil.IsZero() {
		rec.failures++
		if rec.failures >= g.threshold {
			rec.lockedUntil = now.Add(g.duration)
			justLocked = true
		}
	}
	status := g.statusLocked(id, rec)
	failures := rec.failures
	g.mu.Unlock()

	if justLocked {
		g.logger.Warn("identifier locked out",
			"identifier", id,
			"failures", failures,
			"unlock_at", status.UnlockAt)
		if g.onLock != nil {
			g.onLock(id)
		}
	}
	return status
}

// RecordSuccess clears all state for the identifier.
func (g *LockoutGuard) RecordSuccess(identifier string) {
	id := NormalizeIdentifier(identifier)
	g.mu.Lock()
	delete(g.records, id)
	g.mu.Unlock()
}

// Status reports whether the identifier is locked. It never mutates the
// counter; an expired lock is dropped and reported as unlocked.
func (g *LockoutGuard) Status(identifier string) LockoutStatus {
	id := NormalizeIdentifier(identifier)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked(id, g.liveRecordLocked(id, g.now()))
}

// Unlock releases an identifier ahead of time. It reports whether a record existed.
func (g *LockoutGuard) Unlock(identifier string) bool {
	id := NormalizeIdentifier(identifier)
	g.mu.Lock()
	_, ok := g.records[id]
	delete(g.records, id)
	g.mu.Unlock()
	if ok {
		g.logger.Info("identifier unlocked", "identifier", id)
	}
	return ok
}

// Sweep deletes records whose lock window has passed and returns how many
// were removed. Counters that never reached the threshold are kept.
func (g *LockoutGuard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, rec := range g.records {
		if !rec.lockedUntil.IsZero() && !now.Before(rec.lockedUntil) {
			delete(g.records, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (g *LockoutGuard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("lockout sweep", "removed", n)
			}
		}
	}
}

// Len returns the number of tracked identifiers.
func (g *LockoutGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// liveRecordLocked returns the record for id, deleting it first if its lock
// window has passed. Callers must hold g.mu.
func (g *LockoutGuard) liveRecordLocked(id string, now time.Time) *lockoutRecord {
	rec, ok := g.records[id]
	if !ok {
		return nil
	}
	if !rec.lockedUntil.IsZero() && !now.Before(rec.lockedUntil) {
		delete(g.records, id)
		return nil
	}
	return rec
}

func (g *LockoutGuard) statusLocked(id string, rec *lockoutRecord) LockoutStatus {
	st := LockoutStatus{Identifier: id, AttemptsRemaining: g.threshold}
	if rec == nil {
		return st
	}
	if !rec.lockedUntil.IsZero() {
		unlockAt := rec.lockedUntil.UTC()
		st.Locked = true
		st.UnlockAt = &unlockAt
		st.AttemptsRemaining = 0
		return st
	}
	st.AttemptsRemaining = g.threshold - rec.failures
	if st.AttemptsRemaining < 0 {
		st.AttemptsRemaining = 0
	}
	return st
}
