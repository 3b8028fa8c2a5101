// Package session runs the client side of a turnstile session: idle
// timeout with a warning prompt, keep-alive calls that refresh the token,
// and reactions to logout and account changes made in other contexts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

// Defaults applied to zero Config fields.
const (
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultWarningLead       = 2 * time.Minute
	DefaultKeepAliveTimeout  = 5 * time.Second
	DefaultKeepAliveInterval = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrLoggedOut      = errors.New("session is logged out")
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota // not started
	StateActive
	StateWarning
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// LogoutReason says why a session ended.
type LogoutReason string

const (
	LogoutIdle             LogoutReason = "idle_timeout"
	LogoutUser             LogoutReason = "user"
	LogoutUnauthenticated  LogoutReason = "unauthenticated"
	LogoutRemote           LogoutReason = "remote_logout"
	LogoutDeactivated      LogoutReason = "deactivated"
	LogoutPrincipalChanged LogoutReason = "principal_changed"
)

// Prompter asks the user whether to stay signed in. Confirm must return
// promptly once ctx is done.
type Prompter interface {
	Confirm(ctx context.Context, remaining time.Duration) bool
}

// Config holds the session timings.
type Config struct {
	IdleTimeout       time.Duration
	WarningLead       time.Duration
	KeepAliveTimeout  time.Duration
	KeepAliveInterval time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WarningLead <= 0 {
		c.WarningLead = DefaultWarningLead
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Hooks are user callbacks. They run outside the manager lock, one at a
// time, and must not call back into the Manager.
type Hooks struct {
	OnWarning     func(remaining time.Duration)
	OnActive      func()
	OnLogout      func(reason LogoutReason)
	OnDegraded    func(err error)
	OnTokenChange func(token string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source and timer factory.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPrompter sets the prompt shown when the warning timer fires.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithKeepAliver sets the keep-alive transport. Without one the session is
// local-only.
func WithKeepAliver(k KeepAliver) Option {
	return func(m *Manager) { m.keepAliver = k }
}

// WithBus connects the session to a sync bus.
func WithBus(b *syncbus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithHooks sets the user callbacks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// Manager drives one session instance from Start to logout. All state
// transitions happen under mu; bus publishes, keep-alive I/O, prompts and
// hooks happen outside it.
//
// Two counters decide whether a late callback still applies. gen changes
// whenever the idle timers are rearmed, so a timer or prompt from an older
// arming is ignored. epoch changes when the session ends, so nothing started
// before logout can act after it.
type Manager struct {
	cfg        Config
	clock      Clock
	logger     *slog.Logger
	prompter   Prompter
	keepAliver KeepAliver
	bus        *syncbus.Bus
	hooks      Hooks

	hookMu sync.Mutex
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          State
	stopped        bool
	session        syncbus.SessionState
	gen            uint64
	epoch          uint64
	kaSeq          uint64
	kaInFlight     bool
	degraded       bool
	lastActivity   time.Time
	lastHeartbeat  time.Time
	lastKeepAlive  time.Time
	warningTimer   Timer
	logoutTimer    Timer
	keepAliveTimer Timer
	cancelPrompt   context.CancelFunc
	ctx            context.Context
	cancel         context.CancelFunc
	unsubscribe    func()
}

// New creates a manager. It fails when the warning lead is not shorter than
// the idle timeout.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.WarningLead >= cfg.IdleTimeout {
		return nil, fmt.Errorf("warning lead %s must be shorter than idle timeout %s", cfg.WarningLead, cfg.IdleTimeout)
	}
	m := &Manager{
		cfg:    cfg,
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start begins the session for st. The caller has already logged in and
// published the login; Start arms the timers, subscribes to the bus and then
// checks the shared state once, so a logout or sign-in that another context
// made before the subscription still ends or updates this session.
func (m *Manager) Start(ctx context.Context, st syncbus.SessionState) error {
	if st.Token == "" || st.Principal.ID == "" {
		return errors.New("session state needs a token and a principal")
	}
	m.mu.Lock()
	switch {
	case m.state == StateLoggedOut || m.stopped:
		m.mu.Unlock()
		return ErrLoggedOut
	case m.state != StateIdle:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.session = st
	if m.session.Principal.Family == "" {
		m.session.Principal.Family = model.FamilyOf(st.Principal.Role)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.state = StateActive
	now := m.clock.Now()
	m.lastActivity = now
	m.lastHeartbeat = now
	m.lastKeepAlive = now
	m.resetTimersLocked()
	family := m.session.Principal.Family
	m.mu.Unlock()

	if m.bus != nil {
		unsub := m.bus.SubscribeAll(m.onBusEvent)
		m.mu.Lock()
		if m.state == StateLoggedOut || m.stopped {
			m.mu.Unlock()
			unsub()
			return nil
		}
		m.unsubscribe = unsub
		m.mu.Unlock()
	}

	m.logger.Info("session started",
		"principal_id", st.Principal.ID,
		"family", family,
		"idle_timeout", m.cfg.IdleTimeout)
	m.reconcileShared(family)
	return nil
}

// reconcileShared compares the session with the state stored for family and
// applies the difference the way a remote event would.
func (m *Manager) reconcileShared(family model.Family) {
	if m.bus == nil || !m.bus.Shared() {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.KeepAliveTimeout)
	defer cancel()
	shared, err := m.bus.State(ctx, family)
	if err != nil {
		m.logger.Warn("could not read shared session state", "family", family, "error", err)
		return
	}

	m.mu.Lock()
	me := m.session.Principal.ID
	m.mu.Unlock()

	switch {
	case shared == nil:
		m.forceLogout(LogoutRemote, false)
	case shared.Principal.ID != me:
		m.forceLogout(LogoutPrincipalChanged, false)
	case !shared.Principal.IsActive:
		m.forceLogout(LogoutDeactivated, false)
	default:
		m.adopt(shared)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the current token, which changes after a refresh.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Token
}

// Principal returns the session's principal summary.
func (m *Manager) Principal() model.PrincipalSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Principal
}

// Degraded reports whether keep-alive has been disabled for this session.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// LastActivity returns the time of the last local or remote activity.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Touch records user activity: it rearms the idle timers, leaves the warning
// state, and schedules the throttled heartbeat and keep-alive.
func (m *Manager) Touch() {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	wasWarning := m.state == StateWarning
	m.lastActivity = now
	m.state = StateActive
	m.resetTimersLocked()

	var heartbeat *syncbus.Event
	if now.Sub(m.lastHeartbeat) >= m.cfg.HeartbeatInterval {
		m.lastHeartbeat = now
		heartbeat = &syncbus.Event{
			Type:        syncbus.EventActivityHeartbeat,
			PrincipalID: m.session.Principal.ID,
			Family:      m.session.Principal.Family,
			Timestamp:   now.UTC(),
		}
	}
	m.scheduleKeepAliveLocked(now)
	m.mu.Unlock()

	if heartbeat != nil {
		m.publish(*heartbeat)
	}
	if wasWarning {
		m.callHook(func() {
			if m.hooks.OnActive != nil {
				m.hooks.OnActive()
			}
		})
	}
}

// Logout ends the session at the user's request and broadcasts the logout.
func (m *Manager) Logout() {
	m.forceLogout(LogoutUser, true)
}

// Stop detaches the manager without logging out: timers stop, in-flight
// work is cancelled and awaited, and the stored session is left for other
// contexts. It must not be called from a hook.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	m.epoch++
	m.stopTimersLocked()
	unsub := m.detachLocked()
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	m.wg.Wait()
}

// resetTimersLocked stops the pending warning and logout timers and arms new
// ones relative to now.
func (m *Manager) resetTimersLocked() {
	m.gen++
	gen := m.gen
	if m.warningTimer != nil {
		m.warningTimer.Stop()
	}
	if m.logoutTimer != nil {
		m.logoutTimer.Stop()
	}
	if m.cancelPrompt != nil {
		m.cancelPrompt()
		m.cancelPrompt = nil
	}
	m.warningTimer = m.clock.AfterFunc(m.cfg.IdleTimeout-m.cfg.WarningLead, func() { m.onWarningTimer(gen) })
	m.logoutTimer = m.clock.AfterFunc(m.cfg.IdleTimeout, func() { m.onLogoutTimer(gen) })
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []Timer{m.warningTimer, m.logoutTimer, m.keepAliveTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.warningTimer, m.logoutTimer, m.keepAliveTimer = nil, nil, nil
	if m.cancelPrompt != nil {
		m.cancelPrompt()
		m.cancelPrompt = nil
	}
}

// detachLocked cancels in-flight work and returns the bus unsubscribe func,
// which must be called after mu is released.
func (m *Manager) detachLocked() func() {
	if m.cancel != nil {
		m.cancel()
	}
	unsub := m.unsubscribe
	m.unsubscribe = nil
	return unsub
}

func (m *Manager) onWarningTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateActive || m.stopped {
		m.mu.Unlock()
		return
	}
	m.state = StateWarning
	remaining := m.cfg.WarningLead
	var promptCtx context.Context
	if m.prompter != nil {
		promptCtx, m.cancelPrompt = context.WithCancel(m.ctx)
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.logger.Info("session idle, warning", "remaining", remaining)
	m.callHook(func() {
		if m.hooks.OnWarning != nil {
			m.hooks.OnWarning(remaining)
		}
	})

	if promptCtx != nil {
		go func() {
			defer m.wg.Done()
			ok := m.prompter.Confirm(promptCtx, remaining)
			m.onPromptResult(gen, promptCtx, ok)
		}()
	}
}

// onPromptResult applies the user's answer if the warning it answers is
// still current. A decline or an unanswered prompt changes nothing; the
// logout timer keeps running.
func (m *Manager) onPromptResult(gen uint64, ctx context.Context, confirmed bool) {
	if !confirmed || ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.state != StateWarning || m.stopped {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.lastActivity = now
	m.state = StateActive
	m.resetTimersLocked()
	m.startKeepAliveLocked(now)
	m.mu.Unlock()

	m.logger.Info("session extended by user")
	m.callHook(func() {
		if m.hooks.OnActive != nil {
			m.hooks.OnActive()
		}
	})
}

func (m *Manager) onLogoutTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	end := m.endLocked()
	m.mu.Unlock()
	m.finishLogout(end, LogoutIdle, true)
}

// forceLogout ends the session exactly once. When broadcast is set the
// logout is published so the stored session is cleared everywhere.
func (m *Manager) forceLogout(reason LogoutReason, broadcast bool) {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	end := m.endLocked()
	m.mu.Unlock()
	m.finishLogout(end, reason, broadcast)
}

type ended struct {
	unsubscribe func()
	principal   model.PrincipalSummary
	at          time.Time
}

// endLocked moves the session to LoggedOut and stops everything it owns.
func (m *Manager) endLocked() ended {
	m.state = StateLoggedOut
	m.gen++
	m.epoch++
	m.stopTimersLocked()
	return ended{
		unsubscribe: m.detachLocked(),
		principal:   m.session.Principal,
		at:          m.clock.Now(),
	}
}

func (m *Manager) finishLogout(end ended, reason LogoutReason, broadcast bool) {
	if end.unsubscribe != nil {
		end.unsubscribe()
	}
	if broadcast {
		m.publish(syncbus.Event{
			Type:        syncbus.EventLogout,
			PrincipalID: end.principal.ID,
			Family:      end.principal.Family,
			Timestamp:   end.at.UTC(),
		})
	}
	m.logger.Info("session logged out", "principal_id", end.principal.ID, "reason", reason)
	m.callHook(func() {
		if m.hooks.OnLogout != nil {
			m.hooks.OnLogout(reason)
		}
	})
}

func (m *Manager) liveLocked() bool {
	return (m.state == StateActive || m.state == StateWarning) && !m.stopped
}

// scheduleKeepAliveLocked arranges for at most one keep-alive per interval
// while the user is active. The call fires immediately when the interval
// has already passed, or later on the keep-alive timer.
func (m *Manager) scheduleKeepAliveLocked(now time.Time) {
	if m.keepAliver == nil || m.degraded || m.keepAliveTimer != nil {
		return
	}
	due := m.lastKeepAlive.Add(m.cfg.KeepAliveInterval).Sub(now)
	if due <= 0 {
		m.startKeepAliveLocked(now)
		return
	}
	epoch := m.epoch
	m.keepAliveTimer = m.clock.AfterFunc(due, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch || m.stopped {
			return
		}
		m.keepAliveTimer = nil
		m.startKeepAliveLocked(m.clock.Now())
	})
}

// startKeepAliveLocked launches a keep-alive call with the configured
// timeout. Only the most recent call's response is applied.
func (m *Manager) startKeepAliveLocked(now time.Time) {
	if m.keepAliver == nil || m.degraded || m.kaInFlight {
		return
	}
	if !m.liveLocked() {
		return
	}
	m.kaSeq++
	seq, epoch, token := m.kaSeq, m.epoch, m.session.Token
	m.kaInFlight = true
	m.lastKeepAlive = now
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.KeepAliveTimeout)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		resp, err := m.keepAliver.KeepAlive(ctx, token)
		m.onKeepAliveResult(epoch, seq, resp, err)
	}()
}

func (m *Manager) onKeepAliveResult(epoch, seq uint64, resp *model.KeepAliveResponse, err error) {
	m.mu.Lock()
	if seq == m.kaSeq {
		m.kaInFlight = false
	}
	if epoch != m.epoch || seq != m.kaSeq || !m.liveLocked() {
		m.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		if resp == nil || resp.RefreshedToken == "" || resp.RefreshedToken == m.session.Token {
			m.mu.Unlock()
			return
		}
		m.session.Token = resp.RefreshedToken
		m.session.UpdatedAt = m.clock.Now().UTC()
		st := m.session
		m.mu.Unlock()

		m.logger.Debug("session token refreshed", "principal_id", st.Principal.ID)
		m.publish(syncbus.Event{
			Type:    syncbus.EventDataUpdate,
			State:   &st,
			Payload: map[string]any{"changed": []string{"token"}},
		})
		m.callHook(func() {
			if m.hooks.OnTokenChange != nil {
				m.hooks.OnTokenChange(st.Token)
			}
		})

	case errors.Is(err, ErrUnauthenticated):
		end := m.endLocked()
		m.mu.Unlock()
		m.finishLogout(end, LogoutUnauthenticated, true)

	case errors.Is(err, ErrEndpointMissing), errors.Is(err, ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		m.degraded = true
		if m.keepAliveTimer != nil {
			m.keepAliveTimer.Stop()
			m.keepAliveTimer = nil
		}
		m.mu.Unlock()

		m.logger.Warn("keep-alive disabled for this session",
			"reason", model.ReasonDegradedSession, "error", err)
		m.callHook(func() {
			if m.hooks.OnDegraded != nil {
				m.hooks.OnDegraded(err)
			}
		})

	default:
		m.mu.Unlock()
		m.logger.Warn("keep-alive failed, will retry on next interval", "error", err)
	}
}

// onBusEvent reacts to changes other contexts made to this session's family.
func (m *Manager) onBusEvent(ev syncbus.Event) {
	if !ev.Remote {
		return
	}
	m.mu.Lock()
	if !m.liveLocked() || ev.Family != m.session.Principal.Family {
		m.mu.Unlock()
		return
	}
	me := m.session.Principal.ID
	m.mu.Unlock()

	switch ev.Type {
	case syncbus.EventLogout:
		if ev.PrincipalID == "" || ev.PrincipalID == me {
			reason := LogoutRemote
			if by, _ := ev.Payload[syncbus.ReplacedByKey].(string); by != "" {
				reason = LogoutPrincipalChanged
			}
			m.forceLogout(reason, false)
		}

	case syncbus.EventLogin:
		if ev.PrincipalID != me {
			m.forceLogout(LogoutPrincipalChanged, false)
			return
		}
		m.adopt(ev.State)

	case syncbus.EventDataUpdate:
		if ev.PrincipalID != me {
			return
		}
		if ev.State != nil && !ev.State.Principal.IsActive {
			m.forceLogout(LogoutDeactivated, false)
			return
		}
		m.adopt(ev.State)

	case syncbus.EventActivityHeartbeat:
		if ev.PrincipalID == me {
			m.remoteActivity(ev.Timestamp)
		}
	}
}

// adopt takes over a token and principal written by another context.
func (m *Manager) adopt(st *syncbus.SessionState) {
	if st == nil || st.Token == "" {
		return
	}
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	changed := st.Token != m.session.Token
	m.session.Token = st.Token
	m.session.Principal = st.Principal
	if m.session.Principal.Family == "" {
		m.session.Principal.Family = model.FamilyOf(st.Principal.Role)
	}
	m.session.UpdatedAt = st.UpdatedAt
	m.mu.Unlock()

	if changed {
		m.callHook(func() {
			if m.hooks.OnTokenChange != nil {
				m.hooks.OnTokenChange(st.Token)
			}
		})
	}
}

// remoteActivity counts activity in another context as activity here,
// without rebroadcasting it or calling keep-alive.
func (m *Manager) remoteActivity(at time.Time) {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	wasWarning := m.state == StateWarning
	now := m.clock.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	m.lastActivity = at
	m.lastHeartbeat = now
	m.state = StateActive
	m.resetTimersLocked()
	m.mu.Unlock()

	if wasWarning {
		m.callHook(func() {
			if m.hooks.OnActive != nil {
				m.hooks.OnActive()
			}
		})
	}
}

func (m *Manager) publish(ev syncbus.Event) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.KeepAliveTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish session event", "type", ev.Type, "error", err)
	}
}

func (m *Manager) callHook(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	fn()
}
