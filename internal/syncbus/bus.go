package syncbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turnstiledev/turnstile/internal/model"
)

// ErrInvalidEvent is returned by Publish for events it cannot route.
var ErrInvalidEvent = errors.New("invalid sync event")

type subscription struct {
	id  int
	typ EventType // empty for all types
	h   Handler
}

// Bus delivers events to local subscribers and mirrors session state into a
// Channel so other contexts can reconstruct the same events.
//
// Local delivery is synchronous and in subscription order. Remote events are
// synthesized by diffing each changed key against the last value this bus
// saw, so notifications caused by the bus's own writes produce nothing.
type Bus struct {
	ch     Channel
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex // guards subs, nextID
	subs   []subscription
	nextID int

	ioMu  sync.Mutex // serializes channel I/O with the cache
	cache map[string][]byte

	stopWatch func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bus over ch. A nil channel gives a local-only bus.
func New(ch Channel, opts ...Option) *Bus {
	b := &Bus{
		ch:     ch,
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start seeds the cache from the channel and begins watching it. Events for
// state that already existed before Start are not emitted.
func (b *Bus) Start(ctx context.Context) error {
	if b.ch == nil {
		return nil
	}
	b.ioMu.Lock()
	keys, err := b.ch.Keys(ctx)
	if err != nil {
		b.ioMu.Unlock()
		return fmt.Errorf("list channel keys: %w", err)
	}
	for _, k := range keys {
		if v, ok, err := b.ch.Get(ctx, k); err == nil && ok {
			b.cache[k] = v
		}
	}
	b.ioMu.Unlock()

	stop, err := b.ch.Watch(func(key string) { b.reconcile(context.Background(), key) })
	if err != nil {
		return fmt.Errorf("watch channel: %w", err)
	}
	b.mu.Lock()
	b.stopWatch = stop
	b.mu.Unlock()
	return nil
}

// Close stops watching the channel. It must not be called from a Handler
// running on a remote notification.
func (b *Bus) Close() {
	b.mu.Lock()
	stop := b.stopWatch
	b.stopWatch = nil
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Subscribe registers h for events of type t and returns a function that
// removes it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	return b.subscribe(t, h)
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: t, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = removeSub(b.subs, id)
	}
}

func removeSub(subs []subscription, id int) []subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Publish writes the event's state to the channel and delivers it to local
// subscribers. login and data_update events with a State replace the
// family's session key; logout deletes it; activity_heartbeat rewrites the
// activity key. Events without a channel footprint are delivered locally only.
// Local delivery happens even when the channel write fails.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	if ev.State != nil && ev.Family == "" {
		ev.Family = ev.State.Principal.Family
	}
	if ev.State != nil && ev.PrincipalID == "" {
		ev.PrincipalID = ev.State.Principal.ID
	}
	ev.Remote = false

	err := b.write(ctx, ev)
	b.deliver(ev)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (b *Bus) write(ctx context.Context, ev Event) error {
	if b.ch == nil {
		return nil
	}

	var (
		key   string
		value []byte
		del   bool
	)
	switch ev.Type {
	case EventLogin, EventDataUpdate:
		if ev.State == nil {
			return nil
		}
		if ev.Family == "" {
			return fmt.Errorf("%w: %s without family", ErrInvalidEvent, ev.Type)
		}
		st := *ev.State
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = ev.Timestamp
		}
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal session state: %w", err)
		}
		key, value = SessionKey(ev.Family), raw
	case EventLogout:
		if ev.Family == "" {
			return nil
		}
		key, del = SessionKey(ev.Family), true
	case EventActivityHeartbeat:
		raw, err := json.Marshal(activityRecord{PrincipalID: ev.PrincipalID, Family: ev.Family, At: ev.Timestamp})
		if err != nil {
			return fmt.Errorf("marshal activity: %w", err)
		}
		key, value = ActivityKey, raw
	}

	b.ioMu.Lock()
	defer b.ioMu.Unlock()
	if del {
		delete(b.cache, key)
		return b.ch.Delete(ctx, key)
	}
	b.cache[key] = value
	return b.ch.Set(ctx, key, value)
}

// Shared reports whether the bus mirrors state into a channel.
func (b *Bus) Shared() bool {
	return b.ch != nil
}

// State reads the current session state of family from the channel.
func (b *Bus) State(ctx context.Context, f model.Family) (*SessionState, error) {
	if b.ch == nil {
		return nil, nil
	}
	raw, ok, err := b.ch.Get(ctx, SessionKey(f))
	if err != nil || !ok {
		return nil, err
	}
	var st SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &st, nil
}

// reconcile re-reads key, compares it with the cached value and delivers
// the events that explain the difference.
func (b *Bus) reconcile(ctx context.Context, key string) {
	b.ioMu.Lock()
	raw, ok, err := b.ch.Get(ctx, key)
	if err != nil {
		b.ioMu.Unlock()
		b.logger.Warn("sync channel read failed", "key", key, "error", err)
		return
	}
	prev, had := b.cache[key]
	if had == ok && bytes.Equal(prev, raw) {
		b.ioMu.Unlock()
		return
	}
	events, err := b.diff(key, prev, had, raw, ok)
	if err != nil {
		b.ioMu.Unlock()
		b.logger.Warn("dropping malformed sync payload", "key", key, "error", err)
		return
	}
	if ok {
		b.cache[key] = raw
	} else {
		delete(b.cache, key)
	}
	b.ioMu.Unlock()

	for _, ev := range events {
		b.deliver(ev)
	}
}

func (b *Bus) diff(key string, prev []byte, had bool, cur []byte, ok bool) ([]Event, error) {
	now := b.now().UTC()

	if key == ActivityKey {
		if !ok {
			return nil, nil
		}
		var rec activityRecord
		if err := json.Unmarshal(cur, &rec); err != nil {
			return nil, err
		}
		ts := rec.At
		if ts.IsZero() {
			ts = now
		}
		return []Event{{
			Type:        EventActivityHeartbeat,
			PrincipalID: rec.PrincipalID,
			Family:      rec.Family,
			Timestamp:   ts,
			Remote:      true,
		}}, nil
	}

	family, isSession := FamilyOfKey(key)
	if !isSession {
		return nil, nil
	}

	var old *SessionState
	if had {
		var st SessionState
		if json.Unmarshal(prev, &st) == nil {
			old = &st
		}
	}

	if !ok {
		ev := Event{Type: EventLogout, Family: family, Timestamp: now, Remote: true}
		if old != nil {
			ev.PrincipalID = old.Principal.ID
		}
		return []Event{ev}, nil
	}

	var st SessionState
	if err := json.Unmarshal(cur, &st); err != nil {
		return nil, err
	}
	if st.Token == "" || st.Principal.ID == "" {
		return nil, errors.New("session state without token or principal")
	}

	login := Event{
		Type:        EventLogin,
		PrincipalID: st.Principal.ID,
		Family:      family,
		Timestamp:   now,
		State:       &st,
		Remote:      true,
	}
	if old == nil {
		return []Event{login}, nil
	}
	if old.Principal.ID != st.Principal.ID {
		return []Event{
			{
				Type:        EventLogout,
				PrincipalID: old.Principal.ID,
				Family:      family,
				Timestamp:   now,
				Payload:     map[string]any{ReplacedByKey: st.Principal.ID},
				Remote:      true,
			},
			login,
		}, nil
	}
	return []Event{{
		Type:        EventDataUpdate,
		PrincipalID: st.Principal.ID,
		Family:      family,
		Timestamp:   now,
		State:       &st,
		Payload:     map[string]any{"changed": changedFields(old, &st)},
		Remote:      true,
	}}, nil
}

func changedFields(old, cur *SessionState) []string {
	var out []string
	if old.Token != cur.Token {
		out = append(out, "token")
	}
	if old.Principal.Role != cur.Principal.Role {
		out = append(out, "role")
	}
	if old.Principal.IsActive != cur.Principal.IsActive {
		out = append(out, "is_active")
	}
	if !equalStrings(old.Principal.Permissions, cur.Principal.Permissions) {
		out = append(out, "permissions")
	}
	if old.Principal.Name != cur.Principal.Name || old.Principal.Email != cur.Principal.Email {
		out = append(out, "profile")
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == "" || s.typ == ev.Type {
			handlers = append(handlers, s.h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("sync handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
