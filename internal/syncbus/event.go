// Package syncbus propagates session state changes between contexts that
// share a Channel: terminals sharing a state directory, or components of one
// process sharing a MemoryStore.
package syncbus

import (
	"time"

	"github.com/turnstiledev/turnstile/internal/model"
)

// EventType is the kind of state change an Event announces.
type EventType string

const (
	EventLogin             EventType = "login"
	EventLogout            EventType = "logout"
	EventDataUpdate        EventType = "data_update"
	EventActivityHeartbeat EventType = "activity_heartbeat"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventLogin, EventLogout, EventDataUpdate, EventActivityHeartbeat:
		return true
	}
	return false
}

// Channel keys.
const (
	sessionKeyPrefix = "turnstile.session."
	ActivityKey      = "turnstile.activity"
)

// SessionKey returns the channel key holding the session state of family.
func SessionKey(f model.Family) string {
	return sessionKeyPrefix + string(f)
}

// FamilyOfKey returns the family a session key belongs to.
func FamilyOfKey(key string) (model.Family, bool) {
	if len(key) <= len(sessionKeyPrefix) || key[:len(sessionKeyPrefix)] != sessionKeyPrefix {
		return "", false
	}
	return model.Family(key[len(sessionKeyPrefix):]), true
}

// SessionState is what a context persists for a logged-in family.
type SessionState struct {
	Token     string                 `json:"token"`
	Principal model.PrincipalSummary `json:"principal"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// activityRecord is the value stored under ActivityKey.
type activityRecord struct {
	PrincipalID string       `json:"principal_id"`
	Family      model.Family `json:"family"`
	At          time.Time    `json:"at"`
}

// ReplacedByKey is set in the Payload of a remote logout caused by another
// principal signing in to the same family. Its value is the new principal id.
const ReplacedByKey = "replaced_by"

// Event is one state change. Remote is set on events synthesized from
// another context's channel writes.
type Event struct {
	Type        EventType      `json:"type"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Family      model.Family   `json:"family,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
	State       *SessionState  `json:"state,omitempty"`
	Remote      bool           `json:"remote"`
}

// Handler receives events. Handlers run synchronously on the publishing or
// notifying goroutine and must not block for long.
type Handler func(Event)
