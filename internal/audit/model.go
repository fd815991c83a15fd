// Package audit provides the append-only audit trail recording every
// state-changing action in the hash intelligence core. Entries are never
// mutated or deleted.
package audit

import (
	"time"
)

// Action identifies what an audit entry records.
type Action string

// Recorded actions.
const (
	ActionRegister           Action = "register"
	ActionLookup             Action = "lookup"
	ActionMatchDetected      Action = "match_detected"
	ActionNotifySent         Action = "notify_sent"
	ActionNotifyFailed       Action = "notify_failed"
	ActionNotifyAcknowledged Action = "notify_acknowledged"
	ActionSubscribe          Action = "subscribe"
	ActionUnsubscribe        Action = "unsubscribe"
)

// Valid reports whether the action is one the core records.
func (a Action) Valid() bool {
	switch a {
	case ActionRegister, ActionLookup, ActionMatchDetected,
		ActionNotifySent, ActionNotifyFailed, ActionNotifyAcknowledged,
		ActionSubscribe, ActionUnsubscribe:
		return true
	}
	return false
}

// Entry is a single immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	Action       Action         `json:"action"`
	ActingSystem string         `json:"acting_system"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
