// Package notify provides webhook subscriptions, the durable notification
// queue, and the dispatcher that delivers signed notifications to
// subscriber endpoints with retry and backoff.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// Common errors for notification operations.
var (
	// ErrSubscriptionNotFound is returned when no subscription exists for a system.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrItemNotFound is returned when a work item does not exist.
	ErrItemNotFound = errors.New("notification work item not found")

	// ErrInvalidTransition is returned when a status change would violate
	// the work item state machine.
	ErrInvalidTransition = errors.New("invalid work item status transition")

	// ErrInvalidWebhookURL is returned when a subscription URL is not a
	// valid absolute http(s) URL.
	ErrInvalidWebhookURL = errors.New("invalid webhook url")

	// ErrNoNotificationTypes is returned when a subscription accepts no types.
	ErrNoNotificationTypes = errors.New("subscription must accept at least one notification type")

	// ErrMissingSecret is returned when a subscription has no signing secret.
	ErrMissingSecret = errors.New("subscription requires a shared secret")
)

// Type identifies the kind of notification carried by a work item.
type Type string

// Notification types.
const (
	TypeHashMatch Type = "hash_match"
	TypeAlert     Type = "alert"
	TypeUpdate    Type = "update"
)

// Valid reports whether the notification type is known.
func (t Type) Valid() bool {
	switch t {
	case TypeHashMatch, TypeAlert, TypeUpdate:
		return true
	}
	return false
}

// Status is the delivery state of a work item.
type Status string

// Work item statuses. Transitions are monotonic: pending may repeat through
// retries, but sent, failed, and acknowledged are never left.
const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusAcknowledged Status = "acknowledged"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusAcknowledged
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusAcknowledged
	}
	return false
}

// WorkItem is one durable unit of outbound notification work: a single
// match to deliver to a single target system. Items are never deleted;
// terminal items are retained for the audit trail.
type WorkItem struct {
	ID            string            `json:"id"`
	MatchID       string            `json:"match_id"`
	TargetSystem  hash.SourceSystem `json:"target_system"`
	Type          Type              `json:"notification_type"`
	Payload       json.RawMessage   `json:"payload"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	CreatedAt     time.Time         `json:"created_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
}

// Clone returns a deep copy of the work item.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	if w.Payload != nil {
		c.Payload = append(json.RawMessage(nil), w.Payload...)
	}
	if w.SentAt != nil {
		t := *w.SentAt
		c.SentAt = &t
	}
	return &c
}

// MatchPayload is the JSON body delivered to subscriber webhooks for a
// hash_match notification. The signature is computed over these raw bytes.
type MatchPayload struct {
	MatchID      string            `json:"match_id"`
	HashValue    string            `json:"hash_value"`
	HashType     hash.HashType     `json:"hash_type"`
	SourceSystem hash.SourceSystem `json:"source_system"`
	Severity     hash.Severity     `json:"severity"`
	Tags         []string          `json:"tags,omitempty"`
	DetectedAt   time.Time         `json:"detected_at"`
}

// Filters narrow which notifications a subscription receives.
type Filters struct {
	// MinSeverity drops notifications for hashes below this severity.
	// Empty means no severity floor.
	MinSeverity hash.Severity `json:"min_severity,omitempty"`
}

// Subscription is one system's webhook configuration. At most one
// subscription exists per system; re-subscribing replaces it in place and
// unsubscribing deactivates rather than deletes it.
type Subscription struct {
	ID         string            `json:"id"`
	SystemID   hash.SourceSystem `json:"system_id"`
	WebhookURL string            `json:"webhook_url"`
	Types      []Type            `json:"notification_types"`
	Filters    Filters           `json:"filters"`
	Secret     string            `json:"-"`
	Active     bool              `json:"active"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Validate checks the fields required to store a subscription.
func (s *Subscription) Validate() error {
	if !s.SystemID.Valid() {
		return fmt.Errorf("%w: %q", hash.ErrInvalidSourceSystem, s.SystemID)
	}
	u, err := url.Parse(s.WebhookURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidWebhookURL, s.WebhookURL)
	}
	if len(s.Types) == 0 {
		return ErrNoNotificationTypes
	}
	for _, t := range s.Types {
		if !t.Valid() {
			return fmt.Errorf("unknown notification type %q", t)
		}
	}
	if s.Secret == "" {
		return ErrMissingSecret
	}
	if s.Filters.MinSeverity != "" && !s.Filters.MinSeverity.Valid() {
		return fmt.Errorf("%w: %q", hash.ErrInvalidSeverity, s.Filters.MinSeverity)
	}
	return nil
}

// Accepts reports whether the subscription wants notifications of type t
// for content at the given severity.
func (s *Subscription) Accepts(t Type, severity hash.Severity) bool {
	if !s.Active {
		return false
	}
	accepted := false
	for _, st := range s.Types {
		if st == t {
			accepted = true
			break
		}
	}
	if !accepted {
		return false
	}
	if s.Filters.MinSeverity != "" && !severity.AtLeast(s.Filters.MinSeverity) {
		return false
	}
	return true
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.Types != nil {
		c.Types = append([]Type(nil), s.Types...)
	}
	return &c
}
