package notify

import (
	"errors"
	"testing"

	"github.com/grapnel-io/hashintel/internal/hash"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusPending, true},
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusAcknowledged, false},
		{StatusSent, StatusAcknowledged, true},
		{StatusSent, StatusPending, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusSent, false},
		{StatusAcknowledged, StatusSent, false},
		{StatusAcknowledged, StatusAcknowledged, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusSent.Terminal() {
		t.Error("pending and sent must not be terminal")
	}
	if !StatusFailed.Terminal() || !StatusAcknowledged.Terminal() {
		t.Error("failed and acknowledged must be terminal")
	}
}

func validSubscription() *Subscription {
	return &Subscription{
		SystemID:   hash.SystemTrace,
		WebhookURL: "https://trace.example.com/hooks/hashintel",
		Types:      []Type{TypeHashMatch, TypeAlert},
		Secret:     "shared-secret",
	}
}

func TestSubscriptionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Subscription)
		wantErr error
	}{
		{"valid", func(s *Subscription) {}, nil},
		{"unknown system", func(s *Subscription) { s.SystemID = "csam-db" }, hash.ErrInvalidSourceSystem},
		{"relative url", func(s *Subscription) { s.WebhookURL = "/hooks" }, ErrInvalidWebhookURL},
		{"bad scheme", func(s *Subscription) { s.WebhookURL = "ftp://example.com/hooks" }, ErrInvalidWebhookURL},
		{"empty url", func(s *Subscription) { s.WebhookURL = "" }, ErrInvalidWebhookURL},
		{"no types", func(s *Subscription) { s.Types = nil }, ErrNoNotificationTypes},
		{"missing secret", func(s *Subscription) { s.Secret = "" }, ErrMissingSecret},
		{"bad min severity", func(s *Subscription) { s.Filters.MinSeverity = "extreme" }, hash.ErrInvalidSeverity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubscription()
			tt.mutate(sub)
			err := sub.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("unknown notification type", func(t *testing.T) {
		sub := validSubscription()
		sub.Types = []Type{Type("email")}
		if err := sub.Validate(); err == nil {
			t.Error("expected error for unknown notification type")
		}
	})
}

func TestSubscriptionAccepts(t *testing.T) {
	sub := validSubscription()
	sub.Active = true
	sub.Filters.MinSeverity = hash.SeverityHigh

	tests := []struct {
		name     string
		typ      Type
		severity hash.Severity
		want     bool
	}{
		{"accepted type at floor", TypeHashMatch, hash.SeverityHigh, true},
		{"accepted type above floor", TypeHashMatch, hash.SeverityCritical, true},
		{"below severity floor", TypeHashMatch, hash.SeverityMedium, false},
		{"unwanted type", TypeUpdate, hash.SeverityCritical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sub.Accepts(tt.typ, tt.severity); got != tt.want {
				t.Errorf("Accepts(%s, %s) = %v, want %v", tt.typ, tt.severity, got, tt.want)
			}
		})
	}

	t.Run("inactive accepts nothing", func(t *testing.T) {
		inactive := validSubscription()
		inactive.Active = false
		if inactive.Accepts(TypeHashMatch, hash.SeverityCritical) {
			t.Error("inactive subscription must not accept notifications")
		}
	})

	t.Run("no severity floor", func(t *testing.T) {
		open := validSubscription()
		open.Active = true
		if !open.Accepts(TypeHashMatch, hash.SeverityLow) {
			t.Error("subscription without a floor should accept low severity")
		}
	})
}

func TestWorkItemClone(t *testing.T) {
	item := &WorkItem{
		ID:      "item-1",
		Payload: []byte(`{"match_id":"m1"}`),
	}
	c := item.Clone()
	c.Payload[0] = 'X'
	if item.Payload[0] != '{' {
		t.Error("Clone() shares payload bytes with original")
	}

	var nilItem *WorkItem
	if nilItem.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}
