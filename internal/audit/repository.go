package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors for audit operations.
var (
	// ErrInvalidAction is returned when an unknown action is recorded.
	ErrInvalidAction = errors.New("unknown audit action")

	// ErrMissingActingSystem is returned when no acting system is provided.
	ErrMissingActingSystem = errors.New("acting system is required")
)

// Repository defines append and query operations for the audit trail.
// There are no update or delete operations: the trail is append-only.
type Repository interface {
	// Append stores a new entry and returns it with ID and timestamp set.
	Append(ctx context.Context, action Action, actingSystem, resourceID string, details map[string]any) (*Entry, error)

	// ListBySystem returns entries for one acting system, newest first.
	// Limit 0 means no limit.
	ListBySystem(ctx context.Context, actingSystem string, limit int) ([]*Entry, error)

	// ListByAction returns entries for one action, newest first.
	// Limit 0 means no limit.
	ListByAction(ctx context.Context, action Action, limit int) ([]*Entry, error)
}

// validateEntry checks the required fields of an audit append.
func validateEntry(action Action, actingSystem string) error {
	if !action.Valid() {
		return ErrInvalidAction
	}
	if actingSystem == "" {
		return ErrMissingActingSystem
	}
	return nil
}

// InMemoryRepository is an in-memory Repository for tests and development.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Append stores a new entry.
func (r *InMemoryRepository) Append(ctx context.Context, action Action, actingSystem, resourceID string, details map[string]any) (*Entry, error) {
	if err := validateEntry(action, actingSystem); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:           uuid.New().String(),
		Action:       action,
		ActingSystem: actingSystem,
		ResourceID:   resourceID,
		CreatedAt:    time.Now().UTC(),
	}
	if details != nil {
		entry.Details = make(map[string]any, len(details))
		for k, v := range details {
			entry.Details[k] = v
		}
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	cp := *entry
	return &cp, nil
}

// ListBySystem returns entries for one acting system, newest first.
func (r *InMemoryRepository) ListBySystem(ctx context.Context, actingSystem string, limit int) ([]*Entry, error) {
	return r.list(func(e *Entry) bool { return e.ActingSystem == actingSystem }, limit)
}

// ListByAction returns entries for one action, newest first.
func (r *InMemoryRepository) ListByAction(ctx context.Context, action Action, limit int) ([]*Entry, error) {
	return r.list(func(e *Entry) bool { return e.Action == action }, limit)
}

func (r *InMemoryRepository) list(match func(*Entry) bool, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !match(e) {
			continue
		}
		cp := *e
		results = append(results, &cp)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}
