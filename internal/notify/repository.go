package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// SubscriptionRepository stores webhook subscriptions, one per system.
type SubscriptionRepository interface {
	// Upsert creates or replaces the subscription for its system and
	// reactivates it.
	Upsert(ctx context.Context, sub *Subscription) error

	// GetBySystem returns the subscription for a system, active or not.
	// Returns ErrSubscriptionNotFound if none exists.
	GetBySystem(ctx context.Context, system hash.SourceSystem) (*Subscription, error)

	// ListActive returns all active subscriptions.
	ListActive(ctx context.Context) ([]*Subscription, error)

	// Deactivate marks a system's subscription inactive, preserving it for
	// audit continuity. Returns ErrSubscriptionNotFound if none exists.
	Deactivate(ctx context.Context, system hash.SourceSystem) error
}

// QueueRepository stores notification work items and drives the delivery
// state machine. All status changes are conditional writes: an illegal
// transition returns ErrInvalidTransition regardless of caller interleaving.
type QueueRepository interface {
	// Enqueue stores a new work item in pending status.
	Enqueue(ctx context.Context, item *WorkItem) error

	// ClaimDue atomically claims up to limit pending items whose
	// next_attempt_at is not after now. A claimed item is not returned
	// again until Reschedule, MarkSent, or MarkFailed releases it, so two
	// workers never run concurrent attempts of the same item.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*WorkItem, error)

	// MarkSent moves a claimed pending item to sent.
	MarkSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkFailed moves a claimed pending item to failed (terminal).
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error

	// Reschedule returns a claimed item to the pending pool with an updated
	// attempt count and next attempt time.
	Reschedule(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error

	// Acknowledge moves a sent item to acknowledged (terminal).
	Acknowledge(ctx context.Context, id string) error

	// GetByID retrieves a work item. Returns ErrItemNotFound if absent.
	GetByID(ctx context.Context, id string) (*WorkItem, error)

	// CountByStatus returns queue depth per status for the status endpoints.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// InMemorySubscriptionRepository is a thread-safe in-memory SubscriptionRepository.
type InMemorySubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[hash.SourceSystem]*Subscription
}

// NewInMemorySubscriptionRepository creates an empty subscription repository.
func NewInMemorySubscriptionRepository() *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subs: make(map[hash.SourceSystem]*Subscription),
	}
}

// Upsert creates or replaces the subscription for its system.
func (r *InMemorySubscriptionRepository) Upsert(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := sub.Clone()
	stored.Active = true
	stored.UpdatedAt = now

	if existing, ok := r.subs[sub.SystemID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = uuid.New().String()
		stored.CreatedAt = now
	}
	r.subs[sub.SystemID] = stored

	sub.ID = stored.ID
	sub.Active = true
	return nil
}

// GetBySystem returns the subscription for a system.
func (r *InMemorySubscriptionRepository) GetBySystem(ctx context.Context, system hash.SourceSystem) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[system]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// ListActive returns all active subscriptions, ordered by system ID for
// deterministic fan-out.
func (r *InMemorySubscriptionRepository) ListActive(ctx context.Context) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Subscription
	for _, sub := range r.subs {
		if sub.Active {
			results = append(results, sub.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].SystemID < results[j].SystemID
	})
	return results, nil
}

// Deactivate marks a subscription inactive.
func (r *InMemorySubscriptionRepository) Deactivate(ctx context.Context, system hash.SourceSystem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[system]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Active = false
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// InMemoryQueueRepository is a thread-safe in-memory QueueRepository.
type InMemoryQueueRepository struct {
	mu      sync.Mutex
	items   map[string]*WorkItem
	claimed map[string]bool
	order   []string
}

// NewInMemoryQueueRepository creates an empty notification queue.
func NewInMemoryQueueRepository() *InMemoryQueueRepository {
	return &InMemoryQueueRepository{
		items:   make(map[string]*WorkItem),
		claimed: make(map[string]bool),
	}
}

// Enqueue stores a new pending work item.
func (r *InMemoryQueueRepository) Enqueue(ctx context.Context, item *WorkItem) error {
	if !item.Type.Valid() {
		return ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := item.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Status = StatusPending
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.NextAttemptAt.IsZero() {
		stored.NextAttemptAt = now
	}

	r.items[stored.ID] = stored
	r.order = append(r.order, stored.ID)

	item.ID = stored.ID
	item.Status = StatusPending
	item.CreatedAt = stored.CreatedAt
	item.NextAttemptAt = stored.NextAttemptAt
	return nil
}

// ClaimDue claims due pending items, oldest scheduled first.
func (r *InMemoryQueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*WorkItem
	for _, id := range r.order {
		item := r.items[id]
		if item.Status != StatusPending || r.claimed[id] {
			continue
		}
		if item.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, item)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	results := make([]*WorkItem, 0, len(due))
	for _, item := range due {
		r.claimed[item.ID] = true
		results = append(results, item.Clone())
	}
	return results, nil
}

// MarkSent moves a pending item to sent.
func (r *InMemoryQueueRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return r.transition(id, StatusSent, func(item *WorkItem) {
		t := sentAt.UTC()
		item.SentAt = &t
		item.LastError = ""
	})
}

// MarkFailed moves a pending item to failed.
func (r *InMemoryQueueRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return r.transition(id, StatusFailed, func(item *WorkItem) {
		item.Attempts = attempts
		item.LastError = lastError
	})
}

// Reschedule returns a claimed item to the pending pool.
func (r *InMemoryQueueRepository) Reschedule(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusPending {
		return ErrInvalidTransition
	}
	item.Attempts = attempts
	item.NextAttemptAt = nextAttempt
	item.LastError = lastError
	delete(r.claimed, id)
	return nil
}

// Acknowledge moves a sent item to acknowledged.
func (r *InMemoryQueueRepository) Acknowledge(ctx context.Context, id string) error {
	return r.transition(id, StatusAcknowledged, nil)
}

// GetByID retrieves a work item by ID.
func (r *InMemoryQueueRepository) GetByID(ctx context.Context, id string) (*WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item.Clone(), nil
}

// CountByStatus returns queue depth per status.
func (r *InMemoryQueueRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[Status]int64)
	for _, item := range r.items {
		counts[item.Status]++
	}
	return counts, nil
}

// transition applies a guarded status change, releasing any claim.
func (r *InMemoryQueueRepository) transition(id string, next Status, mutate func(*WorkItem)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if !item.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	item.Status = next
	if mutate != nil {
		mutate(item)
	}
	delete(r.claimed, id)
	return nil
}
