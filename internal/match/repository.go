package match

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// Repository defines match record storage.
//
// Insert must be conditional on the unordered pair plus match type: two
// racing discoveries of the same correspondence converge to one stored
// record, the loser receiving ErrMatchExists.
type Repository interface {
	// Insert stores a new match. Returns ErrMatchExists if a match for the
	// same unordered pair and type is already recorded.
	Insert(ctx context.Context, record *Record) error

	// GetByID retrieves a match. Returns ErrMatchNotFound if absent.
	GetByID(ctx context.Context, id string) (*Record, error)

	// AddNotifiedSystem appends a system to the match's notified set.
	// Appending a system already present is a no-op.
	AddNotifiedSystem(ctx context.Context, matchID string, system hash.SourceSystem) error

	// Count returns the total number of recorded matches.
	Count(ctx context.Context) (int64, error)
}

// InMemoryRepository is a thread-safe in-memory Repository.
type InMemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byPair map[string]string
}

// NewInMemoryRepository creates an empty in-memory match repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byID:   make(map[string]*Record),
		byPair: make(map[string]string),
	}
}

// Insert stores a new match, enforcing pair uniqueness.
func (r *InMemoryRepository) Insert(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(record.PrimaryHashID, record.MatchedHashID, record.MatchType)
	if _, exists := r.byPair[key]; exists {
		return ErrMatchExists
	}

	stored := record.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.DetectedAt.IsZero() {
		stored.DetectedAt = time.Now().UTC()
	}

	r.byID[stored.ID] = stored
	r.byPair[key] = stored.ID

	record.ID = stored.ID
	record.DetectedAt = stored.DetectedAt
	return nil
}

// GetByID retrieves a match by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return rec.Clone(), nil
}

// AddNotifiedSystem appends a system to the match's notified set.
func (r *InMemoryRepository) AddNotifiedSystem(ctx context.Context, matchID string, system hash.SourceSystem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	for _, s := range rec.NotifiedSystems {
		if s == system {
			return nil
		}
	}
	rec.NotifiedSystems = append(rec.NotifiedSystems, system)
	return nil
}

// Count returns the number of recorded matches.
func (r *InMemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.byID)), nil
}
