package hash

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PutResult reports the outcome of an idempotent registration.
type PutResult struct {
	ID      string
	Created bool // true if a new record was inserted, false if an existing one was amended
}

// Repository defines the hash registry storage operations.
//
// Put is idempotent per (hash value, hash type, source system, source id):
// a repeated registration from the same source and case amends severity,
// tags, and metadata on the existing record instead of inserting a second
// one. The registry is the single arbiter of truth for matching; the
// Matching Engine always reads it directly, never the cache.
type Repository interface {
	// Put inserts a new record or amends the existing record for the same
	// (value, type, source system, source id) tuple.
	Put(ctx context.Context, record *Record) (*PutResult, error)

	// FindByValue returns all records with the given value and type whose
	// source system differs from exclude. Pass an empty SourceSystem to
	// return records from every system.
	FindByValue(ctx context.Context, value string, typ HashType, exclude SourceSystem) ([]*Record, error)

	// GetByID retrieves a single record. Returns ErrHashNotFound if absent.
	GetByID(ctx context.Context, id string) (*Record, error)

	// Stats returns registry counts by type, system, and severity.
	Stats(ctx context.Context) (*RegistryStats, error)
}

// registryKey identifies the idempotency tuple for Put.
type registryKey struct {
	value  string
	typ    HashType
	system SourceSystem
	source string
}

// InMemoryRepository is a thread-safe in-memory Repository used for tests
// and single-process deployments.
type InMemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	byTuple map[registryKey]string
	order   []string
}

// NewInMemoryRepository creates an empty in-memory hash registry.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byID:    make(map[string]*Record),
		byTuple: make(map[registryKey]string),
	}
}

// Put inserts or amends a record. Implements Repository.
func (r *InMemoryRepository) Put(ctx context.Context, record *Record) (*PutResult, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{
		value:  record.HashValue,
		typ:    record.HashType,
		system: record.SourceSystem,
		source: record.SourceID,
	}

	if id, ok := r.byTuple[key]; ok {
		existing := r.byID[id]
		existing.Severity = record.Severity
		if record.Tags != nil {
			existing.Tags = append([]string(nil), record.Tags...)
		}
		if record.Metadata != nil {
			existing.Metadata = make(map[string]any, len(record.Metadata))
			for k, v := range record.Metadata {
				existing.Metadata[k] = v
			}
		}
		return &PutResult{ID: id, Created: false}, nil
	}

	stored := record.Clone()
	stored.ID = uuid.New().String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	r.byID[stored.ID] = stored
	r.byTuple[key] = stored.ID
	r.order = append(r.order, stored.ID)

	return &PutResult{ID: stored.ID, Created: true}, nil
}

// FindByValue returns records matching (value, type) from systems other than
// exclude, oldest first.
func (r *InMemoryRepository) FindByValue(ctx context.Context, value string, typ HashType, exclude SourceSystem) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Record
	for _, id := range r.order {
		rec := r.byID[id]
		if rec.HashValue != value || rec.HashType != typ {
			continue
		}
		if exclude != "" && rec.SourceSystem == exclude {
			continue
		}
		results = append(results, rec.Clone())
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// GetByID retrieves a record by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, ErrHashNotFound
	}
	return rec.Clone(), nil
}

// Stats returns counts by type, system, and severity.
func (r *InMemoryRepository) Stats(ctx context.Context) (*RegistryStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &RegistryStats{
		ByType:     make(map[HashType]int64),
		BySystem:   make(map[SourceSystem]int64),
		BySeverity: make(map[Severity]int64),
	}
	for _, rec := range r.byID {
		stats.Total++
		stats.ByType[rec.HashType]++
		stats.BySystem[rec.SourceSystem]++
		stats.BySeverity[rec.Severity]++
	}
	return stats, nil
}
