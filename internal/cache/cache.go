// Package cache provides the lookup cache for hash registry metadata.
//
// The cache is write-through on registration and read-through on lookup.
// It is an availability optimization only: staleness is tolerated for
// lookups, cache failures degrade to registry reads, and the Matching
// Engine never consults it.
package cache

import (
	"context"
	"time"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// SourceOccurrence is one source system's sighting of a hash, as served
// from the cache on lookups.
type SourceOccurrence struct {
	System    hash.SourceSystem `json:"system"`
	SourceID  string            `json:"source_id"`
	Severity  hash.Severity     `json:"severity"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	SeenAt    time.Time         `json:"seen_at"`
}

// Entry is the cached lookup result for one (hash value, hash type) pair.
// Found is stored explicitly so negative lookups are cached too.
type Entry struct {
	HashValue string             `json:"hash_value"`
	HashType  hash.HashType      `json:"hash_type"`
	Found     bool               `json:"found"`
	Sources   []SourceOccurrence `json:"sources,omitempty"`
	CachedAt  time.Time          `json:"cached_at"`
}

// Store is the cache backend. Implementations must be safe for concurrent
// use. A Get miss is (nil, false, nil); errors are reserved for backend
// failures, which callers treat as misses.
type Store interface {
	// Get returns the cached entry for (value, typ), if present and fresh.
	Get(ctx context.Context, value string, typ hash.HashType) (*Entry, bool, error)

	// Put stores an entry under (value, typ) with the store's TTL.
	Put(ctx context.Context, value string, typ hash.HashType, entry *Entry) error

	// Invalidate drops the entry for (value, typ). Absence is not an error.
	Invalidate(ctx context.Context, value string, typ hash.HashType) error
}

// EntryFromRecords builds a cache entry from registry records for a
// (value, typ) pair. An empty record set produces a cached negative entry.
func EntryFromRecords(value string, typ hash.HashType, records []*hash.Record, includeMetadata bool) *Entry {
	entry := &Entry{
		HashValue: value,
		HashType:  typ,
		Found:     len(records) > 0,
		CachedAt:  time.Now().UTC(),
	}
	for _, rec := range records {
		occ := SourceOccurrence{
			System:   rec.SourceSystem,
			SourceID: rec.SourceID,
			Severity: rec.Severity,
			Tags:     append([]string(nil), rec.Tags...),
			SeenAt:   rec.CreatedAt,
		}
		if includeMetadata && rec.Metadata != nil {
			occ.Metadata = make(map[string]any, len(rec.Metadata))
			for k, v := range rec.Metadata {
				occ.Metadata[k] = v
			}
		}
		entry.Sources = append(entry.Sources, occ)
	}
	return entry
}
