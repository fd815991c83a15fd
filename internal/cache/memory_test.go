package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/grapnel-io/hashintel/internal/hash"
)

func testEntry(value string) *Entry {
	return &Entry{
		HashValue: value,
		HashType:  hash.TypeSHA256,
		Found:     true,
		Sources: []SourceOccurrence{
			{System: hash.SystemTrace, SourceID: "case-001", Severity: hash.SeverityHigh},
		},
		CachedAt: time.Now().UTC(),
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	ctx := context.Background()
	value := strings.Repeat("ab", 32)

	if err := store.Put(ctx, value, hash.TypeSHA256, testEntry(value)); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	entry, hit, err := store.Get(ctx, value, hash.TypeSHA256)
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if !hit {
		t.Fatal("Get() reported a miss for a stored entry")
	}
	if entry.HashValue != value {
		t.Errorf("entry.HashValue = %q, want %q", entry.HashValue, value)
	}

	// Same value under a different type is a distinct key
	_, hit, err = store.Get(ctx, value, hash.TypeMD5)
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if hit {
		t.Error("Get() with a different hash type should miss")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	ctx := context.Background()
	value := strings.Repeat("ab", 32)

	current := time.Now()
	store.now = func() time.Time { return current }

	if err := store.Put(ctx, value, hash.TypeSHA256, testEntry(value)); err != nil {
		t.Fatal(err)
	}

	// Just inside the TTL
	current = current.Add(59 * time.Second)
	if _, hit, _ := store.Get(ctx, value, hash.TypeSHA256); !hit {
		t.Fatal("entry expired before its TTL")
	}

	// Past the TTL
	current = current.Add(2 * time.Second)
	if _, hit, _ := store.Get(ctx, value, hash.TypeSHA256); hit {
		t.Fatal("entry survived past its TTL")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after expiry sweep, want 0", store.Len())
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	store := NewMemoryStore(3, time.Minute)
	ctx := context.Background()

	values := make([]string, 4)
	for i := range values {
		values[i] = strings.Repeat(fmt.Sprintf("%02d", i), 32)
	}

	for _, v := range values[:3] {
		if err := store.Put(ctx, v, hash.TypeSHA256, testEntry(v)); err != nil {
			t.Fatal(err)
		}
	}

	// Touch the oldest entry so it becomes most recently used
	if _, hit, _ := store.Get(ctx, values[0], hash.TypeSHA256); !hit {
		t.Fatal("expected hit for first entry")
	}

	// Inserting a fourth entry evicts the least recently used (values[1])
	if err := store.Put(ctx, values[3], hash.TypeSHA256, testEntry(values[3])); err != nil {
		t.Fatal(err)
	}

	if _, hit, _ := store.Get(ctx, values[1], hash.TypeSHA256); hit {
		t.Error("least recently used entry was not evicted")
	}
	if _, hit, _ := store.Get(ctx, values[0], hash.TypeSHA256); !hit {
		t.Error("recently used entry was evicted")
	}
	if store.Len() != 3 {
		t.Errorf("Len() = %d, want capacity 3", store.Len())
	}
}

func TestMemoryStore_Invalidate(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	ctx := context.Background()
	value := strings.Repeat("ab", 32)

	if err := store.Put(ctx, value, hash.TypeSHA256, testEntry(value)); err != nil {
		t.Fatal(err)
	}
	if err := store.Invalidate(ctx, value, hash.TypeSHA256); err != nil {
		t.Fatalf("Invalidate() returned error: %v", err)
	}
	if _, hit, _ := store.Get(ctx, value, hash.TypeSHA256); hit {
		t.Error("entry survived invalidation")
	}

	// Invalidating an absent entry is not an error
	if err := store.Invalidate(ctx, value, hash.TypeSHA256); err != nil {
		t.Errorf("Invalidate() of absent entry returned error: %v", err)
	}
}

func TestEntryFromRecords(t *testing.T) {
	value := strings.Repeat("ab", 32)
	records := []*hash.Record{
		{
			HashValue:    value,
			HashType:     hash.TypeSHA256,
			SourceSystem: hash.SystemTrace,
			SourceID:     "case-001",
			Severity:     hash.SeverityHigh,
			Tags:         []string{"verified"},
			Metadata:     map[string]any{"origin": "upload"},
		},
		{
			HashValue:    value,
			HashType:     hash.TypeSHA256,
			SourceSystem: hash.SystemGrapnel,
			SourceID:     "g-42",
			Severity:     hash.SeverityMedium,
		},
	}

	t.Run("with metadata", func(t *testing.T) {
		entry := EntryFromRecords(value, hash.TypeSHA256, records, true)
		if !entry.Found {
			t.Error("Found = false for non-empty records")
		}
		if len(entry.Sources) != 2 {
			t.Fatalf("Sources = %d, want 2", len(entry.Sources))
		}
		if entry.Sources[0].Metadata["origin"] != "upload" {
			t.Error("metadata missing when includeMetadata is true")
		}
	})

	t.Run("without metadata", func(t *testing.T) {
		entry := EntryFromRecords(value, hash.TypeSHA256, records, false)
		if entry.Sources[0].Metadata != nil {
			t.Error("metadata present when includeMetadata is false")
		}
	})

	t.Run("negative entry", func(t *testing.T) {
		entry := EntryFromRecords(value, hash.TypeSHA256, nil, true)
		if entry.Found {
			t.Error("Found = true for empty records")
		}
		if len(entry.Sources) != 0 {
			t.Errorf("Sources = %d for empty records, want 0", len(entry.Sources))
		}
	})
}
