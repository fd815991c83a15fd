package match

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/grapnel-io/hashintel/internal/hash"
)

func TestInsertAssignsIDAndTime(t *testing.T) {
	repo := NewInMemoryRepository()
	rec := &Record{
		PrimaryHashID: "hash-a",
		MatchedHashID: "hash-b",
		MatchType:     TypeExact,
		Confidence:    1.0,
	}

	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if rec.DetectedAt.IsZero() {
		t.Error("expected DetectedAt to be set")
	}
}

func TestInsertPairUniqueness(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	first := &Record{PrimaryHashID: "hash-a", MatchedHashID: "hash-b", MatchType: TypeExact, Confidence: 1.0}
	if err := repo.Insert(ctx, first); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// The reversed pair is the same correspondence.
	reversed := &Record{PrimaryHashID: "hash-b", MatchedHashID: "hash-a", MatchType: TypeExact, Confidence: 1.0}
	if err := repo.Insert(ctx, reversed); !errors.Is(err, ErrMatchExists) {
		t.Errorf("Insert() reversed pair error = %v, want ErrMatchExists", err)
	}

	// A different match type for the same pair is a distinct record.
	variant := &Record{PrimaryHashID: "hash-a", MatchedHashID: "hash-b", MatchType: TypeVariant, Confidence: 0.9}
	if err := repo.Insert(ctx, variant); err != nil {
		t.Errorf("Insert() different type error = %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
}

func TestInsertConcurrentConverges(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		reverse := i%2 == 1
		go func() {
			defer wg.Done()
			rec := &Record{PrimaryHashID: "hash-a", MatchedHashID: "hash-b", MatchType: TypeExact, Confidence: 1.0}
			if reverse {
				rec.PrimaryHashID, rec.MatchedHashID = rec.MatchedHashID, rec.PrimaryHashID
			}
			if err := repo.Insert(ctx, rec); err == nil {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("expected exactly 1 successful insert, got %d", inserted)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewInMemoryRepository()
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("GetByID() error = %v, want ErrMatchNotFound", err)
	}
}

func TestAddNotifiedSystem(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	rec := &Record{PrimaryHashID: "hash-a", MatchedHashID: "hash-b", MatchType: TypeExact, Confidence: 1.0}
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if err := repo.AddNotifiedSystem(ctx, rec.ID, hash.SystemGrapnel); err != nil {
		t.Fatalf("AddNotifiedSystem() error = %v", err)
	}
	// Repeating is a no-op.
	if err := repo.AddNotifiedSystem(ctx, rec.ID, hash.SystemGrapnel); err != nil {
		t.Fatalf("AddNotifiedSystem() repeat error = %v", err)
	}

	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(got.NotifiedSystems) != 1 || got.NotifiedSystems[0] != hash.SystemGrapnel {
		t.Errorf("NotifiedSystems = %v, want [grapnel]", got.NotifiedSystems)
	}

	if err := repo.AddNotifiedSystem(ctx, "missing", hash.SystemTrace); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("AddNotifiedSystem() missing error = %v, want ErrMatchNotFound", err)
	}
}
