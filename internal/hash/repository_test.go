package hash

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func testRecord(system SourceSystem, sourceID string) *Record {
	return &Record{
		HashValue:    strings.Repeat("ab", 32),
		HashType:     TypeSHA256,
		SourceSystem: system,
		SourceID:     sourceID,
		Severity:     SeverityHigh,
		Tags:         []string{"verified"},
	}
}

func TestInMemoryRepository_PutIdempotent(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	first, err := repo.Put(ctx, testRecord(SystemTrace, "case-001"))
	if err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if !first.Created {
		t.Error("first Put should report Created = true")
	}

	// Same tuple again with amended fields
	amended := testRecord(SystemTrace, "case-001")
	amended.Severity = SeverityCritical
	amended.Tags = []string{"verified", "escalated"}

	second, err := repo.Put(ctx, amended)
	if err != nil {
		t.Fatalf("second Put() returned error: %v", err)
	}
	if second.Created {
		t.Error("duplicate Put should report Created = false")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate Put returned ID %q, want %q", second.ID, first.ID)
	}

	stored, err := repo.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID() returned error: %v", err)
	}
	if stored.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want amended %q", stored.Severity, SeverityCritical)
	}
	if len(stored.Tags) != 2 {
		t.Errorf("Tags = %v, want amended two tags", stored.Tags)
	}
}

func TestInMemoryRepository_PutDistinctSources(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	// Same hash from two systems produces two records
	if _, err := repo.Put(ctx, testRecord(SystemTrace, "case-001")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if _, err := repo.Put(ctx, testRecord(SystemGrapnel, "g-42")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	records, err := repo.FindByValue(ctx, strings.Repeat("ab", 32), TypeSHA256, "")
	if err != nil {
		t.Fatalf("FindByValue() returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("FindByValue() returned %d records, want 2", len(records))
	}
}

func TestInMemoryRepository_PutRejectsInvalid(t *testing.T) {
	repo := NewInMemoryRepository()

	rec := testRecord(SystemTrace, "case-001")
	rec.HashValue = "short"
	if _, err := repo.Put(context.Background(), rec); !errors.Is(err, ErrInvalidHashValue) {
		t.Errorf("Put() = %v, want ErrInvalidHashValue", err)
	}
}

func TestInMemoryRepository_FindByValueExcludes(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	for _, sys := range AllSystems() {
		if _, err := repo.Put(ctx, testRecord(sys, "id-"+string(sys))); err != nil {
			t.Fatalf("Put(%s) returned error: %v", sys, err)
		}
	}

	records, err := repo.FindByValue(ctx, strings.Repeat("ab", 32), TypeSHA256, SystemTrace)
	if err != nil {
		t.Fatalf("FindByValue() returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("FindByValue() returned %d records, want 2", len(records))
	}
	for _, rec := range records {
		if rec.SourceSystem == SystemTrace {
			t.Errorf("excluded system %q appeared in results", SystemTrace)
		}
	}

	// Different hash type is never a match
	records, err = repo.FindByValue(ctx, strings.Repeat("ab", 32), TypePHash, "")
	if err != nil {
		t.Fatalf("FindByValue() returned error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("FindByValue() with different type returned %d records, want 0", len(records))
	}
}

func TestInMemoryRepository_FindByValueCopies(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Put(ctx, testRecord(SystemTrace, "case-001")); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	records, err := repo.FindByValue(ctx, strings.Repeat("ab", 32), TypeSHA256, "")
	if err != nil {
		t.Fatalf("FindByValue() returned error: %v", err)
	}
	records[0].Tags[0] = "mutated"

	again, _ := repo.FindByValue(ctx, strings.Repeat("ab", 32), TypeSHA256, "")
	if again[0].Tags[0] != "verified" {
		t.Error("mutating a returned record affected repository state")
	}
}

func TestInMemoryRepository_GetByIDNotFound(t *testing.T) {
	repo := NewInMemoryRepository()
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrHashNotFound) {
		t.Errorf("GetByID() = %v, want ErrHashNotFound", err)
	}
}

func TestInMemoryRepository_Stats(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Put(ctx, testRecord(SystemTrace, "a")); err != nil {
		t.Fatal(err)
	}
	grapnel := testRecord(SystemGrapnel, "b")
	grapnel.Severity = SeverityLow
	if _, err := repo.Put(ctx, grapnel); err != nil {
		t.Fatal(err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() returned error: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByType[TypeSHA256] != 2 {
		t.Errorf("ByType[SHA256] = %d, want 2", stats.ByType[TypeSHA256])
	}
	if stats.BySystem[SystemTrace] != 1 || stats.BySystem[SystemGrapnel] != 1 {
		t.Errorf("BySystem = %v, want one each for trace and grapnel", stats.BySystem)
	}
	if stats.BySeverity[SeverityLow] != 1 {
		t.Errorf("BySeverity[low] = %d, want 1", stats.BySeverity[SeverityLow])
	}
}

func TestInMemoryRepository_ConcurrentPut(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// All goroutines register the same tuple
			if _, err := repo.Put(ctx, testRecord(SystemTrace, "case-001")); err != nil {
				t.Errorf("Put() returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d after concurrent identical Puts, want 1", stats.Total)
	}
}
