package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/cache"
	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/match"
	"github.com/grapnel-io/hashintel/internal/notify"
	"github.com/grapnel-io/hashintel/internal/ratelimit"
)

const testSHA256 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type serviceFixture struct {
	registry *hash.InMemoryRepository
	matches  *match.InMemoryRepository
	subs     *notify.InMemorySubscriptionRepository
	queue    *notify.InMemoryQueueRepository
	audits   *audit.InMemoryRepository
	svc      *Service
}

func newServiceFixture(t *testing.T, cfg Config) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &serviceFixture{
		registry: hash.NewInMemoryRepository(),
		matches:  match.NewInMemoryRepository(),
		subs:     notify.NewInMemorySubscriptionRepository(),
		queue:    notify.NewInMemoryQueueRepository(),
		audits:   audit.NewInMemoryRepository(),
	}
	auditor := audit.NewLogger(f.audits, logger)
	engine := match.NewEngine(f.registry, f.matches, f.subs, f.queue, auditor, match.NewMetrics(), logger, match.EngineConfig{})
	f.svc = New(f.registry, cache.NewMemoryStore(100, time.Minute), cache.NewMetrics(), engine,
		f.matches, f.subs, f.queue, ratelimit.NewInMemoryStore(), auditor, logger, cfg)
	return f
}

func submission(sourceID string) Submission {
	return Submission{
		HashValue: testSHA256,
		HashType:  hash.TypeSHA256,
		SourceID:  sourceID,
		Severity:  hash.SeverityHigh,
		Tags:      []string{"csam"},
		Metadata:  map[string]any{"case_ref": "2026-1142"},
	}
}

func TestRegisterHashesDetectsMatch(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	err := f.svc.Subscribe(ctx, &notify.Subscription{
		SystemID:   hash.SystemTrace,
		WebhookURL: "https://trace.example.com/hooks",
		Types:      []notify.Type{notify.TypeHashMatch},
		Secret:     "shared-secret",
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	first, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1")})
	if err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}
	if !first.Success || first.Registered != 1 || first.Matches != 0 {
		t.Errorf("first registration = %+v, want success with no matches", first)
	}

	second, err := f.svc.RegisterHashes(ctx, hash.SystemGrapnel, []Submission{submission("report-7")})
	if err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}
	if second.Matches != 1 {
		t.Errorf("second registration detected %d matches, want 1", second.Matches)
	}

	counts, err := f.queue.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[notify.StatusPending] != 1 {
		t.Errorf("pending notifications = %d, want 1", counts[notify.StatusPending])
	}
}

func TestRegisterHashesIdempotent(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1")}); err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}
	result, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1")})
	if err != nil {
		t.Fatalf("RegisterHashes() repeat error = %v", err)
	}
	if !result.Success {
		t.Errorf("repeat registration should succeed: %+v", result)
	}

	stats, err := f.registry.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("registry total = %d, want 1", stats.Total)
	}
}

func TestRegisterHashesRejectsWholeBatch(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	bad := submission("case-2")
	bad.HashValue = "not-a-hash"
	_, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1"), bad})
	if !errors.Is(err, hash.ErrInvalidHashValue) {
		t.Fatalf("RegisterHashes() error = %v, want ErrInvalidHashValue", err)
	}

	// Nothing was written, including the valid record.
	stats, err := f.registry.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("registry total = %d, want 0 after rejected batch", stats.Total)
	}
}

func TestRegisterHashesBatchBounds(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch error = %v, want ErrEmptyBatch", err)
	}

	big := make([]Submission, MaxBatchSize+1)
	for i := range big {
		big[i] = submission("case")
	}
	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, big); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("oversized batch error = %v, want ErrBatchTooLarge", err)
	}

	if _, err := f.svc.RegisterHashes(ctx, "other", []Submission{submission("x")}); !errors.Is(err, hash.ErrInvalidSourceSystem) {
		t.Errorf("unknown source error = %v, want ErrInvalidSourceSystem", err)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	f := newServiceFixture(t, Config{
		RegisterLimit: ratelimit.Config{RequestsPerWindow: 1, WindowDuration: time.Minute},
	})
	ctx := context.Background()

	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1")}); err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}
	_, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-2")})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("RegisterHashes() error = %v, want ErrRateLimited", err)
	}
	if !strings.Contains(err.Error(), "retry after") {
		t.Errorf("rate limit error %q missing retry hint", err)
	}

	// Budgets are per system: another system is unaffected.
	if _, err := f.svc.RegisterHashes(ctx, hash.SystemGrapnel, []Submission{submission("case-3")}); err != nil {
		t.Errorf("RegisterHashes() other system error = %v", err)
	}
}

func TestLookupHashes(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1")}); err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}

	queries := []Query{
		{HashValue: strings.ToUpper(testSHA256), HashType: hash.TypeSHA256},
		{HashValue: strings.Repeat("bb", 32), HashType: hash.TypeSHA256},
	}
	result, err := f.svc.LookupHashes(ctx, hash.SystemGrapnel, queries, true)
	if err != nil {
		t.Fatalf("LookupHashes() error = %v", err)
	}
	if result.TotalMatches != 1 {
		t.Errorf("TotalMatches = %d, want 1", result.TotalMatches)
	}
	if len(result.Matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(result.Matches))
	}
	if !result.Matches[0].Found || result.Matches[1].Found {
		t.Errorf("found flags = %v/%v, want true/false", result.Matches[0].Found, result.Matches[1].Found)
	}
	if len(result.Matches[0].Sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(result.Matches[0].Sources))
	}
	if result.Matches[0].Sources[0].Metadata == nil {
		t.Error("expected metadata when includeMetadata is true")
	}

	// Second lookup is served from cache, with metadata stripped on request.
	result, err = f.svc.LookupHashes(ctx, hash.SystemGrapnel, queries, false)
	if err != nil {
		t.Fatalf("LookupHashes() second error = %v", err)
	}
	if !result.Cached {
		t.Error("expected second lookup to hit the cache")
	}
	if result.Matches[0].Sources[0].Metadata != nil {
		t.Error("metadata should be stripped when includeMetadata is false")
	}
}

func TestLookupValidation(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.LookupHashes(ctx, hash.SystemTrace, []Query{{HashValue: "xyz", HashType: hash.TypeSHA256}}, false)
	if !errors.Is(err, hash.ErrInvalidHashValue) {
		t.Errorf("LookupHashes() error = %v, want ErrInvalidHashValue", err)
	}

	_, err = f.svc.LookupHashes(ctx, hash.SystemTrace, nil, false)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("LookupHashes() empty error = %v, want ErrEmptyBatch", err)
	}
}

func TestAcknowledge(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	item := &notify.WorkItem{
		MatchID:      "match-1",
		TargetSystem: hash.SystemTakedown,
		Type:         notify.TypeHashMatch,
		Payload:      []byte(`{}`),
	}
	if err := f.queue.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Only the addressed system may acknowledge, and only once sent.
	if err := f.svc.Acknowledge(ctx, hash.SystemTrace, item.ID); !errors.Is(err, ErrWrongTarget) {
		t.Errorf("Acknowledge() wrong system error = %v, want ErrWrongTarget", err)
	}
	if err := f.svc.Acknowledge(ctx, hash.SystemTakedown, item.ID); !errors.Is(err, notify.ErrInvalidTransition) {
		t.Errorf("Acknowledge() pending error = %v, want ErrInvalidTransition", err)
	}

	if err := f.queue.MarkSent(ctx, item.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := f.svc.Acknowledge(ctx, hash.SystemTakedown, item.ID); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	if err := f.svc.Acknowledge(ctx, hash.SystemTakedown, "missing"); !errors.Is(err, notify.ErrItemNotFound) {
		t.Errorf("Acknowledge() missing error = %v, want ErrItemNotFound", err)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newServiceFixture(t, Config{})
	ctx := context.Background()

	sub := &notify.Subscription{
		SystemID:   hash.SystemGrapnel,
		WebhookURL: "https://grapnel.example.com/hooks",
		Types:      []notify.Type{notify.TypeHashMatch},
		Secret:     "shared-secret",
	}
	if err := f.svc.Subscribe(ctx, sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := f.svc.Unsubscribe(ctx, hash.SystemGrapnel); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if err := f.svc.Unsubscribe(ctx, hash.SystemTakedown); !errors.Is(err, notify.ErrSubscriptionNotFound) {
		t.Errorf("Unsubscribe() missing error = %v, want ErrSubscriptionNotFound", err)
	}

	entries, err := f.audits.ListBySystem(ctx, string(hash.SystemGrapnel), 0)
	if err != nil {
		t.Fatalf("ListBySystem() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("audit entries = %d, want 2 (subscribe + unsubscribe)", len(entries))
	}
}

func TestGetStatsCached(t *testing.T) {
	f := newServiceFixture(t, Config{StatsTTL: time.Hour})
	ctx := context.Background()

	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{submission("case-1")}); err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}

	first, err := f.svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if first.Registry.Total != 1 {
		t.Errorf("registry total = %d, want 1", first.Registry.Total)
	}

	// A later registration is invisible until the TTL lapses.
	sub := submission("case-9")
	sub.HashValue = strings.Repeat("cc", 32)
	if _, err := f.svc.RegisterHashes(ctx, hash.SystemTrace, []Submission{sub}); err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}
	second, err := f.svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if second.Registry.Total != 1 {
		t.Errorf("cached stats total = %d, want stale 1", second.Registry.Total)
	}
	if !second.At.Equal(first.At) {
		t.Error("expected the same cached stats snapshot")
	}
}
