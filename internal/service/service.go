package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/cache"
	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/match"
	"github.com/grapnel-io/hashintel/internal/notify"
	"github.com/grapnel-io/hashintel/internal/ratelimit"
	"github.com/grapnel-io/hashintel/internal/tracing"
)

// MaxBatchSize bounds how many hashes one register or lookup may carry.
const MaxBatchSize = 100

// DefaultStatsTTL is how long cached stats stay fresh.
const DefaultStatsTTL = 5 * time.Minute

// Config holds the service's tunables.
type Config struct {
	RegisterLimit ratelimit.Config
	LookupLimit   ratelimit.Config
	StatsTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegisterLimit.RequestsPerWindow == 0 {
		c.RegisterLimit = ratelimit.DefaultRegisterLimit()
	}
	if c.LookupLimit.RequestsPerWindow == 0 {
		c.LookupLimit = ratelimit.DefaultLookupLimit()
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = DefaultStatsTTL
	}
	return c
}

// Service wires the hash registry, cache, rate limiter, matching engine,
// and notification stores behind the operations the transport layer calls.
// All dependencies are injected; the service holds no global state.
type Service struct {
	registry     hash.Repository
	cache        cache.Store
	cacheMetrics *cache.Metrics
	engine       *match.Engine
	matches      match.Repository
	subs         notify.SubscriptionRepository
	queue        notify.QueueRepository
	limiter      ratelimit.Store
	auditor      *audit.Logger
	logger       *slog.Logger
	cfg          Config

	statsMu      sync.Mutex
	cachedStats  *Stats
	statsExpires time.Time
}

// New creates the service.
func New(registry hash.Repository, cacheStore cache.Store, cacheMetrics *cache.Metrics, engine *match.Engine, matches match.Repository, subs notify.SubscriptionRepository, queue notify.QueueRepository, limiter ratelimit.Store, auditor *audit.Logger, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:     registry,
		cache:        cacheStore,
		cacheMetrics: cacheMetrics,
		engine:       engine,
		matches:      matches,
		subs:         subs,
		queue:        queue,
		limiter:      limiter,
		auditor:      auditor,
		logger:       logger,
		cfg:          cfg.withDefaults(),
	}
}

// Submission is one hash to register.
type Submission struct {
	HashValue string
	HashType  hash.HashType
	SourceID  string
	Severity  hash.Severity
	Tags      []string
	Metadata  map[string]any

	// Similarity carries an externally computed similarity classification
	// for perceptual hashes. Nil means exact matching.
	Similarity *match.SimilarityHint
}

// RegisterResult reports the outcome of a register call.
type RegisterResult struct {
	Success    bool     `json:"success"`
	Registered int      `json:"registered_count"`
	HashIDs    []string `json:"hash_ids"`
	Matches    int      `json:"matches_detected"`
	Errors     []string `json:"errors,omitempty"`
}

// RegisterHashes validates, rate-limits, and registers a batch of hashes
// for one source system, running match detection for each.
//
// Validation rejects the whole batch before any write. After admission,
// each hash is registered independently: a storage failure for one hash is
// reported in Errors and applies nothing for that hash, while the rest of
// the batch proceeds.
func (s *Service) RegisterHashes(ctx context.Context, source hash.SourceSystem, submissions []Submission) (*RegisterResult, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "register_hashes")
	var opErr error
	defer func() { endSpan(opErr) }()

	if !source.Valid() {
		opErr = fmt.Errorf("%w: %q", hash.ErrInvalidSourceSystem, source)
		return nil, opErr
	}
	if len(submissions) == 0 {
		opErr = ErrEmptyBatch
		return nil, opErr
	}
	if len(submissions) > MaxBatchSize {
		opErr = fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(submissions), MaxBatchSize)
		return nil, opErr
	}

	// Validate everything before touching storage.
	records := make([]*hash.Record, len(submissions))
	for i, sub := range submissions {
		rec := &hash.Record{
			HashValue:    hash.NormalizeValue(sub.HashValue),
			HashType:     sub.HashType,
			SourceSystem: source,
			SourceID:     sub.SourceID,
			Severity:     sub.Severity,
			Tags:         sub.Tags,
			Metadata:     sub.Metadata,
		}
		if err := rec.Validate(); err != nil {
			opErr = err
			return nil, err
		}
		records[i] = rec
	}

	if err := s.allow(ctx, "register:"+string(source), s.cfg.RegisterLimit); err != nil {
		opErr = err
		return nil, err
	}

	result := &RegisterResult{}
	for i, rec := range records {
		put, err := s.registry.Put(ctx, rec)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to register hash %s: %v", rec.HashValue, err))
			continue
		}
		rec.ID = put.ID
		result.Registered++
		result.HashIDs = append(result.HashIDs, put.ID)

		s.writeThrough(ctx, rec)

		created, err := s.engine.OnRegistered(ctx, rec, submissions[i].Similarity)
		if err != nil {
			// The registration itself committed; match detection errors are
			// reported but do not undo it.
			result.Errors = append(result.Errors,
				fmt.Sprintf("match detection failed for hash %s: %v", rec.HashValue, err))
		}
		result.Matches += len(created)

		s.auditor.Record(ctx, audit.ActionRegister, string(source), put.ID, map[string]any{
			"hash_type": string(rec.HashType),
			"severity":  string(rec.Severity),
			"amended":   !put.Created,
		})
	}

	result.Success = len(result.Errors) == 0
	return result, nil
}

// writeThrough refreshes the cache entry for a just-registered hash. Cache
// failures are logged and counted, never returned: the registry write is
// the durability source of truth.
func (s *Service) writeThrough(ctx context.Context, rec *hash.Record) {
	records, err := s.registry.FindByValue(ctx, rec.HashValue, rec.HashType, "")
	if err != nil {
		s.logger.Warn("cache write-through read failed",
			slog.String("hash_value", rec.HashValue), slog.String("error", err.Error()))
		return
	}
	entry := cache.EntryFromRecords(rec.HashValue, rec.HashType, records, true)
	if err := s.cache.Put(ctx, rec.HashValue, rec.HashType, entry); err != nil {
		if s.cacheMetrics != nil {
			s.cacheMetrics.IncError("put")
		}
		s.logger.Warn("cache write-through failed",
			slog.String("hash_value", rec.HashValue), slog.String("error", err.Error()))
	}
}

// Query is one hash to look up.
type Query struct {
	HashValue string
	HashType  hash.HashType
}

// LookupMatch is the per-hash lookup outcome.
type LookupMatch struct {
	HashValue string                   `json:"hash"`
	HashType  hash.HashType            `json:"hash_type"`
	Found     bool                     `json:"found"`
	Sources   []cache.SourceOccurrence `json:"sources,omitempty"`
}

// LookupResult reports the outcome of a lookup call.
type LookupResult struct {
	Matches      []LookupMatch `json:"matches"`
	TotalMatches int           `json:"total_matches"`
	QueryTime    float64       `json:"query_time"`
	Cached       bool          `json:"cached"`
}

// LookupHashes resolves a batch of hashes through the read-through cache.
// Lookups tolerate cache staleness and cache outages: a backend error is a
// miss that falls through to the registry.
func (s *Service) LookupHashes(ctx context.Context, source hash.SourceSystem, queries []Query, includeMetadata bool) (*LookupResult, error) {
	start := time.Now()

	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", hash.ErrInvalidSourceSystem, source)
	}
	if len(queries) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(queries) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(queries), MaxBatchSize)
	}
	for i := range queries {
		queries[i].HashValue = hash.NormalizeValue(queries[i].HashValue)
		if err := hash.ValidateValue(queries[i].HashValue, queries[i].HashType); err != nil {
			return nil, err
		}
	}

	if err := s.allow(ctx, "lookup:"+string(source), s.cfg.LookupLimit); err != nil {
		return nil, err
	}

	result := &LookupResult{}
	cachedHits := 0
	for _, q := range queries {
		entry, hit := s.cacheGet(ctx, q.HashValue, q.HashType)
		if !hit {
			records, err := s.registry.FindByValue(ctx, q.HashValue, q.HashType, "")
			if err != nil {
				return nil, fmt.Errorf("lookup failed for %s: %w", q.HashValue, err)
			}
			entry = cache.EntryFromRecords(q.HashValue, q.HashType, records, true)
			if err := s.cache.Put(ctx, q.HashValue, q.HashType, entry); err != nil {
				if s.cacheMetrics != nil {
					s.cacheMetrics.IncError("put")
				}
				s.logger.Warn("cache populate failed",
					slog.String("hash_value", q.HashValue), slog.String("error", err.Error()))
			}
		} else {
			cachedHits++
		}

		m := LookupMatch{
			HashValue: q.HashValue,
			HashType:  q.HashType,
			Found:     entry.Found,
		}
		for _, occ := range entry.Sources {
			if !includeMetadata {
				occ.Metadata = nil
			}
			m.Sources = append(m.Sources, occ)
		}
		if m.Found {
			result.TotalMatches++
		}
		result.Matches = append(result.Matches, m)
	}

	result.Cached = cachedHits > 0
	result.QueryTime = time.Since(start).Seconds()

	s.auditor.Record(ctx, audit.ActionLookup, string(source), "", map[string]any{
		"hashes":        len(queries),
		"total_matches": result.TotalMatches,
		"cached_hits":   cachedHits,
	})
	return result, nil
}

// cacheGet reads the cache, treating backend errors as misses.
func (s *Service) cacheGet(ctx context.Context, value string, typ hash.HashType) (*cache.Entry, bool) {
	entry, hit, err := s.cache.Get(ctx, value, typ)
	if err != nil {
		if s.cacheMetrics != nil {
			s.cacheMetrics.IncError("get")
		}
		s.logger.Warn("cache read failed, falling through to registry",
			slog.String("hash_value", value), slog.String("error", err.Error()))
		return nil, false
	}
	if s.cacheMetrics != nil {
		if hit {
			s.cacheMetrics.IncHit()
		} else {
			s.cacheMetrics.IncMiss()
		}
	}
	return entry, hit
}

// allow consumes one token from a budget, mapping rejection to ErrRateLimited.
// Limiter backend errors fail open.
func (s *Service) allow(ctx context.Context, key string, cfg ratelimit.Config) error {
	allowed, retryAfter, err := s.limiter.Allow(ctx, key, cfg)
	if err != nil {
		s.logger.Warn("rate limit store error, failing open",
			slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
	}
	return nil
}

// Subscribe creates or replaces a system's webhook subscription.
func (s *Service) Subscribe(ctx context.Context, sub *notify.Subscription) error {
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return err
	}
	s.auditor.Record(ctx, audit.ActionSubscribe, string(sub.SystemID), sub.ID, map[string]any{
		"webhook_url": sub.WebhookURL,
		"types":       len(sub.Types),
	})
	s.logger.Info("webhook subscription updated",
		slog.String("system_id", string(sub.SystemID)),
		slog.String("webhook_url", sub.WebhookURL))
	return nil
}

// Unsubscribe deactivates a system's subscription. The record is kept for
// audit continuity.
func (s *Service) Unsubscribe(ctx context.Context, system hash.SourceSystem) error {
	if err := s.subs.Deactivate(ctx, system); err != nil {
		return err
	}
	s.auditor.Record(ctx, audit.ActionUnsubscribe, string(system), "", nil)
	return nil
}

// Acknowledge confirms that a target system processed a sent notification.
// Only the item's own target may acknowledge it, and only from sent status.
func (s *Service) Acknowledge(ctx context.Context, system hash.SourceSystem, itemID string) error {
	item, err := s.queue.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item.TargetSystem != system {
		return ErrWrongTarget
	}
	if err := s.queue.Acknowledge(ctx, itemID); err != nil {
		return err
	}
	s.auditor.Record(ctx, audit.ActionNotifyAcknowledged, string(system), itemID, map[string]any{
		"match_id": item.MatchID,
	})
	return nil
}

// Stats summarizes the registry, match store, and notification queue.
type Stats struct {
	Registry *hash.RegistryStats     `json:"registry"`
	Matches  int64                   `json:"matches"`
	Queue    map[notify.Status]int64 `json:"queue"`
	At       time.Time               `json:"generated_at"`
}

// GetStats returns system stats, cached for the configured TTL so the
// status endpoints do not hammer the registry.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if s.cachedStats != nil && time.Now().Before(s.statsExpires) {
		return s.cachedStats, nil
	}

	registry, err := s.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := s.matches.Count(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := s.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	s.cachedStats = &Stats{
		Registry: registry,
		Matches:  matches,
		Queue:    queue,
		At:       time.Now().UTC(),
	}
	s.statsExpires = time.Now().Add(s.cfg.StatsTTL)
	return s.cachedStats, nil
}
