package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/notify"
	"github.com/grapnel-io/hashintel/internal/tracing"
)

// DefaultSimilarityFloor is the minimum confidence a supplied similarity
// score must reach to be stored at all. Scores below it are discarded.
const DefaultSimilarityFloor = 0.80

// EngineConfig holds the Matching Engine's tunables.
type EngineConfig struct {
	// SimilarityFloor is the minimum accepted similarity confidence.
	// Zero falls back to DefaultSimilarityFloor.
	SimilarityFloor float64
}

// SimilarityHint carries an externally computed similarity classification
// for a perceptual-hash registration. The engine never scores similarity
// itself; when a hint is present it replaces the exact classification for
// the candidates found.
type SimilarityHint struct {
	MatchType Type
	Score     float64
}

// Engine detects cross-system matches when a hash is registered. It reads
// the registry directly, never the cache, so a stale cache can never hide
// a match.
type Engine struct {
	registry hash.Repository
	matches  Repository
	subs     notify.SubscriptionRepository
	queue    notify.QueueRepository
	auditor  *audit.Logger
	metrics  *Metrics
	logger   *slog.Logger
	floor    float64
}

// NewEngine creates a Matching Engine.
func NewEngine(registry hash.Repository, matches Repository, subs notify.SubscriptionRepository, queue notify.QueueRepository, auditor *audit.Logger, metrics *Metrics, logger *slog.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	floor := cfg.SimilarityFloor
	if floor <= 0 {
		floor = DefaultSimilarityFloor
	}
	return &Engine{
		registry: registry,
		matches:  matches,
		subs:     subs,
		queue:    queue,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger,
		floor:    floor,
	}
}

// OnRegistered runs match detection for a freshly committed registration.
// It queries the registry for the same (value, type) from other source
// systems, records one match per candidate, and enqueues one notification
// work item per interested subscriber per match.
//
// Zero candidates is the common case and produces no output. A duplicate
// pair is a no-op, not an error: racing symmetric discoveries both run
// this path and converge through the repository's conditional insert.
func (e *Engine) OnRegistered(ctx context.Context, record *hash.Record, hint *SimilarityHint) ([]*Record, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "match_on_registered")
	var opErr error
	defer func() { endSpan(opErr) }()

	if hint != nil {
		if err := validateHint(hint); err != nil {
			return nil, err
		}
		if hint.Score < e.floor {
			// Below the floor the score is discarded entirely, not stored
			// with a low confidence.
			if e.metrics != nil {
				e.metrics.IncBelowThreshold()
			}
			e.logger.Debug("similarity score below floor, discarding",
				slog.Float64("score", hint.Score),
				slog.Float64("floor", e.floor))
			return nil, nil
		}
	}

	candidates, err := e.registry.FindByValue(ctx, record.HashValue, record.HashType, record.SourceSystem)
	if err != nil {
		opErr = err
		return nil, fmt.Errorf("match candidate query failed: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	subs, err := e.subs.ListActive(ctx)
	if err != nil {
		opErr = err
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var created []*Record
	for _, candidate := range candidates {
		if candidate.SourceSystem == record.SourceSystem {
			continue
		}

		rec := &Record{
			PrimaryHashID: record.ID,
			MatchedHashID: candidate.ID,
			MatchType:     TypeExact,
			Confidence:    1.0,
		}
		if hint != nil {
			rec.MatchType = hint.MatchType
			rec.Confidence = hint.Score
		}

		if err := e.matches.Insert(ctx, rec); err != nil {
			if errors.Is(err, ErrMatchExists) {
				if e.metrics != nil {
					e.metrics.IncSuppressed()
				}
				e.logger.Debug("duplicate match suppressed",
					slog.String("primary_hash_id", rec.PrimaryHashID),
					slog.String("matched_hash_id", rec.MatchedHashID),
					slog.String("match_type", string(rec.MatchType)))
				continue
			}
			opErr = err
			return created, fmt.Errorf("failed to record match: %w", err)
		}

		if e.metrics != nil {
			e.metrics.IncDetected(rec.MatchType)
		}
		e.logger.Info("cross-system match detected",
			slog.String("match_id", rec.ID),
			slog.String("match_type", string(rec.MatchType)),
			slog.String("source_system", string(record.SourceSystem)),
			slog.String("matched_system", string(candidate.SourceSystem)),
			slog.String("severity", string(record.Severity)))

		if err := e.fanOut(ctx, rec, record, subs); err != nil {
			opErr = err
			return created, err
		}

		e.auditor.Record(ctx, audit.ActionMatchDetected, string(record.SourceSystem), rec.ID, map[string]any{
			"match_type":     string(rec.MatchType),
			"confidence":     rec.Confidence,
			"matched_system": string(candidate.SourceSystem),
		})
		created = append(created, rec)
	}
	return created, nil
}

// fanOut enqueues one work item per active subscriber that accepts
// hash_match notifications at the record's severity, skipping the system
// that triggered the match.
func (e *Engine) fanOut(ctx context.Context, rec *Record, source *hash.Record, subs []*notify.Subscription) error {
	payload, err := json.Marshal(notify.MatchPayload{
		MatchID:      rec.ID,
		HashValue:    source.HashValue,
		HashType:     source.HashType,
		SourceSystem: source.SourceSystem,
		Severity:     source.Severity,
		Tags:         source.Tags,
		DetectedAt:   rec.DetectedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode match payload: %w", err)
	}

	for _, sub := range subs {
		if sub.SystemID == source.SourceSystem {
			continue
		}
		if !sub.Accepts(notify.TypeHashMatch, source.Severity) {
			continue
		}

		item := &notify.WorkItem{
			MatchID:      rec.ID,
			TargetSystem: sub.SystemID,
			Type:         notify.TypeHashMatch,
			Payload:      payload,
		}
		if err := e.queue.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("failed to enqueue notification for %s: %w", sub.SystemID, err)
		}
		if e.metrics != nil {
			e.metrics.IncEnqueued(string(sub.SystemID))
		}
	}
	return nil
}

func validateHint(hint *SimilarityHint) error {
	if hint.MatchType != TypeSimilar && hint.MatchType != TypeVariant {
		return fmt.Errorf("similarity hint requires match type similar or variant, got %q", hint.MatchType)
	}
	if hint.Score < 0 || hint.Score > 1 {
		return ErrInvalidConfidence
	}
	return nil
}
