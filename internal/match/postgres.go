package match

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/tracing"
)

// PostgresRepository implements Repository on PostgreSQL. Pair uniqueness
// is enforced by a unique index over (LEAST(primary, matched),
// GREATEST(primary, matched), match_type), so racing symmetric discoveries
// converge to one row at the storage boundary.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed match repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a new match. A unique-violation from the pair index maps to
// ErrMatchExists.
func (r *PostgresRepository) Insert(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "hash_matches", tracing.DBOperationInsert)
	var opErr error
	defer func() { endSpan(opErr) }()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.DetectedAt.IsZero() {
		record.DetectedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO hash_matches
			(id, primary_hash_id, matched_hash_id, match_type, confidence, detected_at, notified_systems)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.PrimaryHashID, record.MatchedHashID,
		string(record.MatchType), record.Confidence, record.DetectedAt,
		pq.Array(systemsToStrings(record.NotifiedSystems)),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrMatchExists
		}
		opErr = err
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

// GetByID retrieves a match by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, primary_hash_id, matched_hash_id, match_type, confidence, detected_at, notified_systems
		FROM hash_matches
		WHERE id = $1`

	var (
		rec     Record
		typ     string
		systems pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.PrimaryHashID, &rec.MatchedHashID, &typ, &rec.Confidence, &rec.DetectedAt, &systems,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	rec.MatchType = Type(typ)
	rec.NotifiedSystems = stringsToSystems(systems)
	return &rec, nil
}

// AddNotifiedSystem appends a system to the match's notified set. The
// array_append is guarded so a repeated confirmation stays idempotent.
func (r *PostgresRepository) AddNotifiedSystem(ctx context.Context, matchID string, system hash.SourceSystem) error {
	query := `
		UPDATE hash_matches
		SET notified_systems = array_append(notified_systems, $2)
		WHERE id = $1 AND NOT ($2 = ANY(notified_systems))`

	res, err := r.db.ExecContext(ctx, query, matchID, string(system))
	if err != nil {
		return fmt.Errorf("failed to update notified systems: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either the match does not exist or the system was already
		// recorded; distinguish so callers can surface real misses.
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM hash_matches WHERE id = $1)`, matchID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check match existence: %w", err)
		}
		if !exists {
			return ErrMatchNotFound
		}
	}
	return nil
}

// Count returns the number of recorded matches.
func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hash_matches`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count matches: %w", err)
	}
	return count, nil
}

func systemsToStrings(systems []hash.SourceSystem) []string {
	out := make([]string, len(systems))
	for i, s := range systems {
		out[i] = string(s)
	}
	return out
}

func stringsToSystems(values []string) []hash.SourceSystem {
	if len(values) == 0 {
		return nil
	}
	out := make([]hash.SourceSystem, len(values))
	for i, v := range values {
		out[i] = hash.SourceSystem(v)
	}
	return out
}
