package hash

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/grapnel-io/hashintel/internal/tracing"
)

// PostgresRepository implements Repository on PostgreSQL. Idempotent Put is
// enforced by the unique index on (hash_value, hash_type, source_system,
// source_id), so concurrent duplicate registrations converge to one row.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgreSQL-backed hash registry.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// storageErr wraps driver-level failures so callers can detect a retryable
// outage with errors.Is(err, ErrStorageUnavailable).
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// Put inserts or amends a record. The ON CONFLICT clause carries the
// idempotency guarantee: a repeated registration from the same source and
// case amends the existing row instead of inserting a second one.
func (r *PostgresRepository) Put(ctx context.Context, record *Record) (*PutResult, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "hash_registry", tracing.DBOperationInsert)
	var opErr error
	defer func() { endSpan(opErr) }()

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	id := uuid.New().String()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO hash_registry
			(id, hash_value, hash_type, source_system, source_id, severity, tags, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash_value, hash_type, source_system, source_id)
		DO UPDATE SET
			severity = EXCLUDED.severity,
			tags     = EXCLUDED.tags,
			metadata = EXCLUDED.metadata
		RETURNING id, (xmax = 0) AS inserted`

	var (
		storedID string
		inserted bool
	)
	err = r.db.QueryRowContext(ctx, query,
		id, record.HashValue, string(record.HashType), string(record.SourceSystem),
		record.SourceID, string(record.Severity), pq.Array(record.Tags), metadata, createdAt,
	).Scan(&storedID, &inserted)
	if err != nil {
		opErr = err
		r.logger.Error("hash registry put failed",
			slog.String("hash_type", string(record.HashType)),
			slog.String("source_system", string(record.SourceSystem)),
			slog.String("error", err.Error()))
		return nil, storageErr("put", err)
	}

	return &PutResult{ID: storedID, Created: inserted}, nil
}

// FindByValue returns records for (value, type) from systems other than
// exclude, oldest first.
func (r *PostgresRepository) FindByValue(ctx context.Context, value string, typ HashType, exclude SourceSystem) ([]*Record, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "hash_registry", tracing.DBOperationQuery)
	var opErr error
	defer func() { endSpan(opErr) }()

	query := `
		SELECT id, hash_value, hash_type, source_system, source_id, severity, tags, metadata, created_at
		FROM hash_registry
		WHERE hash_value = $1 AND hash_type = $2 AND ($3 = '' OR source_system <> $3)
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, value, string(typ), string(exclude))
	if err != nil {
		opErr = err
		return nil, storageErr("find_by_value", err)
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			opErr = err
			return nil, storageErr("find_by_value scan", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		opErr = err
		return nil, storageErr("find_by_value rows", err)
	}
	return results, nil
}

// GetByID retrieves a record by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, hash_value, hash_type, source_system, source_id, severity, tags, metadata, created_at
		FROM hash_registry
		WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrHashNotFound
	}
	if err != nil {
		return nil, storageErr("get_by_id", err)
	}
	return rec, nil
}

// Stats returns registry counts grouped by type, system, and severity.
func (r *PostgresRepository) Stats(ctx context.Context) (*RegistryStats, error) {
	stats := &RegistryStats{
		ByType:     make(map[HashType]int64),
		BySystem:   make(map[SourceSystem]int64),
		BySeverity: make(map[Severity]int64),
	}

	query := `
		SELECT hash_type, source_system, severity, COUNT(*)
		FROM hash_registry
		GROUP BY hash_type, source_system, severity`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ      string
			system   string
			severity string
			count    int64
		)
		if err := rows.Scan(&typ, &system, &severity, &count); err != nil {
			return nil, storageErr("stats scan", err)
		}
		stats.Total += count
		stats.ByType[HashType(typ)] += count
		stats.BySystem[SourceSystem(system)] += count
		stats.BySeverity[Severity(severity)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("stats rows", err)
	}
	return stats, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		typ      string
		system   string
		severity string
		tags     pq.StringArray
		metadata []byte
	)
	err := row.Scan(&rec.ID, &rec.HashValue, &typ, &system, &rec.SourceID, &severity, &tags, &metadata, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.HashType = HashType(typ)
	rec.SourceSystem = SourceSystem(system)
	rec.Severity = Severity(severity)
	rec.Tags = []string(tags)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &rec, nil
}
