package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository on PostgreSQL. The audit_log
// table has no UPDATE or DELETE path in this codebase.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed audit repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append stores a new entry.
func (r *PostgresRepository) Append(ctx context.Context, action Action, actingSystem, resourceID string, details map[string]any) (*Entry, error) {
	if err := validateEntry(action, actingSystem); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:           uuid.New().String(),
		Action:       action,
		ActingSystem: actingSystem,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `
		INSERT INTO audit_log (id, action, acting_system, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.ExecContext(ctx, query,
		entry.ID, string(entry.Action), entry.ActingSystem,
		nullIfEmpty(entry.ResourceID), detailsJSON, entry.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// ListBySystem returns entries for one acting system, newest first.
func (r *PostgresRepository) ListBySystem(ctx context.Context, actingSystem string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, action, acting_system, resource_id, details, created_at
		FROM audit_log
		WHERE acting_system = $1
		ORDER BY created_at DESC`
	return r.list(ctx, query, actingSystem, limit)
}

// ListByAction returns entries for one action, newest first.
func (r *PostgresRepository) ListByAction(ctx context.Context, action Action, limit int) ([]*Entry, error) {
	query := `
		SELECT id, action, acting_system, resource_id, details, created_at
		FROM audit_log
		WHERE action = $1
		ORDER BY created_at DESC`
	return r.list(ctx, query, string(action), limit)
}

func (r *PostgresRepository) list(ctx context.Context, query, arg string, limit int) ([]*Entry, error) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var results []*Entry
	for rows.Next() {
		var (
			entry      Entry
			action     string
			resourceID sql.NullString
			details    []byte
		)
		if err := rows.Scan(&entry.ID, &action, &entry.ActingSystem, &resourceID, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Action = Action(action)
		entry.ResourceID = resourceID.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		results = append(results, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}
	return results, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
