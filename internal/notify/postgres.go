package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/tracing"
)

// claimLease is how long a claim on a work item holds before another worker
// may pick it up. It bounds the damage of a worker dying mid-attempt and is
// intentionally far longer than any delivery timeout.
const claimLease = 5 * time.Minute

// PostgresSubscriptionRepository implements SubscriptionRepository on PostgreSQL.
type PostgresSubscriptionRepository struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepository creates a PostgreSQL-backed subscription repository.
func NewPostgresSubscriptionRepository(db *sql.DB) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db}
}

// Upsert creates or replaces the subscription for its system. The unique
// constraint on system_id makes re-subscription an in-place replacement.
func (r *PostgresSubscriptionRepository) Upsert(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return fmt.Errorf("failed to encode filters: %w", err)
	}

	query := `
		INSERT INTO webhook_subscriptions
			(id, system_id, webhook_url, notification_types, filters, secret, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		ON CONFLICT (system_id)
		DO UPDATE SET
			webhook_url        = EXCLUDED.webhook_url,
			notification_types = EXCLUDED.notification_types,
			filters            = EXCLUDED.filters,
			secret             = EXCLUDED.secret,
			active             = TRUE,
			updated_at         = NOW()
		RETURNING id`

	var id string
	if err := r.db.QueryRowContext(ctx, query,
		uuid.New().String(), string(sub.SystemID), sub.WebhookURL,
		pq.Array(typesToStrings(sub.Types)), filters, sub.Secret,
	).Scan(&id); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	sub.ID = id
	sub.Active = true
	return nil
}

// GetBySystem returns the subscription for a system, active or not.
func (r *PostgresSubscriptionRepository) GetBySystem(ctx context.Context, system hash.SourceSystem) (*Subscription, error) {
	query := `
		SELECT id, system_id, webhook_url, notification_types, filters, secret, active, created_at, updated_at
		FROM webhook_subscriptions
		WHERE system_id = $1`

	sub, err := scanSubscription(r.db.QueryRowContext(ctx, query, string(system)))
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListActive returns all active subscriptions ordered by system ID.
func (r *PostgresSubscriptionRepository) ListActive(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT id, system_id, webhook_url, notification_types, filters, secret, active, created_at, updated_at
		FROM webhook_subscriptions
		WHERE active = TRUE
		ORDER BY system_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var results []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		results = append(results, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscription rows: %w", err)
	}
	return results, nil
}

// Deactivate marks a subscription inactive.
func (r *PostgresSubscriptionRepository) Deactivate(ctx context.Context, system hash.SourceSystem) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET active = FALSE, updated_at = NOW() WHERE system_id = $1`,
		string(system))
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var (
		sub     Subscription
		system  string
		types   pq.StringArray
		filters []byte
	)
	err := row.Scan(&sub.ID, &system, &sub.WebhookURL, &types, &filters, &sub.Secret, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.SystemID = hash.SourceSystem(system)
	sub.Types = stringsToTypes(types)
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &sub.Filters); err != nil {
			return nil, fmt.Errorf("failed to decode filters: %w", err)
		}
	}
	return &sub, nil
}

func typesToStrings(types []Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func stringsToTypes(values []string) []Type {
	out := make([]Type, len(values))
	for i, v := range values {
		out[i] = Type(v)
	}
	return out
}

// PostgresQueueRepository implements QueueRepository on PostgreSQL. Claim
// exclusivity rides on FOR UPDATE SKIP LOCKED plus a claim lease; status
// transitions are conditional UPDATEs so the state machine holds under
// arbitrary worker interleaving.
type PostgresQueueRepository struct {
	db *sql.DB
}

// NewPostgresQueueRepository creates a PostgreSQL-backed notification queue.
func NewPostgresQueueRepository(db *sql.DB) *PostgresQueueRepository {
	return &PostgresQueueRepository{db: db}
}

// Enqueue stores a new pending work item.
func (r *PostgresQueueRepository) Enqueue(ctx context.Context, item *WorkItem) error {
	if !item.Type.Valid() {
		return ErrInvalidTransition
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "notification_queue", tracing.DBOperationInsert)
	var opErr error
	defer func() { endSpan(opErr) }()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	item.Status = StatusPending

	query := `
		INSERT INTO notification_queue
			(id, match_id, target_system, notification_type, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)`

	if _, err := r.db.ExecContext(ctx, query,
		item.ID, item.MatchID, string(item.TargetSystem), string(item.Type),
		[]byte(item.Payload), item.NextAttemptAt, item.CreatedAt,
	); err != nil {
		opErr = err
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}
	return nil
}

// ClaimDue atomically claims due pending items via SKIP LOCKED.
func (r *PostgresQueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		UPDATE notification_queue
		SET claimed_at = $1
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending'
			  AND next_attempt_at <= $1
			  AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, match_id, target_system, notification_type, payload, status, attempts, last_error, next_attempt_at, created_at, sent_at`

	rows, err := r.db.QueryContext(ctx, query, now.UTC(), now.UTC().Add(-claimLease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim work items: %w", err)
	}
	defer rows.Close()

	var results []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read work item rows: %w", err)
	}
	return results, nil
}

// MarkSent moves a claimed pending item to sent.
func (r *PostgresQueueRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'sent', sent_at = $2, last_error = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'pending'`
	return r.conditional(ctx, query, id, sentAt.UTC())
}

// MarkFailed moves a claimed pending item to failed.
func (r *PostgresQueueRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	query := `
		UPDATE notification_queue
		SET status = 'failed', attempts = $2, last_error = $3, claimed_at = NULL
		WHERE id = $1 AND status = 'pending'`
	return r.conditional(ctx, query, id, attempts, lastError)
}

// Reschedule returns a claimed item to the pending pool.
func (r *PostgresQueueRepository) Reschedule(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error {
	query := `
		UPDATE notification_queue
		SET attempts = $2, next_attempt_at = $3, last_error = $4, claimed_at = NULL
		WHERE id = $1 AND status = 'pending'`
	return r.conditional(ctx, query, id, attempts, nextAttempt.UTC(), lastError)
}

// Acknowledge moves a sent item to acknowledged.
func (r *PostgresQueueRepository) Acknowledge(ctx context.Context, id string) error {
	query := `
		UPDATE notification_queue
		SET status = 'acknowledged'
		WHERE id = $1 AND status = 'sent'`
	return r.conditional(ctx, query, id)
}

// GetByID retrieves a work item by ID.
func (r *PostgresQueueRepository) GetByID(ctx context.Context, id string) (*WorkItem, error) {
	query := `
		SELECT id, match_id, target_system, notification_type, payload, status, attempts, last_error, next_attempt_at, created_at, sent_at
		FROM notification_queue
		WHERE id = $1`

	item, err := scanWorkItem(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return item, nil
}

// CountByStatus returns queue depth per status.
func (r *PostgresQueueRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}
	return counts, nil
}

// conditional runs a guarded transition UPDATE and maps a zero row count to
// the precise error: unknown item or illegal transition.
func (r *PostgresQueueRepository) conditional(ctx context.Context, query, id string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM notification_queue WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check work item existence: %w", err)
		}
		if !exists {
			return ErrItemNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func scanWorkItem(row interface{ Scan(...any) error }) (*WorkItem, error) {
	var (
		item      WorkItem
		target    string
		typ       string
		status    string
		payload   []byte
		lastError sql.NullString
		sentAt    sql.NullTime
	)
	err := row.Scan(&item.ID, &item.MatchID, &target, &typ, &payload, &status,
		&item.Attempts, &lastError, &item.NextAttemptAt, &item.CreatedAt, &sentAt)
	if err != nil {
		return nil, err
	}
	item.TargetSystem = hash.SourceSystem(target)
	item.Type = Type(typ)
	item.Status = Status(status)
	item.Payload = json.RawMessage(payload)
	item.LastError = lastError.String
	if sentAt.Valid {
		t := sentAt.Time
		item.SentAt = &t
	}
	return &item, nil
}
