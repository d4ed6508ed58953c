package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/martingaam-hue/scr-platform-sub004/internal/domain"
)

const deliveryColumns = `id, subscription_id, org_id, event_id, event_type, payload, status,
	http_status, response_body, attempt_count, next_retry_at, delivered_at, last_error, created_at`

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.OrgID, &d.EventID, &d.EventType,
		&d.Payload, &d.Status, &d.HTTPStatus, &d.ResponseBody,
		&d.AttemptCount, &d.NextRetryAt, &d.DeliveredAt, &d.LastError, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery inserts a pending delivery for one (subscription, event)
// pair, snapshotting the payload.
func (s *PostgresStore) CreateDelivery(ctx context.Context, sub domain.Subscription, event domain.Event) (*domain.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		INSERT INTO deliveries (subscription_id, org_id, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+deliveryColumns,
		sub.ID, event.OrgID, event.ID, event.EventType, event.Payload,
	))
	if err != nil {
		return nil, fmt.Errorf("inserting delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// MarkDelivered records a successful attempt. The guard compares both the
// status and the attempt count the caller observed when it loaded the row,
// so the transition is a true compare-and-set: of two racing dispatches
// that read the same snapshot, exactly one updates the row and the other
// affects zero rows.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, attempt int, httpStatus int, responseBody string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'delivered',
		    attempt_count = $2 + 1,
		    http_status = $3,
		    response_body = NULLIF($4, ''),
		    delivered_at = NOW(),
		    next_retry_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status IN ('pending', 'retrying') AND attempt_count = $2
	`, id, attempt, httpStatus, responseBody)
	if err != nil {
		return false, fmt.Errorf("marking delivery delivered: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkRetrying records a failed attempt with budget remaining and schedules
// the next one. Same compare-and-set semantics as MarkDelivered; attempt is
// the count the caller read before dispatching.
func (s *PostgresStore) MarkRetrying(ctx context.Context, id string, attempt int, httpStatus *int, responseBody, errMsg string, nextRetryAt time.Time) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'retrying',
		    attempt_count = $2 + 1,
		    http_status = $3,
		    response_body = NULLIF($4, ''),
		    last_error = NULLIF($5, ''),
		    next_retry_at = $6
		WHERE id = $1 AND status IN ('pending', 'retrying') AND attempt_count = $2
	`, id, attempt, httpStatus, responseBody, errMsg, nextRetryAt)
	if err != nil {
		return false, fmt.Errorf("marking delivery retrying: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkFailed records a terminal failure and clears the retry schedule.
// Same compare-and-set semantics as MarkDelivered.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, attempt int, httpStatus *int, responseBody, errMsg string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed',
		    attempt_count = $2 + 1,
		    http_status = $3,
		    response_body = NULLIF($4, ''),
		    last_error = NULLIF($5, ''),
		    next_retry_at = NULL
		WHERE id = $1 AND status IN ('pending', 'retrying') AND attempt_count = $2
	`, id, attempt, httpStatus, responseBody, errMsg)
	if err != nil {
		return false, fmt.Errorf("marking delivery failed: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DropDelivery terminates a delivery for an administrative reason, such as
// its subscription having been disabled. No network call happened, so the
// attempt count is left untouched.
func (s *PostgresStore) DropDelivery(ctx context.Context, id, reason string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed',
		    last_error = $2,
		    next_retry_at = NULL
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("dropping delivery: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DueRetries returns IDs of retrying deliveries whose next-retry time has
// elapsed, oldest first, bounded by limit.
func (s *PostgresStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM deliveries
		WHERE status = 'retrying' AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning due retry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListDeliveries returns deliveries with optional filtering, newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID, orgID, status string, limit int) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if subscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, subscriptionID)
		argIdx++
	}
	if orgID != "" {
		conditions = append(conditions, fmt.Sprintf("org_id = $%d", argIdx))
		args = append(args, orgID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}

	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}
	return deliveries, nil
}
