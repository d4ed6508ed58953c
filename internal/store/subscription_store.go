package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/martingaam-hue/scr-platform-sub004/internal/domain"
)

const subscriptionColumns = `id, org_id, target_url, secret, event_types, description, active,
	consecutive_failures, disabled_reason, rate_limit_per_second, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.OrgID, &sub.TargetURL, &sub.Secret, &sub.EventTypes,
		&sub.Description, &sub.Active, &sub.ConsecutiveFailures,
		&sub.DisabledReason, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (org_id, target_url, secret, event_types, description, rate_limit_per_second)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+subscriptionColumns,
		req.OrgID, req.TargetURL, secret, req.EventTypes, req.Description, req.RateLimitPerSecond,
	))
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, orgID string) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	args := []interface{}{}
	if orgID != "" {
		query += " WHERE org_id = $1"
		args = append(args, orgID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}
	return subs, nil
}

// UpdateSubscription applies a partial update. Setting Active to true also
// clears the disabled reason and failure counter — reactivation through the
// registration API gives the endpoint a clean slate.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	if req.TargetURL != nil {
		setClauses = append(setClauses, fmt.Sprintf("target_url = $%d", argIdx))
		args = append(args, *req.TargetURL)
		argIdx++
	}
	if req.EventTypes != nil {
		setClauses = append(setClauses, fmt.Sprintf("event_types = $%d", argIdx))
		args = append(args, req.EventTypes)
		argIdx++
	}
	if req.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", argIdx))
		args = append(args, *req.Description)
		argIdx++
	}
	if req.RateLimitPerSecond != nil {
		setClauses = append(setClauses, fmt.Sprintf("rate_limit_per_second = $%d", argIdx))
		args = append(args, *req.RateLimitPerSecond)
		argIdx++
	}
	if req.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *req.Active)
		argIdx++
		if *req.Active {
			setClauses = append(setClauses, "disabled_reason = NULL", "consecutive_failures = 0")
		}
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`UPDATE subscriptions SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, subscriptionColumns)
	args = append(args, id)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// ActiveSubscriptionsForEvent returns the active subscriptions of an org
// whose event set contains the given type.
func (s *PostgresStore) ActiveSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE org_id = $1
		  AND active = true
		  AND event_types @> ARRAY[$2]::text[]
	`, orgID, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}
	return subs, nil
}

// IncrementFailures bumps the consecutive-failure counter in a single
// atomic update and returns the new count.
func (s *PostgresStore) IncrementFailures(ctx context.Context, id string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures
	`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing failure counter: %w", err)
	}
	return count, nil
}

// ResetFailures zeroes the consecutive-failure counter. A single delivered
// webhook exonerates prior failures.
func (s *PostgresStore) ResetFailures(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = 0, updated_at = NOW()
		WHERE id = $1 AND consecutive_failures > 0
	`, id)
	if err != nil {
		return fmt.Errorf("resetting failure counter: %w", err)
	}
	return nil
}

// DisableSubscription suspends a subscription with a reason. The WHERE
// active guard makes concurrent suspensions converge on one winner.
func (s *PostgresStore) DisableSubscription(ctx context.Context, id, reason string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET active = false, disabled_reason = $2, updated_at = NOW()
		WHERE id = $1 AND active = true
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("disabling subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}
