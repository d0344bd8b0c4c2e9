package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/insightbot/billingcore/pkg/pg"
	"github.com/insightbot/billingcore/svc/subscription"
)

const subscriptionColumns = `id, group_id, plan_id, status, trial_start, trial_end,
	subscription_start, subscription_end, next_billing_date, grace_period_end,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.ID, &sub.GroupID, &sub.PlanID, &sub.Status, &sub.TrialStart, &sub.TrialEnd,
		&sub.SubscriptionStart, &sub.SubscriptionEnd, &sub.NextBillingDate, &sub.GracePeriodEnd,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
INSERT INTO subscriptions (id, group_id, plan_id, status, trial_start, trial_end,
	subscription_start, subscription_end, next_billing_date, grace_period_end,
	version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)
RETURNING version, created_at, updated_at
`, sub.ID, sub.GroupID, sub.PlanID, sub.Status, sub.TrialStart, sub.TrialEnd,
		sub.SubscriptionStart, sub.SubscriptionEnd, sub.NextBillingDate, sub.GracePeriodEnd,
		now,
	).Scan(&sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return subscription.ErrAlreadyExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetByGroupID(ctx context.Context, groupID int64) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE group_id = $1`, groupID)
	return scanSubscription(row)
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return s.updateSubscription(ctx, s.pool, sub)
}

// rowQuerier covers both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) updateSubscription(ctx context.Context, q rowQuerier, sub *subscription.Subscription) error {
	err := q.QueryRow(ctx, `
UPDATE subscriptions
SET status = $3, trial_start = $4, trial_end = $5,
	subscription_start = $6, subscription_end = $7, next_billing_date = $8,
	grace_period_end = $9, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2
RETURNING version, updated_at
`, sub.ID, sub.Version, sub.Status, sub.TrialStart, sub.TrialEnd,
		sub.SubscriptionStart, sub.SubscriptionEnd, sub.NextBillingDate,
		sub.GracePeriodEnd,
	).Scan(&sub.Version, &sub.UpdatedAt)
	if err == nil {
		return nil
	}
	if !pg.IsNotFoundError(err) {
		return fmt.Errorf("update subscription: %w", err)
	}

	// No row matched: either the row is gone or the version moved.
	var exists bool
	if chkErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID,
	).Scan(&exists); chkErr != nil {
		return fmt.Errorf("update subscription: %w", chkErr)
	}
	if !exists {
		return subscription.ErrNotFound
	}
	return subscription.ErrConflict
}

func (s *Store) UpdateSubscriptionWithEvent(ctx context.Context, sub *subscription.Subscription, event *subscription.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.updateSubscription(ctx, tx, sub); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListInBoundaryWindow(ctx context.Context, status subscription.Status, from, to time.Time) ([]*subscription.Subscription, error) {
	var boundary string
	switch status {
	case subscription.StatusTrial:
		boundary = "trial_end"
	case subscription.StatusActive:
		boundary = "subscription_end"
	case subscription.StatusGracePeriod:
		boundary = "grace_period_end"
	default:
		return nil, fmt.Errorf("status %q has no boundary column", status)
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE status = $1 AND `+boundary+` >= $2 AND `+boundary+` < $3
ORDER BY `+boundary+`
`, status, from, to)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions in window: %w", err)
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
