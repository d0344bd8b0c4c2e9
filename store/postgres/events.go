package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/insightbot/billingcore/svc/subscription"
)

func insertEvent(ctx context.Context, q rowQuerier, ev *subscription.Event) error {
	err := q.QueryRow(ctx, `
INSERT INTO subscription_events (id, subscription_id, group_id, event_type, event_data, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
RETURNING created_at
`, ev.ID, ev.SubscriptionID, ev.GroupID, ev.Type, ev.Data).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *subscription.Event) error {
	return insertEvent(ctx, s.pool, ev)
}

func (s *Store) HasEventSince(ctx context.Context, subID uuid.UUID, eventType subscription.EventType, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS(
	SELECT 1 FROM subscription_events
	WHERE subscription_id = $1 AND event_type = $2 AND created_at >= $3
)
`, subID, eventType, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("event dedup lookup: %w", err)
	}
	return exists, nil
}

func (s *Store) HasActivationForPayment(ctx context.Context, subID, paymentID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS(
	SELECT 1 FROM subscription_events
	WHERE subscription_id = $1
	  AND event_type = $2
	  AND event_data->>'payment_id' = $3
)
`, subID, subscription.EventSubscriptionActivated, paymentID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("activation dedup lookup: %w", err)
	}
	return exists, nil
}

// EventsForSubscription returns the audit trail, newest first. Backs the
// group history endpoint.
func (s *Store) EventsForSubscription(ctx context.Context, subID uuid.UUID, limit int) ([]*subscription.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, subscription_id, group_id, event_type, event_data, created_at
FROM subscription_events
WHERE subscription_id = $1
ORDER BY created_at DESC
LIMIT $2
`, subID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*subscription.Event, error) {
	var events []*subscription.Event
	for rows.Next() {
		var ev subscription.Event
		if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &ev.GroupID, &ev.Type, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
