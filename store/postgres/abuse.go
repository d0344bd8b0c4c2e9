package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/pg"
	"github.com/insightbot/billingcore/svc/subscription"
)

func (s *Store) CreateAbuseRecord(ctx context.Context, rec *subscription.AbuseRecord) error {
	err := s.pool.QueryRow(ctx, `
INSERT INTO trial_abuse_tracking (id, group_id, fingerprint, creator_user_id,
	trial_started_at, flagged, flag_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
RETURNING created_at
`, rec.ID, rec.GroupID, rec.Fingerprint, rec.CreatorUserID,
		rec.TrialStartedAt, rec.Flagged, rec.FlagReason,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert abuse record: %w", err)
	}
	return nil
}

func (s *Store) LatestAbuseByFingerprint(ctx context.Context, fp string) (*subscription.AbuseRecord, error) {
	var rec subscription.AbuseRecord
	err := s.pool.QueryRow(ctx, `
SELECT id, group_id, fingerprint, creator_user_id, trial_started_at, flagged, flag_reason, created_at
FROM trial_abuse_tracking
WHERE fingerprint = $1
ORDER BY trial_started_at DESC
LIMIT 1
`, fp).Scan(&rec.ID, &rec.GroupID, &rec.Fingerprint, &rec.CreatorUserID,
		&rec.TrialStartedAt, &rec.Flagged, &rec.FlagReason, &rec.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("lookup abuse record: %w", err)
	}
	return &rec, nil
}

func (s *Store) CountAbuseByCreator(ctx context.Context, creatorUserID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trial_abuse_tracking WHERE creator_user_id = $1`, creatorUserID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trials by creator: %w", err)
	}
	return n, nil
}

func (s *Store) FlagAbuseRecord(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trial_abuse_tracking SET flagged = TRUE, flag_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("flag abuse record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}
