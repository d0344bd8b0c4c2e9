package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/fingerprint"
)

// GuardConfig tunes trial-abuse detection.
type GuardConfig struct {
	CooldownDays        int `env:"TRIAL_COOLDOWN_DAYS" envDefault:"30"`   // window during which the same fingerprint cannot re-trial
	MaxTrialsPerCreator int `env:"MAX_TRIALS_PER_CREATOR" envDefault:"3"` // lifetime trial cap per creator account
}

// GuardDecision is the outcome of an abuse check.
type GuardDecision struct {
	Allowed bool
	Flagged bool   // granted, but recorded for manual review
	Reason  string // set when denied or flagged
}

// Guard gates new trial creation. Clear repeats are denied; ambiguous cases
// are granted but flagged, trading false negatives for fewer false positives.
type Guard struct {
	store AbuseStore
	cfg   GuardConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewGuard creates an abuse guard over the given store.
func NewGuard(store AbuseStore, cfg GuardConfig, log *slog.Logger) *Guard {
	if store == nil {
		panic("subscription: AbuseStore is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, cfg: cfg, log: log, now: time.Now}
}

// Check evaluates whether a new trial may be granted.
// Storage errors fail open: losing one abuse check is cheaper than refusing
// a legitimate signup.
func (g *Guard) Check(ctx context.Context, groupID int64, groupTitle string, creatorUserID int64) GuardDecision {
	fp := fingerprint.Group(groupID, groupTitle)
	now := g.now()

	prev, err := g.store.LatestAbuseByFingerprint(ctx, fp)
	switch {
	case err == nil:
		cooldownEnd := prev.TrialStartedAt.Add(time.Duration(g.cfg.CooldownDays) * 24 * time.Hour)
		if now.Before(cooldownEnd) {
			g.log.WarnContext(ctx, "trial denied: fingerprint within cooldown",
				slog.Int64("group_id", groupID),
				slog.Time("cooldown_end", cooldownEnd))
			if !prev.Flagged {
				if ferr := g.store.FlagAbuseRecord(ctx, prev.ID, "repeat trial attempt within cooldown"); ferr != nil {
					g.log.ErrorContext(ctx, "abuse record flag failed", slog.Any("error", ferr))
				}
			}
			return GuardDecision{Reason: "same group fingerprint within cooldown window"}
		}
	case !errors.Is(err, ErrNotFound):
		g.log.ErrorContext(ctx, "abuse fingerprint lookup failed", slog.Any("error", err))
	}

	count, err := g.store.CountAbuseByCreator(ctx, creatorUserID)
	if err != nil {
		g.log.ErrorContext(ctx, "abuse creator count failed", slog.Any("error", err))
		return GuardDecision{Allowed: true}
	}

	if count >= g.cfg.MaxTrialsPerCreator {
		g.log.WarnContext(ctx, "trial denied: creator at trial cap",
			slog.Int64("creator_user_id", creatorUserID),
			slog.Int("trials", count))
		return GuardDecision{Reason: "creator reached maximum trials"}
	}

	if count == g.cfg.MaxTrialsPerCreator-1 {
		return GuardDecision{Allowed: true, Flagged: true, Reason: "creator one trial below cap"}
	}

	return GuardDecision{Allowed: true}
}

// Record tracks a granted trial so future checks can see it. Every grant is
// recorded regardless of later subscription outcome.
func (g *Guard) Record(ctx context.Context, groupID int64, groupTitle string, creatorUserID int64, decision GuardDecision) error {
	rec := &AbuseRecord{
		ID:             uuid.New(),
		GroupID:        groupID,
		Fingerprint:    fingerprint.Group(groupID, groupTitle),
		CreatorUserID:  creatorUserID,
		TrialStartedAt: g.now(),
		Flagged:        decision.Flagged,
		FlagReason:     decision.Reason,
	}
	return g.store.CreateAbuseRecord(ctx, rec)
}
