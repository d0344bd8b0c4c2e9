package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/svc/plan"
)

// Notifier delivers group-facing notifications for lifecycle events.
// Delivery is best-effort: implementations must never fail the state change
// that triggered them.
type Notifier interface {
	Notify(ctx context.Context, groupID int64, eventType EventType, data map[string]any)
}

// nextBillingLead is how far before subscriptionEnd the renewal reminder fires.
const nextBillingLead = 7 * 24 * time.Hour

// Service owns the five-state lifecycle and all date math for transitions.
// Subscription rows are mutated only here; read and notification paths never
// write.
type Service struct {
	store    Store
	plans    *plan.Catalog
	guard    *Guard
	notifier Notifier
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time

	// conflictRetries bounds reload-and-retry attempts on optimistic update
	// conflicts before surfacing ErrConflict as a transient failure.
	conflictRetries int
}

// Option configures the Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source, for tests with fixed time values.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.conflictRetries = n
		}
	}
}

// NewService creates the lifecycle service.
// Panics on nil required dependencies to fail fast during initialization.
func NewService(store Store, plans *plan.Catalog, guard *Guard, opts ...Option) *Service {
	if store == nil {
		panic("subscription: Store is required")
	}
	if plans == nil {
		panic("subscription: plan catalog is required")
	}
	if guard == nil {
		panic("subscription: abuse guard is required")
	}

	s := &Service{
		store:           store,
		plans:           plans,
		guard:           guard,
		metrics:         metrics.Default(),
		log:             slog.Default(),
		now:             time.Now,
		conflictRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartTrial grants a new trial subscription for a group, gated by the abuse
// guard. Calling it for a group that already has a subscription returns the
// existing row unchanged.
func (s *Service) StartTrial(ctx context.Context, groupID int64, groupTitle string, creatorUserID int64) (*Subscription, error) {
	if existing, err := s.store.GetByGroupID(ctx, groupID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	decision := s.guard.Check(ctx, groupID, groupTitle, creatorUserID)
	if !decision.Allowed {
		s.metrics.TrialAbuseRejected()
		return nil, fmt.Errorf("%w: %s", ErrTrialNotAllowed, decision.Reason)
	}

	p := s.plans.Default()
	now := s.now()

	sub := &Subscription{
		ID:         uuid.New(),
		GroupID:    groupID,
		PlanID:     p.ID,
		Status:     StatusTrial,
		TrialStart: now,
		TrialEnd:   now.Add(p.TrialPeriod()),
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a creation race; the winner's row is authoritative.
			return s.store.GetByGroupID(ctx, groupID)
		}
		return nil, err
	}

	if err := s.guard.Record(ctx, groupID, groupTitle, creatorUserID, decision); err != nil {
		s.log.ErrorContext(ctx, "failed to record trial for abuse tracking",
			slog.Int64("group_id", groupID), slog.Any("error", err))
	}

	if err := s.store.AppendEvent(ctx, NewEvent(sub.ID, groupID, EventTrialStarted, map[string]any{
		"group_title": groupTitle,
		"trial_days":  p.TrialDays,
		"trial_end":   sub.TrialEnd,
	})); err != nil {
		s.log.ErrorContext(ctx, "failed to log trial_started event", slog.Any("error", err))
	}

	s.metrics.TrialCreated()
	s.log.InfoContext(ctx, "trial subscription created",
		slog.Int64("group_id", groupID), slog.Time("trial_end", sub.TrialEnd))

	s.notify(ctx, groupID, EventTrialStarted, map[string]any{
		"trial_days": p.TrialDays,
		"trial_end":  sub.TrialEnd,
	})

	return sub, nil
}

// StatusInfo is the read model for a group's access state.
type StatusInfo struct {
	HasSubscription bool       `json:"has_subscription"`
	Status          Status     `json:"status"`
	Boundary        *time.Time `json:"boundary,omitempty"`
	PostingAllowed  bool       `json:"posting_allowed"`
	DaysLeft        int        `json:"days_left"`
}

// Status returns the current access state for a group. A missing subscription
// is not an error; it reports no access.
func (s *Service) Status(ctx context.Context, groupID int64) (StatusInfo, error) {
	sub, err := s.store.GetByGroupID(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return StatusInfo{Status: "none"}, nil
	}
	if err != nil {
		return StatusInfo{}, err
	}

	now := s.now()
	info := StatusInfo{
		HasSubscription: true,
		Status:          sub.Status,
		PostingAllowed:  sub.PostingAllowedAt(now),
	}
	if boundary, ok := sub.Boundary(); ok {
		info.Boundary = &boundary
		if left := boundary.Sub(now); left > 0 {
			info.DaysLeft = int(left.Hours() / 24)
		}
	}
	return info, nil
}

// History returns the recent event log for a group's subscription, newest
// first. Returns ErrNotFound when the group has no subscription.
func (s *Service) History(ctx context.Context, groupID int64, limit int) ([]*Event, error) {
	sub, err := s.store.GetByGroupID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.store.EventsForSubscription(ctx, sub.ID, limit)
}

// PostingAllowed reports whether content delivery is currently permitted for
// a group. A missing subscription means no.
func (s *Service) PostingAllowed(ctx context.Context, groupID int64) (bool, error) {
	sub, err := s.store.GetByGroupID(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.PostingAllowedAt(s.now()), nil
}

// Activate transitions a subscription to active after a confirmed payment.
//
// Anchoring rules, chosen so a payer never loses paid or free time:
//   - from trial: start at max(now, trialEnd); the remaining trial is kept,
//     and billing never starts before the trial's nominal end;
//   - from grace_period or expired: start now;
//   - renewal of active: start at the existing subscriptionEnd, so paying
//     early never truncates already-paid time.
//
// Idempotence: a repeated call with the same paymentID is a no-op returning
// the already-applied row. Concurrent calls are serialized by the store's
// optimistic version check with bounded reload-and-retry.
func (s *Service) Activate(ctx context.Context, subscriptionID, paymentID uuid.UUID) (*Subscription, error) {
	var lastErr error

	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		sub, err := s.store.GetByID(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}

		applied, err := s.store.HasActivationForPayment(ctx, subscriptionID, paymentID)
		if err != nil {
			return nil, err
		}
		if applied {
			return sub, nil
		}

		if sub.Status == StatusCancelled {
			return nil, fmt.Errorf("%w: cannot activate a cancelled subscription", ErrInvalidState)
		}

		p, err := s.plans.Get(sub.PlanID)
		if err != nil {
			return nil, err
		}

		now := s.now()
		start := s.activationAnchor(sub, now)
		end := start.Add(p.BillingPeriod())
		nextBilling := end.Add(-nextBillingLead)

		sub.Status = StatusActive
		sub.SubscriptionStart = &start
		sub.SubscriptionEnd = &end
		sub.NextBillingDate = &nextBilling
		sub.GracePeriodEnd = nil

		event := NewEvent(sub.ID, sub.GroupID, EventSubscriptionActivated, map[string]any{
			"payment_id":       paymentID,
			"subscription_end": end,
		})

		if err := s.store.UpdateSubscriptionWithEvent(ctx, sub, event); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.metrics.SubscriptionActivated()
		s.log.InfoContext(ctx, "subscription activated",
			slog.Int64("group_id", sub.GroupID),
			slog.String("payment_id", paymentID.String()),
			slog.Time("subscription_end", end))

		s.notify(ctx, sub.GroupID, EventSubscriptionActivated, map[string]any{
			"subscription_end":  end,
			"next_billing_date": nextBilling,
		})

		return sub, nil
	}

	return nil, lastErr
}

func (s *Service) activationAnchor(sub *Subscription, now time.Time) time.Time {
	switch sub.Status {
	case StatusTrial:
		if sub.TrialEnd.After(now) {
			return sub.TrialEnd
		}
		return now
	case StatusActive:
		if sub.SubscriptionEnd != nil && sub.SubscriptionEnd.After(now) {
			return *sub.SubscriptionEnd
		}
		return now
	default:
		// grace_period and expired: unused lapse time is not credited.
		return now
	}
}

// Cancel moves a non-terminal subscription to cancelled. Cancelling an
// already-cancelled subscription is a no-op. The row is retained for audit.
func (s *Service) Cancel(ctx context.Context, subscriptionID uuid.UUID) error {
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		sub, err := s.store.GetByID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == StatusCancelled {
			return nil
		}
		if sub.Status == StatusExpired {
			return fmt.Errorf("%w: expired subscriptions cannot be cancelled", ErrInvalidState)
		}

		prev := sub.Status
		sub.Status = StatusCancelled
		sub.GracePeriodEnd = nil

		event := NewEvent(sub.ID, sub.GroupID, EventSubscriptionCancelled, map[string]any{
			"previous_status": prev,
		})

		if err := s.store.UpdateSubscriptionWithEvent(ctx, sub, event); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return err
		}

		s.log.InfoContext(ctx, "subscription cancelled", slog.Int64("group_id", sub.GroupID))
		s.notify(ctx, sub.GroupID, EventSubscriptionCancelled, nil)
		return nil
	}

	return ErrConflict
}

// EnterGracePeriod transitions trial->grace_period (trial ended unpaid) or
// active->grace_period (subscription ended without renewal). Driven by the
// expiration sweep.
func (s *Service) EnterGracePeriod(ctx context.Context, sub *Subscription) error {
	var eventType EventType
	switch sub.Status {
	case StatusTrial:
		eventType = EventTrialExpired
	case StatusActive:
		eventType = EventSubscriptionLapsed
	default:
		return fmt.Errorf("%w: cannot enter grace period from %s", ErrInvalidState, sub.Status)
	}

	p, err := s.plans.Get(sub.PlanID)
	if err != nil {
		return err
	}

	graceEnd := s.now().Add(p.GracePeriod())
	sub.Status = StatusGracePeriod
	sub.GracePeriodEnd = &graceEnd

	event := NewEvent(sub.ID, sub.GroupID, eventType, map[string]any{
		"grace_period_end":  graceEnd,
		"grace_period_days": p.GraceDays,
	})

	if err := s.store.UpdateSubscriptionWithEvent(ctx, sub, event); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "subscription entered grace period",
		slog.Int64("group_id", sub.GroupID),
		slog.String("event", string(eventType)),
		slog.Time("grace_period_end", graceEnd))

	s.notify(ctx, sub.GroupID, eventType, map[string]any{
		"grace_period_end":  graceEnd,
		"grace_period_days": p.GraceDays,
	})
	return nil
}

// Expire transitions grace_period->expired once gracePeriodEnd has passed
// without payment. Driven by the expiration sweep.
func (s *Service) Expire(ctx context.Context, sub *Subscription) error {
	if sub.Status != StatusGracePeriod {
		return fmt.Errorf("%w: cannot expire from %s", ErrInvalidState, sub.Status)
	}
	if sub.GracePeriodEnd == nil {
		// Impossible per the data model; do not guess a correction.
		return fmt.Errorf("%w: grace_period row without gracePeriodEnd (subscription %s)",
			ErrInvariantViolation, sub.ID)
	}

	sub.Status = StatusExpired
	sub.GracePeriodEnd = nil

	event := NewEvent(sub.ID, sub.GroupID, EventSubscriptionExpired, map[string]any{
		"posting_disabled": true,
	})

	if err := s.store.UpdateSubscriptionWithEvent(ctx, sub, event); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "subscription expired", slog.Int64("group_id", sub.GroupID))
	s.notify(ctx, sub.GroupID, EventSubscriptionExpired, nil)
	return nil
}

// GetByGroupID exposes the stored row for collaborators that need IDs.
func (s *Service) GetByGroupID(ctx context.Context, groupID int64) (*Subscription, error) {
	return s.store.GetByGroupID(ctx, groupID)
}

// GetByID exposes the stored row by primary key.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.store.GetByID(ctx, id)
}

// Plan resolves the catalog plan for a subscription.
func (s *Service) Plan(sub *Subscription) (plan.Plan, error) {
	return s.plans.Get(sub.PlanID)
}

func (s *Service) notify(ctx context.Context, groupID int64, eventType EventType, data map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, groupID, eventType, data)
}

// NotifyGroup routes an out-of-band notification (sweep warnings, payment
// reminders) through the same dispatcher as transition notices. No-op when
// no notifier is configured.
func (s *Service) NotifyGroup(ctx context.Context, groupID int64, eventType EventType, data map[string]any) {
	s.notify(ctx, groupID, eventType, data)
}
