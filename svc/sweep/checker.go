package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/svc/plan"
	"github.com/insightbot/billingcore/svc/subscription"
)

// Config controls the expiration sweep.
type Config struct {
	Interval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	// RunTimeout bounds a single sweep pass.
	RunTimeout time.Duration `env:"SWEEP_RUN_TIMEOUT" envDefault:"10m"`
}

// Alerter receives operator-facing alerts for conditions the sweep cannot
// fix, such as invariant violations in stored rows.
type Alerter interface {
	Alert(ctx context.Context, subject string, details map[string]any)
}

// graceWarningLead is how close to gracePeriodEnd the final warning fires.
const graceWarningLead = 24 * time.Hour

// renewalLead is how far before subscriptionEnd the renewal reminder fires.
// Matches the next-billing-date lead used at activation time.
const renewalLead = 7 * 24 * time.Hour

// Checker walks subscriptions once per tick and applies every overdue
// time-based effect: trial warnings, trial and subscription expiry into
// grace, grace warnings, and final suspension. Runs are single-flight; a
// tick that lands while a sweep is still running is skipped, not queued.
//
// Every warning is deduplicated through the event log, so a sweep that runs
// hourly still warns at most once per day, and a crash mid-sweep never
// causes double notifications on the rerun.
type Checker struct {
	store   subscription.Store
	subs    *subscription.Service
	plans   *plan.Catalog
	cfg     Config
	alerter Alerter
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
	running sync.Mutex
}

// Option configures the checker.
type Option func(*Checker)

// WithAlerter enables operator alerts.
func WithAlerter(a Alerter) Option {
	return func(c *Checker) { c.alerter = a }
}

// WithLogger sets the checker logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Checker) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics replaces the metrics collector, for tests.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Checker) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChecker wires the expiration sweep.
func NewChecker(store subscription.Store, subs *subscription.Service, plans *plan.Catalog, cfg Config, opts ...Option) *Checker {
	if store == nil {
		panic("sweep: store is required")
	}
	if subs == nil {
		panic("sweep: subscription service is required")
	}
	if plans == nil {
		panic("sweep: plan catalog is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}

	c := &Checker{
		store:   store,
		subs:    subs,
		plans:   plans,
		cfg:     cfg,
		metrics: metrics.Default(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the sweep loop until ctx is cancelled. One pass runs
// immediately so a restarted service catches up without waiting a full
// interval.
func (c *Checker) Start(ctx context.Context) error {
	c.log.InfoContext(ctx, "expiration sweep started",
		slog.Duration("interval", c.cfg.Interval))

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.InfoContext(ctx, "expiration sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Checker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	if err := c.Run(runCtx); err != nil && !errors.Is(err, ErrSweepInProgress) {
		c.log.ErrorContext(ctx, "sweep pass failed", slog.Any("error", err))
	}
}

// ErrSweepInProgress is returned when a Run call lands while another sweep
// is still active.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Run executes one sweep pass. Safe to call concurrently: overlapping calls
// return ErrSweepInProgress instead of running twice.
func (c *Checker) Run(ctx context.Context) error {
	if !c.running.TryLock() {
		c.metrics.SweepRun("skipped")
		return ErrSweepInProgress
	}
	defer c.running.Unlock()

	now := c.now().UTC()
	started := now

	var errs []error
	errs = append(errs, c.sweepTrials(ctx, now)...)
	errs = append(errs, c.sweepGrace(ctx, now)...)
	errs = append(errs, c.sweepActive(ctx, now)...)

	if err := errors.Join(errs...); err != nil {
		c.metrics.SweepRun("failed")
		return err
	}

	c.metrics.SweepRun("completed")
	c.log.InfoContext(ctx, "sweep pass completed",
		slog.Duration("took", time.Since(started)))
	return nil
}

// sweepTrials sends upcoming-expiry warnings and moves ended trials into
// the grace period.
func (c *Checker) sweepTrials(ctx context.Context, now time.Time) []error {
	var errs []error

	// Warnings: trials whose end falls within the largest warning window
	// any plan in the catalog defines.
	if maxDays := c.plans.MaxWarningOffsetDays(); maxDays > 0 {
		horizon := now.Add(time.Duration(maxDays) * 24 * time.Hour)
		upcoming, err := c.store.ListInBoundaryWindow(ctx, subscription.StatusTrial, now, horizon)
		if err != nil {
			return []error{fmt.Errorf("list trials ending soon: %w", err)}
		}
		for _, sub := range upcoming {
			if err := ctx.Err(); err != nil {
				return append(errs, err)
			}
			if err := c.warnTrial(ctx, sub, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Expiry: trials whose end has passed.
	ended, err := c.store.ListInBoundaryWindow(ctx, subscription.StatusTrial, time.Time{}, now)
	if err != nil {
		return append(errs, fmt.Errorf("list ended trials: %w", err))
	}
	for _, sub := range ended {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		if err := c.transition(ctx, sub, c.subs.EnterGracePeriod); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// warnTrial fires a trial warning when the remaining time rounds up to one
// of the subscription's plan warning offsets. Dedup is per day, and since
// the day count only matches each offset for one calendar day, every
// warning fires at most once over the trial's lifetime.
func (c *Checker) warnTrial(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	remaining := sub.TrialEnd.Sub(now)
	if remaining <= 0 {
		return nil // the expiry pass handles this one
	}
	daysLeft := int((remaining + 24*time.Hour - 1) / (24 * time.Hour))

	p, err := c.subs.Plan(sub)
	if err != nil {
		return fmt.Errorf("resolve plan for %s: %w", sub.ID, err)
	}
	if !slices.Contains(p.WarningOffsetsDays, daysLeft) {
		return nil
	}

	eventType := subscription.TrialWarning(daysLeft)
	sent, err := c.store.HasEventSince(ctx, sub.ID, eventType, startOfDay(now))
	if err != nil {
		return fmt.Errorf("warning dedup for %s: %w", sub.ID, err)
	}
	if sent {
		return nil
	}

	data := map[string]any{"trial_end": sub.TrialEnd}
	ev := subscription.NewEvent(sub.ID, sub.GroupID, eventType, data)
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("record %s for %s: %w", eventType, sub.ID, err)
	}
	c.metrics.SweepTransition(string(eventType))
	c.notify(ctx, sub.GroupID, eventType, data)
	return nil
}

// sweepGrace warns groups approaching the end of grace and suspends the
// ones past it.
func (c *Checker) sweepGrace(ctx context.Context, now time.Time) []error {
	var errs []error

	closing, err := c.store.ListInBoundaryWindow(ctx, subscription.StatusGracePeriod, now, now.Add(graceWarningLead))
	if err != nil {
		return []error{fmt.Errorf("list grace periods ending soon: %w", err)}
	}
	for _, sub := range closing {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		if err := c.warnGrace(ctx, sub, now); err != nil {
			errs = append(errs, err)
		}
	}

	ended, err := c.store.ListInBoundaryWindow(ctx, subscription.StatusGracePeriod, time.Time{}, now)
	if err != nil {
		return append(errs, fmt.Errorf("list ended grace periods: %w", err))
	}
	for _, sub := range ended {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		if err := c.transition(ctx, sub, c.subs.Expire); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Checker) warnGrace(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	sent, err := c.store.HasEventSince(ctx, sub.ID, subscription.EventGraceWarning, startOfDay(now))
	if err != nil {
		return fmt.Errorf("grace warning dedup for %s: %w", sub.ID, err)
	}
	if sent {
		return nil
	}

	data := map[string]any{"grace_period_end": sub.GracePeriodEnd}
	ev := subscription.NewEvent(sub.ID, sub.GroupID, subscription.EventGraceWarning, data)
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("record grace warning for %s: %w", sub.ID, err)
	}
	c.metrics.SweepTransition(string(subscription.EventGraceWarning))
	c.notify(ctx, sub.GroupID, subscription.EventGraceWarning, data)
	return nil
}

// sweepActive reminds groups about upcoming renewals and lapses paid
// subscriptions whose period ended without renewal.
func (c *Checker) sweepActive(ctx context.Context, now time.Time) []error {
	var errs []error

	renewing, err := c.store.ListInBoundaryWindow(ctx, subscription.StatusActive, now, now.Add(renewalLead))
	if err != nil {
		return []error{fmt.Errorf("list renewals due: %w", err)}
	}
	for _, sub := range renewing {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		if err := c.remindRenewal(ctx, sub, now); err != nil {
			errs = append(errs, err)
		}
	}

	lapsed, err := c.store.ListInBoundaryWindow(ctx, subscription.StatusActive, time.Time{}, now)
	if err != nil {
		return append(errs, fmt.Errorf("list lapsed subscriptions: %w", err))
	}
	for _, sub := range lapsed {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		if err := c.transition(ctx, sub, c.subs.EnterGracePeriod); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Checker) remindRenewal(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	if sub.NextBillingDate == nil || now.Before(*sub.NextBillingDate) {
		return nil
	}

	sent, err := c.store.HasEventSince(ctx, sub.ID, subscription.EventRenewalReminder, startOfDay(now))
	if err != nil {
		return fmt.Errorf("renewal reminder dedup for %s: %w", sub.ID, err)
	}
	if sent {
		return nil
	}

	data := map[string]any{"subscription_end": sub.SubscriptionEnd}
	ev := subscription.NewEvent(sub.ID, sub.GroupID, subscription.EventRenewalReminder, data)
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("record renewal reminder for %s: %w", sub.ID, err)
	}
	c.metrics.SweepTransition(string(subscription.EventRenewalReminder))
	c.notify(ctx, sub.GroupID, subscription.EventRenewalReminder, data)
	return nil
}

// transition applies one state change, treating concurrent modification as
// someone else's success and invariant violations as operator problems.
func (c *Checker) transition(ctx context.Context, sub *subscription.Subscription, fn func(context.Context, *subscription.Subscription) error) error {
	err := fn(ctx, sub)
	switch {
	case err == nil:
		c.metrics.SweepTransition(string(sub.Status))
		return nil
	case errors.Is(err, subscription.ErrConflict), errors.Is(err, subscription.ErrInvalidState):
		// A payment webhook or another sweep got there first.
		return nil
	case errors.Is(err, subscription.ErrInvariantViolation):
		c.log.ErrorContext(ctx, "invariant violation during sweep",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
		if c.alerter != nil {
			c.alerter.Alert(ctx, "subscription invariant violation", map[string]any{
				"subscription_id": sub.ID.String(),
				"group_id":        sub.GroupID,
				"status":          string(sub.Status),
				"error":           err.Error(),
			})
		}
		return nil
	default:
		return fmt.Errorf("transition %s: %w", sub.ID, err)
	}
}

func (c *Checker) notify(ctx context.Context, groupID int64, eventType subscription.EventType, data map[string]any) {
	// Notifications go through the subscription service's dispatcher so
	// sweep warnings and transition notices share one delivery path.
	c.subs.NotifyGroup(ctx, groupID, eventType, data)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
