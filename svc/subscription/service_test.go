package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/pkg/fingerprint"
	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/svc/plan"
	"github.com/insightbot/billingcore/svc/subscription"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordedNotice struct {
	GroupID int64
	Type    subscription.EventType
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []recordedNotice
}

func (r *noticeRecorder) Notify(_ context.Context, groupID int64, eventType subscription.EventType, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, recordedNotice{GroupID: groupID, Type: eventType})
}

func (r *noticeRecorder) count(eventType subscription.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.notices {
		if m.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *subscription.MemStore
	svc     *subscription.Service
	clock   *clock
	notices *noticeRecorder
	catalog *plan.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := subscription.NewMemStore()
	clk := newClock(testTime)
	notices := &noticeRecorder{}
	catalog := plan.Builtin()
	guard := subscription.NewGuard(store, subscription.GuardConfig{
		CooldownDays:        30,
		MaxTrialsPerCreator: 3,
	}, nil)

	svc := subscription.NewService(store, catalog, guard,
		subscription.WithClock(clk.Now),
		subscription.WithNotifier(notices),
		subscription.WithMetrics(metrics.NewIsolated()),
	)
	return &fixture{store: store, svc: svc, clock: clk, notices: notices, catalog: catalog}
}

func (f *fixture) startTrial(t *testing.T, groupID int64) *subscription.Subscription {
	t.Helper()
	sub, err := f.svc.StartTrial(context.Background(), groupID, "Test Group", 100+groupID)
	require.NoError(t, err)
	return sub
}

func TestStartTrial(t *testing.T) {
	t.Parallel()

	t.Run("creates trial with plan duration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		sub := f.startTrial(t, 1)
		assert.Equal(t, subscription.StatusTrial, sub.Status)
		assert.Equal(t, testTime, sub.TrialStart)
		assert.Equal(t, testTime.Add(15*24*time.Hour), sub.TrialEnd)
		assert.True(t, sub.PostingAllowedAt(testTime))

		events := f.store.EventsOfType(sub.ID, subscription.EventTrialStarted)
		require.Len(t, events, 1)
		assert.Equal(t, 1, f.notices.count(subscription.EventTrialStarted))
	})

	t.Run("repeat call returns existing subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		first := f.startTrial(t, 1)
		second := f.startTrial(t, 1)
		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, f.store.EventsOfType(first.ID, subscription.EventTrialStarted), 1)
	})

	t.Run("denied when fingerprint in cooldown", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		// Same title and group ID on a fresh store simulates
		// leave-and-rejoin with a new internal row.
		sub := f.startTrial(t, 1)
		require.NotNil(t, sub)

		fresh := subscription.NewMemStore()
		// Carry the abuse history over, as production storage would.
		rec, err := f.store.LatestAbuseByFingerprint(context.Background(), fingerprintFor(1, "Test Group"))
		require.NoError(t, err)
		require.NoError(t, fresh.CreateAbuseRecord(context.Background(), rec))

		guard := subscription.NewGuard(fresh, subscription.GuardConfig{CooldownDays: 30, MaxTrialsPerCreator: 3}, nil)
		svc := subscription.NewService(fresh, f.catalog, guard,
			subscription.WithClock(f.clock.Now),
			subscription.WithMetrics(metrics.NewIsolated()),
		)

		_, err = svc.StartTrial(context.Background(), 1, "Test Group", 999)
		assert.ErrorIs(t, err, subscription.ErrTrialNotAllowed)
	})

	t.Run("denied when creator at cap", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		for i := int64(1); i <= 3; i++ {
			_, err := f.svc.StartTrial(context.Background(), i, "Group", 500)
			require.NoError(t, err)
		}
		_, err := f.svc.StartTrial(context.Background(), 4, "Group", 500)
		assert.ErrorIs(t, err, subscription.ErrTrialNotAllowed)
	})
}

func TestActivate(t *testing.T) {
	t.Parallel()

	t.Run("mid trial keeps remaining trial time", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		// Pay 5 days into a 15-day trial: billing anchors at trialEnd.
		f.clock.Advance(5 * 24 * time.Hour)
		paymentID := uuid.New()
		updated, err := f.svc.Activate(context.Background(), sub.ID, paymentID)
		require.NoError(t, err)

		assert.Equal(t, subscription.StatusActive, updated.Status)
		require.NotNil(t, updated.SubscriptionStart)
		assert.Equal(t, sub.TrialEnd, *updated.SubscriptionStart)
		assert.Equal(t, sub.TrialEnd.Add(30*24*time.Hour), *updated.SubscriptionEnd)
		assert.Equal(t, updated.SubscriptionEnd.Add(-7*24*time.Hour), *updated.NextBillingDate)
	})

	t.Run("after trial end anchors at payment time", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		f.clock.Advance(16 * 24 * time.Hour)
		now := f.clock.Now()
		updated, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, now, *updated.SubscriptionStart)
		assert.Equal(t, now.Add(30*24*time.Hour), *updated.SubscriptionEnd)
	})

	t.Run("same payment id is idempotent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		paymentID := uuid.New()
		first, err := f.svc.Activate(context.Background(), sub.ID, paymentID)
		require.NoError(t, err)

		second, err := f.svc.Activate(context.Background(), sub.ID, paymentID)
		require.NoError(t, err)

		assert.Equal(t, *first.SubscriptionEnd, *second.SubscriptionEnd)
		assert.Len(t, f.store.EventsOfType(sub.ID, subscription.EventSubscriptionActivated), 1)
		assert.Equal(t, 1, f.notices.count(subscription.EventSubscriptionActivated))
	})

	t.Run("early renewal extends from current end", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		first, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)
		firstEnd := *first.SubscriptionEnd

		// Renew 10 days before the period ends: no paid time is lost.
		second, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, firstEnd.Add(30*24*time.Hour), *second.SubscriptionEnd)
	})

	t.Run("renewal from grace period anchors at now", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		f.clock.Advance(16 * 24 * time.Hour)
		require.NoError(t, f.svc.EnterGracePeriod(context.Background(), mustGet(t, f, sub.ID)))

		f.clock.Advance(24 * time.Hour)
		now := f.clock.Now()
		updated, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, now, *updated.SubscriptionStart)
		assert.Nil(t, updated.GracePeriodEnd)
	})

	t.Run("expired subscription can be revived", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		f.clock.Advance(16 * 24 * time.Hour)
		require.NoError(t, f.svc.EnterGracePeriod(context.Background(), mustGet(t, f, sub.ID)))
		f.clock.Advance(4 * 24 * time.Hour)
		require.NoError(t, f.svc.Expire(context.Background(), mustGet(t, f, sub.ID)))

		updated, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, updated.Status)
	})

	t.Run("cancelled subscription cannot be activated", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		require.NoError(t, f.svc.Cancel(context.Background(), sub.ID))
		_, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		assert.ErrorIs(t, err, subscription.ErrInvalidState)
	})
}

func TestLifecycleBoundaries(t *testing.T) {
	t.Parallel()

	t.Run("trial to grace to expired", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		f.clock.Advance(16 * 24 * time.Hour)
		require.NoError(t, f.svc.EnterGracePeriod(context.Background(), mustGet(t, f, sub.ID)))

		cur := mustGet(t, f, sub.ID)
		assert.Equal(t, subscription.StatusGracePeriod, cur.Status)
		require.NotNil(t, cur.GracePeriodEnd)
		assert.Equal(t, f.clock.Now().Add(3*24*time.Hour), *cur.GracePeriodEnd)
		assert.True(t, cur.PostingAllowedAt(f.clock.Now()), "posting continues during grace")

		f.clock.Advance(4 * 24 * time.Hour)
		require.NoError(t, f.svc.Expire(context.Background(), mustGet(t, f, sub.ID)))

		cur = mustGet(t, f, sub.ID)
		assert.Equal(t, subscription.StatusExpired, cur.Status)
		assert.False(t, cur.PostingAllowedAt(f.clock.Now()))
		assert.Equal(t, 1, f.notices.count(subscription.EventSubscriptionExpired))
	})

	t.Run("expire requires grace period", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		err := f.svc.Expire(context.Background(), mustGet(t, f, sub.ID))
		assert.ErrorIs(t, err, subscription.ErrInvalidState)
	})

	t.Run("active subscription lapses into grace", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		_, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)

		f.clock.Advance(46 * 24 * time.Hour) // past trial end + billing period
		require.NoError(t, f.svc.EnterGracePeriod(context.Background(), mustGet(t, f, sub.ID)))

		cur := mustGet(t, f, sub.ID)
		assert.Equal(t, subscription.StatusGracePeriod, cur.Status)
		assert.Len(t, f.store.EventsOfType(sub.ID, subscription.EventSubscriptionLapsed), 1)
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("cancel turns posting off immediately", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		_, err := f.svc.Activate(context.Background(), sub.ID, uuid.New())
		require.NoError(t, err)
		require.NoError(t, f.svc.Cancel(context.Background(), sub.ID))

		cur := mustGet(t, f, sub.ID)
		assert.Equal(t, subscription.StatusCancelled, cur.Status)
		assert.False(t, cur.PostingAllowedAt(f.clock.Now()),
			"terminal status has no posting boundary")
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		require.NoError(t, f.svc.Cancel(context.Background(), sub.ID))
		require.NoError(t, f.svc.Cancel(context.Background(), sub.ID))
		assert.Len(t, f.store.EventsOfType(sub.ID, subscription.EventSubscriptionCancelled), 1)
	})

	t.Run("cancel after expiry is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		f.clock.Advance(16 * 24 * time.Hour)
		require.NoError(t, f.svc.EnterGracePeriod(context.Background(), mustGet(t, f, sub.ID)))
		f.clock.Advance(4 * 24 * time.Hour)
		require.NoError(t, f.svc.Expire(context.Background(), mustGet(t, f, sub.ID)))

		err := f.svc.Cancel(context.Background(), sub.ID)
		assert.ErrorIs(t, err, subscription.ErrInvalidState)
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("missing subscription reports none", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		info, err := f.svc.Status(context.Background(), 42)
		require.NoError(t, err)
		assert.False(t, info.HasSubscription)
		assert.False(t, info.PostingAllowed)
	})

	t.Run("trial reports boundary and days left", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.startTrial(t, 1)

		info, err := f.svc.Status(context.Background(), 1)
		require.NoError(t, err)
		assert.True(t, info.HasSubscription)
		assert.Equal(t, subscription.StatusTrial, info.Status)
		require.NotNil(t, info.Boundary)
		assert.Equal(t, sub.TrialEnd, *info.Boundary)
		assert.Equal(t, 15, info.DaysLeft)
	})
}

func TestPostingAllowedMonotonicWithinStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub := f.startTrial(t, 1)

	// Posting permission never flips back on within a status as time
	// advances past the boundary.
	allowed := true
	for d := 0; d <= 20; d++ {
		now := testTime.Add(time.Duration(d) * 24 * time.Hour)
		cur := sub.PostingAllowedAt(now)
		if !allowed {
			assert.False(t, cur, "posting re-enabled at day %d without a transition", d)
		}
		allowed = cur
	}
}

func mustGet(t *testing.T, f *fixture, id uuid.UUID) *subscription.Subscription {
	t.Helper()
	sub, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func fingerprintFor(groupID int64, title string) string {
	return fingerprint.Group(groupID, title)
}
