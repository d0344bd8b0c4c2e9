package plan_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/svc/plan"
)

func validPlan() plan.Plan {
	return plan.Plan{
		ID:                 "standard",
		Name:               "Standard",
		Price:              plan.Money{Amount: 1500, Currency: "usd"},
		BillingPeriodDays:  30,
		TrialDays:          15,
		GraceDays:          3,
		WarningOffsetsDays: []int{7, 3, 1},
		PayCurrencies:      []string{"btc", "usdt"},
	}
}

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid catalog", func(t *testing.T) {
		t.Parallel()
		c, err := plan.NewCatalog("standard", validPlan())
		require.NoError(t, err)

		p, err := c.Get("standard")
		require.NoError(t, err)
		assert.Equal(t, 30*24*time.Hour, p.BillingPeriod())
		assert.Equal(t, 15*24*time.Hour, p.TrialPeriod())
		assert.Equal(t, 3*24*time.Hour, p.GracePeriod())
		assert.Equal(t, "standard", c.Default().ID)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()
		c, err := plan.NewCatalog("standard", validPlan())
		require.NoError(t, err)

		_, err = c.Get("enterprise")
		assert.ErrorIs(t, err, plan.ErrPlanNotFound)
	})

	t.Run("missing default plan", func(t *testing.T) {
		t.Parallel()
		_, err := plan.NewCatalog("premium", validPlan())
		assert.ErrorIs(t, err, plan.ErrInvalidPlanConfiguration)
	})

	t.Run("invalid plans are rejected", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name   string
			mutate func(*plan.Plan)
		}{
			{"empty id", func(p *plan.Plan) { p.ID = "" }},
			{"zero price", func(p *plan.Plan) { p.Price.Amount = 0 }},
			{"no billing period", func(p *plan.Plan) { p.BillingPeriodDays = 0 }},
			{"negative trial", func(p *plan.Plan) { p.TrialDays = -1 }},
			{"negative grace", func(p *plan.Plan) { p.GraceDays = -1 }},
			{"zero warning offset", func(p *plan.Plan) { p.WarningOffsetsDays = []int{7, 0} }},
			{"no pay currencies", func(p *plan.Plan) { p.PayCurrencies = nil }},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()
				p := validPlan()
				tc.mutate(&p)
				_, err := plan.NewCatalog(p.ID, p)
				assert.ErrorIs(t, err, plan.ErrInvalidPlanConfiguration)
			})
		}
	})
}

func TestMoney(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 15.0, plan.Money{Amount: 1500, Currency: "usd"}.Dollars())
	assert.Equal(t, 0.99, plan.Money{Amount: 99, Currency: "usd"}.Dollars())
}

func TestSupportsCurrency(t *testing.T) {
	t.Parallel()
	p := validPlan()
	assert.True(t, p.SupportsCurrency("btc"))
	assert.False(t, p.SupportsCurrency("doge"))
	assert.False(t, p.SupportsCurrency("BTC"), "currency codes are case-sensitive lowercase")
}

func TestBuiltin(t *testing.T) {
	t.Parallel()
	c := plan.Builtin()
	p := c.Default()
	assert.Equal(t, int64(1500), p.Price.Amount)
	assert.Equal(t, 15, p.TrialDays)
	assert.Equal(t, 3, p.GraceDays)
	assert.Equal(t, []int{7, 3, 1}, p.WarningOffsetsDays)
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	t.Run("loads and validates YAML", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "plans.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
default: standard
plans:
  - id: standard
    name: Standard
    price: {amount: 1500, currency: usd}
    billing_period_days: 30
    trial_days: 15
    grace_days: 3
    warning_offsets_days: [7, 3, 1]
    pay_currencies: [btc, eth, usdt]
`), 0o600))

		c, err := plan.LoadCatalog(path)
		require.NoError(t, err)
		assert.Equal(t, "standard", c.Default().ID)
		assert.True(t, c.Default().SupportsCurrency("eth"))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := plan.LoadCatalog(filepath.Join(t.TempDir(), "nope.yml"))
		assert.ErrorIs(t, err, plan.ErrFailedToLoadPlans)
	})

	t.Run("malformed YAML", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "plans.yml")
		require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

		_, err := plan.LoadCatalog(path)
		assert.ErrorIs(t, err, plan.ErrFailedToLoadPlans)
	})
}
