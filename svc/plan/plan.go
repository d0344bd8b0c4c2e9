// Package plan defines the billing plan catalog: price, billing period,
// trial and grace durations, and the warning schedule the expiration sweep
// follows.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrPlanNotFound             = errors.New("plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load plans")
)

// Money represents a monetary amount in the smallest currency unit.
// $15.00 USD is Amount: 1500, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount"`
	Currency string `yaml:"currency"`
}

// Dollars returns the amount as a float for gateway APIs that take decimal USD.
func (m Money) Dollars() float64 {
	return float64(m.Amount) / 100
}

// Plan describes one paid-access tier.
type Plan struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Price              Money    `yaml:"price"`
	BillingPeriodDays  int      `yaml:"billing_period_days"`
	TrialDays          int      `yaml:"trial_days"`
	GraceDays          int      `yaml:"grace_days"`
	WarningOffsetsDays []int    `yaml:"warning_offsets_days"`
	PayCurrencies      []string `yaml:"pay_currencies"`
}

// BillingPeriod returns the paid period as a duration.
func (p Plan) BillingPeriod() time.Duration {
	return time.Duration(p.BillingPeriodDays) * 24 * time.Hour
}

// TrialPeriod returns the free trial length as a duration.
func (p Plan) TrialPeriod() time.Duration {
	return time.Duration(p.TrialDays) * 24 * time.Hour
}

// GracePeriod returns the post-lapse buffer as a duration.
func (p Plan) GracePeriod() time.Duration {
	return time.Duration(p.GraceDays) * 24 * time.Hour
}

// SupportsCurrency reports whether the plan accepts the given pay currency.
func (p Plan) SupportsCurrency(currency string) bool {
	return slices.Contains(p.PayCurrencies, currency)
}

func (p Plan) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: plan ID is empty", ErrInvalidPlanConfiguration)
	}
	if p.Price.Amount <= 0 || p.Price.Currency == "" {
		return fmt.Errorf("%w: plan %s has no price", ErrInvalidPlanConfiguration, p.ID)
	}
	if p.BillingPeriodDays <= 0 {
		return fmt.Errorf("%w: plan %s has non-positive billing period", ErrInvalidPlanConfiguration, p.ID)
	}
	if p.TrialDays < 0 {
		return fmt.Errorf("%w: plan %s has negative trial days", ErrInvalidPlanConfiguration, p.ID)
	}
	if p.GraceDays < 0 {
		return fmt.Errorf("%w: plan %s has negative grace days", ErrInvalidPlanConfiguration, p.ID)
	}
	for _, d := range p.WarningOffsetsDays {
		if d <= 0 {
			return fmt.Errorf("%w: plan %s has non-positive warning offset %d", ErrInvalidPlanConfiguration, p.ID, d)
		}
	}
	if len(p.PayCurrencies) == 0 {
		return fmt.Errorf("%w: plan %s accepts no pay currencies", ErrInvalidPlanConfiguration, p.ID)
	}
	return nil
}

// Catalog holds the loaded plans plus the default plan new groups start on.
type Catalog struct {
	plans     map[string]Plan
	defaultID string
}

// NewCatalog builds a validated catalog. The default plan must exist.
func NewCatalog(defaultID string, plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidPlanConfiguration)
	}

	byID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan ID %s", ErrInvalidPlanConfiguration, p.ID)
		}
		byID[p.ID] = p
	}

	if _, ok := byID[defaultID]; !ok {
		return nil, fmt.Errorf("%w: default plan %s not found", ErrInvalidPlanConfiguration, defaultID)
	}

	return &Catalog{plans: byID, defaultID: defaultID}, nil
}

// Get returns a plan by ID.
func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// Default returns the plan new groups are enrolled on.
func (c *Catalog) Default() Plan {
	return c.plans[c.defaultID]
}

// MaxWarningOffsetDays returns the largest trial warning offset across all
// plans. The expiration sweep uses it to bound its lookahead window.
func (c *Catalog) MaxWarningOffsetDays() int {
	days := 0
	for _, p := range c.plans {
		for _, d := range p.WarningOffsetsDays {
			if d > days {
				days = d
			}
		}
	}
	return days
}
