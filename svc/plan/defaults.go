package plan

// Builtin returns the catalog used when no plans file is configured: a
// single standard tier matching the production defaults.
func Builtin() *Catalog {
	c, err := NewCatalog("standard", Plan{
		ID:                 "standard",
		Name:               "Standard",
		Price:              Money{Amount: 1500, Currency: "usd"},
		BillingPeriodDays:  30,
		TrialDays:          15,
		GraceDays:          3,
		WarningOffsetsDays: []int{7, 3, 1},
		PayCurrencies:      []string{"btc", "eth", "usdt", "usdc", "bnb", "trx"},
	})
	if err != nil {
		// The builtin plan is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return c
}
