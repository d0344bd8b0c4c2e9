package plan

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Default string `yaml:"default"`
	Plans   []Plan `yaml:"plans"`
}

// LoadCatalog reads and validates a plan catalog from a YAML file.
//
// File shape:
//
//	default: standard
//	plans:
//	  - id: standard
//	    name: Standard
//	    price: {amount: 1500, currency: USD}
//	    billing_period_days: 30
//	    trial_days: 15
//	    grace_days: 3
//	    warning_offsets_days: [7, 3, 1]
//	    pay_currencies: [btc, eth, usdt, usdc, bnb, trx]
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	return NewCatalog(file.Default, file.Plans...)
}
