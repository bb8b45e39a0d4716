package catalog

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Catalog is an immutable lookup of prices and plan limits. Safe for
// concurrent use.
type Catalog struct {
	prices map[priceKey]Price
	byID   map[string]Price
	limits map[Tier]Limits
}

// New builds a catalog from explicit prices. Duplicate price ids or
// combinations are configuration errors.
func New(prices ...Price) (*Catalog, error) {
	c := &Catalog{
		prices: make(map[priceKey]Price, len(prices)),
		byID:   make(map[string]Price, len(prices)),
		limits: maps.Clone(defaultLimits),
	}
	for _, p := range prices {
		if p.ID == "" || !p.Plan.Valid() || !p.Period.Valid() || !p.Currency.Valid() {
			return nil, fmt.Errorf("%w: incomplete price %+v", ErrInvalidPriceTable, p)
		}
		if _, ok := c.prices[p.key()]; ok {
			return nil, fmt.Errorf("%w: duplicate entry for %s", ErrInvalidPriceTable, p.key())
		}
		if _, ok := c.byID[p.ID]; ok {
			return nil, fmt.Errorf("%w: price id %q used twice", ErrInvalidPriceTable, p.ID)
		}
		c.prices[p.key()] = p
		c.byID[p.ID] = p
	}
	return c, nil
}

// NewFromConfig parses the PRICE_TABLE entries.
func NewFromConfig(cfg Config) (*Catalog, error) {
	prices := make([]Price, 0, len(cfg.PriceTable))
	for _, k := range slices.Sorted(maps.Keys(cfg.PriceTable)) {
		p, err := parsePriceKey(k)
		if err != nil {
			return nil, err
		}
		p.ID = strings.TrimSpace(cfg.PriceTable[k])
		prices = append(prices, p)
	}
	return New(prices...)
}

func parsePriceKey(k string) (Price, error) {
	parts := strings.Split(k, ".")
	if len(parts) != 3 {
		return Price{}, fmt.Errorf("%w: key %q must be plan.period.CURRENCY", ErrInvalidPriceTable, k)
	}
	plan, err := ParseTier(parts[0])
	if err != nil {
		return Price{}, fmt.Errorf("%w: %w", ErrInvalidPriceTable, err)
	}
	period, err := ParsePeriod(parts[1])
	if err != nil {
		return Price{}, fmt.Errorf("%w: %w", ErrInvalidPriceTable, err)
	}
	currency, err := ParseCurrency(parts[2])
	if err != nil {
		return Price{}, fmt.Errorf("%w: %w", ErrInvalidPriceTable, err)
	}
	return Price{Plan: plan, Period: period, Currency: currency}, nil
}

// PriceID returns the processor price for a combination.
func (c *Catalog) PriceID(plan Tier, period Period, currency Currency) (string, error) {
	p, ok := c.prices[priceKey{plan, period, currency}]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPriceNotConfigured, priceKey{plan, period, currency})
	}
	return p.ID, nil
}

// LookupPrice is the inverse of PriceID.
func (c *Catalog) LookupPrice(priceID string) (Price, bool) {
	p, ok := c.byID[priceID]
	return p, ok
}

// Prices returns every configured price ordered by plan, period and currency.
func (c *Catalog) Prices() []Price {
	out := slices.Collect(maps.Values(c.prices))
	slices.SortFunc(out, func(a, b Price) int {
		if d := a.Plan.rank() - b.Plan.rank(); d != 0 {
			return d
		}
		return strings.Compare(a.key().String(), b.key().String())
	})
	return out
}

// Limits returns the caps of a plan.
func (c *Catalog) Limits(plan Tier) (Limits, error) {
	l, ok := c.limits[plan]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return l, nil
}

// Starter returns the fallback plan used when no subscription exists.
func (c *Catalog) Starter() Limits { return c.limits[Starter] }

// Rank orders tiers, higher means more generous. Unknown tiers rank -1.
func Rank(plan Tier) int { return plan.rank() }

// IsDowngrade reports whether moving from one plan to another shrinks caps.
func IsDowngrade(from, to Tier) bool {
	return from.Valid() && to.Valid() && to.rank() < from.rank()
}

// NextTier names the upgrade target of a plan. The largest plan returns
// itself.
func NextTier(plan Tier) Tier {
	r := plan.rank()
	if r < 0 {
		return Growth
	}
	if r+1 < len(tiers) {
		return tiers[r+1]
	}
	return plan
}
