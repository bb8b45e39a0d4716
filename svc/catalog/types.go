package catalog

import (
	"fmt"
	"strings"
)

// Tier is a plan name.
type Tier string

const (
	Starter Tier = "starter"
	Growth  Tier = "growth"
	Scale   Tier = "scale"
)

var tiers = []Tier{Starter, Growth, Scale}

// Tiers returns every known tier ordered from smallest to largest.
func Tiers() []Tier { return append([]Tier(nil), tiers...) }

func (t Tier) Valid() bool { return t.rank() >= 0 }

func (t Tier) rank() int {
	for i, v := range tiers {
		if v == t {
			return i
		}
	}
	return -1
}

// ParseTier accepts a case-insensitive tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return t, nil
}

// Period is a billing interval.
type Period string

const (
	Monthly Period = "monthly"
	Annual  Period = "annual"
)

func (p Period) Valid() bool { return p == Monthly || p == Annual }

func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, s)
	}
	return p, nil
}

// Currency is an ISO 4217 code.
type Currency string

const (
	GBP Currency = "GBP"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// DefaultCurrency is used when checkout does not name one.
const DefaultCurrency = GBP

func (c Currency) Valid() bool { return c == GBP || c == USD || c == EUR }

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// Price ties a processor price identifier to the plan it sells.
type Price struct {
	ID       string   `json:"id"`
	Plan     Tier     `json:"plan"`
	Period   Period   `json:"period"`
	Currency Currency `json:"currency"`
}

func (p Price) key() priceKey { return priceKey{p.Plan, p.Period, p.Currency} }

type priceKey struct {
	plan     Tier
	period   Period
	currency Currency
}

func (k priceKey) String() string {
	return fmt.Sprintf("%s.%s.%s", k.plan, k.period, k.currency)
}
