package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks problems an operator has to fix. Callers must
	// surface it instead of falling back to a default plan.
	ErrConfiguration = errors.New("billing configuration error")

	ErrPriceNotConfigured = fmt.Errorf("%w: price not configured", ErrConfiguration)
	ErrInvalidPriceTable  = fmt.Errorf("%w: invalid price table", ErrConfiguration)
	ErrUnknownPlan        = errors.New("unknown plan")
	ErrUnknownPeriod      = errors.New("unknown billing period")
	ErrUnknownCurrency    = errors.New("unsupported currency")
)
