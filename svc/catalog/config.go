package catalog

// Config is loaded from the environment. PRICE_TABLE holds comma separated
// plan.period.CURRENCY=price_id pairs, e.g.
//
//	PRICE_TABLE=growth.monthly.GBP=price_123,growth.annual.GBP=price_456
type Config struct {
	PriceTable map[string]string `env:"PRICE_TABLE" envSeparator:"," envKeyValSeparator:"="`
}
