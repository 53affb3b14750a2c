package currency

import (
	"strings"

	"betledger/internal/config"

	"github.com/rs/zerolog"
)

// RateSource records where a conversion rate came from.
type RateSource string

const (
	// SourceKnown means the rate was found in the configured rate table.
	SourceKnown RateSource = "known"
	// SourceDefault means the currency was not configured and the permissive
	// default of 1.0 was used, i.e. the amount was treated as already being
	// in the reference currency. This fallback is load-bearing for
	// compatibility: front-ends send free-form currency strings and an
	// unknown one must not fail the operation.
	SourceDefault RateSource = "default"
)

// DefaultRate is applied to currencies missing from the rate table.
const DefaultRate = 1.0

// Rate is a resolved conversion rate for one currency code.
type Rate struct {
	Code   string
	Value  float64
	Source RateSource
}

// Code extracts the bare currency code from a possibly decorated string.
// Front-ends send values like "💵 USD"; the code is the last
// space-separated token.
func Code(currency string) string {
	if i := strings.LastIndex(currency, " "); i >= 0 {
		return currency[i+1:]
	}
	return currency
}

// Converter turns amounts in an arbitrary supported currency into the
// reference currency using the rate table from the configuration store.
// It holds no state of its own; every conversion reads the current rates.
type Converter struct {
	cfg *config.Store
	log zerolog.Logger
}

func New(cfg *config.Store, log zerolog.Logger) *Converter {
	return &Converter{cfg: cfg, log: log}
}

// ToReference converts amount from the given currency to the reference
// currency and reports the rate that was applied.
func (c *Converter) ToReference(amount float64, currency string) (float64, Rate, error) {
	rates, err := c.cfg.ExchangeRates()
	if err != nil {
		return 0, Rate{}, err
	}
	rate := Resolve(rates, currency)
	if rate.Source == SourceDefault {
		c.log.Debug().Str("currency", rate.Code).
			Msg("no configured rate, converting at default 1.0")
	}
	return amount * rate.Value, rate, nil
}

// Resolve looks up the rate for a currency in a rate table. Unknown
// currencies resolve to DefaultRate rather than an error.
func Resolve(rates map[string]float64, currency string) Rate {
	code := Code(currency)
	if v, ok := rates[code]; ok {
		return Rate{Code: code, Value: v, Source: SourceKnown}
	}
	return Rate{Code: code, Value: DefaultRate, Source: SourceDefault}
}
