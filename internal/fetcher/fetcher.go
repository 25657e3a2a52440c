package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when a source has no price for the requested pair.
var ErrNoQuote = errors.New("no quote for pair")

// PriceSource retrieves the spot price of a coin in a quote currency.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, coinID, currency string) (decimal.Decimal, error)
}

// MarketSource retrieves the market snapshot of a coin.
type MarketSource interface {
	FetchMarket(ctx context.Context, coinID, currency string) (MarketData, error)
}

// RateSource retrieves FX rates relative to a base currency.
type RateSource interface {
	FetchRates(ctx context.Context, base string) (Rates, error)
}

// MarketData is a market snapshot for one coin.
type MarketData struct {
	CoinID            string          `json:"coin_id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Currency          string          `json:"currency"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	MarketCap         decimal.Decimal `json:"market_cap"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	High24h           decimal.Decimal `json:"high_24h"`
	Low24h            decimal.Decimal `json:"low_24h"`
	PriceChangePct24h decimal.Decimal `json:"price_change_percentage_24h"`
	LastUpdated       time.Time       `json:"last_updated"`
}

// Rates maps quote currencies to units per one base unit.
type Rates struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Rate returns the rate for currency, if quoted.
func (r Rates) Rate(currency string) (decimal.Decimal, bool) {
	rate, ok := r.Rates[currency]
	return rate, ok && rate.IsPositive()
}
