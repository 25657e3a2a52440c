package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alerts/internal/cache"
	"price-alerts/internal/fetcher"
)

// ErrUnsupportedCurrency is returned when no source quotes a currency and FX
// conversion is unavailable.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Cache namespaces.
const (
	NamespacePrices = "prices"
	NamespaceMarket = "market"
	NamespaceFX     = "fx"
)

// Policies hold per-namespace cache settings.
type Policies struct {
	Price  cache.Options
	Market cache.Options
	FX     cache.Options
}

// DefaultPolicies mirror the upstream refresh cadence.
func DefaultPolicies() Policies {
	return Policies{
		Price:  cache.Options{TTL: 60 * time.Second, RefreshInterval: 30 * time.Second, Namespace: NamespacePrices},
		Market: cache.Options{TTL: 900 * time.Second, RefreshInterval: 600 * time.Second, Namespace: NamespaceMarket},
		FX:     cache.Options{TTL: time.Hour, RefreshInterval: 30 * time.Minute, Namespace: NamespaceFX},
	}
}

// Quote is a price read with its freshness.
type Quote struct {
	CoinID   string          `json:"coin_id"`
	Currency string          `json:"currency"`
	Price    decimal.Decimal `json:"price"`
	Stale    bool            `json:"stale"`
	Source   Source          `json:"source"`
}

// PricesOptions configure the Prices service.
type PricesOptions struct {
	Policies Policies
	// PivotCurrency is the currency prices are converted from when the source
	// does not quote the requested one.
	PivotCurrency string
}

// Prices answers price, market and FX reads through the Facade.
type Prices struct {
	facade   *Facade
	source   fetcher.PriceSource
	market   fetcher.MarketSource
	fx       fetcher.RateSource
	policies Policies
	pivot    string
	logger   zerolog.Logger
}

// NewPrices builds the read service. market and fx may be nil.
func NewPrices(facade *Facade, source fetcher.PriceSource, market fetcher.MarketSource, fx fetcher.RateSource, opts PricesOptions, logger zerolog.Logger) *Prices {
	policies := opts.Policies
	def := DefaultPolicies()
	if policies.Price.TTL <= 0 {
		policies.Price = def.Price
	}
	if policies.Market.TTL <= 0 {
		policies.Market = def.Market
	}
	if policies.FX.TTL <= 0 {
		policies.FX = def.FX
	}
	pivot := strings.ToLower(strings.TrimSpace(opts.PivotCurrency))
	if pivot == "" {
		pivot = "usd"
	}
	return &Prices{
		facade:   facade,
		source:   source,
		market:   market,
		fx:       fx,
		policies: policies,
		pivot:    pivot,
		logger:   logger.With().Str("component", "prices").Logger(),
	}
}

// PriceKey is the cache key of a spot price.
func PriceKey(coinID, currency string) string {
	return cache.Key("coin-price", cache.Params{"coinId": coinID, "currency": currency})
}

// MarketKey is the cache key of a market snapshot.
func MarketKey(coinID, currency string) string {
	return cache.Key("coin-data", cache.Params{"coinId": coinID, "currency": currency})
}

// RatesKey is the cache key of an FX table.
func RatesKey(base string) string {
	return cache.Key("fx-rates", cache.Params{"base": base})
}

// Price returns the spot price of coinID in currency.
func (p *Prices) Price(ctx context.Context, coinID, currency string) (decimal.Decimal, error) {
	quote, err := p.Quote(ctx, coinID, currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return quote.Price, nil
}

// Quote returns the price with its freshness.
func (p *Prices) Quote(ctx context.Context, coinID, currency string) (Quote, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	currency = strings.ToLower(strings.TrimSpace(currency))
	if coinID == "" || currency == "" {
		return Quote{}, fmt.Errorf("coin id and currency required")
	}

	res, err := FetchFreshResult(ctx, p.facade, PriceKey(coinID, currency), p.policies.Price, func(ctx context.Context) (decimal.Decimal, error) {
		return p.fetchPrice(ctx, coinID, currency)
	})
	if err != nil {
		return Quote{}, err
	}
	return Quote{CoinID: coinID, Currency: currency, Price: res.Value, Stale: res.Stale, Source: res.Source}, nil
}

func (p *Prices) fetchPrice(ctx context.Context, coinID, currency string) (decimal.Decimal, error) {
	price, err := p.source.FetchPrice(ctx, coinID, currency)
	if err == nil || !errors.Is(err, fetcher.ErrNoQuote) || currency == p.pivot {
		return price, err
	}
	if p.fx == nil {
		return decimal.Decimal{}, fmt.Errorf("%s/%s: %w", coinID, currency, ErrUnsupportedCurrency)
	}

	pivotPrice, err := p.Price(ctx, coinID, p.pivot)
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, err := p.Rate(ctx, p.pivot, currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	p.logger.Debug().Str("coin", coinID).Str("currency", currency).Str("rate", rate.String()).Msg("converted price through fx")
	return pivotPrice.Mul(rate), nil
}

// Rate returns units of quote per one base.
func (p *Prices) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	base = strings.ToLower(strings.TrimSpace(base))
	quote = strings.ToLower(strings.TrimSpace(quote))
	if base == quote {
		return decimal.NewFromInt(1), nil
	}
	if p.fx == nil {
		return decimal.Decimal{}, fmt.Errorf("%s/%s: %w", base, quote, ErrUnsupportedCurrency)
	}

	rates, err := FetchFresh(ctx, p.facade, RatesKey(base), p.policies.FX, func(ctx context.Context) (fetcher.Rates, error) {
		return p.fx.FetchRates(ctx, base)
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, ok := rates.Rate(quote)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s/%s: %w", base, quote, ErrUnsupportedCurrency)
	}
	return rate, nil
}

// Market returns the market snapshot of coinID in currency.
func (p *Prices) Market(ctx context.Context, coinID, currency string) (Result[fetcher.MarketData], error) {
	if p.market == nil {
		return Result[fetcher.MarketData]{}, errors.New("market data source not configured")
	}
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	currency = strings.ToLower(strings.TrimSpace(currency))

	return FetchFreshResult(ctx, p.facade, MarketKey(coinID, currency), p.policies.Market, func(ctx context.Context) (fetcher.MarketData, error) {
		return p.market.FetchMarket(ctx, coinID, currency)
	})
}

// Facade returns the underlying read path.
func (p *Prices) Facade() *Facade {
	return p.facade
}
