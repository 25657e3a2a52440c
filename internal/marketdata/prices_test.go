package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alerts/internal/fetcher"
)

type mapSource struct {
	prices map[string]decimal.Decimal
	calls  int
}

func (m *mapSource) Name() string { return "map" }

func (m *mapSource) FetchPrice(_ context.Context, coinID, currency string) (decimal.Decimal, error) {
	m.calls++
	price, ok := m.prices[coinID+"/"+currency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("map: %w", fetcher.ErrNoQuote)
	}
	return price, nil
}

type staticRates struct {
	rates fetcher.Rates
	calls int
}

func (s *staticRates) FetchRates(context.Context, string) (fetcher.Rates, error) {
	s.calls++
	return s.rates, nil
}

func TestPricesQuoteCaches(t *testing.T) {
	h := newHarness(t)
	src := &mapSource{prices: map[string]decimal.Decimal{"bitcoin/usd": decimal.NewFromInt(64000)}}
	prices := NewPrices(h.facade, src, nil, nil, PricesOptions{}, zerolog.Nop())

	quote, err := prices.Quote(context.Background(), "Bitcoin", "USD")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.NewFromInt(64000)))
	assert.Equal(t, SourceUpstream, quote.Source)

	quote, err = prices.Quote(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, quote.Source)
	assert.Equal(t, 1, src.calls)

	h.clock.Advance(45 * time.Second)
	quote, err = prices.Quote(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.True(t, quote.Stale, "price older than 30s is stale")
	h.facade.Wait()
}

func TestPricesConvertsThroughFX(t *testing.T) {
	h := newHarness(t)
	src := &mapSource{prices: map[string]decimal.Decimal{"bitcoin/usd": decimal.NewFromInt(50000)}}
	fx := &staticRates{rates: fetcher.Rates{Base: "usd", Rates: map[string]decimal.Decimal{"chf": decimal.RequireFromString("0.9")}}}
	prices := NewPrices(h.facade, src, nil, fx, PricesOptions{}, zerolog.Nop())

	price, err := prices.Price(context.Background(), "bitcoin", "chf")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(45000)), "got %s", price)

	_, err = prices.Price(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "usd price cached by the conversion")
	assert.Equal(t, 1, fx.calls)
}

func TestPricesUnsupportedCurrency(t *testing.T) {
	h := newHarness(t)
	src := &mapSource{prices: map[string]decimal.Decimal{"bitcoin/usd": decimal.NewFromInt(50000)}}

	withoutFX := NewPrices(h.facade, src, nil, nil, PricesOptions{}, zerolog.Nop())
	_, err := withoutFX.Price(context.Background(), "bitcoin", "xyz")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)

	fx := &staticRates{rates: fetcher.Rates{Base: "usd", Rates: map[string]decimal.Decimal{}}}
	withFX := NewPrices(h.facade, src, nil, fx, PricesOptions{}, zerolog.Nop())
	_, err = withFX.Price(context.Background(), "bitcoin", "xyz")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestPricesRateIdentity(t *testing.T) {
	h := newHarness(t)
	prices := NewPrices(h.facade, &mapSource{}, nil, nil, PricesOptions{}, zerolog.Nop())

	rate, err := prices.Rate(context.Background(), "USD", "usd")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestPriceKeyCanonical(t *testing.T) {
	assert.Equal(t, PriceKey("bitcoin", "usd"), PriceKey(" BITCOIN", "Usd"))
	assert.NotEqual(t, PriceKey("bitcoin", "usd"), MarketKey("bitcoin", "usd"))
}
