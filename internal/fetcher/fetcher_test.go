package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alerts/internal/retry"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestCoinGeckoFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != simplePricePath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("ids") != "bitcoin" || r.URL.Query().Get("vs_currencies") != "usd" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("x-cg-demo-api-key") != "key" {
			t.Fatalf("api key header missing")
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":64000.25}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())

	price, err := cg.FetchPrice(context.Background(), " Bitcoin ", "USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("64000.25")), "got %s", price)
}

func TestCoinGeckoMissingQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, noopLogger())
	_, err := cg.FetchPrice(context.Background(), "nope", "usd")
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestCoinGeckoRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":{"error_code":429,"error_message":"rate limited"}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, noopLogger())
	_, err := cg.FetchPrice(context.Background(), "bitcoin", "usd")

	require.Error(t, err)
	assert.True(t, retry.IsRateLimited(err))
	var statusErr *retry.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 30*time.Second, statusErr.RetryAfter)
}

func TestCoinGeckoFetchMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != coinsMarketsPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"id":                          "ethereum",
			"symbol":                      "eth",
			"name":                        "Ethereum",
			"current_price":               3100.5,
			"market_cap":                  372000000000,
			"total_volume":                15000000000,
			"high_24h":                    3200,
			"low_24h":                     3000,
			"price_change_percentage_24h": -1.25,
			"last_updated":                "2024-03-01T12:00:00.000Z",
		}})
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL}, noopLogger())
	market, err := cg.FetchMarket(context.Background(), "ethereum", "usd")
	require.NoError(t, err)

	assert.Equal(t, "eth", market.Symbol)
	assert.Equal(t, "usd", market.Currency)
	assert.True(t, market.CurrentPrice.Equal(decimal.RequireFromString("3100.5")))
	assert.True(t, market.PriceChangePct24h.Equal(decimal.RequireFromString("-1.25")))
	assert.Equal(t, 2024, market.LastUpdated.Year())
}

func TestFXFetchRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest/USD" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"result":"success","base_code":"USD","time_last_update_unix":1709294400,"rates":{"USD":1,"EUR":0.92,"JPY":150.1}}`))
	}))
	defer srv.Close()

	fx := NewFX(FXOptions{BaseURL: srv.URL}, noopLogger())
	rates, err := fx.FetchRates(context.Background(), "usd")
	require.NoError(t, err)

	assert.Equal(t, "usd", rates.Base)
	eur, ok := rates.Rate("eur")
	require.True(t, ok)
	assert.True(t, eur.Equal(decimal.RequireFromString("0.92")))
	assert.Equal(t, int64(1709294400), rates.UpdatedAt.Unix())
}

func TestFXErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"error","error-type":"unsupported-code"}`))
	}))
	defer srv.Close()

	fx := NewFX(FXOptions{BaseURL: srv.URL}, noopLogger())
	_, err := fx.FetchRates(context.Background(), "xxx")
	assert.Error(t, err)
}

type fakeCaller struct {
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
	calls     map[string]int
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := aggregatorV3ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method.Name]++
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	case "latestRoundData":
		return method.Outputs.Pack(big.NewInt(1), f.answer, big.NewInt(f.updatedAt.Unix()), big.NewInt(f.updatedAt.Unix()), big.NewInt(1))
	}
	return nil, errors.New("unexpected method")
}

func TestOracleFetchPrice(t *testing.T) {
	caller := &fakeCaller{answer: big.NewInt(6400012345678), decimals: 8, updatedAt: time.Now()}
	oracle := NewOracleWithCaller(OracleOptions{
		Feeds:  map[string]string{"Bitcoin/USD": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"},
		MaxAge: time.Hour,
	}, caller, noopLogger())

	require.True(t, oracle.Supports("bitcoin", "usd"))

	price, err := oracle.FetchPrice(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("64000.12345678")), "got %s", price)

	_, err = oracle.FetchPrice(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls["decimals"], "decimals should be cached per feed")
}

func TestOracleRejectsStaleAnswer(t *testing.T) {
	caller := &fakeCaller{answer: big.NewInt(100), decimals: 2, updatedAt: time.Now().Add(-3 * time.Hour)}
	oracle := NewOracleWithCaller(OracleOptions{
		Feeds:  map[string]string{"bitcoin/usd": "0x01"},
		MaxAge: time.Hour,
	}, caller, noopLogger())

	_, err := oracle.FetchPrice(context.Background(), "bitcoin", "usd")
	assert.Error(t, err)
}

func TestOracleUnknownPair(t *testing.T) {
	oracle := NewOracle(OracleOptions{}, noopLogger())
	_, err := oracle.FetchPrice(context.Background(), "bitcoin", "usd")
	assert.ErrorIs(t, err, ErrNoQuote)
}

type stubSource struct {
	name  string
	price decimal.Decimal
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchPrice(context.Context, string, string) (decimal.Decimal, error) {
	s.calls++
	return s.price, s.err
}

func TestFallbackUsesSecondarySource(t *testing.T) {
	primary := &stubSource{name: "primary", err: &retry.StatusError{StatusCode: http.StatusTooManyRequests}}
	secondary := &stubSource{name: "secondary", price: decimal.NewFromInt(10)}

	chain := NewFallback(noopLogger(), primary, nil, secondary)
	price, err := chain.FetchPrice(context.Background(), "bitcoin", "usd")

	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "fallback(primary,secondary)", chain.Name())
}

func TestFallbackKeepsPrimaryClassification(t *testing.T) {
	primary := &stubSource{name: "primary", err: &retry.StatusError{StatusCode: http.StatusTooManyRequests}}
	secondary := &stubSource{name: "secondary", err: ErrNoQuote}

	_, err := NewFallback(noopLogger(), primary, secondary).FetchPrice(context.Background(), "bitcoin", "usd")

	require.Error(t, err)
	assert.True(t, retry.IsRateLimited(err))
	assert.ErrorIs(t, err, ErrNoQuote)
}
