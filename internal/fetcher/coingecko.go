package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"price-alerts/internal/retry"
)

const (
	simplePricePath  = "/simple/price"
	coinsMarketsPath = "/coins/markets"
)

// CoinGeckoOptions parameterise the CoinGecko client.
type CoinGeckoOptions struct {
	BaseURL           string
	APIKey            string
	APIKeyHeader      string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerMinute int
}

// CoinGecko fetches spot prices and market snapshots from the CoinGecko API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewCoinGecko constructs a CoinGecko client. Requests are paced client-side
// at RequestsPerMinute; upstream 429s still surface as retry.StatusError.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "x-cg-demo-api-key"
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: baseURL,
	}
}

// Name identifies the source in logs and fallback chains.
func (c *CoinGecko) Name() string { return "coingecko" }

// FetchPrice quotes one coin through simple/price.
func (c *CoinGecko) FetchPrice(ctx context.Context, coinID, currency string) (decimal.Decimal, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	currency = strings.ToLower(strings.TrimSpace(currency))
	if coinID == "" || currency == "" {
		return decimal.Decimal{}, fmt.Errorf("coin id and currency required")
	}

	query := url.Values{}
	query.Set("ids", coinID)
	query.Set("vs_currencies", currency)

	var payload map[string]map[string]decimal.Decimal
	if err := c.get(ctx, simplePricePath, query, &payload); err != nil {
		return decimal.Decimal{}, err
	}

	price, ok := payload[coinID][currency]
	if !ok || !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("coingecko %s/%s: %w", coinID, currency, ErrNoQuote)
	}
	return price, nil
}

// FetchMarket retrieves the coins/markets snapshot for one coin.
func (c *CoinGecko) FetchMarket(ctx context.Context, coinID, currency string) (MarketData, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	currency = strings.ToLower(strings.TrimSpace(currency))

	query := url.Values{}
	query.Set("vs_currency", currency)
	query.Set("ids", coinID)
	query.Set("sparkline", "false")

	var rows []marketRow
	if err := c.get(ctx, coinsMarketsPath, query, &rows); err != nil {
		return MarketData{}, err
	}
	for _, row := range rows {
		if row.ID != coinID {
			continue
		}
		return MarketData{
			CoinID:            row.ID,
			Symbol:            row.Symbol,
			Name:              row.Name,
			Currency:          currency,
			CurrentPrice:      row.CurrentPrice,
			MarketCap:         row.MarketCap,
			TotalVolume:       row.TotalVolume,
			High24h:           row.High24h,
			Low24h:            row.Low24h,
			PriceChangePct24h: row.PriceChangePct24h,
			LastUpdated:       row.LastUpdated,
		}, nil
	}
	return MarketData{}, fmt.Errorf("coingecko market %s/%s: %w", coinID, currency, ErrNoQuote)
}

func (c *CoinGecko) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "alertwatcher/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set(c.opts.APIKeyHeader, c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := retry.NewStatusError(resp)
		if statusErr.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn().Str("path", path).Dur("retry_after", statusErr.RetryAfter).Msg("coingecko rate limited")
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode coingecko %s: %w", path, err)
	}
	return nil
}

type marketRow struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	MarketCap         decimal.Decimal `json:"market_cap"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	High24h           decimal.Decimal `json:"high_24h"`
	Low24h            decimal.Decimal `json:"low_24h"`
	PriceChangePct24h decimal.Decimal `json:"price_change_percentage_24h"`
	LastUpdated       time.Time       `json:"last_updated"`
}

var (
	_ PriceSource  = (*CoinGecko)(nil)
	_ MarketSource = (*CoinGecko)(nil)
)
