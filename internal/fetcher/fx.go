package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alerts/internal/retry"
)

// FXOptions parameterise the exchange-rate client.
type FXOptions struct {
	BaseURL string
	Timeout time.Duration
}

// FX fetches fiat exchange rates from an exchangerate-api compatible endpoint.
type FX struct {
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFX constructs the exchange-rate client.
func NewFX(opts FXOptions, logger zerolog.Logger) *FX {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://open.er-api.com/v6"
	}
	return &FX{
		logger:  logger.With().Str("client", "exchangerate").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type fxResponse struct {
	Result         string                     `json:"result"`
	ErrorType      string                     `json:"error-type"`
	BaseCode       string                     `json:"base_code"`
	TimeLastUpdate int64                      `json:"time_last_update_unix"`
	Rates          map[string]decimal.Decimal `json:"rates"`
}

// FetchRates returns rates keyed by lower-case currency code.
func (f *FX) FetchRates(ctx context.Context, base string) (Rates, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		base = "USD"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/latest/"+base, nil)
	if err != nil {
		return Rates{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Rates{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Rates{}, retry.NewStatusError(resp)
	}

	var payload fxResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Rates{}, fmt.Errorf("decode fx response: %w", err)
	}
	if payload.Result != "" && payload.Result != "success" {
		return Rates{}, fmt.Errorf("fx api error: %s", payload.ErrorType)
	}

	rates := make(map[string]decimal.Decimal, len(payload.Rates))
	for code, value := range payload.Rates {
		rates[strings.ToLower(code)] = value
	}

	updated := time.Now().UTC()
	if payload.TimeLastUpdate > 0 {
		updated = time.Unix(payload.TimeLastUpdate, 0).UTC()
	}

	f.logger.Debug().Str("base", base).Int("rates", len(rates)).Msg("fetched fx rates")
	return Rates{Base: strings.ToLower(base), Rates: rates, UpdatedAt: updated}, nil
}

var _ RateSource = (*FX)(nil)
