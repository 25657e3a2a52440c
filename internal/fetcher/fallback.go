package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Fallback tries each source in order and returns the first price found.
type Fallback struct {
	sources []PriceSource
	logger  zerolog.Logger
}

// NewFallback chains sources; nil entries are skipped.
func NewFallback(logger zerolog.Logger, sources ...PriceSource) *Fallback {
	chain := make([]PriceSource, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			chain = append(chain, src)
		}
	}
	return &Fallback{sources: chain, logger: logger.With().Str("component", "price_fallback").Logger()}
}

// Name lists the chained sources.
func (f *Fallback) Name() string {
	names := make([]string, 0, len(f.sources))
	for _, src := range f.sources {
		names = append(names, src.Name())
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

// FetchPrice returns the first successful quote. When every source fails the
// errors are joined with the primary's first, so retry classification sees
// the primary's status.
func (f *Fallback) FetchPrice(ctx context.Context, coinID, currency string) (decimal.Decimal, error) {
	if len(f.sources) == 0 {
		return decimal.Decimal{}, errors.New("no price sources configured")
	}

	var errs []error
	for i, src := range f.sources {
		price, err := src.FetchPrice(ctx, coinID, currency)
		if err == nil {
			if i > 0 {
				f.logger.Info().Str("source", src.Name()).Str("coin", coinID).Str("currency", currency).Msg("served price from fallback source")
			}
			return price, nil
		}
		if ctx.Err() != nil {
			return decimal.Decimal{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return decimal.Decimal{}, errors.Join(errs...)
}

var _ PriceSource = (*Fallback)(nil)
