package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-alerts/internal/alerting"
	"price-alerts/internal/notify"
	"price-alerts/internal/storage"
)

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	CoinID    string
	Currency  string
	Direction storage.Direction
	Target    decimal.Decimal
	Price     decimal.Decimal
	Email     string
	Phone     string
	UserID    string
}

// SimulateAlert 以给定价格模拟一次告警触发并走完整个通知分发流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (notify.Outcome, error) {
	if opts.Email == "" {
		return notify.Outcome{}, errors.New("--email 必须配置")
	}
	if !opts.Direction.Valid() {
		return notify.Outcome{}, errors.New("direction 必须是 above 或 below")
	}

	alert := storage.PriceAlert{
		UserID:       opts.UserID,
		CoinID:       strings.ToLower(opts.CoinID),
		TargetPrice:  opts.Target,
		Direction:    opts.Direction,
		Currency:     strings.ToLower(opts.Currency),
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
		Note:         "simulated alert",
		NotifyEmail:  true,
		EmailAddress: opts.Email,
	}
	if opts.Phone != "" {
		alert.Metadata = map[string]string{"phone": opts.Phone}
	}

	if !alerting.Crossed(alert, opts.Price) {
		a.Logger.Warn().
			Str("price", opts.Price.String()).
			Str("target", opts.Target.String()).
			Msg("simulated price does not cross the target; dispatching anyway")
	}

	c, err := a.build(ctx)
	if err != nil {
		return notify.Outcome{}, err
	}
	defer c.Close()

	outcome := c.dispatcher.Dispatch(ctx, alert, opts.Price)
	for _, attempt := range outcome.Attempts {
		event := a.Logger.Info()
		if !attempt.Success {
			event = a.Logger.Warn()
		}
		event.Str("method", attempt.Method).Bool("success", attempt.Success).Str("error", attempt.Error).Msg("delivery attempt")
	}
	return outcome, nil
}
