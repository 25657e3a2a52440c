package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"price-alerts/internal/notify"
	"price-alerts/internal/storage"
)

// ErrEvaluationInProgress is returned when another evaluation holds the run.
var ErrEvaluationInProgress = errors.New("alert evaluation already in progress")

// PriceReader returns the latest price of a coin in a currency.
type PriceReader interface {
	Price(ctx context.Context, coinID, currency string) (decimal.Decimal, error)
}

// Dispatcher delivers the notification of a fired alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert storage.PriceAlert, price decimal.Decimal) notify.Outcome
}

// Stores groups the persistence the engine writes to. Locker is optional.
type Stores struct {
	Alerts      storage.AlertStore
	History     storage.HistoryStore
	TriggerLogs storage.TriggerLogStore
	Locker      storage.AdvisoryLocker
}

// StoresFrom wires every store from one repository.
func StoresFrom(repo storage.Repository) Stores {
	stores := Stores{Alerts: repo, History: repo, TriggerLogs: repo}
	if locker, ok := repo.(storage.AdvisoryLocker); ok {
		stores.Locker = locker
	}
	return stores
}

// EngineOptions tune evaluation.
type EngineOptions struct {
	// Concurrency bounds parallel price fetches, one per (coin, currency) group.
	Concurrency int
	// LockKey enables the cross-process advisory lock when non-zero.
	LockKey int64
	// DeliveryTimeout bounds dispatch and bookkeeping after an alert fires.
	// That work is detached from the caller's cancellation.
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

// Summary describes one evaluation pass.
type Summary struct {
	Evaluated     int           `json:"evaluated"`
	Groups        int           `json:"groups"`
	Triggered     int           `json:"triggered"`
	Skipped       int           `json:"skipped"`
	FetchFailures int           `json:"fetch_failures"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

// Engine evaluates active alerts and fires each at most once.
type Engine struct {
	prices     PriceReader
	stores     Stores
	dispatcher Dispatcher
	opts       EngineOptions
	running    sync.Mutex
	logger     zerolog.Logger
}

// NewEngine 构造告警触发引擎。dispatcher 为 nil 时只记录触发, 不发送通知。
func NewEngine(prices PriceReader, stores Stores, dispatcher Dispatcher, opts EngineOptions, logger zerolog.Logger) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		prices:     prices,
		stores:     stores,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With().Str("component", "alert_engine").Logger(),
	}
}

// Crossed reports whether price satisfies the alert's threshold.
func Crossed(alert storage.PriceAlert, price decimal.Decimal) bool {
	switch alert.Direction {
	case storage.DirectionAbove:
		return price.GreaterThanOrEqual(alert.TargetPrice)
	case storage.DirectionBelow:
		return price.LessThanOrEqual(alert.TargetPrice)
	default:
		return false
	}
}

// Evaluate runs one pass over every active alert. Overlapping calls in this
// process, or in another process holding the advisory lock, return
// ErrEvaluationInProgress without evaluating.
func (e *Engine) Evaluate(ctx context.Context) (Summary, error) {
	if !e.running.TryLock() {
		return Summary{}, ErrEvaluationInProgress
	}
	defer e.running.Unlock()

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip evaluation because advisory lock held elsewhere")
		return Summary{}, ErrEvaluationInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	return e.evaluate(ctx)
}

func (e *Engine) evaluate(ctx context.Context) (Summary, error) {
	start := e.opts.Now()
	var summary Summary

	alerts, err := e.stores.Alerts.ListActiveAlerts(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active alerts: %w", err)
	}
	summary.Evaluated = len(alerts)

	groups, keys := groupAlerts(alerts)
	summary.Groups = len(keys)

	prices := e.fetchPrices(ctx, groups, keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		members := groups[key]
		price, ok := prices[key]
		if !ok {
			summary.FetchFailures++
			summary.Skipped += len(members)
			continue
		}
		for _, alert := range members {
			if ctx.Err() != nil {
				break
			}
			if !Crossed(alert, price) {
				summary.Skipped++
				continue
			}
			fired, err := e.trigger(ctx, alert, price)
			switch {
			case err != nil:
				summary.Failed++
				e.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("trigger alert failed")
			case fired:
				summary.Triggered++
			default:
				summary.Skipped++
			}
		}
	}

	summary.Duration = e.opts.Now().Sub(start)
	e.logger.Info().
		Int("evaluated", summary.Evaluated).
		Int("groups", summary.Groups).
		Int("triggered", summary.Triggered).
		Int("fetch_failures", summary.FetchFailures).
		Dur("duration", summary.Duration).
		Msg("alert evaluation finished")
	return summary, ctx.Err()
}

// fetchPrices reads one price per group in parallel. Failed groups are
// missing from the result.
func (e *Engine) fetchPrices(ctx context.Context, groups map[string][]storage.PriceAlert, keys []string) map[string]decimal.Decimal {
	var (
		mu     sync.Mutex
		prices = make(map[string]decimal.Decimal, len(keys))
		g      errgroup.Group
	)
	g.SetLimit(e.opts.Concurrency)

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		first := groups[key][0]
		g.Go(func() error {
			price, err := e.prices.Price(ctx, first.CoinID, first.Currency)
			if err != nil {
				e.logger.Warn().Err(err).Str("coin_id", first.CoinID).Str("currency", first.Currency).Msg("price fetch failed, group skipped")
				return nil
			}
			mu.Lock()
			prices[key] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prices
}

// trigger moves one alert to triggered. It returns false when another run
// already fired it. Once the alert is marked, the notification is dispatched
// (or queued) even if ctx is cancelled.
func (e *Engine) trigger(ctx context.Context, alert storage.PriceAlert, price decimal.Decimal) (bool, error) {
	at := e.opts.Now().UTC()
	logger := e.logger.With().Int64("alert_id", alert.ID).Str("coin_id", alert.CoinID).Logger()

	ok, err := e.stores.Alerts.MarkTriggered(ctx, alert.ID, at, price)
	if err != nil {
		return false, fmt.Errorf("mark alert %d triggered: %w", alert.ID, err)
	}
	if !ok {
		logger.Debug().Msg("alert already triggered")
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.DeliveryTimeout)
	defer cancel()

	alert.IsActive = false
	alert.TriggeredAt = &at
	alert.TriggerPrice = &price

	e.appendHistory(ctx, alert.ID, storage.ActionDeactivated, map[string]any{
		"isActive":     false,
		"triggeredAt":  at.Format(time.RFC3339),
		"triggerPrice": price.String(),
	}, at)

	var outcome notify.Outcome
	if e.dispatcher != nil {
		outcome = e.dispatcher.Dispatch(ctx, alert, price)
		for _, attempt := range outcome.Attempts {
			logger.Debug().Str("method", attempt.Method).Bool("success", attempt.Success).Str("error", attempt.Error).Msg("notification attempt")
		}
	}

	if e.stores.TriggerLogs != nil {
		_, err := e.stores.TriggerLogs.InsertTriggerLog(ctx, storage.AlertTriggerLog{
			AlertID:                 alert.ID,
			CoinID:                  alert.CoinID,
			CurrentPrice:            price,
			TargetPrice:             alert.TargetPrice,
			Direction:               alert.Direction,
			Currency:                alert.Currency,
			EmailSent:               outcome.EmailSent,
			BrowserNotificationSent: outcome.BrowserSent,
			Timestamp:               at,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to write trigger log")
		}
	}

	logger.Info().
		Str("price", price.String()).
		Str("target", alert.TargetPrice.String()).
		Str("direction", string(alert.Direction)).
		Bool("delivered", outcome.Delivered).
		Bool("queued", outcome.Queued).
		Msg("alert triggered")
	return true, nil
}

// Deactivate turns an alert off without notifying. It reports false when the
// alert was not active.
func (e *Engine) Deactivate(ctx context.Context, alertID int64) (bool, error) {
	ok, err := e.stores.Alerts.DeactivateAlert(ctx, alertID)
	if err != nil {
		return false, fmt.Errorf("deactivate alert %d: %w", alertID, err)
	}
	if ok {
		e.appendHistory(ctx, alertID, storage.ActionDeactivated, map[string]any{"isActive": false}, e.opts.Now().UTC())
	}
	return ok, nil
}

// appendHistory never fails the caller.
func (e *Engine) appendHistory(ctx context.Context, alertID int64, action storage.HistoryAction, changes map[string]any, at time.Time) {
	if e.stores.History == nil {
		return
	}
	err := e.stores.History.AppendHistory(ctx, storage.AlertHistoryEntry{
		AlertID:   alertID,
		Action:    action,
		Changes:   changes,
		Timestamp: at,
	})
	if err != nil {
		e.logger.Error().Err(err).Int64("alert_id", alertID).Msg("failed to append alert history")
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.stores.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.stores.Locker.TryAdvisoryLock(ctx, e.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// groupAlerts buckets alerts by (coin, currency) and returns the keys sorted.
func groupAlerts(alerts []storage.PriceAlert) (map[string][]storage.PriceAlert, []string) {
	groups := make(map[string][]storage.PriceAlert)
	keys := make([]string, 0)
	for _, alert := range alerts {
		key := alert.GroupKey()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], alert)
	}
	sort.Strings(keys)
	return groups, keys
}
