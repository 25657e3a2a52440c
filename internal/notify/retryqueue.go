package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"price-alerts/internal/storage"
)

// RetryQueueOptions bounds redelivery of undeliverable notifications.
type RetryQueueOptions struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Window     time.Duration `mapstructure:"window"`
	BatchSize  int           `mapstructure:"batch_size"`
	// Lease hides claimed items from other workers while a pass delivers
	// them. Items of a crashed pass become due again after it.
	Lease time.Duration `mapstructure:"lease"`
}

// maxQueueRetries keeps 2^MaxRetries slots within int64.
const maxQueueRetries = 30

// ErrRetryQueueBusy is returned when a pass is already running in this process.
var ErrRetryQueueBusy = errors.New("retry queue pass already in progress")

// DefaultRetryQueueOptions returns 5 retries spread over 7 days.
func DefaultRetryQueueOptions() RetryQueueOptions {
	return RetryQueueOptions{MaxRetries: 5, Window: 7 * 24 * time.Hour, BatchSize: 50, Lease: 15 * time.Minute}
}

func (o RetryQueueOptions) normalized() RetryQueueOptions {
	def := DefaultRetryQueueOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.MaxRetries > maxQueueRetries {
		o.MaxRetries = maxQueueRetries
	}
	if o.Window <= 0 {
		o.Window = def.Window
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.Lease <= 0 {
		o.Lease = def.Lease
	}
	return o
}

// Delay is the wait before redelivery attempt n (1-based). Delays double each
// attempt and the MaxRetries delays add up to Window.
func (o RetryQueueOptions) Delay(n int) time.Duration {
	o = o.normalized()
	if n < 1 {
		n = 1
	}
	if n > o.MaxRetries {
		n = o.MaxRetries
	}
	slots := int64(1)<<uint(o.MaxRetries) - 1
	base := o.Window / time.Duration(slots)
	return base * time.Duration(int64(1)<<uint(n-1))
}

// RetryReport summarizes one pass over the retry queue.
type RetryReport struct {
	Attempted   int `json:"attempted"`
	Delivered   int `json:"delivered"`
	Rescheduled int `json:"rescheduled"`
	Dropped     int `json:"dropped"`
}

// ProcessRetryQueue redelivers due items. Delivered items are removed. Items
// that used all their attempts or left the window are dropped. Items are
// claimed under a lease, so concurrent passes never send the same item.
func (d *Dispatcher) ProcessRetryQueue(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	if d.queue == nil {
		return report, nil
	}
	if !d.processing.TryLock() {
		return report, ErrRetryQueueBusy
	}
	defer d.processing.Unlock()

	now := d.opts.Now().UTC()
	items, err := d.queue.ClaimDueRetries(ctx, now, d.opts.RetryQueue.Lease, d.opts.RetryQueue.BatchSize)
	if err != nil {
		return report, fmt.Errorf("claim due retries: %w", err)
	}

	var errs []error
	for _, item := range items {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := d.processItem(ctx, now, item, &report); err != nil {
			errs = append(errs, err)
		}
	}

	if len(items) > 0 {
		d.logger.Info().
			Int("attempted", report.Attempted).
			Int("delivered", report.Delivered).
			Int("rescheduled", report.Rescheduled).
			Int("dropped", report.Dropped).
			Msg("retry queue processed")
	}
	return report, errors.Join(errs...)
}

func (d *Dispatcher) processItem(ctx context.Context, now time.Time, item storage.RetryQueueItem, report *RetryReport) error {
	logger := d.logger.With().Str("retry_id", item.ID).Int("retry_count", item.RetryCount).Logger()
	deadline := item.CreatedAt.Add(d.opts.RetryQueue.Window)
	// Late processing may start the last attempt just past the deadline.
	grace := d.opts.RetryQueue.Delay(1)
	if item.MaxRetries <= 0 {
		item.MaxRetries = d.opts.RetryQueue.MaxRetries
	}

	if item.RetryCount >= item.MaxRetries || now.After(deadline.Add(grace)) {
		logger.Warn().Str("last_error", item.LastError).Msg("retry item exhausted, dropping")
		report.Dropped++
		return d.queue.DeleteRetry(ctx, item.ID)
	}

	var n Notification
	if err := msgpack.Unmarshal(item.Payload, &n); err != nil {
		logger.Error().Err(err).Msg("undecodable retry payload, dropping")
		report.Dropped++
		return d.queue.DeleteRetry(ctx, item.ID)
	}

	report.Attempted++
	var out Outcome
	sendErr := d.deliver(ctx, &n, &out)
	if sendErr == nil {
		logger.Info().Str("method", out.Method).Int64("alert_id", n.AlertID).Msg("queued notification delivered")
		report.Delivered++
		return d.queue.DeleteRetry(ctx, item.ID)
	}

	item.RetryCount++
	item.LastError = sendErr.Error()
	if item.RetryCount >= item.MaxRetries {
		logger.Warn().Err(sendErr).Msg("retry attempts exhausted, dropping")
		report.Dropped++
		return d.queue.DeleteRetry(ctx, item.ID)
	}

	item.NextAttemptAt = now.Add(d.opts.RetryQueue.Delay(item.RetryCount + 1))
	if item.NextAttemptAt.After(deadline) {
		item.NextAttemptAt = deadline
	}
	report.Rescheduled++
	if err := d.queue.UpdateRetry(ctx, item); err != nil {
		return fmt.Errorf("update retry %s: %w", item.ID, err)
	}
	return nil
}

// RunRetryWorker processes the queue every interval until ctx is done.
func (d *Dispatcher) RunRetryWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := d.ProcessRetryQueue(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrRetryQueueBusy):
				d.logger.Debug().Msg("skip retry pass because another pass is running")
			default:
				d.logger.Error().Err(err).Msg("retry queue pass failed")
			}
		}
	}
}
