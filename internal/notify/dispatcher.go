package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"price-alerts/internal/storage"
)

// DispatcherOptions configures the fallback cascade.
type DispatcherOptions struct {
	From string
	// Primary names the first email provider. Empty selects the first
	// registered provider.
	Primary         string
	FallbackEnabled bool
	RetryQueue      RetryQueueOptions
	Now             func() time.Time
	NewID           func() string
}

// Channels lists the delivery channels available to a Dispatcher. Providers
// after the primary are tried as alternates in the given order.
type Channels struct {
	Providers []EmailProvider
	Sinks     []Sink
	SMS       SMSSender
	Browser   BrowserPublisher
}

// Dispatcher delivers triggered alerts through the fallback cascade.
type Dispatcher struct {
	opts       DispatcherOptions
	primary    EmailProvider
	alternates []EmailProvider
	sinks      []Sink
	sms        SMSSender
	browser    BrowserPublisher
	deliveries storage.DeliveryStore
	queue      storage.RetryQueueStore
	processing sync.Mutex
	logger     zerolog.Logger
}

// NewDispatcher builds a dispatcher. deliveries and queue may be nil.
func NewDispatcher(opts DispatcherOptions, channels Channels, deliveries storage.DeliveryStore, queue storage.RetryQueueStore, logger zerolog.Logger) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	opts.RetryQueue = opts.RetryQueue.normalized()

	d := &Dispatcher{
		opts:       opts,
		sinks:      channels.Sinks,
		sms:        channels.SMS,
		browser:    channels.Browser,
		deliveries: deliveries,
		queue:      queue,
		logger:     logger.With().Str("component", "notify_dispatcher").Logger(),
	}

	for _, provider := range channels.Providers {
		if provider == nil {
			continue
		}
		if d.primary == nil && (opts.Primary == "" || provider.Name() == opts.Primary) {
			d.primary = provider
			continue
		}
		d.alternates = append(d.alternates, provider)
	}
	// A primary that names no registered provider leaves the first one in charge.
	if d.primary == nil && len(d.alternates) > 0 {
		d.primary, d.alternates = d.alternates[0], d.alternates[1:]
	}
	return d
}

// Dispatch notifies the owner of alert that it fired at price. Channel errors
// are reported in the Outcome and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, alert storage.PriceAlert, price decimal.Decimal) Outcome {
	n := NewNotification(alert, price, d.opts.Now())
	out := Outcome{}

	if alert.NotifyBrowser && d.browser != nil {
		err := d.browser.Publish(ctx, n)
		out.record(MethodBrowser, err)
		if err != nil {
			d.logger.Warn().Err(err).Int64("alert_id", alert.ID).Msg("browser notification failed")
		} else {
			out.BrowserSent = true
		}
	}

	if !alert.NotifyEmail || n.Email == "" {
		return out
	}

	n.TrackingID = d.opts.NewID()
	out.TrackingID = n.TrackingID

	err := d.deliver(ctx, &n, &out)
	if err == nil {
		return out
	}

	d.logger.Warn().Err(err).Int64("alert_id", alert.ID).Str("tracking_id", n.TrackingID).Msg("all notification channels failed")
	d.enqueue(ctx, n, err, &out)
	return out
}

// deliver runs the cascade without the retry queue.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification, out *Outcome) error {
	err := d.sendEmail(ctx, d.primary, n, out)
	if err == nil {
		return nil
	}
	if !d.opts.FallbackEnabled {
		return err
	}

	errs := []error{err}
	if IsPermanent(err) {
		d.logger.Info().Err(err).Msg("permanent rejection, skipping alternate providers")
	} else {
		for _, provider := range d.alternates {
			altErr := d.sendEmail(ctx, provider, n, out)
			if altErr == nil {
				return nil
			}
			errs = append(errs, altErr)
		}
	}

	for _, sink := range d.sinks {
		sinkErr := sink.Send(ctx, *n)
		out.record(sink.Name(), sinkErr)
		if sinkErr == nil {
			out.Delivered = true
			out.Method = sink.Name()
			return nil
		}
		d.logger.Warn().Err(sinkErr).Str("sink", sink.Name()).Msg("fallback sink failed")
		errs = append(errs, sinkErr)
	}

	if d.sms != nil && n.Phone != "" {
		sid, smsErr := d.sms.SendSMS(ctx, n.Phone, renderSMS(*n))
		out.record(MethodSMS, smsErr)
		if smsErr == nil {
			d.logger.Info().Str("sid", sid).Int64("alert_id", n.AlertID).Msg("notification delivered via sms")
			out.Delivered = true
			out.Method = MethodSMS
			return nil
		}
		errs = append(errs, smsErr)
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) sendEmail(ctx context.Context, provider EmailProvider, n *Notification, out *Outcome) error {
	if provider == nil {
		out.record("email", ErrNoProvider)
		return ErrNoProvider
	}

	messageID, err := provider.Send(ctx, Email{
		From:       d.opts.From,
		To:         n.Email,
		Subject:    n.Subject,
		Text:       n.Text,
		HTML:       n.HTML,
		TrackingID: n.TrackingID,
	})
	out.record(provider.Name(), err)
	if err != nil {
		d.logger.Warn().Err(err).Str("provider", provider.Name()).Int64("alert_id", n.AlertID).Msg("email send failed")
		return err
	}

	out.Delivered = true
	out.EmailSent = true
	out.Method = provider.Name()
	d.recordDelivery(ctx, provider.Name(), messageID, n)
	return nil
}

func (d *Dispatcher) recordDelivery(ctx context.Context, provider, messageID string, n *Notification) {
	if d.deliveries == nil {
		return
	}
	now := d.opts.Now().UTC()
	rec := storage.EmailDeliveryRecord{
		TrackingID:        n.TrackingID,
		ProviderMessageID: messageID,
		Provider:          provider,
		Recipient:         n.Email,
		Subject:           n.Subject,
		Status:            storage.StatusSent,
		SentAt:            now,
		UpdatedAt:         now,
		Metadata:          map[string]any{"coin_id": n.CoinID, "currency": n.Currency},
	}
	if n.AlertID > 0 {
		alertID := n.AlertID
		rec.AlertID = &alertID
	}
	if err := d.deliveries.InsertDelivery(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("tracking_id", n.TrackingID).Msg("record email delivery failed")
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, n Notification, cause error, out *Outcome) {
	if d.queue == nil {
		return
	}

	payload, err := msgpack.Marshal(n)
	if err != nil {
		out.record(MethodRetryQueue, fmt.Errorf("encode payload: %w", err))
		return
	}

	now := d.opts.Now().UTC()
	item := storage.RetryQueueItem{
		ID:            d.opts.NewID(),
		Payload:       payload,
		OriginalError: cause.Error(),
		CreatedAt:     now,
		NextAttemptAt: now.Add(d.opts.RetryQueue.Delay(1)),
		MaxRetries:    d.opts.RetryQueue.MaxRetries,
	}
	if n.AlertID > 0 {
		alertID := n.AlertID
		item.AlertID = &alertID
	}

	err = d.queue.EnqueueRetry(ctx, item)
	out.record(MethodRetryQueue, err)
	if err != nil {
		d.logger.Error().Err(err).Int64("alert_id", n.AlertID).Msg("enqueue notification retry failed")
		return
	}
	out.Queued = true
	d.logger.Info().Str("retry_id", item.ID).Time("next_attempt", item.NextAttemptAt).Msg("notification queued for retry")
}
