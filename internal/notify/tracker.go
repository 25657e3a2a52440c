package notify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-alerts/internal/storage"
)

// WebhookSecret is the shared secret and signature header of one provider.
type WebhookSecret struct {
	Secret string `mapstructure:"secret"`
	Header string `mapstructure:"header"`
}

// WebhookResult counts what happened to the events of one webhook call.
type WebhookResult struct {
	Received     int `json:"received"`
	Applied      int `json:"applied"`
	Ignored      int `json:"ignored"`
	Uncorrelated int `json:"uncorrelated"`
	Failed       int `json:"failed"`
}

// Tracker applies provider delivery events to delivery records and answers
// status queries.
type Tracker struct {
	store       storage.DeliveryStore
	normalizers map[string]Normalizer
	secrets     map[string]WebhookSecret
	now         func() time.Time
	logger      zerolog.Logger
}

// NewTracker builds a tracker. secrets is keyed by provider name.
func NewTracker(store storage.DeliveryStore, normalizers []Normalizer, secrets map[string]WebhookSecret, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		store:       store,
		normalizers: make(map[string]Normalizer, len(normalizers)),
		secrets:     make(map[string]WebhookSecret, len(secrets)),
		now:         time.Now,
		logger:      logger.With().Str("component", "notify_tracker").Logger(),
	}
	for _, normalizer := range normalizers {
		t.normalizers[normalizer.Provider()] = normalizer
	}
	for provider, secret := range secrets {
		t.secrets[strings.ToLower(provider)] = secret
	}
	return t
}

// Supports reports whether provider has a normalizer.
func (t *Tracker) Supports(provider string) bool {
	_, ok := t.normalizers[strings.ToLower(provider)]
	return ok
}

// Verify checks the webhook signature when a secret is configured for provider.
func (t *Tracker) Verify(provider string, header http.Header, body []byte) error {
	secret, ok := t.secrets[strings.ToLower(provider)]
	if !ok || secret.Secret == "" {
		return nil
	}
	name := secret.Header
	if name == "" {
		name = DefaultSignatureHeader
	}
	return VerifySignature(secret.Secret, body, header.Get(name))
}

// HandleWebhook normalizes body and applies every event. Uncorrelated and
// unknown events are logged and counted, never returned as errors.
func (t *Tracker) HandleWebhook(ctx context.Context, provider string, body []byte) (WebhookResult, error) {
	var result WebhookResult
	normalizer, ok := t.normalizers[strings.ToLower(provider)]
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrNoProvider, provider)
	}

	events, err := normalizer.Normalize(body)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, ev := range events {
		result.Received++
		if ev.Status == "" {
			t.logger.Debug().Str("provider", ev.Provider).Str("type", ev.Type).Msg("ignoring unmapped delivery event")
			result.Ignored++
			continue
		}

		_, err := t.Apply(ctx, ev)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, ErrUncorrelatedEvent):
			t.logger.Warn().
				Str("provider", ev.Provider).
				Str("type", ev.Type).
				Str("message_id", ev.MessageID).
				Str("recipient", ev.Recipient).
				Msg("delivery event matches no record")
			result.Uncorrelated++
		default:
			result.Failed++
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

// Apply correlates ev with a delivery record and stores the new status. The
// tracking id wins; recipient plus provider message id is the fallback.
func (t *Tracker) Apply(ctx context.Context, ev DeliveryEvent) (storage.EmailDeliveryRecord, error) {
	rec, err := t.correlate(ctx, ev)
	if err != nil {
		return rec, err
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()

	rec.Status = ev.Status
	rec.LastEvent = ev.Type
	rec.UpdatedAt = t.now().UTC()
	if rec.ProviderMessageID == "" {
		rec.ProviderMessageID = ev.MessageID
	}
	switch ev.Status {
	case storage.StatusDelivered:
		rec.DeliveredAt = &at
	case storage.StatusOpened:
		rec.OpenedAt = &at
	case storage.StatusClicked:
		rec.ClickedAt = &at
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}
	if ev.Raw != nil {
		rec.Metadata["last_event"] = ev.Raw
	}

	if err := t.store.UpdateDelivery(ctx, rec); err != nil {
		return rec, fmt.Errorf("update delivery %s: %w", rec.TrackingID, err)
	}
	t.logger.Info().Str("tracking_id", rec.TrackingID).Str("status", string(rec.Status)).Msg("delivery status updated")
	return rec, nil
}

func (t *Tracker) correlate(ctx context.Context, ev DeliveryEvent) (storage.EmailDeliveryRecord, error) {
	if ev.TrackingID != "" {
		rec, err := t.store.GetDeliveryByTrackingID(ctx, ev.TrackingID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return rec, fmt.Errorf("load delivery %s: %w", ev.TrackingID, err)
		}
	}
	if ev.MessageID != "" && ev.Recipient != "" {
		rec, err := t.store.FindDeliveryByMessageID(ctx, ev.Recipient, ev.MessageID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return rec, fmt.Errorf("find delivery by message id: %w", err)
		}
	}
	return storage.EmailDeliveryRecord{}, ErrUncorrelatedEvent
}

// Status returns the record for trackingID.
func (t *Tracker) Status(ctx context.Context, trackingID string) (storage.EmailDeliveryRecord, error) {
	return t.store.GetDeliveryByTrackingID(ctx, trackingID)
}

// Recipient lists the newest records for an email address.
func (t *Tracker) Recipient(ctx context.Context, email string, limit int) ([]storage.EmailDeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.ListDeliveriesByRecipient(ctx, strings.TrimSpace(email), limit)
}

// Stats aggregates records sent within the last period.
func (t *Tracker) Stats(ctx context.Context, period time.Duration) (storage.DeliveryStats, error) {
	if period <= 0 {
		period = 7 * 24 * time.Hour
	}
	return t.store.DeliveryStats(ctx, t.now().Add(-period))
}
