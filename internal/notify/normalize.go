package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"price-alerts/internal/storage"
)

// DeliveryEvent is a provider webhook event mapped to the canonical status.
// Status is empty for event types with no canonical meaning.
type DeliveryEvent struct {
	Provider   string
	Type       string
	Status     storage.DeliveryStatus
	TrackingID string
	MessageID  string
	Recipient  string
	OccurredAt time.Time
	Raw        map[string]any
}

// Normalizer parses one provider's webhook body.
type Normalizer interface {
	Provider() string
	Normalize(body []byte) ([]DeliveryEvent, error)
}

// DefaultNormalizers returns the Resend, SendGrid and Postmark normalizers.
func DefaultNormalizers() []Normalizer {
	return []Normalizer{ResendNormalizer{}, SendGridNormalizer{}, PostmarkNormalizer{}}
}

var resendStatuses = map[string]storage.DeliveryStatus{
	"email.sent":             storage.StatusSent,
	"email.delivered":        storage.StatusDelivered,
	"email.delivery_delayed": storage.StatusPending,
	"email.opened":           storage.StatusOpened,
	"email.clicked":          storage.StatusClicked,
	"email.bounced":          storage.StatusBounced,
	"email.complained":       storage.StatusComplained,
	"email.failed":           storage.StatusFailed,
}

// ResendNormalizer maps Resend "email.*" events.
type ResendNormalizer struct{}

// Provider returns "resend".
func (ResendNormalizer) Provider() string { return ProviderResend }

// Normalize parses a single Resend event.
func (ResendNormalizer) Normalize(body []byte) ([]DeliveryEvent, error) {
	var payload struct {
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
		Data      struct {
			EmailID string          `json:"email_id"`
			To      []string        `json:"to"`
			Tags    json.RawMessage `json:"tags"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode resend event: %w", err)
	}

	ev := DeliveryEvent{
		Provider:   ProviderResend,
		Type:       payload.Type,
		Status:     resendStatuses[payload.Type],
		TrackingID: resendTag(payload.Data.Tags, TrackingTag),
		MessageID:  payload.Data.EmailID,
		OccurredAt: payload.CreatedAt,
		Raw:        rawObject(body),
	}
	if len(payload.Data.To) > 0 {
		ev.Recipient = payload.Data.To[0]
	}
	return []DeliveryEvent{ev}, nil
}

// resendTag reads a tag from either the object or the name/value list form.
func resendTag(raw json.RawMessage, name string) string {
	if len(raw) == 0 {
		return ""
	}
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap[name]
	}
	var asList []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &asList); err == nil {
		for _, tag := range asList {
			if tag.Name == name {
				return tag.Value
			}
		}
	}
	return ""
}

var sendGridStatuses = map[string]storage.DeliveryStatus{
	"processed":         storage.StatusSent,
	"deferred":          storage.StatusPending,
	"delivered":         storage.StatusDelivered,
	"open":              storage.StatusOpened,
	"click":             storage.StatusClicked,
	"bounce":            storage.StatusBounced,
	"blocked":           storage.StatusBounced,
	"dropped":           storage.StatusFailed,
	"spamreport":        storage.StatusComplained,
	"unsubscribe":       storage.StatusUnsubscribed,
	"group_unsubscribe": storage.StatusUnsubscribed,
}

// SendGridNormalizer maps SendGrid event webhook batches.
type SendGridNormalizer struct{}

// Provider returns "sendgrid".
func (SendGridNormalizer) Provider() string { return ProviderSendGrid }

// Normalize parses a batch of SendGrid events. Custom args arrive as top-level
// fields of each event.
func (SendGridNormalizer) Normalize(body []byte) ([]DeliveryEvent, error) {
	var batch []map[string]any
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decode sendgrid events: %w", err)
	}

	events := make([]DeliveryEvent, 0, len(batch))
	for _, raw := range batch {
		kind := stringField(raw, "event")
		ev := DeliveryEvent{
			Provider:   ProviderSendGrid,
			Type:       kind,
			Status:     sendGridStatuses[kind],
			TrackingID: stringField(raw, TrackingTag),
			MessageID:  sendGridMessageID(stringField(raw, "sg_message_id")),
			Recipient:  stringField(raw, "email"),
			Raw:        raw,
		}
		if ts, ok := raw["timestamp"].(float64); ok {
			ev.OccurredAt = time.Unix(int64(ts), 0).UTC()
		}
		events = append(events, ev)
	}
	return events, nil
}

// sendGridMessageID strips the ".filter..." suffix SendGrid appends to the
// X-Message-Id returned at send time.
func sendGridMessageID(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return id
}

var postmarkStatuses = map[string]storage.DeliveryStatus{
	"Delivery":      storage.StatusDelivered,
	"Bounce":        storage.StatusBounced,
	"SpamComplaint": storage.StatusComplained,
	"Open":          storage.StatusOpened,
	"Click":         storage.StatusClicked,
}

// PostmarkNormalizer maps Postmark RecordType events.
type PostmarkNormalizer struct{}

// Provider returns "postmark".
func (PostmarkNormalizer) Provider() string { return ProviderPostmark }

// Normalize parses a single Postmark event.
func (PostmarkNormalizer) Normalize(body []byte) ([]DeliveryEvent, error) {
	var payload struct {
		RecordType      string            `json:"RecordType"`
		MessageID       string            `json:"MessageID"`
		Recipient       string            `json:"Recipient"`
		Email           string            `json:"Email"`
		DeliveredAt     time.Time         `json:"DeliveredAt"`
		BouncedAt       time.Time         `json:"BouncedAt"`
		ReceivedAt      time.Time         `json:"ReceivedAt"`
		ChangedAt       time.Time         `json:"ChangedAt"`
		SuppressSending bool              `json:"SuppressSending"`
		Metadata        map[string]string `json:"Metadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode postmark event: %w", err)
	}

	ev := DeliveryEvent{
		Provider:   ProviderPostmark,
		Type:       payload.RecordType,
		Status:     postmarkStatuses[payload.RecordType],
		TrackingID: payload.Metadata[TrackingTag],
		MessageID:  payload.MessageID,
		Recipient:  payload.Recipient,
		Raw:        rawObject(body),
	}
	if ev.Recipient == "" {
		ev.Recipient = payload.Email
	}
	if payload.RecordType == "SubscriptionChange" && payload.SuppressSending {
		ev.Status = storage.StatusUnsubscribed
	}
	for _, at := range []time.Time{payload.DeliveredAt, payload.BouncedAt, payload.ReceivedAt, payload.ChangedAt} {
		if !at.IsZero() {
			ev.OccurredAt = at
			break
		}
	}
	return []DeliveryEvent{ev}, nil
}

func stringField(raw map[string]any, key string) string {
	value, _ := raw[key].(string)
	return value
}

func rawObject(body []byte) map[string]any {
	var raw map[string]any
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil
	}
	return raw
}
