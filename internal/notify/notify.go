package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-alerts/internal/storage"
)

var (
	// ErrNoProvider is returned when the requested email provider is not configured.
	ErrNoProvider = errors.New("notify: email provider not configured")
	// ErrUncorrelatedEvent is returned when a webhook event matches no delivery record.
	ErrUncorrelatedEvent = errors.New("notify: event matches no delivery record")
)

// Cascade method names reported in attempts.
const (
	MethodRetryQueue = "retry_queue"
	MethodSMS        = "sms"
	MethodBrowser    = "browser"
)

// Notification is the channel-independent content of a triggered alert. It
// is also the payload persisted in the retry queue.
type Notification struct {
	AlertID      int64     `msgpack:"alert_id" json:"alert_id"`
	UserID       string    `msgpack:"user_id" json:"user_id,omitempty"`
	CoinID       string    `msgpack:"coin_id" json:"coin_id"`
	Currency     string    `msgpack:"currency" json:"currency"`
	Direction    string    `msgpack:"direction" json:"direction"`
	TargetPrice  string    `msgpack:"target_price" json:"target_price"`
	CurrentPrice string    `msgpack:"current_price" json:"current_price"`
	Note         string    `msgpack:"note" json:"note,omitempty"`
	Email        string    `msgpack:"email" json:"email,omitempty"`
	Phone        string    `msgpack:"phone" json:"phone,omitempty"`
	TriggeredAt  time.Time `msgpack:"triggered_at" json:"triggered_at"`
	TrackingID   string    `msgpack:"tracking_id" json:"tracking_id,omitempty"`
	Subject      string    `msgpack:"subject" json:"subject"`
	Text         string    `msgpack:"text" json:"text"`
	HTML         string    `msgpack:"html" json:"html,omitempty"`
}

// NewNotification renders the notification for an alert that fired at price.
func NewNotification(alert storage.PriceAlert, price decimal.Decimal, at time.Time) Notification {
	n := Notification{
		AlertID:      alert.ID,
		UserID:       alert.UserID,
		CoinID:       alert.CoinID,
		Currency:     strings.ToUpper(alert.Currency),
		Direction:    string(alert.Direction),
		TargetPrice:  alert.TargetPrice.String(),
		CurrentPrice: price.String(),
		Note:         alert.Note,
		Email:        strings.TrimSpace(alert.EmailAddress),
		Phone:        strings.TrimSpace(alert.Metadata["phone"]),
		TriggeredAt:  at.UTC(),
	}
	n.Subject = renderSubject(n)
	n.Text = renderText(n)
	n.HTML = renderHTML(n)
	return n
}

// Email is a rendered outbound email.
type Email struct {
	From       string
	To         string
	Subject    string
	Text       string
	HTML       string
	TrackingID string
}

// EmailProvider sends email through a provider HTTP API.
type EmailProvider interface {
	Name() string
	// Send returns the provider message id.
	Send(ctx context.Context, email Email) (string, error)
}

// Sink is a non-email fallback channel such as a webhook or a chat bot.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// SMSSender sends text messages.
type SMSSender interface {
	Name() string
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// BrowserPublisher delivers in-app browser notifications.
type BrowserPublisher interface {
	Publish(ctx context.Context, n Notification) error
}

// ProviderError is a failed provider API call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	// Permanent marks rejections that another provider would also reject,
	// such as an invalid recipient.
	Permanent bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsPermanent reports whether err is a permanent provider rejection.
func IsPermanent(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Permanent
}

// Attempt is the result of one delivery step.
type Attempt struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
	Error   string `json:"error,omitempty"`
}

// Outcome collects every attempt made for one dispatch.
type Outcome struct {
	TrackingID  string    `json:"tracking_id,omitempty"`
	Attempts    []Attempt `json:"attempts"`
	Delivered   bool      `json:"delivered"`
	Method      string    `json:"method,omitempty"`
	EmailSent   bool      `json:"email_sent"`
	BrowserSent bool      `json:"browser_sent"`
	Queued      bool      `json:"queued"`
}

// Success reports whether the notification reached the user on some channel.
func (o Outcome) Success() bool {
	return o.Delivered
}

func (o *Outcome) record(method string, err error) {
	attempt := Attempt{Success: err == nil, Method: method}
	if err != nil {
		attempt.Error = err.Error()
	}
	o.Attempts = append(o.Attempts, attempt)
}
