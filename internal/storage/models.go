package storage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the threshold an alert watches.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// PriceAlert is a user-defined price threshold.
type PriceAlert struct {
	ID            int64
	UserID        string
	CoinID        string
	TargetPrice   decimal.Decimal
	Direction     Direction
	Currency      string
	IsActive      bool
	CreatedAt     time.Time
	TriggeredAt   *time.Time
	TriggerPrice  *decimal.Decimal
	Note          string
	NotifyEmail   bool
	EmailAddress  string
	NotifyBrowser bool
	// Metadata carries optional contact data such as "phone".
	Metadata map[string]string
}

// Triggered reports whether the alert has fired.
func (a PriceAlert) Triggered() bool {
	return a.TriggeredAt != nil
}

// GroupKey identifies the price instrument an alert is evaluated against.
func (a PriceAlert) GroupKey() string {
	return strings.ToLower(a.CoinID) + "/" + strings.ToLower(a.Currency)
}

// HistoryAction enumerates alert audit actions.
type HistoryAction string

const (
	ActionCreated     HistoryAction = "created"
	ActionUpdated     HistoryAction = "updated"
	ActionDeleted     HistoryAction = "deleted"
	ActionActivated   HistoryAction = "activated"
	ActionDeactivated HistoryAction = "deactivated"
)

// AlertHistoryEntry is an append-only audit record.
type AlertHistoryEntry struct {
	ID        int64
	AlertID   int64
	Action    HistoryAction
	Changes   map[string]any
	Timestamp time.Time
}

// AlertTriggerLog records one firing of an alert.
type AlertTriggerLog struct {
	ID                      int64
	AlertID                 int64
	CoinID                  string
	CurrentPrice            decimal.Decimal
	TargetPrice             decimal.Decimal
	Direction               Direction
	Currency                string
	EmailSent               bool
	BrowserNotificationSent bool
	Timestamp               time.Time
}

// DeliveryStatus is the canonical email delivery state.
type DeliveryStatus string

const (
	StatusSent         DeliveryStatus = "sent"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusPending      DeliveryStatus = "pending"
	StatusOpened       DeliveryStatus = "opened"
	StatusClicked      DeliveryStatus = "clicked"
	StatusBounced      DeliveryStatus = "bounced"
	StatusComplained   DeliveryStatus = "complained"
	StatusFailed       DeliveryStatus = "failed"
	StatusUnsubscribed DeliveryStatus = "unsubscribed"
)

// EmailDeliveryRecord tracks one outbound email.
type EmailDeliveryRecord struct {
	TrackingID        string
	ProviderMessageID string
	Provider          string
	Recipient         string
	Subject           string
	AlertID           *int64
	Status            DeliveryStatus
	SentAt            time.Time
	DeliveredAt       *time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
	LastEvent         string
	Metadata          map[string]any
	UpdatedAt         time.Time
}

// DeliveryStats aggregates delivery records.
type DeliveryStats struct {
	Total      int64                    `json:"total"`
	ByStatus   map[DeliveryStatus]int64 `json:"by_status"`
	ByProvider map[string]int64         `json:"by_provider"`
}

// Rate returns the share of records in any of statuses, in [0,1].
func (s DeliveryStats) Rate(statuses ...DeliveryStatus) float64 {
	if s.Total == 0 {
		return 0
	}
	var n int64
	for _, status := range statuses {
		n += s.ByStatus[status]
	}
	return float64(n) / float64(s.Total)
}

// RetryQueueItem is an undeliverable notification waiting for another attempt.
type RetryQueueItem struct {
	ID            string
	AlertID       *int64
	Payload       []byte
	OriginalError string
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
	RetryCount    int
	MaxRetries    int
}
