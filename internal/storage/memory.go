package storage

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Repository used when no database is configured.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	nextID     int64
	alerts     map[int64]PriceAlert
	history    []AlertHistoryEntry
	logs       []AlertTriggerLog
	deliveries map[string]EmailDeliveryRecord
	retries    map[string]RetryQueueItem
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		alerts:     make(map[int64]PriceAlert),
		deliveries: make(map[string]EmailDeliveryRecord),
		retries:    make(map[string]RetryQueueItem),
	}
}

// Close is a no-op.
func (m *Memory) Close() {}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// InsertAlert stores a copy of alert with a fresh id.
func (m *Memory) InsertAlert(_ context.Context, alert PriceAlert) (PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert.ID = m.id()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now().UTC()
	}
	alert.Metadata = maps.Clone(alert.Metadata)
	m.alerts[alert.ID] = alert
	return copyAlert(alert), nil
}

// GetAlert returns a copy of the alert.
func (m *Memory) GetAlert(_ context.Context, id int64) (PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return PriceAlert{}, ErrNotFound
	}
	return copyAlert(alert), nil
}

// ListActiveAlerts returns untriggered active alerts ordered by id.
func (m *Memory) ListActiveAlerts(_ context.Context) ([]PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]PriceAlert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if alert.IsActive && alert.TriggeredAt == nil {
			alerts = append(alerts, copyAlert(alert))
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts, nil
}

// MarkTriggered is the in-memory check-and-set on triggered_at.
func (m *Memory) MarkTriggered(_ context.Context, id int64, at time.Time, price decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok || !alert.IsActive || alert.TriggeredAt != nil {
		return false, nil
	}
	alert.TriggeredAt = &at
	alert.TriggerPrice = &price
	alert.IsActive = false
	m.alerts[id] = alert
	return true, nil
}

// DeactivateAlert turns an active alert off.
func (m *Memory) DeactivateAlert(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok || !alert.IsActive {
		return false, nil
	}
	alert.IsActive = false
	m.alerts[id] = alert
	return true, nil
}

// AppendHistory appends an audit entry.
func (m *Memory) AppendHistory(_ context.Context, entry AlertHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.id()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now().UTC()
	}
	entry.Changes = maps.Clone(entry.Changes)
	m.history = append(m.history, entry)
	return nil
}

// ListHistory returns the entries of an alert in insertion order.
func (m *Memory) ListHistory(_ context.Context, alertID int64) ([]AlertHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]AlertHistoryEntry, 0)
	for _, entry := range m.history {
		if entry.AlertID == alertID {
			entry.Changes = maps.Clone(entry.Changes)
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// InsertTriggerLog appends a firing record.
func (m *Memory) InsertTriggerLog(_ context.Context, log AlertTriggerLog) (AlertTriggerLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.ID = m.id()
	if log.Timestamp.IsZero() {
		log.Timestamp = m.now().UTC()
	}
	m.logs = append(m.logs, log)
	return log, nil
}

// ListRecentTriggerLogs returns up to limit firings, newest first.
func (m *Memory) ListRecentTriggerLogs(_ context.Context, limit int) ([]AlertTriggerLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := make([]AlertTriggerLog, 0, len(m.logs))
	for i := len(m.logs) - 1; i >= 0; i-- {
		if limit > 0 && len(logs) >= limit {
			break
		}
		logs = append(logs, m.logs[i])
	}
	return logs, nil
}

// ListTriggerLogsBetween returns firings in [from, to), oldest first.
func (m *Memory) ListTriggerLogsBetween(_ context.Context, from, to time.Time) ([]AlertTriggerLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := make([]AlertTriggerLog, 0)
	for _, log := range m.logs {
		if !log.Timestamp.Before(from) && log.Timestamp.Before(to) {
			logs = append(logs, log)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
	return logs, nil
}

// InsertDelivery stores a delivery record.
func (m *Memory) InsertDelivery(_ context.Context, rec EmailDeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Metadata = maps.Clone(rec.Metadata)
	m.deliveries[rec.TrackingID] = rec
	return nil
}

// UpdateDelivery overwrites a delivery record.
func (m *Memory) UpdateDelivery(_ context.Context, rec EmailDeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[rec.TrackingID]; !ok {
		return ErrNotFound
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	m.deliveries[rec.TrackingID] = rec
	return nil
}

// GetDeliveryByTrackingID loads a record by tracking id.
func (m *Memory) GetDeliveryByTrackingID(_ context.Context, trackingID string) (EmailDeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.deliveries[trackingID]
	if !ok {
		return EmailDeliveryRecord{}, ErrNotFound
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	return rec, nil
}

// FindDeliveryByMessageID loads the newest record for recipient and message id.
func (m *Memory) FindDeliveryByMessageID(_ context.Context, recipient, messageID string) (EmailDeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		found EmailDeliveryRecord
		ok    bool
	)
	for _, rec := range m.deliveries {
		if rec.ProviderMessageID != messageID || !strings.EqualFold(rec.Recipient, recipient) {
			continue
		}
		if !ok || rec.SentAt.After(found.SentAt) {
			found, ok = rec, true
		}
	}
	if !ok {
		return EmailDeliveryRecord{}, ErrNotFound
	}
	found.Metadata = maps.Clone(found.Metadata)
	return found, nil
}

// ListDeliveriesByRecipient lists a recipient's records, newest first.
func (m *Memory) ListDeliveriesByRecipient(_ context.Context, recipient string, limit int) ([]EmailDeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]EmailDeliveryRecord, 0)
	for _, rec := range m.deliveries {
		if strings.EqualFold(rec.Recipient, recipient) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SentAt.After(records[j].SentAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// DeliveryStats aggregates records sent since the given time.
func (m *Memory) DeliveryStats(_ context.Context, since time.Time) (DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := newDeliveryStats()
	for _, rec := range m.deliveries {
		if rec.SentAt.Before(since) {
			continue
		}
		stats.add(rec.Status, rec.Provider, 1)
	}
	return stats, nil
}

// EnqueueRetry adds an item to the queue.
func (m *Memory) EnqueueRetry(_ context.Context, item RetryQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.Payload = append([]byte(nil), item.Payload...)
	m.retries[item.ID] = item
	return nil
}

// ClaimDueRetries leases due items, oldest next attempt first.
func (m *Memory) ClaimDueRetries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]RetryQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]RetryQueueItem, 0)
	for _, item := range m.retries {
		if !item.NextAttemptAt.After(now) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].NextAttemptAt.Before(items[j].NextAttemptAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	for i := range items {
		items[i].NextAttemptAt = now.Add(lease)
		m.retries[items[i].ID] = items[i]
		items[i].Payload = append([]byte(nil), items[i].Payload...)
	}
	return items, nil
}

// UpdateRetry records a failed attempt.
func (m *Memory) UpdateRetry(_ context.Context, item RetryQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.retries[item.ID]
	if !ok {
		return ErrNotFound
	}
	current.LastError = item.LastError
	current.NextAttemptAt = item.NextAttemptAt
	current.RetryCount = item.RetryCount
	m.retries[item.ID] = current
	return nil
}

// DeleteRetry removes an item.
func (m *Memory) DeleteRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.retries, id)
	return nil
}

// CountRetries counts queued items.
func (m *Memory) CountRetries(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.retries)), nil
}

// RetryItems returns a snapshot of the queue, oldest first.
func (m *Memory) RetryItems() []RetryQueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]RetryQueueItem, 0, len(m.retries))
	for _, item := range m.retries {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

func copyAlert(alert PriceAlert) PriceAlert {
	alert.Metadata = maps.Clone(alert.Metadata)
	if alert.TriggeredAt != nil {
		at := *alert.TriggeredAt
		alert.TriggeredAt = &at
	}
	if alert.TriggerPrice != nil {
		price := *alert.TriggerPrice
		alert.TriggerPrice = &price
	}
	return alert
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)
