package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	deliveryColumns = `tracking_id, provider_message_id, provider, recipient, subject, alert_id,
        status, sent_at, delivered_at, opened_at, clicked_at, last_event, metadata, updated_at`

	insertDeliverySQL = `INSERT INTO email_deliveries (` + deliveryColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`

	updateDeliverySQL = `UPDATE email_deliveries
    SET provider_message_id = $2,
        status              = $3,
        delivered_at        = $4,
        opened_at           = $5,
        clicked_at          = $6,
        last_event          = $7,
        metadata            = $8,
        updated_at          = $9
    WHERE tracking_id = $1;`

	getDeliverySQL = `SELECT ` + deliveryColumns + ` FROM email_deliveries WHERE tracking_id = $1;`

	findDeliveryByMessageSQL = `SELECT ` + deliveryColumns + `
    FROM email_deliveries
    WHERE lower(recipient) = lower($1) AND provider_message_id = $2
    ORDER BY sent_at DESC
    LIMIT 1;`

	listDeliveriesByRecipientSQL = `SELECT ` + deliveryColumns + `
    FROM email_deliveries
    WHERE lower(recipient) = lower($1)
    ORDER BY sent_at DESC
    LIMIT $2;`

	deliveryStatsSQL = `SELECT status, provider, COUNT(*)
    FROM email_deliveries
    WHERE sent_at >= $1
    GROUP BY status, provider;`

	retryColumns = `id, alert_id, payload, original_error, last_error, created_at, next_attempt_at,
        retry_count, max_retries`

	enqueueRetrySQL = `INSERT INTO notification_retry_queue (` + retryColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	// Claimed rows are leased by pushing next_attempt_at forward, so a
	// concurrent claimer skips them until the lease runs out.
	claimDueRetriesSQL = `UPDATE notification_retry_queue AS q
    SET next_attempt_at = $2
    FROM (
        SELECT id FROM notification_retry_queue
        WHERE next_attempt_at <= $1
        ORDER BY next_attempt_at
        LIMIT $3
        FOR UPDATE SKIP LOCKED
    ) AS due
    WHERE q.id = due.id
    RETURNING q.id, q.alert_id, q.payload, q.original_error, q.last_error, q.created_at,
        q.next_attempt_at, q.retry_count, q.max_retries;`

	updateRetrySQL = `UPDATE notification_retry_queue
    SET last_error = $2, next_attempt_at = $3, retry_count = $4
    WHERE id = $1;`

	deleteRetrySQL = `DELETE FROM notification_retry_queue WHERE id = $1;`

	countRetriesSQL = `SELECT COUNT(*) FROM notification_retry_queue;`
)

// DeliveryStore persists email delivery tracking.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, rec EmailDeliveryRecord) error
	UpdateDelivery(ctx context.Context, rec EmailDeliveryRecord) error
	GetDeliveryByTrackingID(ctx context.Context, trackingID string) (EmailDeliveryRecord, error)
	FindDeliveryByMessageID(ctx context.Context, recipient, messageID string) (EmailDeliveryRecord, error)
	ListDeliveriesByRecipient(ctx context.Context, recipient string, limit int) ([]EmailDeliveryRecord, error)
	DeliveryStats(ctx context.Context, since time.Time) (DeliveryStats, error)
}

// RetryQueueStore persists undeliverable notifications.
type RetryQueueStore interface {
	EnqueueRetry(ctx context.Context, item RetryQueueItem) error
	// ClaimDueRetries leases up to limit due items until now+lease. A leased
	// item is not returned to another claimer before the lease ends.
	ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]RetryQueueItem, error)
	UpdateRetry(ctx context.Context, item RetryQueueItem) error
	DeleteRetry(ctx context.Context, id string) error
	CountRetries(ctx context.Context) (int64, error)
}

// InsertDelivery stores a new delivery record.
func (s *Store) InsertDelivery(ctx context.Context, rec EmailDeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}
	_, execErr := pool.Exec(ctx, insertDeliverySQL,
		rec.TrackingID,
		rec.ProviderMessageID,
		rec.Provider,
		rec.Recipient,
		rec.Subject,
		rec.AlertID,
		string(rec.Status),
		rec.SentAt,
		rec.DeliveredAt,
		rec.OpenedAt,
		rec.ClickedAt,
		rec.LastEvent,
		metadata,
		rec.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert delivery %s: %w", rec.TrackingID, execErr)
	}
	return nil
}

// UpdateDelivery overwrites the mutable fields of a record.
func (s *Store) UpdateDelivery(ctx context.Context, rec EmailDeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}
	cmdTag, execErr := pool.Exec(ctx, updateDeliverySQL,
		rec.TrackingID,
		rec.ProviderMessageID,
		string(rec.Status),
		rec.DeliveredAt,
		rec.OpenedAt,
		rec.ClickedAt,
		rec.LastEvent,
		metadata,
		rec.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("update delivery %s: %w", rec.TrackingID, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDeliveryByTrackingID loads a record by tracking id.
func (s *Store) GetDeliveryByTrackingID(ctx context.Context, trackingID string) (EmailDeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EmailDeliveryRecord{}, err
	}
	return oneDelivery(scanDelivery(pool.QueryRow(ctx, getDeliverySQL, trackingID)))
}

// FindDeliveryByMessageID loads the newest record for a recipient and provider message id.
func (s *Store) FindDeliveryByMessageID(ctx context.Context, recipient, messageID string) (EmailDeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EmailDeliveryRecord{}, err
	}
	return oneDelivery(scanDelivery(pool.QueryRow(ctx, findDeliveryByMessageSQL, recipient, messageID)))
}

// ListDeliveriesByRecipient lists a recipient's records, newest first.
func (s *Store) ListDeliveriesByRecipient(ctx context.Context, recipient string, limit int) ([]EmailDeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listDeliveriesByRecipientSQL, recipient, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list deliveries by recipient: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EmailDeliveryRecord, 0)
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// DeliveryStats aggregates records sent since the given time.
func (s *Store) DeliveryStats(ctx context.Context, since time.Time) (DeliveryStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return DeliveryStats{}, err
	}
	rows, queryErr := pool.Query(ctx, deliveryStatsSQL, since)
	if queryErr != nil {
		return DeliveryStats{}, fmt.Errorf("delivery stats: %w", queryErr)
	}
	defer rows.Close()

	stats := newDeliveryStats()
	for rows.Next() {
		var (
			status   string
			provider string
			count    int64
		)
		if err := rows.Scan(&status, &provider, &count); err != nil {
			return DeliveryStats{}, err
		}
		stats.add(DeliveryStatus(status), provider, count)
	}
	if rows.Err() != nil {
		return DeliveryStats{}, rows.Err()
	}
	return stats, nil
}

// EnqueueRetry adds an item to the retry queue.
func (s *Store) EnqueueRetry(ctx context.Context, item RetryQueueItem) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, enqueueRetrySQL,
		item.ID,
		item.AlertID,
		item.Payload,
		item.OriginalError,
		item.LastError,
		item.CreatedAt,
		item.NextAttemptAt,
		item.RetryCount,
		item.MaxRetries,
	)
	if execErr != nil {
		return fmt.Errorf("enqueue retry %s: %w", item.ID, execErr)
	}
	return nil
}

// ClaimDueRetries leases due items in one statement.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]RetryQueueItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, claimDueRetriesSQL, now, now.Add(lease), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("claim due retries: %w", queryErr)
	}
	defer rows.Close()

	items := make([]RetryQueueItem, 0)
	for rows.Next() {
		var item RetryQueueItem
		if err := rows.Scan(
			&item.ID,
			&item.AlertID,
			&item.Payload,
			&item.OriginalError,
			&item.LastError,
			&item.CreatedAt,
			&item.NextAttemptAt,
			&item.RetryCount,
			&item.MaxRetries,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// UpdateRetry records a failed attempt.
func (s *Store) UpdateRetry(ctx context.Context, item RetryQueueItem) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateRetrySQL, item.ID, item.LastError, item.NextAttemptAt, item.RetryCount)
	if execErr != nil {
		return fmt.Errorf("update retry %s: %w", item.ID, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRetry removes an item from the queue.
func (s *Store) DeleteRetry(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRetrySQL, id); execErr != nil {
		return fmt.Errorf("delete retry %s: %w", id, execErr)
	}
	return nil
}

// CountRetries counts queued items.
func (s *Store) CountRetries(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRetriesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count retries: %w", scanErr)
	}
	return count, nil
}

func oneDelivery(rec EmailDeliveryRecord, err error) (EmailDeliveryRecord, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return EmailDeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return EmailDeliveryRecord{}, fmt.Errorf("load delivery: %w", err)
	}
	return rec, nil
}

func scanDelivery(row pgx.Row) (EmailDeliveryRecord, error) {
	var (
		rec      EmailDeliveryRecord
		status   string
		metadata []byte
	)
	if err := row.Scan(
		&rec.TrackingID,
		&rec.ProviderMessageID,
		&rec.Provider,
		&rec.Recipient,
		&rec.Subject,
		&rec.AlertID,
		&status,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.OpenedAt,
		&rec.ClickedAt,
		&rec.LastEvent,
		&metadata,
		&rec.UpdatedAt,
	); err != nil {
		return EmailDeliveryRecord{}, err
	}
	rec.Status = DeliveryStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return EmailDeliveryRecord{}, fmt.Errorf("decode delivery metadata: %w", err)
		}
	}
	return rec, nil
}

func newDeliveryStats() DeliveryStats {
	return DeliveryStats{
		ByStatus:   make(map[DeliveryStatus]int64),
		ByProvider: make(map[string]int64),
	}
}

func (s *DeliveryStats) add(status DeliveryStatus, provider string, count int64) {
	s.Total += count
	s.ByStatus[status] += count
	s.ByProvider[provider] += count
}
