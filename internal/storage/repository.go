package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	alertColumns = `id, user_id, coin_id, target_price::text, direction, currency, is_active,
        created_at, triggered_at, trigger_price::text, note, notify_email, email_address,
        notify_browser, metadata`

	insertAlertSQL = `INSERT INTO price_alerts (
        user_id,
        coin_id,
        target_price,
        direction,
        currency,
        is_active,
        note,
        notify_email,
        email_address,
        notify_browser,
        metadata
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING ` + alertColumns + `;`

	getAlertSQL = `SELECT ` + alertColumns + ` FROM price_alerts WHERE id = $1;`

	listActiveAlertsSQL = `SELECT ` + alertColumns + `
    FROM price_alerts
    WHERE is_active AND triggered_at IS NULL
    ORDER BY id;`

	markTriggeredSQL = `UPDATE price_alerts
    SET triggered_at = $2, trigger_price = $3, is_active = false
    WHERE id = $1 AND is_active AND triggered_at IS NULL;`

	deactivateAlertSQL = `UPDATE price_alerts
    SET is_active = false
    WHERE id = $1 AND is_active;`

	appendHistorySQL = `INSERT INTO alert_history (alert_id, action, changes, created_at)
    VALUES ($1,$2,$3,$4);`

	listHistorySQL = `SELECT id, alert_id, action, changes, created_at
    FROM alert_history
    WHERE alert_id = $1
    ORDER BY created_at, id;`

	triggerLogColumns = `id, alert_id, coin_id, current_price::text, target_price::text, direction,
        currency, email_sent, browser_notification_sent, created_at`

	insertTriggerLogSQL = `INSERT INTO alert_trigger_logs (
        alert_id,
        coin_id,
        current_price,
        target_price,
        direction,
        currency,
        email_sent,
        browser_notification_sent,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING ` + triggerLogColumns + `;`

	listRecentTriggerLogsSQL = `SELECT ` + triggerLogColumns + `
    FROM alert_trigger_logs
    ORDER BY created_at DESC
    LIMIT $1;`

	listTriggerLogsBetweenSQL = `SELECT ` + triggerLogColumns + `
    FROM alert_trigger_logs
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore persists price alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert PriceAlert) (PriceAlert, error)
	GetAlert(ctx context.Context, id int64) (PriceAlert, error)
	ListActiveAlerts(ctx context.Context) ([]PriceAlert, error)
	// MarkTriggered sets triggered_at and clears is_active in one step. It
	// returns false when the alert was already triggered or inactive.
	MarkTriggered(ctx context.Context, id int64, at time.Time, price decimal.Decimal) (bool, error)
	DeactivateAlert(ctx context.Context, id int64) (bool, error)
}

// HistoryStore appends alert audit records.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry AlertHistoryEntry) error
	ListHistory(ctx context.Context, alertID int64) ([]AlertHistoryEntry, error)
}

// TriggerLogStore records alert firings.
type TriggerLogStore interface {
	InsertTriggerLog(ctx context.Context, log AlertTriggerLog) (AlertTriggerLog, error)
	ListRecentTriggerLogs(ctx context.Context, limit int) ([]AlertTriggerLog, error)
	ListTriggerLogsBetween(ctx context.Context, from, to time.Time) ([]AlertTriggerLog, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the application persists.
type Repository interface {
	AlertStore
	HistoryStore
	TriggerLogStore
	DeliveryStore
	RetryQueueStore
	Close()
}

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists a new alert.
func (s *Store) InsertAlert(ctx context.Context, alert PriceAlert) (PriceAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceAlert{}, err
	}

	metadata, err := marshalJSON(alert.Metadata)
	if err != nil {
		return PriceAlert{}, fmt.Errorf("marshal alert metadata: %w", err)
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.UserID,
		alert.CoinID,
		alert.TargetPrice.String(),
		string(alert.Direction),
		alert.Currency,
		alert.IsActive,
		alert.Note,
		alert.NotifyEmail,
		alert.EmailAddress,
		alert.NotifyBrowser,
		metadata,
	)
	rec, err := scanAlert(row)
	if err != nil {
		return PriceAlert{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// GetAlert loads a single alert.
func (s *Store) GetAlert(ctx context.Context, id int64) (PriceAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceAlert{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PriceAlert{}, ErrNotFound
	}
	if err != nil {
		return PriceAlert{}, fmt.Errorf("get alert %d: %w", id, err)
	}
	return rec, nil
}

// ListActiveAlerts lists alerts that are still watching.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]PriceAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]PriceAlert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// MarkTriggered fires an alert with a conditional update. It reports false
// when the alert was already triggered or inactive.
func (s *Store) MarkTriggered(ctx context.Context, id int64, at time.Time, price decimal.Decimal) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, markTriggeredSQL, id, at, price.String())
	if execErr != nil {
		return false, fmt.Errorf("mark alert %d triggered: %w", id, execErr)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// DeactivateAlert turns an active alert off without triggering it.
func (s *Store) DeactivateAlert(ctx context.Context, id int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateAlertSQL, id)
	if execErr != nil {
		return false, fmt.Errorf("deactivate alert %d: %w", id, execErr)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// AppendHistory writes an audit entry.
func (s *Store) AppendHistory(ctx context.Context, entry AlertHistoryEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	changes, err := marshalJSON(entry.Changes)
	if err != nil {
		return fmt.Errorf("marshal history changes: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, appendHistorySQL, entry.AlertID, string(entry.Action), changes, ts); execErr != nil {
		return fmt.Errorf("append alert history: %w", execErr)
	}
	return nil
}

// ListHistory returns the audit trail of an alert, oldest first.
func (s *Store) ListHistory(ctx context.Context, alertID int64) ([]AlertHistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, alertID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert history: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]AlertHistoryEntry, 0)
	for rows.Next() {
		var (
			entry   AlertHistoryEntry
			action  string
			changes []byte
		)
		if err := rows.Scan(&entry.ID, &entry.AlertID, &action, &changes, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Action = HistoryAction(action)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &entry.Changes); err != nil {
				return nil, fmt.Errorf("decode history changes: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// InsertTriggerLog records a firing.
func (s *Store) InsertTriggerLog(ctx context.Context, log AlertTriggerLog) (AlertTriggerLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertTriggerLog{}, err
	}
	ts := log.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	row := pool.QueryRow(ctx, insertTriggerLogSQL,
		log.AlertID,
		log.CoinID,
		log.CurrentPrice.String(),
		log.TargetPrice.String(),
		string(log.Direction),
		log.Currency,
		log.EmailSent,
		log.BrowserNotificationSent,
		ts,
	)
	rec, err := scanTriggerLog(row)
	if err != nil {
		return AlertTriggerLog{}, fmt.Errorf("insert trigger log: %w", err)
	}
	return rec, nil
}

// ListRecentTriggerLogs lists the most recent firings, newest first.
func (s *Store) ListRecentTriggerLogs(ctx context.Context, limit int) ([]AlertTriggerLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentTriggerLogsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trigger logs: %w", queryErr)
	}
	return collectTriggerLogs(rows)
}

// ListTriggerLogsBetween lists firings within a time window.
func (s *Store) ListTriggerLogsBetween(ctx context.Context, from, to time.Time) ([]AlertTriggerLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listTriggerLogsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list trigger logs between: %w", queryErr)
	}
	return collectTriggerLogs(rows)
}

func collectTriggerLogs(rows pgx.Rows) ([]AlertTriggerLog, error) {
	defer rows.Close()

	logs := make([]AlertTriggerLog, 0)
	for rows.Next() {
		rec, err := scanTriggerLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return logs, nil
}

func scanAlert(row pgx.Row) (PriceAlert, error) {
	var (
		alert        PriceAlert
		targetStr    string
		direction    string
		triggeredAt  *time.Time
		triggerPrice *string
		metadata     []byte
	)
	if err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alert.CoinID,
		&targetStr,
		&direction,
		&alert.Currency,
		&alert.IsActive,
		&alert.CreatedAt,
		&triggeredAt,
		&triggerPrice,
		&alert.Note,
		&alert.NotifyEmail,
		&alert.EmailAddress,
		&alert.NotifyBrowser,
		&metadata,
	); err != nil {
		return PriceAlert{}, err
	}

	target, err := decimal.NewFromString(targetStr)
	if err != nil {
		return PriceAlert{}, fmt.Errorf("parse target price: %w", err)
	}
	alert.TargetPrice = target
	alert.Direction = Direction(direction)
	alert.TriggeredAt = triggeredAt

	if triggerPrice != nil {
		price, err := decimal.NewFromString(*triggerPrice)
		if err != nil {
			return PriceAlert{}, fmt.Errorf("parse trigger price: %w", err)
		}
		alert.TriggerPrice = &price
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alert.Metadata); err != nil {
			return PriceAlert{}, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return alert, nil
}

func scanTriggerLog(row pgx.Row) (AlertTriggerLog, error) {
	var (
		rec        AlertTriggerLog
		currentStr string
		targetStr  string
		direction  string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.CoinID,
		&currentStr,
		&targetStr,
		&direction,
		&rec.Currency,
		&rec.EmailSent,
		&rec.BrowserNotificationSent,
		&rec.Timestamp,
	); err != nil {
		return AlertTriggerLog{}, err
	}

	var convErr error
	rec.CurrentPrice, convErr = decimal.NewFromString(currentStr)
	if convErr != nil {
		return AlertTriggerLog{}, fmt.Errorf("parse current price: %w", convErr)
	}
	rec.TargetPrice, convErr = decimal.NewFromString(targetStr)
	if convErr != nil {
		return AlertTriggerLog{}, fmt.Errorf("parse target price: %w", convErr)
	}
	rec.Direction = Direction(direction)
	return rec, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}
