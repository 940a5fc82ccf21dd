package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	condition TEXT NOT NULL,
	channels TEXT NOT NULL,
	cooldown_minutes INTEGER NOT NULL DEFAULT 0,
	max_per_hour INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	last_triggered_at INTEGER
);

CREATE TABLE IF NOT EXISTS alert_triggers (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	alert_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	condition TEXT NOT NULL,
	triggered_value REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	delivery_status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	successes INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(active);
CREATE INDEX IF NOT EXISTS idx_triggers_alert ON alert_triggers(alert_id);
`

// OpenSQLite opens a SQLite database in WAL mode and creates the schema.
// The same handle can back both SQLiteStore and SQLiteHistory.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.NewStoreError("sqlite", "open", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.NewStoreError("sqlite", "init schema", err)
	}
	return db, nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// SQLiteStore implements AlertStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates an AlertStore on an open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const alertColumns = `id, symbol, condition, channels, cooldown_minutes, max_per_hour, active, created_at, last_triggered_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a         models.Alert
		channels  string
		active    int
		createdAt int64
		lastTrig  sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Symbol, &a.Condition, &channels, &a.CooldownMinutes,
		&a.MaxPerHour, &active, &createdAt, &lastTrig); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(channels), &a.Channels); err != nil {
		return nil, fmt.Errorf("decoding channels of alert %s: %w", a.ID, err)
	}
	a.Active = active == 1
	a.CreatedAt = fromNanos(createdAt)
	if lastTrig.Valid {
		t := fromNanos(lastTrig.Int64)
		a.LastTriggeredAt = &t
	}
	return &a, nil
}

// Insert saves a new alert.
func (s *SQLiteStore) Insert(ctx context.Context, alert *models.Alert) error {
	channels, err := json.Marshal(alert.Channels)
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}
	active := 0
	if alert.Active {
		active = 1
	}
	var lastTrig sql.NullInt64
	if alert.LastTriggeredAt != nil {
		lastTrig = sql.NullInt64{Int64: toNanos(*alert.LastTriggeredAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.Symbol, alert.Condition, string(channels), alert.CooldownMinutes,
		alert.MaxPerHour, active, toNanos(alert.CreatedAt), lastTrig)
	if err != nil {
		return apperrors.NewStoreError("sqlite", "insert alert", err)
	}
	return nil
}

// Get retrieves an alert by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreError("sqlite", "get alert", err)
	}
	return a, nil
}

// List retrieves alerts ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, activeOnly bool) ([]*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.NewStoreError("sqlite", "list alerts", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, apperrors.NewStoreError("sqlite", "scan alert", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SetActive enables or disables an alert.
func (s *SQLiteStore) SetActive(ctx context.Context, id string, active bool) (*models.Alert, error) {
	flag := 0
	if active {
		flag = 1
	}
	result, err := s.db.ExecContext(ctx, `UPDATE alerts SET active = ? WHERE id = ?`, flag, id)
	if err != nil {
		return nil, apperrors.NewStoreError("sqlite", "toggle alert", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// Delete removes an alert.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return false, apperrors.NewStoreError("sqlite", "delete alert", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// MarkTriggered records the last trigger time of an alert.
func (s *SQLiteStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET last_triggered_at = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return apperrors.NewStoreError("sqlite", "mark triggered", err)
	}
	return nil
}

// Count returns the number of alerts and active alerts.
func (s *SQLiteStore) Count(ctx context.Context) (total, active int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active), 0) FROM alerts`).Scan(&total, &active)
	if err != nil {
		return 0, 0, apperrors.NewStoreError("sqlite", "count alerts", err)
	}
	return total, active, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLiteHistory implements HistoryLog using SQLite.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a HistoryLog on an open database.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// Append records a trigger.
func (h *SQLiteHistory) Append(ctx context.Context, t *models.AlertTrigger) error {
	status, err := json.Marshal(t.DeliveryStatus)
	if err != nil {
		return fmt.Errorf("encoding delivery status: %w", err)
	}
	attempts, successes := t.Deliveries()

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO alert_triggers (id, alert_id, symbol, condition, triggered_value, timestamp, delivery_status, attempts, successes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AlertID, t.Symbol, t.Condition, t.TriggeredValue, toNanos(t.Timestamp), string(status), attempts, successes)
	if err != nil {
		return apperrors.NewStoreError("sqlite", "append trigger", err)
	}
	return nil
}

// Recent returns the latest triggers, most recent first.
func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]*models.AlertTrigger, error) {
	triggers := make([]*models.AlertTrigger, 0)
	if limit <= 0 {
		return triggers, nil
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, alert_id, symbol, condition, triggered_value, timestamp, delivery_status
		FROM alert_triggers ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.NewStoreError("sqlite", "query history", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t      models.AlertTrigger
			ts     int64
			status string
		)
		if err := rows.Scan(&t.ID, &t.AlertID, &t.Symbol, &t.Condition, &t.TriggeredValue, &ts, &status); err != nil {
			return nil, apperrors.NewStoreError("sqlite", "scan trigger", err)
		}
		t.Timestamp = fromNanos(ts)
		if err := json.Unmarshal([]byte(status), &t.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("decoding delivery status of trigger %s: %w", t.ID, err)
		}
		triggers = append(triggers, &t)
	}
	return triggers, rows.Err()
}

// Totals aggregates trigger and delivery counts.
func (h *SQLiteHistory) Totals(ctx context.Context) (HistoryTotals, error) {
	var totals HistoryTotals
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(attempts), 0), COALESCE(SUM(successes), 0) FROM alert_triggers
	`).Scan(&totals.Triggers, &totals.Deliveries, &totals.Successes)
	if err != nil {
		return HistoryTotals{}, apperrors.NewStoreError("sqlite", "history totals", err)
	}
	return totals, nil
}

// Close closes the database connection.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
