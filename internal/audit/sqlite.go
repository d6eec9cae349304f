package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trade-alerts/internal/alert"
)

const (
	sqliteInsertAlertSQL = `INSERT INTO alerts (
        id, detected_at, pattern, direction, level, instrument,
        price, entry_min, entry_max, stop_loss, take_profit,
        confidence, risk_reward, signals, dedup_key, recorded_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	sqliteInsertStatusSQL = `INSERT INTO alert_status_history (alert_id, status, changed_at) VALUES (?,?,?)`

	sqliteInsertAttemptSQL = `INSERT INTO delivery_attempts (
        alert_id, channel, attempted_at, outcome, latency_ns, retry_count, error
    ) VALUES (?,?,?,?,?,?,?)`

	sqliteInsertActionSQL = `INSERT INTO operator_actions (
        alert_id, actor_id, acted_at, decision, outcome_link
    ) VALUES (?,?,?,?,?)`

	sqliteListAttemptsSQL = `SELECT alert_id, channel, attempted_at, outcome, latency_ns, retry_count, error
    FROM delivery_attempts WHERE alert_id = ? ORDER BY seq`

	sqliteLatestActionSQL = `SELECT alert_id, actor_id, acted_at, decision, outcome_link
    FROM operator_actions WHERE alert_id = ? ORDER BY seq DESC LIMIT 1`

	sqliteRangeAttemptsSQL = `SELECT d.alert_id, d.channel, d.attempted_at, d.outcome, d.latency_ns, d.retry_count, d.error
    FROM delivery_attempts d JOIN alerts a ON a.id = d.alert_id
    WHERE a.detected_at >= ? AND a.detected_at < ?
    ORDER BY d.seq`

	sqliteStatsAlertsSQL = `SELECT a.id, a.detected_at, COALESCE(` + latestStatusExpr + `, '')
    FROM alerts a WHERE a.detected_at >= ? AND a.detected_at < ?`
)

// SQLiteStore is the embedded audit backend. Timestamps are unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		// connection-scoped pragmas must survive pool reconnects
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: pragmas are per connection and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	stmts = append(stmts, sqliteSchema...)
	for _, rel := range relations {
		stmts = append(stmts, sqliteImmutability(rel)...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

func nanos(t time.Time) any { return t.UnixNano() }

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }

// RecordAlert inserts the alert row and its current status in one transaction.
func (s *SQLiteStore) RecordAlert(ctx context.Context, rec alert.Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, sqliteInsertAlertSQL,
		rec.ID,
		rec.DetectedAt.UnixNano(),
		string(rec.Pattern),
		string(rec.Direction),
		string(rec.Level),
		rec.Instrument,
		rec.Snapshot.Price.String(),
		rec.Snapshot.Entry.Min.String(),
		rec.Snapshot.Entry.Max.String(),
		rec.Snapshot.Stop.String(),
		rec.Snapshot.Target.String(),
		rec.Confidence,
		rec.RiskReward.String(),
		encodeSignals(rec.Signals),
		dedupKeyText(rec.DedupKey),
		now.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqliteInsertStatusSQL, rec.ID, string(rec.Status), now.UnixNano()); err != nil {
		return fmt.Errorf("insert alert status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert insert: %w", err)
	}
	return nil
}

// RecordStatus appends a status row.
func (s *SQLiteStore) RecordStatus(ctx context.Context, alertID string, status alert.Status, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteInsertStatusSQL, alertID, string(status), at.UnixNano()); err != nil {
		return fmt.Errorf("insert alert status: %w", err)
	}
	return nil
}

// RecordDeliveryAttempt appends one channel attempt.
func (s *SQLiteStore) RecordDeliveryAttempt(ctx context.Context, a alert.Attempt) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteInsertAttemptSQL,
		a.AlertID,
		string(a.Channel),
		a.At.UnixNano(),
		string(a.Outcome),
		int64(a.Latency),
		a.Retry,
		a.Error,
	); err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// RecordOperatorAction appends an operator decision.
func (s *SQLiteStore) RecordOperatorAction(ctx context.Context, a alert.OperatorAction) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteInsertActionSQL,
		a.AlertID, a.ActorID, a.At.UnixNano(), string(a.Decision), a.OutcomeLink,
	); err != nil {
		return fmt.Errorf("insert operator action: %w", err)
	}
	return nil
}

// Query lists alerts matching f, newest first.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]alert.Record, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	where, args := f.where(func(int) string { return "?" }, nanos)
	query := `SELECT ` + alertColumns + ` FROM alerts a` + where + ` ORDER BY a.detected_at DESC, a.id LIMIT ?`
	args = append(args, f.limit())

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]alert.Record, 0)
	for rows.Next() {
		rec, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one alert with its attempts and latest operator action.
func (s *SQLiteStore) Get(ctx context.Context, id string) (alert.Record, error) {
	db, err := s.getDB()
	if err != nil {
		return alert.Record{}, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts a WHERE a.id = ?`, id)
	rec, err := scanSQLiteAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return alert.Record{}, err
	}

	attempts, err := s.listAttempts(ctx, db, sqliteListAttemptsSQL, id)
	if err != nil {
		return alert.Record{}, err
	}
	rec.Attempts = attempts

	var (
		action alert.OperatorAction
		at     int64
	)
	err = db.QueryRowContext(ctx, sqliteLatestActionSQL, id).Scan(
		&action.AlertID, &action.ActorID, &at, &action.Decision, &action.OutcomeLink)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return alert.Record{}, fmt.Errorf("load operator action: %w", err)
	default:
		action.At = fromNanos(at)
		rec.Action = &action
	}
	return rec, nil
}

// Exists reports whether an alert row exists.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check alert: %w", err)
	}
	return n > 0, nil
}

// Attempts lists attempts for alerts detected within [from, to).
func (s *SQLiteStore) Attempts(ctx context.Context, from, to time.Time) ([]alert.Attempt, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	from, to = rangeBounds(from, to)
	return s.listAttempts(ctx, db, sqliteRangeAttemptsSQL, from.UnixNano(), to.UnixNano())
}

// Stats aggregates alerts detected within [from, to).
func (s *SQLiteStore) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	db, err := s.getDB()
	if err != nil {
		return Stats{}, err
	}
	lo, hi := rangeBounds(from, to)

	rows, err := db.QueryContext(ctx, sqliteStatsAlertsSQL, lo.UnixNano(), hi.UnixNano())
	if err != nil {
		return Stats{}, fmt.Errorf("stats alerts: %w", err)
	}
	var alerts []statsAlert
	for rows.Next() {
		var (
			a      statsAlert
			at     int64
			status string
		)
		if err := rows.Scan(&a.id, &at, &status); err != nil {
			rows.Close()
			return Stats{}, err
		}
		a.detectedAt = fromNanos(at)
		a.status = alert.Status(status)
		alerts = append(alerts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	attempts, err := s.listAttempts(ctx, db, sqliteRangeAttemptsSQL, lo.UnixNano(), hi.UnixNano())
	if err != nil {
		return Stats{}, err
	}
	return computeStats(from, to, alerts, attempts), nil
}

func (s *SQLiteStore) listAttempts(ctx context.Context, db *sql.DB, query string, args ...any) ([]alert.Attempt, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]alert.Attempt, 0)
	for rows.Next() {
		var (
			a       alert.Attempt
			at      int64
			latency int64
		)
		if err := rows.Scan(&a.AlertID, &a.Channel, &at, &a.Outcome, &latency, &a.Retry, &a.Error); err != nil {
			return nil, err
		}
		a.At = fromNanos(at)
		a.Latency = time.Duration(latency)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSQLiteAlert(s rowScanner) (alert.Record, error) {
	var (
		r  alertRow
		at int64
	)
	if err := s.Scan(r.dest(&at)...); err != nil {
		return alert.Record{}, err
	}
	return r.record(fromNanos(at))
}
