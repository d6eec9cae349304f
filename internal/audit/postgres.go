package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/config"
)

const (
	pgInsertAlertSQL = `INSERT INTO alerts (
        id,
        detected_at,
        pattern,
        direction,
        level,
        instrument,
        price,
        entry_min,
        entry_max,
        stop_loss,
        take_profit,
        confidence,
        risk_reward,
        signals,
        dedup_key
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    );`

	pgInsertStatusSQL = `INSERT INTO alert_status_history (alert_id, status, changed_at) VALUES ($1,$2,$3);`

	pgInsertAttemptSQL = `INSERT INTO delivery_attempts (
        alert_id,
        channel,
        attempted_at,
        outcome,
        latency_ns,
        retry_count,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	pgInsertActionSQL = `INSERT INTO operator_actions (
        alert_id,
        actor_id,
        acted_at,
        decision,
        outcome_link
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	pgListAttemptsSQL = `SELECT alert_id, channel, attempted_at, outcome, latency_ns, retry_count, error
    FROM delivery_attempts
    WHERE alert_id = $1
    ORDER BY seq;`

	pgLatestActionSQL = `SELECT alert_id, actor_id, acted_at, decision, outcome_link
    FROM operator_actions
    WHERE alert_id = $1
    ORDER BY seq DESC
    LIMIT 1;`

	pgRangeAttemptsSQL = `SELECT d.alert_id, d.channel, d.attempted_at, d.outcome, d.latency_ns, d.retry_count, d.error
    FROM delivery_attempts d
    JOIN alerts a ON a.id = d.alert_id
    WHERE a.detected_at >= $1
      AND a.detected_at < $2
    ORDER BY d.seq;`

	pgStatsAlertsSQL = `SELECT a.id, a.detected_at, COALESCE(` + latestStatusExpr + `, '')
    FROM alerts a
    WHERE a.detected_at >= $1
      AND a.detected_at < $2;`

	pgExistsSQL = `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1);`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresStore persists the audit log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wires a pgx pool into a store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the relations, indexes and immutability triggers.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	stmts := append([]string{}, postgresSchema...)
	for _, rel := range relations {
		stmts = append(stmts, postgresImmutability(rel)...)
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordAlert inserts the alert row and its current status in one transaction.
func (s *PostgresStore) RecordAlert(ctx context.Context, rec alert.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin alert insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgInsertAlertSQL,
		rec.ID,
		rec.DetectedAt,
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
	); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if _, err := tx.Exec(ctx, pgInsertStatusSQL, rec.ID, string(rec.Status), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert alert status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit alert insert: %w", err)
	}
	return nil
}

// RecordStatus appends a status row.
func (s *PostgresStore) RecordStatus(ctx context.Context, alertID string, status alert.Status, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertStatusSQL, alertID, string(status), at); err != nil {
		return fmt.Errorf("insert alert status: %w", err)
	}
	return nil
}

// RecordDeliveryAttempt appends one channel attempt.
func (s *PostgresStore) RecordDeliveryAttempt(ctx context.Context, a alert.Attempt) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertAttemptSQL,
		a.AlertID,
		string(a.Channel),
		a.At,
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
func (s *PostgresStore) RecordOperatorAction(ctx context.Context, a alert.OperatorAction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertActionSQL,
		a.AlertID, a.ActorID, a.At, string(a.Decision), a.OutcomeLink,
	); err != nil {
		return fmt.Errorf("insert operator action: %w", err)
	}
	return nil
}

// Query lists alerts matching f, newest first.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]alert.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	where, args := f.where(func(n int) string { return fmt.Sprintf("$%d", n) }, func(t time.Time) any { return t })
	args = append(args, f.limit())
	query := fmt.Sprintf(`SELECT %s FROM alerts a%s ORDER BY a.detected_at DESC, a.id LIMIT $%d;`,
		alertColumns, where, len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]alert.Record, 0)
	for rows.Next() {
		rec, err := scanPostgresAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// Get returns one alert with its attempts and latest operator action.
func (s *PostgresStore) Get(ctx context.Context, id string) (alert.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return alert.Record{}, err
	}

	rec, err := scanPostgresAlert(pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts a WHERE a.id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return alert.Record{}, err
	}

	if rec.Attempts, err = s.listAttempts(ctx, pool, pgListAttemptsSQL, id); err != nil {
		return alert.Record{}, err
	}

	var action alert.OperatorAction
	err = pool.QueryRow(ctx, pgLatestActionSQL, id).Scan(
		&action.AlertID, &action.ActorID, &action.At, &action.Decision, &action.OutcomeLink)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return alert.Record{}, fmt.Errorf("load operator action: %w", err)
	default:
		action.At = action.At.UTC()
		rec.Action = &action
	}
	return rec, nil
}

// Exists reports whether an alert row exists.
func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var ok bool
	if err := pool.QueryRow(ctx, pgExistsSQL, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("check alert: %w", err)
	}
	return ok, nil
}

// Attempts lists attempts for alerts detected within [from, to).
func (s *PostgresStore) Attempts(ctx context.Context, from, to time.Time) ([]alert.Attempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	from, to = rangeBounds(from, to)
	return s.listAttempts(ctx, pool, pgRangeAttemptsSQL, from, to)
}

// Stats aggregates alerts detected within [from, to).
func (s *PostgresStore) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return Stats{}, err
	}
	lo, hi := rangeBounds(from, to)

	rows, err := pool.Query(ctx, pgStatsAlertsSQL, lo, hi)
	if err != nil {
		return Stats{}, fmt.Errorf("stats alerts: %w", err)
	}
	var alerts []statsAlert
	for rows.Next() {
		var (
			a      statsAlert
			status string
		)
		if err := rows.Scan(&a.id, &a.detectedAt, &status); err != nil {
			rows.Close()
			return Stats{}, err
		}
		a.status = alert.Status(status)
		alerts = append(alerts, a)
	}
	rows.Close()
	if rows.Err() != nil {
		return Stats{}, rows.Err()
	}

	attempts, err := s.listAttempts(ctx, pool, pgRangeAttemptsSQL, lo, hi)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(from, to, alerts, attempts), nil
}

func (s *PostgresStore) listAttempts(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]alert.Attempt, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]alert.Attempt, 0)
	for rows.Next() {
		var (
			a       alert.Attempt
			latency int64
		)
		if err := rows.Scan(&a.AlertID, &a.Channel, &a.At, &a.Outcome, &latency, &a.Retry, &a.Error); err != nil {
			return nil, err
		}
		a.At = a.At.UTC()
		a.Latency = time.Duration(latency)
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanPostgresAlert(s rowScanner) (alert.Record, error) {
	var (
		r  alertRow
		at time.Time
	)
	if err := s.Scan(r.dest(&at)...); err != nil {
		return alert.Record{}, err
	}
	return r.record(at)
}
