package audit

// relations lists every audit table; each one rejects UPDATE and DELETE.
var relations = []string{"alerts", "alert_status_history", "delivery_attempts", "operator_actions"}

// sqliteSchema stores timestamps as INTEGER unix nanoseconds and prices as
// decimal text.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id           TEXT PRIMARY KEY,
        detected_at  INTEGER NOT NULL,
        pattern      TEXT NOT NULL,
        direction    TEXT NOT NULL,
        level        TEXT NOT NULL,
        instrument   TEXT NOT NULL,
        price        TEXT NOT NULL,
        entry_min    TEXT NOT NULL,
        entry_max    TEXT NOT NULL,
        stop_loss    TEXT NOT NULL,
        take_profit  TEXT NOT NULL,
        confidence   REAL NOT NULL,
        risk_reward  TEXT NOT NULL,
        signals      TEXT NOT NULL DEFAULT '',
        dedup_key    TEXT NOT NULL,
        recorded_at  INTEGER NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_instrument ON alerts(instrument, detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_pattern ON alerts(pattern, detected_at)`,
	`CREATE TABLE IF NOT EXISTS alert_status_history (
        seq        INTEGER PRIMARY KEY AUTOINCREMENT,
        alert_id   TEXT NOT NULL REFERENCES alerts(id),
        status     TEXT NOT NULL,
        changed_at INTEGER NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_status_alert ON alert_status_history(alert_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_status_status ON alert_status_history(status)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        alert_id     TEXT NOT NULL REFERENCES alerts(id),
        channel      TEXT NOT NULL,
        attempted_at INTEGER NOT NULL,
        outcome      TEXT NOT NULL,
        latency_ns   INTEGER NOT NULL,
        retry_count  INTEGER NOT NULL,
        error        TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_alert ON delivery_attempts(alert_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_at ON delivery_attempts(attempted_at)`,
	`CREATE TABLE IF NOT EXISTS operator_actions (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        alert_id     TEXT NOT NULL REFERENCES alerts(id),
        actor_id     TEXT NOT NULL,
        acted_at     INTEGER NOT NULL,
        decision     TEXT NOT NULL,
        outcome_link TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE INDEX IF NOT EXISTS idx_actions_alert ON operator_actions(alert_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_actor ON operator_actions(actor_id)`,
}

func sqliteImmutability(table string) []string {
	return []string{
		`CREATE TRIGGER IF NOT EXISTS ` + table + `_no_update BEFORE UPDATE ON ` + table +
			` BEGIN SELECT RAISE(ABORT, 'audit rows are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS ` + table + `_no_delete BEFORE DELETE ON ` + table +
			` BEGIN SELECT RAISE(ABORT, 'audit rows are immutable'); END`,
	}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id           TEXT PRIMARY KEY,
        detected_at  TIMESTAMPTZ NOT NULL,
        pattern      TEXT NOT NULL,
        direction    TEXT NOT NULL,
        level        TEXT NOT NULL,
        instrument   TEXT NOT NULL,
        price        NUMERIC NOT NULL,
        entry_min    NUMERIC NOT NULL,
        entry_max    NUMERIC NOT NULL,
        stop_loss    NUMERIC NOT NULL,
        take_profit  NUMERIC NOT NULL,
        confidence   DOUBLE PRECISION NOT NULL,
        risk_reward  NUMERIC NOT NULL,
        signals      TEXT NOT NULL DEFAULT '',
        dedup_key    TEXT NOT NULL,
        recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_instrument ON alerts(instrument, detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_pattern ON alerts(pattern, detected_at)`,
	`CREATE TABLE IF NOT EXISTS alert_status_history (
        seq        BIGSERIAL PRIMARY KEY,
        alert_id   TEXT NOT NULL REFERENCES alerts(id),
        status     TEXT NOT NULL,
        changed_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_status_alert ON alert_status_history(alert_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_status_status ON alert_status_history(status)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
        seq          BIGSERIAL PRIMARY KEY,
        alert_id     TEXT NOT NULL REFERENCES alerts(id),
        channel      TEXT NOT NULL,
        attempted_at TIMESTAMPTZ NOT NULL,
        outcome      TEXT NOT NULL,
        latency_ns   BIGINT NOT NULL,
        retry_count  INTEGER NOT NULL,
        error        TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_alert ON delivery_attempts(alert_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_at ON delivery_attempts(attempted_at)`,
	`CREATE TABLE IF NOT EXISTS operator_actions (
        seq          BIGSERIAL PRIMARY KEY,
        alert_id     TEXT NOT NULL REFERENCES alerts(id),
        actor_id     TEXT NOT NULL,
        acted_at     TIMESTAMPTZ NOT NULL,
        decision     TEXT NOT NULL,
        outcome_link TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE INDEX IF NOT EXISTS idx_actions_alert ON operator_actions(alert_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_actor ON operator_actions(actor_id)`,
	`CREATE OR REPLACE FUNCTION audit_reject_mutation() RETURNS trigger AS $$
    BEGIN
        RAISE EXCEPTION 'audit rows are immutable (% on %)', TG_OP, TG_TABLE_NAME;
    END;
    $$ LANGUAGE plpgsql`,
}

func postgresImmutability(table string) []string {
	return []string{
		`DROP TRIGGER IF EXISTS ` + table + `_immutable ON ` + table,
		`CREATE TRIGGER ` + table + `_immutable BEFORE UPDATE OR DELETE ON ` + table +
			` FOR EACH ROW EXECUTE FUNCTION audit_reject_mutation()`,
	}
}
