package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-alerts/internal/alert"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const alertColumns = `a.id, a.detected_at, a.pattern, a.direction, a.level, a.instrument,
        a.price, a.entry_min, a.entry_max, a.stop_loss, a.take_profit,
        a.confidence, a.risk_reward, a.signals, a.dedup_key,
        COALESCE(` + latestStatusExpr + `, '')`

type alertRow struct {
	id, pattern, direction, level, instrument string
	price, entryMin, entryMax, stop, target   string
	confidence                                float64
	riskReward, signals, dedupKey, status     string
}

// dest returns scan targets in alertColumns order; detected receives the
// store-specific timestamp.
func (r *alertRow) dest(detected any) []any {
	return []any{
		&r.id, detected, &r.pattern, &r.direction, &r.level, &r.instrument,
		&r.price, &r.entryMin, &r.entryMax, &r.stop, &r.target,
		&r.confidence, &r.riskReward, &r.signals, &r.dedupKey, &r.status,
	}
}

func (r alertRow) record(detectedAt time.Time) (alert.Record, error) {
	rec := alert.Record{
		ID:         r.id,
		DetectedAt: detectedAt.UTC(),
		Pattern:    alert.Pattern(r.pattern),
		Direction:  alert.Direction(r.direction),
		Level:      alert.Level(r.level),
		Instrument: r.instrument,
		Confidence: r.confidence,
		Status:     alert.Status(r.status),
		Signals:    decodeSignals(r.signals),
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"price", r.price, &rec.Snapshot.Price},
		{"entry_min", r.entryMin, &rec.Snapshot.Entry.Min},
		{"entry_max", r.entryMax, &rec.Snapshot.Entry.Max},
		{"stop_loss", r.stop, &rec.Snapshot.Stop},
		{"take_profit", r.target, &rec.Snapshot.Target},
		{"risk_reward", r.riskReward, &rec.RiskReward},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return alert.Record{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}

	key, err := strconv.ParseUint(r.dedupKey, 10, 64)
	if err != nil {
		return alert.Record{}, fmt.Errorf("parse dedup key: %w", err)
	}
	rec.DedupKey = key
	return rec, nil
}

func encodeSignals(ps []alert.Pattern) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func decodeSignals(v string) []alert.Pattern {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]alert.Pattern, len(parts))
	for i, p := range parts {
		out[i] = alert.Pattern(p)
	}
	return out
}

func dedupKeyText(k uint64) string { return strconv.FormatUint(k, 10) }

// rangeBounds turns an open range into concrete bounds.
func rangeBounds(from, to time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	return from, to
}
