// Package audit is the append-only record of detections, status changes,
// delivery attempts and operator actions.
//
// The interfaces expose inserts and reads only; both stores also install
// triggers that reject UPDATE and DELETE on every audit relation.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"trade-alerts/internal/alert"
)

var (
	// ErrNotConfigured indicates the store was not initialised.
	ErrNotConfigured = errors.New("audit: store not configured")
	// ErrNotFound is returned for an unknown alert id.
	ErrNotFound = errors.New("audit: alert not found")
	// ErrHalted is returned by a Journal after its first write failure.
	ErrHalted = errors.New("audit: journal halted after write failure")
)

// Writer is the insert-only side of the audit log.
type Writer interface {
	RecordAlert(ctx context.Context, rec alert.Record) error
	RecordStatus(ctx context.Context, alertID string, status alert.Status, at time.Time) error
	RecordDeliveryAttempt(ctx context.Context, a alert.Attempt) error
	RecordOperatorAction(ctx context.Context, a alert.OperatorAction) error
}

// Reader answers audit queries.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]alert.Record, error)
	Get(ctx context.Context, id string) (alert.Record, error)
	Exists(ctx context.Context, id string) (bool, error)
	Attempts(ctx context.Context, from, to time.Time) ([]alert.Attempt, error)
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
}

// Store is a complete audit backend.
type Store interface {
	Writer
	Reader
	Close() error
}

// Filter selects alert rows. Zero fields do not filter.
type Filter struct {
	From       time.Time
	To         time.Time
	Instrument string
	Pattern    alert.Pattern
	Operator   string
	Status     alert.Status
	Limit      int
}

const defaultQueryLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	return f.Limit
}

// where renders the filter with ph producing the n-th placeholder.
func (f Filter) where(ph func(n int) string, ts func(time.Time) any) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", ph(len(args))))
	}
	if !f.From.IsZero() {
		add("a.detected_at >= ?", ts(f.From))
	}
	if !f.To.IsZero() {
		add("a.detected_at < ?", ts(f.To))
	}
	if f.Instrument != "" {
		add("a.instrument = ?", f.Instrument)
	}
	if f.Pattern != "" {
		add("a.pattern = ?", string(f.Pattern))
	}
	if f.Operator != "" {
		add("EXISTS (SELECT 1 FROM operator_actions o WHERE o.alert_id = a.id AND o.actor_id = ?)", f.Operator)
	}
	if f.Status != "" {
		add(latestStatusExpr+" = ?", string(f.Status))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const latestStatusExpr = `(SELECT h.status FROM alert_status_history h WHERE h.alert_id = a.id ORDER BY h.seq DESC LIMIT 1)`
