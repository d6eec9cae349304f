package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/metrics"
)

// Journal wraps a Writer and latches the first write failure. Once halted
// every write returns ErrHalted; nothing is dropped silently.
type Journal struct {
	w       Writer
	metrics *metrics.Set
	logger  zerolog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	fault error
}

var _ Writer = (*Journal)(nil)

// NewJournal builds a journal; timeout bounds each write (0 disables).
func NewJournal(w Writer, timeout time.Duration, set *metrics.Set, logger zerolog.Logger) *Journal {
	if set == nil {
		set = metrics.New()
	}
	return &Journal{
		w:       w,
		metrics: set,
		logger:  logger.With().Str("component", "audit").Logger(),
		timeout: timeout,
	}
}

// Fault returns the latched write failure, if any.
func (j *Journal) Fault() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.fault
}

// Halted reports whether a write has failed.
func (j *Journal) Halted() bool { return j.Fault() != nil }

func (j *Journal) RecordAlert(ctx context.Context, rec alert.Record) error {
	return j.write(ctx, "alerts", rec.ID, func(ctx context.Context) error {
		return j.w.RecordAlert(ctx, rec)
	})
}

func (j *Journal) RecordStatus(ctx context.Context, alertID string, status alert.Status, at time.Time) error {
	return j.write(ctx, "alert_status_history", alertID, func(ctx context.Context) error {
		return j.w.RecordStatus(ctx, alertID, status, at)
	})
}

func (j *Journal) RecordDeliveryAttempt(ctx context.Context, a alert.Attempt) error {
	return j.write(ctx, "delivery_attempts", a.AlertID, func(ctx context.Context) error {
		return j.w.RecordDeliveryAttempt(ctx, a)
	})
}

func (j *Journal) RecordOperatorAction(ctx context.Context, a alert.OperatorAction) error {
	return j.write(ctx, "operator_actions", a.AlertID, func(ctx context.Context) error {
		return j.w.RecordOperatorAction(ctx, a)
	})
}

func (j *Journal) write(ctx context.Context, relation, alertID string, fn func(context.Context) error) error {
	if fault := j.Fault(); fault != nil {
		j.metrics.AuditWrites.WithLabelValues(relation, "refused").Inc()
		return fmt.Errorf("%w: %v", ErrHalted, fault)
	}

	// a cancelled caller must not turn into a lost audit row
	wctx := context.WithoutCancel(ctx)
	if j.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, j.timeout)
		defer cancel()
	}

	if err := fn(wctx); err != nil {
		j.metrics.AuditWrites.WithLabelValues(relation, "error").Inc()
		j.mu.Lock()
		if j.fault == nil {
			j.fault = fmt.Errorf("%s: %w", relation, err)
			j.logger.Error().Err(err).
				Str("relation", relation).
				Str("alert_id", alertID).
				Msg("审计写入失败，流水线已停止")
		}
		j.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrHalted, relation, err)
	}
	j.metrics.AuditWrites.WithLabelValues(relation, "ok").Inc()
	return nil
}
