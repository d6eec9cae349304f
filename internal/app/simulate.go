package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/queue"
)

// SimulateAlert 构造一条模拟机会并走完整的投递与审计流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.Instrument == "" {
		return errors.New("--instrument 不能为空")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- rt.pipeline.Run(runCtx) }()

	rec, decision, err := rt.pipeline.Submit(ctx, alert.Opportunity{
		Instrument: opts.Instrument,
		At:         time.Now().UTC(),
		Pattern:    opts.Pattern,
		Direction:  opts.Direction,
		Confidence: opts.Confidence,
		Signals:    []alert.Pattern{opts.Pattern},
		Price:      opts.Price,
		EntryMin:   opts.EntryMin,
		EntryMax:   opts.EntryMax,
		Stop:       opts.Stop,
		Target:     opts.Target,
	})
	if err != nil {
		stop()
		<-done
		return err
	}

	if decision == queue.Accepted {
		waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := rt.pipeline.WaitIdle(waitCtx, 0)
		cancel()
		if err != nil {
			a.Logger.Warn().Err(err).Str("alert_id", rec.ID).Msg("模拟告警未在超时内完成投递")
		}
	}
	stop()
	<-done

	got, err := rt.store.Get(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("read audited alert: %w", err)
	}
	fmt.Fprintf(a.Out, "alert %s %s %s %s\n", got.ID, got.Instrument, got.Pattern, got.Direction)
	fmt.Fprintf(a.Out, "decision: %s  status: %s (%s)\n", decision, got.Status, got.Status.View())
	for _, at := range got.Attempts {
		fmt.Fprintf(a.Out, "  %s retry=%d %s %s %s\n", at.Channel, at.Retry, at.Outcome, at.Latency, sanitizeInline(at.Error))
	}
	return nil
}
