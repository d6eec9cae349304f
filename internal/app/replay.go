package app

import (
	"context"
	"errors"
	"fmt"

	"trade-alerts/internal/market"
	"trade-alerts/internal/queue"
)

// Replay feeds historic candles from a CSV file through the full pipeline,
// delivering and auditing exactly like the live service.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv is required")
	}
	src, err := market.OpenCSV(opts.CSVPath)
	if err != nil {
		return err
	}
	defer src.Close()

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- rt.pipeline.Run(runCtx) }()

	var candles int
	decisions := make(map[queue.Decision]int)
	var feedErr error
	for {
		c, err := src.NextCandle(ctx)
		if errors.Is(err, market.ErrSourceClosed) {
			break
		}
		if err != nil {
			feedErr = err
			break
		}
		candles++
		outcomes, err := a.processCandle(ctx, rt.pipeline, c)
		if err != nil {
			feedErr = err
			break
		}
		for _, o := range outcomes {
			decisions[o.Decision]++
		}
	}

	if feedErr == nil {
		drainCtx := ctx
		if opts.Drain > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, opts.Drain)
			defer cancel()
		}
		if err := rt.pipeline.WaitIdle(drainCtx, 0); err != nil {
			a.Logger.Warn().Err(err).Int("depth", rt.pipeline.QueueStats().Depth).Msg("replay stopped before the queue drained")
		}
	}
	stop()
	<-done

	a.Logger.Info().
		Int("candles", candles).
		Int("accepted", decisions[queue.Accepted]).
		Int("duplicates", decisions[queue.DuplicateRejected]).
		Int("rate_limited", decisions[queue.RateLimited]).
		Msg("回放完成")
	fmt.Fprintf(a.Out, "candles: %d  accepted: %d  duplicates: %d  rate limited: %d\n",
		candles, decisions[queue.Accepted], decisions[queue.DuplicateRejected], decisions[queue.RateLimited])

	if err := rt.pipeline.Fault(); err != nil {
		return fmt.Errorf("replay halted: %w", err)
	}
	return feedErr
}
