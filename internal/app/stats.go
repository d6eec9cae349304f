package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trade-alerts/internal/scheduler"
)

// Stats prints audit statistics for a detection-time range, the last day by default.
func (a *App) Stats(ctx context.Context, opts StatsOptions) error {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx, from, to)
	if err != nil {
		return err
	}
	if opts.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, err = fmt.Fprintln(a.Out, scheduler.FormatDigest(st))
	return err
}
