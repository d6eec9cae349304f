package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"trade-alerts/internal/audit"
)

// Show prints the most recent audited alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Query(ctx, audit.Filter{
		Instrument: opts.Instrument,
		Status:     opts.Status,
		Limit:      opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tID\tInstrument\tPattern\tDir\tLevel\tPrice\tEntry\tStop\tTarget\tStatus")
	for _, r := range recs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s-%s\t%s\t%s\t%s\n",
			r.DetectedAt.UTC().Format(time.RFC3339),
			shortID(r.ID),
			r.Instrument,
			r.Pattern,
			r.Direction,
			r.Level,
			r.Snapshot.Price.String(),
			r.Snapshot.Entry.Min.String(),
			r.Snapshot.Entry.Max.String(),
			r.Snapshot.Stop.String(),
			r.Snapshot.Target.String(),
			r.Status,
		)
	}
	return writer.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
