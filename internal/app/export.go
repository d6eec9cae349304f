package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
)

// exportRow is one alert with its delivery outcome summarised.
type exportRow struct {
	rec           alert.Record
	attempts      int
	firstChannel  alert.ChannelKind
	firstDelivery time.Duration
	delivered     bool
}

// Export writes audited alerts as CSV and/or a first-delivery latency chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-7 * 24 * time.Hour)
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

	rows, err := loadExportRows(ctx, store, from, to, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}
	a.Logger.Info().Int("alerts", len(rows)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeLatencyPNG(opts.PNGPath, downsampleRows(deliveredRows(rows), opts.MaxPoints)); err != nil {
			return err
		}
	}
	return nil
}

func loadExportRows(ctx context.Context, store audit.Reader, from, to time.Time, limit int) ([]exportRow, error) {
	recs, err := store.Query(ctx, audit.Filter{From: from, To: to, Limit: limit})
	if err != nil {
		return nil, err
	}
	attempts, err := store.Attempts(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byID := make(map[string][]alert.Attempt, len(recs))
	for _, at := range attempts {
		byID[at.AlertID] = append(byID[at.AlertID], at)
	}

	rows := make([]exportRow, 0, len(recs))
	for _, rec := range recs {
		row := exportRow{rec: rec, attempts: len(byID[rec.ID])}
		var first time.Time
		for _, at := range byID[rec.ID] {
			if !at.Succeeded() {
				continue
			}
			done := at.At.Add(at.Latency)
			if first.IsZero() || done.Before(first) {
				first = done
				row.firstChannel = at.Channel
			}
		}
		if !first.IsZero() {
			row.delivered = true
			row.firstDelivery = first.Sub(rec.DetectedAt)
		}
		rows = append(rows, row)
	}
	// oldest first, the order a reader expects in a sheet or chart
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].rec.DetectedAt.Before(rows[j].rec.DetectedAt)
	})
	return rows, nil
}

func deliveredRows(rows []exportRow) []exportRow {
	out := make([]exportRow, 0, len(rows))
	for _, r := range rows {
		if r.delivered {
			out = append(out, r)
		}
	}
	return out
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeAlertsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{
		"detected_at", "id", "instrument", "pattern", "direction", "level", "confidence",
		"price", "entry_min", "entry_max", "stop_loss", "take_profit", "risk_reward",
		"status", "attempts", "first_channel", "first_delivery_ms",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		r := row.rec
		latency := ""
		if row.delivered {
			latency = strconv.FormatInt(row.firstDelivery.Milliseconds(), 10)
		}
		record := []string{
			r.DetectedAt.UTC().Format(time.RFC3339Nano),
			r.ID,
			r.Instrument,
			string(r.Pattern),
			string(r.Direction),
			string(r.Level),
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			r.Snapshot.Price.String(),
			r.Snapshot.Entry.Min.String(),
			r.Snapshot.Entry.Max.String(),
			r.Snapshot.Stop.String(),
			r.Snapshot.Target.String(),
			r.RiskReward.StringFixed(2),
			string(r.Status),
			strconv.Itoa(row.attempts),
			string(row.firstChannel),
			latency,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeLatencyPNG(path string, rows []exportRow) error {
	if len(rows) < 2 {
		return errors.New("at least two delivered alerts are needed for a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	latency := make([]float64, len(rows))
	confidence := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.rec.DetectedAt
		latency[i] = float64(row.firstDelivery.Milliseconds())
		confidence[i] = row.rec.Confidence
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "First delivery (ms)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Confidence",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Detection to first delivery",
				XValues: x,
				YValues: latency,
			},
			chart.TimeSeries{
				Name:    "Confidence",
				XValues: x,
				YValues: confidence,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
