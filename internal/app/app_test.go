package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
	"trade-alerts/internal/config"
)

var base = time.Date(2025, 11, 3, 13, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "audit.db") + "\nmonitor:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func seed(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()
	store, err := a.openStore(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	d := decimal.RequireFromString
	for i, id := range []string{"alert-one", "alert-two", "alert-three"} {
		at := base.Add(time.Duration(i) * time.Minute)
		rec := alert.Record{
			ID: id, DetectedAt: at, Pattern: alert.PatternVolatilityExtreme, Direction: alert.Long,
			Level: alert.LevelHigh, Instrument: "WINZ25",
			Snapshot: alert.Snapshot{
				Price: d("106"), Entry: alert.Band{Min: d("99"), Max: d("101")}, Stop: d("98"), Target: d("105"),
			},
			Confidence: 0.75, RiskReward: d("2.5"), DedupKey: uint64(i + 1), Status: alert.StatusNormalized,
		}
		if err := store.RecordAlert(ctx, rec); err != nil {
			t.Fatalf("record alert: %v", err)
		}
		status := alert.StatusDelivered
		outcome := alert.OutcomeSuccess
		if i == 2 {
			status, outcome = alert.StatusDeliveryFailed, alert.OutcomeFailure
		}
		if err := store.RecordDeliveryAttempt(ctx, alert.Attempt{
			AlertID: id, Channel: alert.ChannelStreaming, At: at.Add(time.Duration(i+1) * 100 * time.Millisecond),
			Outcome: outcome, Latency: 10 * time.Millisecond,
		}); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if err := store.RecordStatus(ctx, id, status, at.Add(time.Second)); err != nil {
			t.Fatalf("record status: %v", err)
		}
	}
}

func TestShow(t *testing.T) {
	a, out := newTestApp(t)
	seed(t, a)

	if err := a.Show(context.Background(), ShowOptions{Limit: 10}); err != nil {
		t.Fatalf("show: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and three rows, got:\n%s", out.String())
	}
	if !strings.Contains(lines[1], "alert-th") || !strings.Contains(lines[1], "delivery_failed") {
		t.Fatalf("newest alert should be first: %s", lines[1])
	}

	out.Reset()
	if err := a.Show(context.Background(), ShowOptions{Limit: 10, Status: alert.StatusDeliveryFailed}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(out.String()), "\n")); n != 2 {
		t.Fatalf("status filter should leave one row, got %d lines", n)
	}
}

func TestStatsCommand(t *testing.T) {
	a, out := newTestApp(t)
	seed(t, a)
	from, to := base.Add(-time.Hour), base.Add(time.Hour)

	if err := a.Stats(context.Background(), StatsOptions{From: &from, To: &to}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, want := range []string{"alerts: 3", "delivered: 2", "failed: 1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("stats output missing %q:\n%s", want, out.String())
		}
	}

	if err := a.Stats(context.Background(), StatsOptions{From: &to, To: &from}); err == nil {
		t.Fatal("inverted range should fail")
	}
}

func TestExport(t *testing.T) {
	a, _ := newTestApp(t)
	seed(t, a)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "alerts.csv")
	pngPath := filepath.Join(dir, "out", "latency.png")
	from, to := base.Add(-time.Hour), base.Add(time.Hour)

	if err := a.Export(context.Background(), ExportOptions{From: &from, To: &to, CSVPath: csvPath, PNGPath: pngPath}); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header and three rows, got %d", len(records))
	}
	first := records[1]
	if first[1] != "alert-one" || first[13] != "delivered" || first[16] != "110" {
		t.Fatalf("unexpected first row: %v", first)
	}
	if last := records[3]; last[16] != "" || last[13] != "delivery_failed" {
		t.Fatalf("failed alert must have no latency: %v", last)
	}

	info, err := os.Stat(pngPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}

	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("export without outputs should fail")
	}
}

func TestDownsampleRows(t *testing.T) {
	rows := make([]exportRow, 10)
	for i := range rows {
		rows[i].rec.ID = string(rune('a' + i))
	}
	got := downsampleRows(rows, 4)
	if len(got) != 4 || got[0].rec.ID != "a" || got[3].rec.ID != "j" {
		t.Fatalf("unexpected downsample: %+v", got)
	}
	if len(downsampleRows(rows, 20)) != 10 {
		t.Fatal("short input must pass through")
	}
}

func TestSimulateAlertWithoutSubscribers(t *testing.T) {
	a, out := newTestApp(t)
	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Instrument: "WINZ25",
		Pattern:    alert.PatternVolatilityExtreme,
		Direction:  alert.Long,
		Price:      106, EntryMin: 99, EntryMax: 101, Stop: 98, Target: 105,
		Confidence: 0.75,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out.String(), "status: delivery_failed (failed)") {
		t.Fatalf("a stream with no subscribers must not report delivered:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "streaming retry=0 failure") {
		t.Fatalf("attempt not printed:\n%s", out.String())
	}

	store, err := a.openStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recs, err := store.Query(context.Background(), audit.Filter{Status: alert.StatusDeliveryFailed})
	if err != nil || len(recs) != 1 {
		t.Fatalf("simulated alert should be audited: %v %v", recs, err)
	}
}

func TestRunTasksStopsOnFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	err := runTasks(context.Background(), map[string]func(context.Context) error{
		"fails": func(context.Context) error { return boom },
		"waits": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, zerolog.Nop())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
