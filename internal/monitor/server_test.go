package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
	"trade-alerts/internal/market"
	"trade-alerts/internal/metrics"
	"trade-alerts/internal/service"
)

var base = time.Date(2025, 11, 3, 13, 0, 0, 0, time.UTC)

type fakePipeline struct {
	health service.Health
	err    error
	events []market.OperatorEvent
}

func (f *fakePipeline) Health() service.Health { return f.health }

func (f *fakePipeline) RecordAction(_ context.Context, ev market.OperatorEvent) (alert.OperatorAction, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return alert.OperatorAction{}, f.err
	}
	return alert.OperatorAction{AlertID: ev.AlertID, ActorID: ev.Actor, Decision: alert.Decision(ev.Action), At: base}, nil
}

func record(id string, at time.Time) alert.Record {
	d := decimal.RequireFromString
	return alert.Record{
		ID:         id,
		DetectedAt: at,
		Pattern:    alert.PatternVolatilityExtreme,
		Direction:  alert.Long,
		Level:      alert.LevelHigh,
		Instrument: "WINZ25",
		Snapshot: alert.Snapshot{
			Price:  d("106"),
			Entry:  alert.Band{Min: d("99"), Max: d("101")},
			Stop:   d("98"),
			Target: d("105"),
		},
		Confidence: 0.75,
		RiskReward: d("2.5"),
		DedupKey:   42,
		Status:     alert.StatusNormalized,
	}
}

func newTestServer(t *testing.T, p *fakePipeline) (*Server, *audit.SQLiteStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	store, err := audit.OpenSQLite(ctx, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for i, st := range []alert.Status{alert.StatusDelivered, alert.StatusDeliveryFailed} {
		rec := record(fmt.Sprintf("a-%d", i+1), base.Add(time.Duration(i)*time.Minute))
		if err := store.RecordAlert(ctx, rec); err != nil {
			t.Fatalf("record alert: %v", err)
		}
		if err := store.RecordDeliveryAttempt(ctx, alert.Attempt{
			AlertID: rec.ID, Channel: alert.ChannelStreaming, At: rec.DetectedAt.Add(time.Second),
			Outcome: map[bool]alert.Outcome{true: alert.OutcomeSuccess, false: alert.OutcomeFailure}[st == alert.StatusDelivered],
			Latency: 20 * time.Millisecond,
		}); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if err := store.RecordStatus(ctx, rec.ID, st, rec.DetectedAt.Add(2*time.Second)); err != nil {
			t.Fatalf("record status: %v", err)
		}
	}

	srv := New(Options{QueryLimit: 50, Stream: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})}, p, store, metrics.New(), zerolog.Nop())
	return srv, store
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	p := &fakePipeline{health: service.Health{Status: "ok", QueueDepth: 3, DedupRate: 0.25}}
	srv, _ := newTestServer(t, p)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var h service.Health
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.QueueDepth != 3 || h.DedupRate != 0.25 {
		t.Fatalf("unexpected health: %+v", h)
	}

	p.health = service.Health{Status: "halted", Halted: true, Fault: "disk full"}
	if w := do(t, srv, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("halted pipeline should be 503, got %d", w.Code)
	}
}

func TestGetAlert(t *testing.T) {
	srv, _ := newTestServer(t, &fakePipeline{})

	w := do(t, srv, http.MethodGet, "/api/v1/alerts/a-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		ID       string          `json:"id"`
		Status   alert.Status    `json:"status"`
		View     string          `json:"view"`
		Attempts []alert.Attempt `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != alert.StatusDelivered || got.View != "delivered" || len(got.Attempts) != 1 {
		t.Fatalf("unexpected alert view: %+v", got)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/alerts/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPostAction(t *testing.T) {
	p := &fakePipeline{}
	srv, _ := newTestServer(t, p)

	w := do(t, srv, http.MethodPost, "/api/v1/alerts/a-1/actions", `{"action":"executed","actor":"op-7","outcome_link":"order-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(p.events) != 1 || p.events[0].AlertID != "a-1" || p.events[0].OutcomeLink != "order-1" {
		t.Fatalf("event not forwarded: %+v", p.events)
	}

	if w := do(t, srv, http.MethodPost, "/api/v1/alerts/a-1/actions", `{"action":"executed"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing actor should be 400, got %d", w.Code)
	}

	cases := map[error]int{
		service.ErrInvalidAction: http.StatusBadRequest,
		audit.ErrNotFound:        http.StatusNotFound,
		service.ErrAuditFault:    http.StatusServiceUnavailable,
	}
	for err, code := range cases {
		p.err = fmt.Errorf("wrapped: %w", err)
		if w := do(t, srv, http.MethodPost, "/api/v1/alerts/a-1/actions", `{"action":"executed","actor":"op-7"}`); w.Code != code {
			t.Fatalf("%v: expected %d, got %d", err, code, w.Code)
		}
	}
}

func TestQueryAlerts(t *testing.T) {
	srv, _ := newTestServer(t, &fakePipeline{})

	type listing struct {
		Alerts []struct {
			ID   string `json:"id"`
			View string `json:"view"`
		} `json:"alerts"`
		Count int `json:"count"`
	}
	decode := func(w *httptest.ResponseRecorder) listing {
		t.Helper()
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var l listing
		if err := json.Unmarshal(w.Body.Bytes(), &l); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return l
	}

	if l := decode(do(t, srv, http.MethodGet, "/api/v1/audit/alerts", "")); l.Count != 2 {
		t.Fatalf("expected 2 alerts, got %d", l.Count)
	}
	l := decode(do(t, srv, http.MethodGet, "/api/v1/audit/alerts?status=delivery_failed", ""))
	if l.Count != 1 || l.Alerts[0].ID != "a-2" || l.Alerts[0].View != "failed" {
		t.Fatalf("status filter: %+v", l)
	}
	from := base.Add(30 * time.Second).Format(time.RFC3339)
	if l := decode(do(t, srv, http.MethodGet, "/api/v1/audit/alerts?from="+from, "")); l.Count != 1 {
		t.Fatalf("from filter: %+v", l)
	}
	if l := decode(do(t, srv, http.MethodGet, "/api/v1/audit/alerts?limit=1", "")); l.Count != 1 {
		t.Fatalf("limit: %+v", l)
	}

	for _, q := range []string{"from=yesterday", "status=lost", "limit=-2", "from=2025-11-04T00:00:00Z&to=2025-11-03T00:00:00Z"} {
		if w := do(t, srv, http.MethodGet, "/api/v1/audit/alerts?"+q, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestStatsAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &fakePipeline{})

	w := do(t, srv, http.MethodGet, "/api/v1/audit/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st audit.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Alerts != 2 || st.Delivered != 1 || st.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	w = do(t, srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("metrics endpoint not served: %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/stream", ""); w.Code != http.StatusTeapot {
		t.Fatalf("stream handler not mounted: %d", w.Code)
	}
}
