package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/metrics"
)

func sampleRecord(id string) alert.Record {
	return alert.Record{
		ID:         id,
		DetectedAt: time.Date(2025, 11, 3, 13, 5, 0, 0, time.UTC),
		Pattern:    alert.PatternVolatilityExtreme,
		Direction:  alert.Long,
		Level:      alert.LevelHigh,
		Instrument: "WINZ25",
		Snapshot: alert.Snapshot{
			Price:  decimal.RequireFromString("106"),
			Entry:  alert.Band{Min: decimal.RequireFromString("99"), Max: decimal.RequireFromString("101")},
			Stop:   decimal.RequireFromString("98"),
			Target: decimal.RequireFromString("105"),
		},
		Confidence: 0.75,
		RiskReward: decimal.RequireFromString("2.5"),
		Status:     alert.StatusDispatching,
	}
}

type fakeChannel struct {
	kind alert.ChannelKind
	fail func(call int) error

	mu    sync.Mutex
	calls int
}

func (f *fakeChannel) Kind() alert.ChannelKind { return f.kind }

func (f *fakeChannel) Deliver(ctx context.Context, rec alert.Record) alert.Attempt {
	return attempt(ctx, f.kind, rec, func(ctx context.Context) error {
		f.mu.Lock()
		f.calls++
		n := f.calls
		f.mu.Unlock()
		if f.fail != nil {
			return f.fail(n)
		}
		return nil
	})
}

func (f *fakeChannel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingOps struct {
	mu     sync.Mutex
	raised []OpsAlert
}

func (r *recordingOps) Raise(_ context.Context, a OpsAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, a)
	return nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(t *testing.T, ch Channels, ops OpsAlerter) (*Orchestrator, *sleepRecorder, *metrics.Set) {
	t.Helper()
	set := metrics.New()
	o, err := NewOrchestrator(ch, DefaultOptions(), ops, set, zerolog.Nop())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	rec := &sleepRecorder{}
	o.sleep = rec.sleep
	return o, rec, set
}

func alwaysFail(int) error { return errors.New("connection refused") }

func TestPrimaryWithoutSubscriberFallsBackToSecondary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	primary := NewStreamingChannel(NewHub(zerolog.Nop()))
	secondary := NewStoreAndForwardChannel(NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop()), zerolog.Nop())
	o, _, set := newTestOrchestrator(t, Channels{Primary: primary, Secondary: secondary}, nil)

	rec := sampleRecord("c-1")
	var audited []alert.Attempt
	res, err := o.Deliver(context.Background(), &rec, func(a alert.Attempt) { audited = append(audited, a) })
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if len(res.Attempts) != 2 || len(audited) != 2 || len(rec.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %d/%d/%d", len(res.Attempts), len(audited), len(rec.Attempts))
	}
	first, second := res.Attempts[0], res.Attempts[1]
	if first.Channel != alert.ChannelStreaming || first.Succeeded() || !strings.Contains(first.Error, "no connected subscriber") {
		t.Fatalf("primary should fail without subscribers: %+v", first)
	}
	if second.Channel != alert.ChannelStoreAndForward || !second.Succeeded() || second.Retry != 0 {
		t.Fatalf("secondary should succeed on first try: %+v", second)
	}
	if second.Latency > 8*time.Second {
		t.Fatalf("secondary outside its budget: %s", second.Latency)
	}
	if !res.Delivered || res.FirstChannel != alert.ChannelStoreAndForward || rec.Status != alert.StatusDelivered {
		t.Fatalf("record should be delivered via secondary: %+v status=%s", res, rec.Status)
	}
	if got := testutil.ToFloat64(set.DeliveryAttempts.WithLabelValues("streaming", "failure")); got != 1 {
		t.Fatalf("primary failure metric = %v", got)
	}
}

func TestPrimarySuccessSkipsFallback(t *testing.T) {
	secondary := &fakeChannel{kind: alert.ChannelStoreAndForward}
	o, _, _ := newTestOrchestrator(t, Channels{
		Primary:   &fakeChannel{kind: alert.ChannelStreaming},
		Secondary: secondary,
	}, nil)

	rec := sampleRecord("p-1")
	res, err := o.Deliver(context.Background(), &rec, nil)
	if err != nil || res.FirstChannel != alert.ChannelStreaming {
		t.Fatalf("primary should deliver: %+v %v", res, err)
	}
	if secondary.Calls() != 0 {
		t.Fatal("secondary must not be tried after primary success")
	}
}

func TestSecondaryRetriesWithBackoff(t *testing.T) {
	secondary := &fakeChannel{kind: alert.ChannelStoreAndForward, fail: func(n int) error {
		if n < 3 {
			return errors.New("502 bad gateway")
		}
		return nil
	}}
	o, sleeps, _ := newTestOrchestrator(t, Channels{Secondary: secondary}, nil)

	rec := sampleRecord("r-1")
	res, err := o.Deliver(context.Background(), &rec, nil)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("expected three tries, got %d", len(res.Attempts))
	}
	for i, a := range res.Attempts {
		if a.Retry != i {
			t.Fatalf("attempt %d has retry %d", i, a.Retry)
		}
	}
	if len(sleeps.waits) != 2 || sleeps.waits[0] != time.Second || sleeps.waits[1] != 2*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", sleeps.waits)
	}
}

func TestAllChannelsExhaustedRaisesOpsAlert(t *testing.T) {
	ops := &recordingOps{}
	o, sleeps, set := newTestOrchestrator(t, Channels{
		Primary:   &fakeChannel{kind: alert.ChannelStreaming, fail: alwaysFail},
		Secondary: &fakeChannel{kind: alert.ChannelStoreAndForward, fail: alwaysFail},
	}, ops)

	rec := sampleRecord("x-1")
	res, err := o.Deliver(context.Background(), &rec, nil)
	if !errors.Is(err, ErrAllChannelsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	// one primary try, one secondary try plus three retries
	if len(res.Attempts) != 5 {
		t.Fatalf("expected 5 attempts, got %d", len(res.Attempts))
	}
	if len(sleeps.waits) != 3 || sleeps.waits[2] != 4*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", sleeps.waits)
	}
	if rec.Status != alert.StatusDeliveryFailed || res.Delivered {
		t.Fatalf("record must be delivery_failed, got %s", rec.Status)
	}
	if len(ops.raised) != 1 || ops.raised[0].AlertID != "x-1" {
		t.Fatalf("ops alert expected: %+v", ops.raised)
	}
	if testutil.ToFloat64(set.OpsAlerts) != 1 {
		t.Fatal("ops alert metric not incremented")
	}
}

func TestTertiaryOnlyWhenSecondaryDegraded(t *testing.T) {
	tertiary := &fakeChannel{kind: alert.ChannelCompactText}
	secondary := &fakeChannel{kind: alert.ChannelStoreAndForward}
	o, _, _ := newTestOrchestrator(t, Channels{Secondary: secondary, Tertiary: tertiary}, nil)

	rec := sampleRecord("t-1")
	if _, err := o.Deliver(context.Background(), &rec, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if tertiary.Calls() != 0 {
		t.Fatal("tertiary is not a default fallback")
	}

	for i := 0; i < 4; i++ {
		o.health[alert.ChannelStoreAndForward].Record(time.Now(), false)
	}
	if !o.TertiaryActive() {
		t.Fatal("tertiary should activate once secondary is degraded")
	}
	secondary.fail = alwaysFail

	rec = sampleRecord("t-2")
	res, err := o.Deliver(context.Background(), &rec, nil)
	if err != nil {
		t.Fatalf("deliver with tertiary: %v", err)
	}
	if res.FirstChannel != alert.ChannelCompactText || tertiary.Calls() != 1 {
		t.Fatalf("tertiary should confirm delivery: %+v", res)
	}
}

func TestRedeliveryIsRefused(t *testing.T) {
	primary := &fakeChannel{kind: alert.ChannelStreaming}
	o, _, _ := newTestOrchestrator(t, Channels{Primary: primary}, nil)

	rec := sampleRecord("d-1")
	if _, err := o.Deliver(context.Background(), &rec, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	again := sampleRecord("d-1")
	if _, err := o.Deliver(context.Background(), &again, nil); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
	if primary.Calls() != 1 {
		t.Fatalf("no second notification expected, got %d calls", primary.Calls())
	}
}

func TestMachineTransitions(t *testing.T) {
	m := NewMachine(RetryPolicy{Backoff: []time.Duration{time.Second}})
	if m.State() != StatePending {
		t.Fatalf("initial state %s", m.State())
	}
	if wait := m.Observe(false); wait != time.Second || m.State() != StateRetrying {
		t.Fatalf("first failure: wait %s state %s", wait, m.State())
	}
	m.Observe(false)
	if m.State() != StateExhausted || !m.Done() {
		t.Fatalf("second failure should exhaust, got %s", m.State())
	}
	m.Observe(true)
	if m.State() != StateExhausted {
		t.Fatal("terminal state must not change")
	}
}

func TestHubBroadcastsToSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch := NewStreamingChannel(hub)
	a := ch.Deliver(context.Background(), sampleRecord("ws-1"))
	if !a.Succeeded() {
		t.Fatalf("streaming delivery should succeed: %+v", a)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	p, err := ParseStreaming(frame)
	if err != nil || !p.Equal(alert.PayloadOf(sampleRecord("ws-1"))) {
		t.Fatalf("frame should carry the canonical payload: %v", err)
	}
}
