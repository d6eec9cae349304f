package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
)

func TestNewRejectsZeroInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestNextTickAlignment(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Second, AlignToBucket: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 11, 3, 13, 0, 7, 0, time.UTC)
	if got, want := s.nextTick(now), now.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("aligned tick: got %s want %s", got, want)
	}
	exact := time.Date(2025, 11, 3, 13, 0, 10, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(10 * time.Second)) {
		t.Fatalf("tick on a boundary must move forward, got %s", got)
	}

	s.opts.AlignToBucket = false
	if got := s.nextTick(now); !got.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("relative tick: got %s", got)
	}
}

func TestRunKeepsTickingAfterFailure(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("sweep failed")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

type stubReader struct {
	from, to time.Time
	stats    audit.Stats
}

func (s *stubReader) Query(context.Context, audit.Filter) ([]alert.Record, error) { return nil, nil }
func (s *stubReader) Get(context.Context, string) (alert.Record, error) {
	return alert.Record{}, audit.ErrNotFound
}
func (s *stubReader) Exists(context.Context, string) (bool, error) { return false, nil }
func (s *stubReader) Attempts(context.Context, time.Time, time.Time) ([]alert.Attempt, error) {
	return nil, nil
}
func (s *stubReader) Stats(_ context.Context, from, to time.Time) (audit.Stats, error) {
	s.from, s.to = from, to
	st := s.stats
	st.From, st.To = from, to
	return st, nil
}

type recordingNotifier struct{ messages []string }

func (r *recordingNotifier) Send(_ context.Context, text string) error {
	r.messages = append(r.messages, text)
	return nil
}

func TestDigestPublish(t *testing.T) {
	reader := &stubReader{stats: audit.Stats{
		Alerts: 10, Delivered: 7, Failed: 1, Duplicates: 2,
		SuccessRate: 0.875, DedupRate: 0.2,
		FirstDelivery: audit.Percentiles{P50: 400 * time.Millisecond, P95: 2 * time.Second, P99: 3 * time.Second},
		Channels: []audit.ChannelStats{
			{Channel: alert.ChannelStreaming, Attempts: 10, Successes: 6, SuccessRate: 0.6},
		},
	}}
	notifier := &recordingNotifier{}
	d, err := NewDigest("0 18 * * *", reader, notifier, zerolog.Nop())
	if err != nil {
		t.Fatalf("new digest: %v", err)
	}

	now := time.Date(2025, 11, 3, 18, 0, 0, 0, time.UTC)
	if err := d.Publish(context.Background(), now); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reader.to.Equal(now) || !reader.from.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("digest should cover the last day, got %s..%s", reader.from, reader.to)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(notifier.messages))
	}
	msg := notifier.messages[0]
	for _, want := range []string{"alerts: 10", "delivered: 7", "success rate: 87.5%", "dedup rate: 20.0%", "streaming: 6/10 ok", "400ms"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("digest missing %q:\n%s", want, msg)
		}
	}
}

func TestDigestWithoutNotifier(t *testing.T) {
	d, err := NewDigest("@daily", &stubReader{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new digest: %v", err)
	}
	if err := d.Publish(context.Background(), time.Now()); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestDigestRejectsBadSpec(t *testing.T) {
	if _, err := NewDigest("every evening", &stubReader{}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected cron parse error")
	}
}
