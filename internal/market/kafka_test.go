package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// scriptedReader replays a fixed message list, then reports the context error.
type scriptedReader struct {
	msgs   []kafka.Message
	closed bool
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func TestReaderConfigGroupPerTopic(t *testing.T) {
	candles, err := readerConfig(KafkaOptions{Brokers: []string{"k:9092"}, GroupID: "tradealerts", Topic: "candles"})
	if err != nil {
		t.Fatal(err)
	}
	actions, err := readerConfig(KafkaOptions{Brokers: []string{"k:9092"}, GroupID: "tradealerts", Topic: "operator-actions"})
	if err != nil {
		t.Fatal(err)
	}
	if candles.GroupID != "tradealerts.candles" || actions.GroupID != "tradealerts.operator-actions" {
		t.Fatalf("groups must differ per topic: %q %q", candles.GroupID, actions.GroupID)
	}
	if candles.MaxWait != time.Second {
		t.Fatalf("default max wait should be 1s, got %s", candles.MaxWait)
	}

	if _, err := readerConfig(KafkaOptions{Topic: "candles"}); err == nil {
		t.Fatal("missing brokers should fail")
	}
	if _, err := readerConfig(KafkaOptions{Brokers: []string{"k:9092"}}); err == nil {
		t.Fatal("missing topic should fail")
	}
}

func TestKafkaCandleSourceSkipsBadMessages(t *testing.T) {
	reader := &scriptedReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`not json`)},
		{Offset: 2, Value: []byte(`{"instrument":"WINZ25","timestamp":"2025-11-03T13:00:00Z","open":100,"high":101,"low":99,"close":0,"volume":1}`)},
		{Offset: 3, Key: []byte("WINZ25"), Value: []byte(`{"timestamp":"2025-11-03T10:00:00-03:00","open":100,"high":101,"low":99,"close":100.5,"volume":1}`)},
	}}
	src := newKafkaCandleSource(reader, "candles", zerolog.Nop())

	c, err := src.NextCandle(context.Background())
	if err != nil {
		t.Fatalf("next candle: %v", err)
	}
	want := time.Date(2025, 11, 3, 13, 0, 0, 0, time.UTC)
	if c.Instrument != "WINZ25" || c.Close != 100.5 || !c.Timestamp.Equal(want) || c.Timestamp.Location() != time.UTC {
		t.Fatalf("unexpected candle: %+v", c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.NextCandle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the reader error, got %v", err)
	}
	if err := src.Close(); err != nil || !reader.closed {
		t.Fatal("close should reach the reader")
	}
}

func TestDecodeAction(t *testing.T) {
	at := time.Date(2025, 11, 3, 13, 1, 0, 0, time.UTC)
	evt, err := decodeAction(kafka.Message{Time: at, Value: []byte(`{"alert_id":"a-1","action":"executed","actor":"desk-7"}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.AlertID != "a-1" || evt.Actor != "desk-7" || !evt.Timestamp.Equal(at) {
		t.Fatalf("unexpected event: %+v", evt)
	}

	for _, body := range []string{`{`, `{"alert_id":"a-1","action":"executed"}`, `{"actor":"desk-7"}`} {
		if _, err := decodeAction(kafka.Message{Value: []byte(body)}); !errors.Is(err, errSkip) {
			t.Fatalf("%s should be skipped, got %v", body, err)
		}
	}
}

func TestKafkaActionSourceReturnsFirstValid(t *testing.T) {
	reader := &scriptedReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"action":"executed"}`)},
		{Offset: 2, Value: []byte(`{"alert_id":"a-2","action":"dismissed","actor":"ops","timestamp":"2025-11-03T13:02:00Z"}`)},
	}}
	evt, err := newKafkaActionSource(reader, "operator-actions", zerolog.Nop()).NextAction(context.Background())
	if err != nil || evt.AlertID != "a-2" || evt.Action != "dismissed" {
		t.Fatalf("unexpected event %+v %v", evt, err)
	}
}
