package delivery

import (
	"testing"
	"time"

	"trade-alerts/internal/alert"
)

func samplePayload() alert.Payload {
	rec := sampleRecord("9b1f3c2e-5d7a-4e8b-a1c4-0f2d6e7b8a90")
	return alert.PayloadOf(rec)
}

func TestRenderersRoundTrip(t *testing.T) {
	p := samplePayload()

	frame, err := RenderStreaming(p)
	if err != nil {
		t.Fatalf("render streaming: %v", err)
	}
	cases := map[string]func() (alert.Payload, error){
		"streaming": func() (alert.Payload, error) { return ParseStreaming(frame) },
		"message":   func() (alert.Payload, error) { return ParseMessage(RenderMessage(p)) },
		"compact":   func() (alert.Payload, error) { return ParseCompact(RenderCompact(p)) },
	}
	for name, parse := range cases {
		got, err := parse()
		if err != nil {
			t.Fatalf("%s: parse failed: %v", name, err)
		}
		if !got.Equal(p) {
			t.Fatalf("%s: canonical fields changed:\n got %+v\nwant %+v", name, got, p)
		}
	}
}

func TestRoundTripKeepsSubsecondTimestamp(t *testing.T) {
	p := samplePayload()
	p.DetectedAt = time.Date(2025, 11, 3, 13, 5, 7, 123456789, time.UTC)
	got, err := ParseCompact(RenderCompact(p))
	if err != nil || !got.DetectedAt.Equal(p.DetectedAt) {
		t.Fatalf("compact timestamp lost precision: %v %v", got.DetectedAt, err)
	}
	got, err = ParseMessage(RenderMessage(p))
	if err != nil || !got.DetectedAt.Equal(p.DetectedAt) {
		t.Fatalf("message timestamp lost precision: %v %v", got.DetectedAt, err)
	}
}

func TestParseCompactRejectsTruncated(t *testing.T) {
	if _, err := ParseCompact("abc|HIGH|WINZ25"); err == nil {
		t.Fatal("truncated compact line should fail")
	}
}

func TestRoundTripKeepsQualifiedInstrument(t *testing.T) {
	p := samplePayload()
	p.Instrument = "BMF:WIN.Z25/1-m"
	for name, parse := range map[string]func() (alert.Payload, error){
		"message": func() (alert.Payload, error) { return ParseMessage(RenderMessage(p)) },
		"compact": func() (alert.Payload, error) { return ParseCompact(RenderCompact(p)) },
	} {
		got, err := parse()
		if err != nil || got.Instrument != p.Instrument {
			t.Fatalf("%s: instrument %q came back as %q (%v)", name, p.Instrument, got.Instrument, err)
		}
	}
}
