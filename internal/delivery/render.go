package delivery

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-alerts/internal/alert"
)

// Each channel renders the same canonical Payload; every renderer has a
// parser so the canonical fields can be recovered from the wire form.

// RenderStreaming encodes the JSON frame pushed to stream subscribers.
func RenderStreaming(p alert.Payload) ([]byte, error) {
	return alert.MarshalPayload(p)
}

// ParseStreaming decodes a stream frame.
func ParseStreaming(frame []byte) (alert.Payload, error) {
	return alert.UnmarshalPayload(frame)
}

// RenderMessage builds the multi-line store-and-forward message.
func RenderMessage(p alert.Payload) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s %s] %s\n", p.Level, p.Pattern, p.Instrument))
	builder.WriteString(fmt.Sprintf("ID: %s\n", p.ID))
	builder.WriteString(fmt.Sprintf("Level: %s\n", p.Level))
	builder.WriteString(fmt.Sprintf("Instrument: %s\n", p.Instrument))
	builder.WriteString(fmt.Sprintf("Pattern: %s\n", p.Pattern))
	builder.WriteString(fmt.Sprintf("Direction: %s\n", p.Direction))
	builder.WriteString(fmt.Sprintf("Detected: %s\n", p.DetectedAt.UTC().Format(time.RFC3339Nano)))
	builder.WriteString(fmt.Sprintf("Price: %s\n", p.Price.String()))
	builder.WriteString(fmt.Sprintf("Entry: %s - %s\n", p.Entry.Min.String(), p.Entry.Max.String()))
	builder.WriteString(fmt.Sprintf("Stop: %s\n", p.Stop.String()))
	builder.WriteString(fmt.Sprintf("Target: %s\n", p.Target.String()))
	builder.WriteString(fmt.Sprintf("Confidence: %s\n", strconv.FormatFloat(p.Confidence, 'f', -1, 64)))
	builder.WriteString(fmt.Sprintf("Risk/Reward: %s\n", p.RiskReward.String()))
	return builder.String()
}

// ParseMessage recovers the canonical fields from RenderMessage output.
func ParseMessage(text string) (alert.Payload, error) {
	fields := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return alert.Payload{}, fmt.Errorf("scan message: %w", err)
	}

	lo, hi, ok := strings.Cut(fields["Entry"], " - ")
	if !ok {
		return alert.Payload{}, fmt.Errorf("parse message: malformed entry band %q", fields["Entry"])
	}
	return buildPayload(map[string]string{
		"id":         fields["ID"],
		"level":      fields["Level"],
		"instrument": fields["Instrument"],
		"pattern":    fields["Pattern"],
		"direction":  fields["Direction"],
		"detected":   fields["Detected"],
		"price":      fields["Price"],
		"entry_min":  lo,
		"entry_max":  hi,
		"stop":       fields["Stop"],
		"target":     fields["Target"],
		"confidence": fields["Confidence"],
		"rr":         fields["Risk/Reward"],
	})
}

const compactSep = "|"

// compactOrder is the field order of the compact text form.
var compactOrder = []string{
	"id", "level", "instrument", "pattern", "direction", "detected",
	"price", "entry_min", "entry_max", "stop", "target", "confidence", "rr",
}

// RenderCompact builds the single-line pipe-separated text message.
func RenderCompact(p alert.Payload) string {
	values := []string{
		p.ID,
		string(p.Level),
		p.Instrument,
		string(p.Pattern),
		string(p.Direction),
		strconv.FormatInt(p.DetectedAt.UnixNano(), 10),
		p.Price.String(),
		p.Entry.Min.String(),
		p.Entry.Max.String(),
		p.Stop.String(),
		p.Target.String(),
		strconv.FormatFloat(p.Confidence, 'f', -1, 64),
		p.RiskReward.String(),
	}
	return strings.Join(values, compactSep)
}

// ParseCompact recovers the canonical fields from RenderCompact output.
func ParseCompact(line string) (alert.Payload, error) {
	parts := strings.Split(strings.TrimSpace(line), compactSep)
	if len(parts) != len(compactOrder) {
		return alert.Payload{}, fmt.Errorf("parse compact: expected %d fields, got %d", len(compactOrder), len(parts))
	}
	fields := make(map[string]string, len(parts))
	for i, name := range compactOrder {
		fields[name] = parts[i]
	}
	ns, err := strconv.ParseInt(fields["detected"], 10, 64)
	if err != nil {
		return alert.Payload{}, fmt.Errorf("parse compact timestamp: %w", err)
	}
	fields["detected"] = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	return buildPayload(fields)
}

func buildPayload(f map[string]string) (alert.Payload, error) {
	if f["id"] == "" {
		return alert.Payload{}, fmt.Errorf("parse payload: missing id")
	}
	detected, err := time.Parse(time.RFC3339Nano, f["detected"])
	if err != nil {
		return alert.Payload{}, fmt.Errorf("parse detection timestamp: %w", err)
	}
	confidence, err := strconv.ParseFloat(f["confidence"], 64)
	if err != nil {
		return alert.Payload{}, fmt.Errorf("parse confidence: %w", err)
	}

	p := alert.Payload{
		ID:         f["id"],
		Level:      alert.Level(f["level"]),
		Instrument: f["instrument"],
		Pattern:    alert.Pattern(f["pattern"]),
		Direction:  alert.Direction(f["direction"]),
		DetectedAt: detected.UTC(),
		Confidence: confidence,
	}
	for name, dst := range map[string]*decimal.Decimal{
		"price":     &p.Price,
		"entry_min": &p.Entry.Min,
		"entry_max": &p.Entry.Max,
		"stop":      &p.Stop,
		"target":    &p.Target,
		"rr":        &p.RiskReward,
	} {
		v, err := decimal.NewFromString(f[name])
		if err != nil {
			return alert.Payload{}, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = v
	}
	return p, nil
}
