package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payload carries the fixed canonical fields every channel renders.
type Payload struct {
	ID         string          `json:"id"`
	Level      Level           `json:"level"`
	Instrument string          `json:"instrument"`
	Pattern    Pattern         `json:"pattern"`
	Direction  Direction       `json:"direction"`
	DetectedAt time.Time       `json:"detection_timestamp"`
	Price      decimal.Decimal `json:"price"`
	Entry      Band            `json:"entry_band"`
	Stop       decimal.Decimal `json:"stop_loss"`
	Target     decimal.Decimal `json:"take_profit"`
	Confidence float64         `json:"confidence"`
	RiskReward decimal.Decimal `json:"risk_reward"`
}

// PayloadOf extracts the canonical fields of r.
func PayloadOf(r Record) Payload {
	return Payload{
		ID:         r.ID,
		Level:      r.Level,
		Instrument: r.Instrument,
		Pattern:    r.Pattern,
		Direction:  r.Direction,
		DetectedAt: r.DetectedAt.UTC(),
		Price:      r.Snapshot.Price,
		Entry:      r.Snapshot.Entry,
		Stop:       r.Snapshot.Stop,
		Target:     r.Snapshot.Target,
		Confidence: r.Confidence,
		RiskReward: r.RiskReward,
	}
}

// Equal compares canonical fields numerically.
func (p Payload) Equal(o Payload) bool {
	return p.ID == o.ID &&
		p.Level == o.Level &&
		p.Instrument == o.Instrument &&
		p.Pattern == o.Pattern &&
		p.Direction == o.Direction &&
		p.DetectedAt.Equal(o.DetectedAt) &&
		p.Price.Equal(o.Price) &&
		p.Entry.Min.Equal(o.Entry.Min) &&
		p.Entry.Max.Equal(o.Entry.Max) &&
		p.Stop.Equal(o.Stop) &&
		p.Target.Equal(o.Target) &&
		p.Confidence == o.Confidence &&
		p.RiskReward.Equal(o.RiskReward)
}

// MarshalPayload encodes the canonical JSON form.
func MarshalPayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal alert payload: %w", err)
	}
	return body, nil
}

// UnmarshalPayload decodes the canonical JSON form.
func UnmarshalPayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal alert payload: %w", err)
	}
	if p.ID == "" {
		return Payload{}, fmt.Errorf("unmarshal alert payload: missing id")
	}
	return p, nil
}
