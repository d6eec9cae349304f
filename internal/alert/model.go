package alert

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pattern identifies the detector family that produced an opportunity.
type Pattern string

const (
	PatternVolatilityExtreme Pattern = "VOLATILIDADE_EXTREMA"
	PatternEngulfing         Pattern = "ENGOLFO"
	PatternDivergence        Pattern = "DIVERGENCIA"
	PatternLevelBreak        Pattern = "ROMPIMENTO"
)

// Direction is the trade bias of an opportunity.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Level is the alert severity shown to operators.
type Level string

const (
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// LevelFor maps a confidence score to a severity level.
func LevelFor(confidence float64) Level {
	switch {
	case confidence >= 0.85:
		return LevelCritical
	case confidence >= 0.70:
		return LevelHigh
	default:
		return LevelMedium
	}
}

// ChannelKind is the closed set of delivery channels.
type ChannelKind string

const (
	ChannelStreaming       ChannelKind = "streaming"
	ChannelStoreAndForward ChannelKind = "store_and_forward"
	ChannelCompactText     ChannelKind = "compact_text"
)

// Outcome of one channel attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Decision is an operator's response to an alert.
type Decision string

const (
	DecisionExecuted Decision = "executed"
	DecisionIgnored  Decision = "ignored"
	DecisionVetoed   Decision = "vetoed"
)

// ParseDecision validates an operator decision string.
func ParseDecision(v string) (Decision, bool) {
	switch Decision(v) {
	case DecisionExecuted, DecisionIgnored, DecisionVetoed:
		return Decision(v), true
	}
	return "", false
}

// Band is a closed price interval.
type Band struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Mid returns the band midpoint.
func (b Band) Mid() decimal.Decimal {
	return b.Min.Add(b.Max).Div(decimal.NewFromInt(2))
}

// Snapshot is the market state attached to an alert.
type Snapshot struct {
	Price  decimal.Decimal `json:"price"`
	Entry  Band            `json:"entry_band"`
	Stop   decimal.Decimal `json:"stop_loss"`
	Target decimal.Decimal `json:"take_profit"`
}

// Attempt is one try on one delivery channel.
type Attempt struct {
	AlertID string        `json:"alert_id"`
	Channel ChannelKind   `json:"channel"`
	At      time.Time     `json:"attempted_at"`
	Outcome Outcome       `json:"outcome"`
	Latency time.Duration `json:"latency"`
	Retry   int           `json:"retry_count"`
	Error   string        `json:"error,omitempty"`
}

// Succeeded reports whether the attempt confirmed delivery.
func (a Attempt) Succeeded() bool { return a.Outcome == OutcomeSuccess }

// OperatorAction links an operator decision to an alert.
type OperatorAction struct {
	AlertID     string    `json:"alert_id"`
	ActorID     string    `json:"actor_id"`
	At          time.Time `json:"at"`
	Decision    Decision  `json:"decision"`
	OutcomeLink string    `json:"outcome_link,omitempty"`
}

// Record is the canonical AlertRecord.
type Record struct {
	ID         string          `json:"id"`
	DetectedAt time.Time       `json:"detection_timestamp"`
	Pattern    Pattern         `json:"pattern"`
	Direction  Direction       `json:"direction"`
	Level      Level           `json:"level"`
	Instrument string          `json:"instrument"`
	Snapshot   Snapshot        `json:"snapshot"`
	Confidence float64         `json:"confidence"`
	RiskReward decimal.Decimal `json:"risk_reward"`
	Signals    []Pattern       `json:"signals,omitempty"`
	DedupKey   uint64          `json:"dedup_key"`
	Status     Status          `json:"status"`
	Attempts   []Attempt       `json:"attempts,omitempty"`
	Action     *OperatorAction `json:"operator_action,omitempty"`
}

// RateKey is the rate-limit granularity: pattern and instrument.
func (r Record) RateKey() string {
	return string(r.Pattern) + "|" + r.Instrument
}

// Opportunity is a raw detector event before normalisation.
type Opportunity struct {
	Instrument string
	At         time.Time
	Pattern    Pattern
	Direction  Direction
	Confidence float64
	Signals    []Pattern
	Price      float64
	EntryMin   float64
	EntryMax   float64
	Stop       float64
	Target     float64
	ZScore     float64
}
