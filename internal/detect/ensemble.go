package detect

import (
	"math"

	"trade-alerts/internal/alert"
)

const (
	corroborationBonus = 0.10
	ensembleCap        = 0.95
)

// Vote is the ensemble outcome for one direction.
type Vote struct {
	Dominant   Signal
	Patterns   []alert.Pattern
	Confidence float64
}

// Combine folds the signals of one candle into a single vote.
// The dominant signal is the highest base confidence (earliest wins ties);
// each corroborating signal in the same direction adds 0.10, capped at 0.95.
// Opposing directions keep the stronger side; an exact tie abstains.
func Combine(signals []Signal) (Vote, bool) {
	if len(signals) == 0 {
		return Vote{}, false
	}

	long := vote(signals, alert.Long)
	short := vote(signals, alert.Short)
	switch {
	case len(long.Patterns) == 0:
		return short, true
	case len(short.Patterns) == 0:
		return long, true
	case long.Confidence > short.Confidence:
		return long, true
	case short.Confidence > long.Confidence:
		return short, true
	}
	return Vote{}, false
}

func vote(signals []Signal, dir alert.Direction) Vote {
	var v Vote
	found := false
	for _, s := range signals {
		if s.Direction != dir {
			continue
		}
		if !found || s.Confidence > v.Dominant.Confidence {
			v.Dominant = s
		}
		found = true
	}
	if !found {
		return v
	}

	v.Patterns = append(v.Patterns, v.Dominant.Pattern)
	for _, s := range signals {
		if s.Direction == dir && s.Pattern != v.Dominant.Pattern {
			v.Patterns = append(v.Patterns, s.Pattern)
		}
	}
	corroborating := float64(len(v.Patterns) - 1)
	v.Confidence = math.Min(ensembleCap, v.Dominant.Confidence+corroborationBonus*corroborating)
	return v
}
