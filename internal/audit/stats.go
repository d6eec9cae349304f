package audit

import (
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"trade-alerts/internal/alert"
)

// Stats aggregates the audit log over a detection-time range.
type Stats struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Alerts      int `json:"alerts"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"delivery_failed"`
	Expired     int `json:"expired"`
	Superseded  int `json:"superseded"`
	Duplicates  int `json:"duplicates"`
	RateLimited int `json:"rate_limited"`
	Pending     int `json:"pending"`
	Attempts    int `json:"attempts"`

	SuccessRate float64 `json:"delivery_success_rate"`
	DedupRate   float64 `json:"dedup_rate"`

	FirstDelivery  Percentiles    `json:"first_delivery_latency"`
	AttemptLatency Percentiles    `json:"attempt_latency"`
	Channels       []ChannelStats `json:"channels"`
}

// Percentiles of a latency distribution.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// ChannelStats is the per-channel attempt tally.
type ChannelStats struct {
	Channel     alert.ChannelKind `json:"channel"`
	Attempts    int               `json:"attempts"`
	Successes   int               `json:"successes"`
	SuccessRate float64           `json:"success_rate"`
}

type statsAlert struct {
	id         string
	detectedAt time.Time
	status     alert.Status
}

// computeStats folds alerts (with latest status) and their attempts.
func computeStats(from, to time.Time, alerts []statsAlert, attempts []alert.Attempt) Stats {
	out := Stats{From: from, To: to, Alerts: len(alerts)}

	detected := make(map[string]time.Time, len(alerts))
	for _, a := range alerts {
		detected[a.id] = a.detectedAt
		switch a.status {
		case alert.StatusDelivered:
			out.Delivered++
		case alert.StatusDeliveryFailed:
			out.Failed++
		case alert.StatusExpired:
			out.Expired++
		case alert.StatusSuperseded:
			out.Superseded++
		case alert.StatusRejectedDuplicate:
			out.Duplicates++
		case alert.StatusRateLimited:
			out.RateLimited++
		default:
			out.Pending++
		}
	}
	if dispatched := out.Delivered + out.Failed; dispatched > 0 {
		out.SuccessRate = float64(out.Delivered) / float64(dispatched)
	}
	if out.Alerts > 0 {
		out.DedupRate = float64(out.Duplicates) / float64(out.Alerts)
	}

	firstSuccess := make(map[string]time.Time)
	byChannel := make(map[alert.ChannelKind]*ChannelStats)
	var attemptMs []float64
	for _, a := range attempts {
		if _, ok := detected[a.AlertID]; !ok {
			continue
		}
		out.Attempts++
		attemptMs = append(attemptMs, float64(a.Latency)/float64(time.Millisecond))

		cs, ok := byChannel[a.Channel]
		if !ok {
			cs = &ChannelStats{Channel: a.Channel}
			byChannel[a.Channel] = cs
		}
		cs.Attempts++
		if !a.Succeeded() {
			continue
		}
		cs.Successes++
		done := a.At.Add(a.Latency)
		if prev, ok := firstSuccess[a.AlertID]; !ok || done.Before(prev) {
			firstSuccess[a.AlertID] = done
		}
	}

	var firstMs []float64
	for id, done := range firstSuccess {
		firstMs = append(firstMs, float64(done.Sub(detected[id]))/float64(time.Millisecond))
	}
	out.FirstDelivery = percentiles(firstMs)
	out.AttemptLatency = percentiles(attemptMs)

	for _, cs := range byChannel {
		if cs.Attempts > 0 {
			cs.SuccessRate = float64(cs.Successes) / float64(cs.Attempts)
		}
		out.Channels = append(out.Channels, *cs)
	}
	sort.Slice(out.Channels, func(i, j int) bool { return out.Channels[i].Channel < out.Channels[j].Channel })
	return out
}

func percentiles(ms []float64) Percentiles {
	if len(ms) == 0 {
		return Percentiles{}
	}
	at := func(p float64) time.Duration {
		v, err := stats.Percentile(ms, p)
		if err != nil {
			return 0
		}
		return time.Duration(v * float64(time.Millisecond))
	}
	return Percentiles{P50: at(50), P95: at(95), P99: at(99)}
}
