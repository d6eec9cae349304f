// Package delivery fans accepted alert records out over the closed set of
// channels: Streaming (primary), StoreAndForward (secondary) and CompactText
// (tertiary, only while the secondary is degraded).
package delivery

import (
	"context"
	"errors"
	"net"
	"time"

	"trade-alerts/internal/alert"
)

var (
	// ErrNoSubscriber is a streaming failure: nobody is connected.
	ErrNoSubscriber = errors.New("delivery: no connected subscriber")
	// ErrNotConfirmed means frames were queued but no subscriber write succeeded.
	ErrNotConfirmed = errors.New("delivery: stream write not confirmed")
	// ErrAllChannelsExhausted means no channel confirmed the record.
	ErrAllChannelsExhausted = errors.New("delivery: all channels exhausted")
	// ErrAlreadyDelivered guards against re-notifying a delivered record.
	ErrAlreadyDelivered = errors.New("delivery: record already delivered")
)

// Channel is the single delivery contract: one try of one record.
// The returned attempt carries outcome and latency; the caller sets retry.
type Channel interface {
	Kind() alert.ChannelKind
	Deliver(ctx context.Context, rec alert.Record) alert.Attempt
}

// attempt times send and classifies its error.
func attempt(ctx context.Context, kind alert.ChannelKind, rec alert.Record, send func(ctx context.Context) error) alert.Attempt {
	start := time.Now()
	err := send(ctx)
	a := alert.Attempt{
		AlertID: rec.ID,
		Channel: kind,
		At:      start.UTC(),
		Latency: time.Since(start),
		Outcome: alert.OutcomeSuccess,
	}
	if err != nil {
		a.Outcome = classify(err)
		a.Error = err.Error()
	}
	return a
}

func classify(err error) alert.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return alert.OutcomeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return alert.OutcomeTimeout
	}
	return alert.OutcomeFailure
}
