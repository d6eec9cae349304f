package delivery

import (
	"context"
	"time"

	"trade-alerts/internal/alert"
)

// AttemptState is the per-channel delivery state.
type AttemptState string

const (
	StatePending   AttemptState = "pending"
	StateRetrying  AttemptState = "retrying"
	StateSucceeded AttemptState = "succeeded"
	StateExhausted AttemptState = "exhausted"
)

// RetryPolicy bounds one channel: Timeout per try, and one Backoff entry per
// retry after the first try.
type RetryPolicy struct {
	Timeout time.Duration   `mapstructure:"timeout"`
	Backoff []time.Duration `mapstructure:"backoff"`
}

// Machine is the attempt state machine of one channel for one record.
//
//	pending --ok--> succeeded
//	pending|retrying --fail, retries left--> retrying
//	pending|retrying --fail, none left--> exhausted
type Machine struct {
	policy RetryPolicy
	state  AttemptState
	retry  int
}

// NewMachine starts in pending.
func NewMachine(policy RetryPolicy) *Machine {
	return &Machine{policy: policy, state: StatePending}
}

// State returns the current state.
func (m *Machine) State() AttemptState { return m.state }

// Retry is the retry index of the next try (0 for the first).
func (m *Machine) Retry() int { return m.retry }

// Done reports a terminal state.
func (m *Machine) Done() bool {
	return m.state == StateSucceeded || m.state == StateExhausted
}

// Observe feeds one try outcome and returns the wait before the next try.
func (m *Machine) Observe(ok bool) time.Duration {
	if m.Done() {
		return 0
	}
	if ok {
		m.state = StateSucceeded
		return 0
	}
	if m.retry >= len(m.policy.Backoff) {
		m.state = StateExhausted
		return 0
	}
	wait := m.policy.Backoff[m.retry]
	m.retry++
	m.state = StateRetrying
	return wait
}

// sleepFunc waits d or until ctx ends.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drive runs the machine for ch until it is terminal, reporting every try.
// A cancelled ctx stops retries; the try in progress is still reported.
func drive(ctx context.Context, ch Channel, rec alert.Record, policy RetryPolicy, sleep sleepFunc, report func(alert.Attempt)) bool {
	m := NewMachine(policy)
	for !m.Done() {
		tryCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			tryCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		a := ch.Deliver(tryCtx, rec)
		cancel()
		a.Retry = m.Retry()
		report(a)

		wait := m.Observe(a.Succeeded())
		if m.Done() {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return false
		}
	}
	return m.State() == StateSucceeded
}
