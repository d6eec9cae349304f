package alert

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned for backward or post-terminal moves.
var ErrIllegalTransition = errors.New("alert: illegal lifecycle transition")

// Status is the lifecycle state of a record.
type Status string

const (
	StatusCreated           Status = "created"
	StatusNormalized        Status = "normalized"
	StatusAccepted          Status = "accepted"
	StatusRejectedDuplicate Status = "rejected_duplicate"
	StatusRateLimited       Status = "rate_limited"
	StatusQueued            Status = "queued"
	StatusDispatching       Status = "dispatching"
	StatusDelivered         Status = "delivered"
	StatusDeliveryFailed    Status = "delivery_failed"
	StatusExpired           Status = "expired"
	StatusSuperseded        Status = "superseded"
)

var statusRank = map[Status]int{
	StatusCreated:           0,
	StatusNormalized:        1,
	StatusAccepted:          2,
	StatusRejectedDuplicate: 2,
	StatusRateLimited:       2,
	StatusQueued:            3,
	StatusDispatching:       4,
	StatusDelivered:         5,
	StatusDeliveryFailed:    5,
	StatusExpired:           5,
	StatusSuperseded:        5,
}

// Known reports whether s is a defined status.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejectedDuplicate, StatusRateLimited,
		StatusDelivered, StatusDeliveryFailed, StatusExpired, StatusSuperseded:
		return true
	}
	return false
}

// View maps a status onto the monitoring view: pending, delivered or failed.
func (s Status) View() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusDeliveryFailed, StatusExpired, StatusSuperseded, StatusRejectedDuplicate, StatusRateLimited:
		return "failed"
	}
	return "pending"
}

// CanTransition reports whether from -> to moves strictly forward.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	return tr > fr
}

// Transition moves the record forward or returns ErrIllegalTransition.
func (r *Record) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s (alert %s)", ErrIllegalTransition, r.Status, to, r.ID)
	}
	r.Status = to
	return nil
}
