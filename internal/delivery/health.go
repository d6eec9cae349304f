package delivery

import (
	"sync"
	"time"
)

// HealthWindow tracks one channel's outcomes over a rolling window.
type HealthWindow struct {
	window time.Duration

	mu      sync.Mutex
	samples []healthSample
}

type healthSample struct {
	at time.Time
	ok bool
}

// NewHealthWindow keeps outcomes younger than window.
func NewHealthWindow(window time.Duration) *HealthWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &HealthWindow{window: window}
}

// Record adds one outcome.
func (h *HealthWindow) Record(at time.Time, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(at)
	h.samples = append(h.samples, healthSample{at: at, ok: ok})
}

// FailureRate returns the failed share and the sample count in the window.
func (h *HealthWindow) FailureRate(now time.Time) (float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
	if len(h.samples) == 0 {
		return 0, 0
	}
	failed := 0
	for _, s := range h.samples {
		if !s.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(h.samples)), len(h.samples)
}

func (h *HealthWindow) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(h.samples) && now.Sub(h.samples[cut].at) > h.window {
		cut++
	}
	if cut > 0 {
		h.samples = append(h.samples[:0], h.samples[cut:]...)
	}
}
