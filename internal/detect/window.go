package detect

import "trade-alerts/internal/market"

// Window is a bounded ring of the most recent candles for one instrument.
type Window struct {
	buf   []market.Candle
	start int
	size  int
}

// NewWindow allocates a window holding at most capacity candles.
func NewWindow(capacity int) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{buf: make([]market.Candle, capacity)}
}

// Push appends c, evicting the oldest candle when full.
func (w *Window) Push(c market.Candle) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = c
		w.size++
		return
	}
	w.buf[w.start] = c
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of candles held.
func (w *Window) Len() int { return w.size }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// At returns the i-th candle, oldest first.
func (w *Window) At(i int) market.Candle {
	return w.buf[(w.start+i)%len(w.buf)]
}

// Last returns the most recent candle.
func (w *Window) Last() market.Candle { return w.At(w.size - 1) }

// Candles copies the held candles, oldest first.
func (w *Window) Candles() []market.Candle {
	out := make([]market.Candle, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.At(i)
	}
	return out
}
