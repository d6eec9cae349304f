// Package queue is the admission gate between formatting and delivery.
//
// Submit applies two independent filters, dedup by price-bucket key and a
// rate cap per pattern/instrument, then parks admitted records in a FIFO
// that Acquire drains under a bounded in-flight capacity.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/metrics"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("queue: closed")

// Decision is the admission outcome of one submission.
type Decision string

const (
	Accepted          Decision = "Accepted"
	DuplicateRejected Decision = "DuplicateRejected"
	RateLimited       Decision = "RateLimited"
)

// Options tune admission control.
type Options struct {
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
	RateLimit     int           `mapstructure:"rate_limit"`
	InFlight      int           `mapstructure:"in_flight"`
	AlertTTL      time.Duration `mapstructure:"alert_ttl"`
}

func (o Options) withDefaults() Options {
	if o.DedupTTL <= 0 {
		o.DedupTTL = 120 * time.Second
	}
	if o.RateWindow <= 0 {
		o.RateWindow = 60 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 1
	}
	if o.InFlight <= 0 {
		o.InFlight = 3
	}
	if o.AlertTTL <= 0 {
		o.AlertTTL = 5 * time.Minute
	}
	return o
}

// DropFunc observes records the queue finalises without dispatch
// (expired or superseded waiters).
type DropFunc func(rec *alert.Record)

// StatusFunc observes every admission transition before the record becomes
// visible to Acquire. An error aborts the submission.
type StatusFunc func(ctx context.Context, rec *alert.Record) error

// Stats is a point-in-time view for the monitoring surface.
type Stats struct {
	Submitted   int64   `json:"submitted"`
	Accepted    int64   `json:"accepted"`
	Duplicates  int64   `json:"duplicates"`
	RateLimited int64   `json:"rate_limited"`
	Expired     int64   `json:"expired"`
	Superseded  int64   `json:"superseded"`
	Depth       int     `json:"depth"`
	InFlight    int     `json:"in_flight"`
	DedupRate   float64 `json:"dedup_rate"`
}

// Queue performs admission control and FIFO backpressure.
type Queue struct {
	opts     Options
	dedup    *DedupCache
	limiter  RateLimiter
	fallback *MemoryRateLimiter
	keys     *keyedMutex
	metrics  *metrics.Set
	logger   zerolog.Logger
	now      func() time.Time
	onDrop   DropFunc
	onStatus StatusFunc

	mu       sync.Mutex
	waiting  *list.List
	byDedup  map[uint64]*list.Element
	inFlight int
	wake     chan struct{}
	closed   bool
	stats    Stats
}

// Option customises a Queue.
type Option func(*Queue)

// WithRateLimiter replaces the in-process limiter; the in-process one stays
// as fallback when the replacement errors.
func WithRateLimiter(l RateLimiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithClock injects the wall clock used for expiry. Dedup and rate windows
// run on record detection times.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDropHandler registers the callback for expired and superseded records.
func WithDropHandler(fn DropFunc) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// WithStatusHook registers the admission transition observer.
func WithStatusHook(fn StatusFunc) Option {
	return func(q *Queue) { q.onStatus = fn }
}

// New constructs a Queue.
func New(opts Options, set *metrics.Set, logger zerolog.Logger, options ...Option) (*Queue, error) {
	opts = opts.withDefaults()
	dedup, err := NewDedupCache(opts.DedupTTL, opts.DedupCapacity)
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = metrics.New()
	}
	mem := NewMemoryRateLimiter(opts.RateWindow, opts.RateLimit)
	q := &Queue{
		opts:     opts,
		dedup:    dedup,
		limiter:  mem,
		fallback: mem,
		keys:     newKeyedMutex(),
		metrics:  set,
		logger:   logger.With().Str("component", "queue").Logger(),
		now:      time.Now,
		waiting:  list.New(),
		byDedup:  make(map[uint64]*list.Element),
		wake:     make(chan struct{}),
	}
	for _, o := range options {
		o(q)
	}
	return q, nil
}

// Submit runs admission control on a normalized record. Accepted records move
// to queued and wait for Acquire; rejected ones end in their terminal status.
// The returned error reports a record that is not in normalized state or a
// failing status hook.
func (q *Queue) Submit(ctx context.Context, rec *alert.Record) (Decision, error) {
	if rec.Status != alert.StatusNormalized {
		return "", fmt.Errorf("%w: submit expects normalized, got %s", alert.ErrIllegalTransition, rec.Status)
	}

	// dedup keys embed pattern and instrument, so one lock covers both filters
	unlock := q.keys.Lock(rec.RateKey())
	defer unlock()

	q.count(func(s *Stats) { s.Submitted++ })
	q.metrics.Submitted.Inc()

	if q.dedup.Duplicate(rec.DedupKey, rec.DetectedAt) {
		_ = rec.Transition(alert.StatusRejectedDuplicate)
		q.count(func(s *Stats) { s.Duplicates++ })
		q.metrics.Duplicates.Inc()
		q.logger.Debug().Str("alert_id", rec.ID).Str("key", rec.RateKey()).Msg("duplicate rejected")
		return DuplicateRejected, q.notify(ctx, rec)
	}

	allowed, err := q.limiter.Allow(ctx, rec.RateKey(), rec.DetectedAt)
	if err != nil {
		q.logger.Warn().Err(err).Str("key", rec.RateKey()).Msg("rate limiter unavailable, using in-process window")
		allowed, _ = q.fallback.Allow(ctx, rec.RateKey(), rec.DetectedAt)
	}
	if !allowed {
		_ = rec.Transition(alert.StatusRateLimited)
		q.count(func(s *Stats) { s.RateLimited++ })
		q.metrics.RateLimited.Inc()
		q.logger.Debug().Str("alert_id", rec.ID).Str("key", rec.RateKey()).Msg("rate limited")
		return RateLimited, q.notify(ctx, rec)
	}

	q.dedup.Mark(rec.DedupKey, rec.DetectedAt)
	if err := rec.Transition(alert.StatusAccepted); err != nil {
		return "", err
	}
	q.count(func(s *Stats) { s.Accepted++ })
	q.metrics.Accepted.Inc()
	if err := q.notify(ctx, rec); err != nil {
		return "", err
	}
	if err := q.enqueue(ctx, rec); err != nil {
		return "", err
	}
	return Accepted, nil
}

func (q *Queue) notify(ctx context.Context, rec *alert.Record) error {
	if q.onStatus == nil {
		return nil
	}
	return q.onStatus(ctx, rec)
}

func (q *Queue) enqueue(ctx context.Context, rec *alert.Record) error {
	_ = rec.Transition(alert.StatusQueued)
	if err := q.notify(ctx, rec); err != nil {
		return err
	}

	q.mu.Lock()
	var dropped []*alert.Record
	if el, ok := q.byDedup[rec.DedupKey]; ok {
		prev := q.waiting.Remove(el).(*waiter).rec
		if err := prev.Transition(alert.StatusSuperseded); err == nil {
			q.stats.Superseded++
			q.metrics.Superseded.Inc()
			dropped = append(dropped, prev)
		}
	}
	q.byDedup[rec.DedupKey] = q.waiting.PushBack(&waiter{rec: rec, admitted: q.now()})
	q.metrics.QueueDepth.Set(float64(q.waiting.Len()))
	q.broadcastLocked()
	q.mu.Unlock()

	q.drop(dropped)
	return nil
}

type waiter struct {
	rec      *alert.Record
	admitted time.Time
}

// Lease is one in-flight slot holding a dispatching record.
type Lease struct {
	Record *alert.Record
	once   sync.Once
	q      *Queue
}

// Release frees the slot for the next waiter.
func (l *Lease) Release() {
	l.once.Do(func() {
		q := l.q
		q.mu.Lock()
		q.inFlight--
		q.metrics.InFlight.Set(float64(q.inFlight))
		q.broadcastLocked()
		q.mu.Unlock()
	})
}

// Acquire blocks until a slot is free and a record is waiting, then hands
// out the oldest record in dispatching state. Waiters past the alert TTL are
// expired on the way.
func (q *Queue) Acquire(ctx context.Context) (*Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		expired := q.expireLocked(q.now())
		if q.inFlight < q.opts.InFlight && q.waiting.Len() > 0 {
			rec := q.popLocked()
			_ = rec.Transition(alert.StatusDispatching)
			q.inFlight++
			q.metrics.InFlight.Set(float64(q.inFlight))
			q.mu.Unlock()
			q.drop(expired)
			return &Lease{Record: rec, q: q}, nil
		}
		wake := q.wake
		q.mu.Unlock()
		q.drop(expired)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Sweep expires waiters admitted more than the alert TTL ago and returns how many.
func (q *Queue) Sweep(now time.Time) int {
	q.mu.Lock()
	expired := q.expireLocked(now)
	q.mu.Unlock()
	q.drop(expired)
	if mem, ok := q.limiter.(*MemoryRateLimiter); ok {
		mem.Prune(now)
	}
	return len(expired)
}

// Close wakes blocked Acquire calls with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Stats returns counters and current depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = q.waiting.Len()
	s.InFlight = q.inFlight
	if s.Submitted > 0 {
		s.DedupRate = float64(s.Duplicates) / float64(s.Submitted)
	}
	return s
}

func (q *Queue) popLocked() *alert.Record {
	el := q.waiting.Front()
	rec := q.waiting.Remove(el).(*waiter).rec
	if cur, ok := q.byDedup[rec.DedupKey]; ok && cur == el {
		delete(q.byDedup, rec.DedupKey)
	}
	q.metrics.QueueDepth.Set(float64(q.waiting.Len()))
	return rec
}

func (q *Queue) expireLocked(now time.Time) []*alert.Record {
	var out []*alert.Record
	for el := q.waiting.Front(); el != nil; {
		next := el.Next()
		w := el.Value.(*waiter)
		rec := w.rec
		if now.Sub(w.admitted) > q.opts.AlertTTL {
			q.waiting.Remove(el)
			if cur, ok := q.byDedup[rec.DedupKey]; ok && cur == el {
				delete(q.byDedup, rec.DedupKey)
			}
			if err := rec.Transition(alert.StatusExpired); err == nil {
				q.stats.Expired++
				q.metrics.Expired.Inc()
				out = append(out, rec)
			}
		}
		el = next
	}
	if len(out) > 0 {
		q.metrics.QueueDepth.Set(float64(q.waiting.Len()))
		q.logger.Info().Int("expired", len(out)).Msg("expired stale waiters")
	}
	return out
}

func (q *Queue) drop(recs []*alert.Record) {
	if q.onDrop == nil {
		return
	}
	for _, rec := range recs {
		q.onDrop(rec)
	}
}

func (q *Queue) count(fn func(*Stats)) {
	q.mu.Lock()
	fn(&q.stats)
	q.mu.Unlock()
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
