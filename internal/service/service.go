package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
	"trade-alerts/internal/delivery"
	"trade-alerts/internal/detect"
	"trade-alerts/internal/market"
	"trade-alerts/internal/metrics"
	"trade-alerts/internal/queue"
)

var (
	// ErrAuditFault is returned by every entry point once an audit write failed.
	ErrAuditFault = errors.New("service: audit fault, pipeline halted")
	// ErrInvalidAction rejects an operator event with an unknown decision.
	ErrInvalidAction = errors.New("service: invalid operator action")
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Engine       *detect.Engine
	Formatter    *alert.Formatter
	Orchestrator *delivery.Orchestrator
	Journal      *audit.Journal
	Reader       audit.Reader
	Metrics      *metrics.Set
	Queue        queue.Options
	QueueOptions []queue.Option
}

// Pipeline runs Detection -> Formatter -> Queue -> Delivery with every
// decision and outcome written to the audit journal.
type Pipeline struct {
	engine       *detect.Engine
	formatter    *alert.Formatter
	queue        *queue.Queue
	orchestrator *delivery.Orchestrator
	journal      *audit.Journal
	reader       audit.Reader
	metrics      *metrics.Set
	logger       zerolog.Logger
	workers      int
	now          func() time.Time
}

// New constructs the pipeline and its admission queue.
func New(deps Deps, logger zerolog.Logger) (*Pipeline, error) {
	if deps.Engine == nil || deps.Formatter == nil || deps.Orchestrator == nil || deps.Journal == nil || deps.Reader == nil {
		return nil, fmt.Errorf("service: engine, formatter, orchestrator, journal and reader are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	p := &Pipeline{
		engine:       deps.Engine,
		formatter:    deps.Formatter,
		orchestrator: deps.Orchestrator,
		journal:      deps.Journal,
		reader:       deps.Reader,
		metrics:      deps.Metrics,
		logger:       logger.With().Str("component", "service").Logger(),
		workers:      deps.Queue.InFlight,
		now:          time.Now,
	}
	if p.workers <= 0 {
		p.workers = 1
	}

	options := append([]queue.Option{
		queue.WithStatusHook(p.recordStatus),
		queue.WithDropHandler(p.recordDrop),
	}, deps.QueueOptions...)
	q, err := queue.New(deps.Queue, deps.Metrics, logger, options...)
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	p.queue = q
	return p, nil
}

// Fault returns the latched audit failure, if any.
func (p *Pipeline) Fault() error { return p.journal.Fault() }

// Halted reports whether the audit journal stopped the pipeline.
func (p *Pipeline) Halted() bool { return p.journal.Halted() }

func (p *Pipeline) guard() error {
	if fault := p.journal.Fault(); fault != nil {
		return fmt.Errorf("%w: %v", ErrAuditFault, fault)
	}
	return nil
}

// Outcome is the admission result of one detected opportunity.
type Outcome struct {
	Record   alert.Record
	Decision queue.Decision
}

// ProcessCandle feeds one candle through detection and admission.
// Out-of-order and invalid candles are returned as errors and change nothing.
func (p *Pipeline) ProcessCandle(ctx context.Context, c market.Candle) ([]Outcome, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	opps, err := p.engine.Process(c)
	if err != nil {
		return nil, err
	}

	out := make([]Outcome, 0, len(opps))
	for _, op := range opps {
		rec, decision, err := p.Submit(ctx, op)
		if errors.Is(err, alert.ErrInvalidRecord) {
			p.logger.Warn().Err(err).Str("instrument", op.Instrument).Msg("opportunity failed normalisation")
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, Outcome{Record: rec, Decision: decision})
	}
	return out, nil
}

// Submit normalises op, audits it and runs admission control. The returned
// record is a snapshot taken at admission.
func (p *Pipeline) Submit(ctx context.Context, op alert.Opportunity) (alert.Record, queue.Decision, error) {
	if err := p.guard(); err != nil {
		return alert.Record{}, "", err
	}

	rec, err := p.formatter.Format(op)
	if err != nil {
		return alert.Record{}, "", err
	}
	p.metrics.Detections.WithLabelValues(string(rec.Pattern), string(rec.Direction)).Inc()

	if err := p.journal.RecordAlert(ctx, rec); err != nil {
		return rec, "", fmt.Errorf("%w: %v", ErrAuditFault, err)
	}

	// once queued the record belongs to a dispatcher; report from a copy
	snapshot := rec
	decision, err := p.queue.Submit(ctx, &rec)
	if err != nil {
		return snapshot, decision, err
	}
	switch decision {
	case queue.Accepted:
		snapshot.Status = alert.StatusQueued
	case queue.DuplicateRejected:
		snapshot.Status = alert.StatusRejectedDuplicate
	case queue.RateLimited:
		snapshot.Status = alert.StatusRateLimited
	}
	p.logger.Info().Str("alert_id", snapshot.ID).
		Str("instrument", snapshot.Instrument).
		Str("pattern", string(snapshot.Pattern)).
		Str("decision", string(decision)).
		Msg("opportunity admitted")
	return snapshot, decision, nil
}

// recordStatus writes admission transitions; it runs before the record is
// visible to the dispatcher, keeping history rows in lifecycle order.
func (p *Pipeline) recordStatus(ctx context.Context, rec *alert.Record) error {
	if err := p.journal.RecordStatus(ctx, rec.ID, rec.Status, p.now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditFault, err)
	}
	return nil
}

func (p *Pipeline) recordDrop(rec *alert.Record) {
	if err := p.journal.RecordStatus(context.Background(), rec.ID, rec.Status, p.now().UTC()); err != nil {
		p.logger.Error().Err(err).Str("alert_id", rec.ID).Msg("failed to audit dropped alert")
		return
	}
	p.logger.Info().Str("alert_id", rec.ID).Str("status", string(rec.Status)).Msg("alert dropped before dispatch")
}

// Run dispatches admitted records until ctx is cancelled, the queue is
// closed or the audit journal halts. In-flight deliveries finish first.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, p.workers)
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := p.dispatchLoop(ctx, worker); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if errors.Is(err, ErrAuditFault) {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (p *Pipeline) dispatchLoop(ctx context.Context, worker int) error {
	logger := p.logger.With().Int("worker", worker).Logger()
	for {
		if err := p.guard(); err != nil {
			logger.Error().Err(err).Msg("dispatcher stopped")
			return err
		}
		lease, err := p.queue.Acquire(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		err = p.dispatch(ctx, lease)
		lease.Release()
		if errors.Is(err, ErrAuditFault) {
			logger.Error().Err(err).Msg("dispatcher stopped")
			return err
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, lease *queue.Lease) error {
	rec := lease.Record
	// a shutdown must not turn an in-flight alert into delivery_failed
	dctx := context.WithoutCancel(ctx)

	if err := p.recordStatus(dctx, rec); err != nil {
		return err
	}

	var auditErr error
	var mu sync.Mutex
	hook := func(a alert.Attempt) {
		if err := p.journal.RecordDeliveryAttempt(dctx, a); err != nil {
			mu.Lock()
			if auditErr == nil {
				auditErr = err
			}
			mu.Unlock()
		}
	}

	_, err := p.orchestrator.Deliver(dctx, rec, hook)
	switch {
	case errors.Is(err, delivery.ErrAlreadyDelivered):
		p.logger.Warn().Str("alert_id", rec.ID).Msg("refusing to redeliver alert")
		return nil
	case err != nil && !errors.Is(err, delivery.ErrAllChannelsExhausted):
		p.logger.Error().Err(err).Str("alert_id", rec.ID).Msg("delivery aborted")
	}

	if rec.Status.Terminal() {
		if err := p.recordStatus(dctx, rec); err != nil {
			return err
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if auditErr != nil {
		return fmt.Errorf("%w: %v", ErrAuditFault, auditErr)
	}
	return nil
}

// RecordAction links an operator decision to an existing alert.
func (p *Pipeline) RecordAction(ctx context.Context, ev market.OperatorEvent) (alert.OperatorAction, error) {
	if err := p.guard(); err != nil {
		return alert.OperatorAction{}, err
	}
	decision, ok := alert.ParseDecision(ev.Action)
	if !ok {
		return alert.OperatorAction{}, fmt.Errorf("%w: decision %q", ErrInvalidAction, ev.Action)
	}
	if ev.AlertID == "" || ev.Actor == "" {
		return alert.OperatorAction{}, fmt.Errorf("%w: alert id and actor are required", ErrInvalidAction)
	}
	exists, err := p.reader.Exists(ctx, ev.AlertID)
	if err != nil {
		return alert.OperatorAction{}, fmt.Errorf("check alert: %w", err)
	}
	if !exists {
		return alert.OperatorAction{}, fmt.Errorf("%w: %s", audit.ErrNotFound, ev.AlertID)
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	action := alert.OperatorAction{
		AlertID:     ev.AlertID,
		ActorID:     ev.Actor,
		At:          at.UTC(),
		Decision:    decision,
		OutcomeLink: ev.OutcomeLink,
	}
	if err := p.journal.RecordOperatorAction(ctx, action); err != nil {
		return alert.OperatorAction{}, fmt.Errorf("%w: %v", ErrAuditFault, err)
	}
	p.logger.Info().Str("alert_id", action.AlertID).
		Str("actor", action.ActorID).
		Str("decision", string(action.Decision)).
		Msg("operator action recorded")
	return action, nil
}

// Sweep expires stale waiters; it matches scheduler.TickFunc.
func (p *Pipeline) Sweep(_ context.Context, now time.Time) error {
	if n := p.queue.Sweep(now); n > 0 {
		p.logger.Info().Int("expired", n).Msg("sweep expired waiting alerts")
	}
	return nil
}

// Close stops the dispatchers once the current deliveries return.
func (p *Pipeline) Close() { p.queue.Close() }

// QueueStats exposes admission counters.
func (p *Pipeline) QueueStats() queue.Stats { return p.queue.Stats() }

// Health is the aggregate view served by the monitoring surface.
type Health struct {
	Status         string                   `json:"status"`
	Halted         bool                     `json:"halted"`
	Fault          string                   `json:"fault,omitempty"`
	QueueDepth     int                      `json:"queue_depth"`
	InFlight       int                      `json:"in_flight"`
	DedupRate      float64                  `json:"dedup_rate"`
	TertiaryActive bool                     `json:"tertiary_active"`
	Channels       []delivery.ChannelHealth `json:"channels"`
	Queue          queue.Stats              `json:"queue"`
}

// Health summarises queue and channel state.
func (p *Pipeline) Health() Health {
	qs := p.queue.Stats()
	h := Health{
		Status:         "ok",
		QueueDepth:     qs.Depth,
		InFlight:       qs.InFlight,
		DedupRate:      qs.DedupRate,
		TertiaryActive: p.orchestrator.TertiaryActive(),
		Channels:       p.orchestrator.Health(),
		Queue:          qs,
	}
	if fault := p.journal.Fault(); fault != nil {
		h.Status = "halted"
		h.Halted = true
		h.Fault = fault.Error()
	}
	return h
}

// Idle reports whether nothing is waiting or in flight.
func (p *Pipeline) Idle() bool {
	qs := p.queue.Stats()
	return qs.Depth == 0 && qs.InFlight == 0
}

// WaitIdle polls until the queue drains or ctx ends.
func (p *Pipeline) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !p.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
