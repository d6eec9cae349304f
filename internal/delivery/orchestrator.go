package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/metrics"
)

const tracerName = "trade-alerts/delivery"

// Options configure priorities, retry policies and tertiary activation.
type Options struct {
	Primary   RetryPolicy `mapstructure:"primary"`
	Secondary RetryPolicy `mapstructure:"secondary"`
	Tertiary  RetryPolicy `mapstructure:"tertiary"`

	// Tertiary joins Secondary once Secondary's failure rate over
	// HealthWindow exceeds TertiaryThreshold with at least TertiaryMinSamples.
	TertiaryThreshold  float64       `mapstructure:"tertiary_threshold"`
	TertiaryMinSamples int           `mapstructure:"tertiary_min_samples"`
	HealthWindow       time.Duration `mapstructure:"health_window"`
	DeliveredCapacity  int           `mapstructure:"delivered_capacity"`
}

// DefaultOptions returns the standard budgets.
func DefaultOptions() Options {
	return Options{
		Primary:            RetryPolicy{Timeout: 500 * time.Millisecond},
		Secondary:          RetryPolicy{Timeout: 2 * time.Second, Backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		Tertiary:           RetryPolicy{Timeout: 5 * time.Second, Backoff: []time.Duration{2 * time.Second}},
		TertiaryThreshold:  0.5,
		TertiaryMinSamples: 4,
		HealthWindow:       5 * time.Minute,
		DeliveredCapacity:  10000,
	}
}

// Channels is the prioritised channel set; nil entries are disabled.
type Channels struct {
	Primary   Channel
	Secondary Channel
	Tertiary  Channel
}

// Result summarises one delivery run.
type Result struct {
	Attempts     []alert.Attempt
	Delivered    bool
	FirstChannel alert.ChannelKind
	FirstAt      time.Time
}

// ChannelHealth is the rolling health of one channel.
type ChannelHealth struct {
	Channel     alert.ChannelKind `json:"channel"`
	FailureRate float64           `json:"failure_rate"`
	Samples     int               `json:"samples"`
}

// Orchestrator delivers records over the prioritised channels.
type Orchestrator struct {
	channels  Channels
	opts      Options
	health    map[alert.ChannelKind]*HealthWindow
	delivered *lru.Cache[string, time.Time]
	ops       OpsAlerter
	metrics   *metrics.Set
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
	sleep     sleepFunc
}

// NewOrchestrator wires channels and policies.
func NewOrchestrator(channels Channels, opts Options, ops OpsAlerter, set *metrics.Set, logger zerolog.Logger) (*Orchestrator, error) {
	if opts.DeliveredCapacity <= 0 {
		opts.DeliveredCapacity = DefaultOptions().DeliveredCapacity
	}
	delivered, err := lru.New[string, time.Time](opts.DeliveredCapacity)
	if err != nil {
		return nil, fmt.Errorf("create delivered guard: %w", err)
	}
	if set == nil {
		set = metrics.New()
	}
	if ops == nil {
		ops = NewLogOpsAlerter(logger)
	}

	health := make(map[alert.ChannelKind]*HealthWindow)
	for _, kind := range []alert.ChannelKind{alert.ChannelStreaming, alert.ChannelStoreAndForward, alert.ChannelCompactText} {
		health[kind] = NewHealthWindow(opts.HealthWindow)
	}

	return &Orchestrator{
		channels:  channels,
		opts:      opts,
		health:    health,
		delivered: delivered,
		ops:       ops,
		metrics:   set,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With().Str("component", "delivery").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Deliver runs Primary, then falls back to Secondary (joined by Tertiary
// while Secondary is degraded) until some channel confirms. hook observes
// every attempt as soon as it completes. rec must be in dispatching state;
// it ends delivered or delivery_failed.
func (o *Orchestrator) Deliver(ctx context.Context, rec *alert.Record, hook func(alert.Attempt)) (Result, error) {
	if _, ok := o.delivered.Get(rec.ID); ok {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyDelivered, rec.ID)
	}

	ctx, span := o.tracer.Start(ctx, "delivery.deliver", trace.WithAttributes(
		attribute.String("alert.id", rec.ID),
		attribute.String("alert.instrument", rec.Instrument),
		attribute.String("alert.pattern", string(rec.Pattern)),
	))
	defer span.End()

	view := *rec
	view.Attempts = nil

	var (
		mu  sync.Mutex
		res Result
	)
	report := func(runCtx context.Context) func(alert.Attempt) {
		return func(a alert.Attempt) {
			// tries cut short by a sibling's success say nothing about health
			if a.Succeeded() || runCtx.Err() == nil {
				o.health[a.Channel].Record(o.now(), a.Succeeded())
			}
			o.metrics.DeliveryAttempts.WithLabelValues(string(a.Channel), string(a.Outcome)).Inc()
			o.metrics.AttemptLatency.WithLabelValues(string(a.Channel)).Observe(a.Latency.Seconds())
			span.AddEvent("attempt", trace.WithAttributes(
				attribute.String("channel", string(a.Channel)),
				attribute.String("outcome", string(a.Outcome)),
				attribute.Int("retry", a.Retry),
				attribute.Int64("latency_ms", a.Latency.Milliseconds()),
			))

			mu.Lock()
			res.Attempts = append(res.Attempts, a)
			rec.Attempts = append(rec.Attempts, a)
			if a.Succeeded() && !res.Delivered {
				res.Delivered = true
				res.FirstChannel = a.Channel
				res.FirstAt = a.At.Add(a.Latency)
			}
			mu.Unlock()

			if !a.Succeeded() {
				o.logger.Warn().Str("alert_id", a.AlertID).
					Str("channel", string(a.Channel)).
					Str("outcome", string(a.Outcome)).
					Int("retry", a.Retry).
					Str("error", a.Error).
					Msg("channel attempt failed")
			}
			if hook != nil {
				hook(a)
			}
		}
	}

	if ch := o.channels.Primary; ch != nil {
		drive(ctx, ch, view, o.opts.Primary, o.sleep, report(ctx))
	}
	if !res.Delivered {
		o.fallback(ctx, view, report)
	}

	if res.Delivered {
		if err := rec.Transition(alert.StatusDelivered); err != nil {
			return res, err
		}
		o.delivered.Add(rec.ID, res.FirstAt)
		o.metrics.FirstDelivery.Observe(res.FirstAt.Sub(rec.DetectedAt).Seconds())
		o.logger.Info().Str("alert_id", rec.ID).
			Str("channel", string(res.FirstChannel)).
			Int("attempts", len(res.Attempts)).
			Msg("alert delivered")
		return res, nil
	}

	if err := rec.Transition(alert.StatusDeliveryFailed); err != nil {
		return res, err
	}
	o.metrics.DeliveryFailed.Inc()
	span.SetStatus(codes.Error, "all channels exhausted")
	o.raise(ctx, rec, len(res.Attempts))
	return res, fmt.Errorf("%w: %s after %d attempts", ErrAllChannelsExhausted, rec.ID, len(res.Attempts))
}

func (o *Orchestrator) fallback(ctx context.Context, view alert.Record, report func(context.Context) func(alert.Attempt)) {
	type lane struct {
		ch     Channel
		policy RetryPolicy
	}
	var lanes []lane
	if o.channels.Secondary != nil {
		lanes = append(lanes, lane{o.channels.Secondary, o.opts.Secondary})
	}
	if o.channels.Tertiary != nil && o.TertiaryActive() {
		o.logger.Info().Str("alert_id", view.ID).Msg("secondary degraded, tertiary activated")
		lanes = append(lanes, lane{o.channels.Tertiary, o.opts.Tertiary})
	}
	if len(lanes) == 0 {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, l := range lanes {
		wg.Add(1)
		go func(l lane) {
			defer wg.Done()
			if drive(runCtx, l.ch, view, l.policy, o.sleep, report(runCtx)) {
				cancel()
			}
		}(l)
	}
	wg.Wait()
}

func (o *Orchestrator) raise(ctx context.Context, rec *alert.Record, attempts int) {
	o.metrics.OpsAlerts.Inc()
	err := o.ops.Raise(ctx, OpsAlert{
		Kind:       "delivery_failed",
		AlertID:    rec.ID,
		Instrument: rec.Instrument,
		Message:    fmt.Sprintf("alert %s %s exhausted every channel after %d attempts", rec.Pattern, rec.Instrument, attempts),
		At:         o.now().UTC(),
	})
	if err != nil {
		o.logger.Error().Err(err).Str("alert_id", rec.ID).Msg("failed to raise ops alert")
	}
}

// TertiaryActive reports whether Secondary is degraded enough to add Tertiary.
func (o *Orchestrator) TertiaryActive() bool {
	rate, n := o.health[alert.ChannelStoreAndForward].FailureRate(o.now())
	need := o.opts.TertiaryMinSamples
	if need <= 0 {
		need = 1
	}
	return n >= need && rate > o.opts.TertiaryThreshold
}

// Health returns the rolling health of the enabled channels.
func (o *Orchestrator) Health() []ChannelHealth {
	now := o.now()
	var out []ChannelHealth
	for _, ch := range []Channel{o.channels.Primary, o.channels.Secondary, o.channels.Tertiary} {
		if ch == nil {
			continue
		}
		rate, n := o.health[ch.Kind()].FailureRate(now)
		out = append(out, ChannelHealth{Channel: ch.Kind(), FailureRate: rate, Samples: n})
	}
	return out
}
