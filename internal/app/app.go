package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/audit"
	"trade-alerts/internal/config"
	"trade-alerts/internal/delivery"
	"trade-alerts/internal/detect"
	"trade-alerts/internal/market"
	"trade-alerts/internal/metrics"
	"trade-alerts/internal/monitor"
	"trade-alerts/internal/queue"
	"trade-alerts/internal/scheduler"
	"trade-alerts/internal/service"
	"trade-alerts/internal/tracing"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives the human readable output of show, stats and simulate.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (audit.Store, error) {
	switch a.Config.Database.Driver {
	case "postgres":
		pool, err := audit.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		store := audit.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		return audit.OpenSQLite(ctx, a.Config.Database.Path)
	}
	return nil, fmt.Errorf("unsupported database driver %q", a.Config.Database.Driver)
}

func (a *App) newRedis(ctx context.Context) (*redis.Client, error) {
	if !a.Config.Redis.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", a.Config.Redis.Addr, err)
	}
	return rdb, nil
}

// opsSender targets the ops chat, falling back to the alert chat.
func (a *App) opsSender() *delivery.TelegramSender {
	tg := a.Config.Telegram
	if tg.BotToken == "" {
		return nil
	}
	chat := tg.OpsChatID
	if chat == "" {
		chat = tg.ChatID
	}
	if chat == "" {
		return nil
	}
	return delivery.NewTelegramSender(tg.BotToken, chat, tg.APIBase, tg.Timeout, a.Logger)
}

// runtime is the assembled pipeline with everything it owns.
type runtime struct {
	store    audit.Store
	pipeline *service.Pipeline
	hub      *delivery.Hub
	metrics  *metrics.Set
	ops      *delivery.TelegramSender
	redis    *redis.Client
}

func (r *runtime) Close() {
	r.pipeline.Close()
	r.closeDeps()
}

func (a *App) newRuntime(ctx context.Context) (*runtime, error) {
	cfg := a.Config
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rdb, err := a.newRedis(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	rt := &runtime{
		store:   store,
		hub:     delivery.NewHub(a.Logger),
		metrics: metrics.New(),
		ops:     a.opsSender(),
		redis:   rdb,
	}

	var channels delivery.Channels
	if cfg.Delivery.StreamingEnabled {
		outs := []delivery.Broadcaster{rt.hub}
		if rdb != nil {
			outs = append(outs, delivery.NewRedisBroadcaster(rdb, cfg.Delivery.RedisChannel))
		}
		channels.Primary = delivery.NewStreamingChannel(outs...)
	}
	if cfg.Delivery.TelegramEnabled {
		tg := cfg.Telegram
		sender := delivery.NewTelegramSender(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger)
		channels.Secondary = delivery.NewStoreAndForwardChannel(sender, a.Logger)
	}
	if cfg.Delivery.CompactEnabled {
		c := cfg.Compact
		channels.Tertiary = delivery.NewCompactChannel(delivery.NewCompactSender(c.URL, c.Token, c.Recipients, c.Timeout))
	}

	ops := delivery.MultiOpsAlerter{delivery.NewLogOpsAlerter(a.Logger)}
	if rt.ops != nil {
		ops = append(ops, delivery.NewTelegramOpsAlerter(rt.ops))
	}
	orch, err := delivery.NewOrchestrator(channels, cfg.Delivery.Options, ops, rt.metrics, a.Logger)
	if err != nil {
		rt.closeDeps()
		return nil, err
	}

	var queueOpts []queue.Option
	if cfg.Queue.RateBackend == "redis" {
		queueOpts = append(queueOpts, queue.WithRateLimiter(
			queue.NewRedisRateLimiter(rdb, cfg.Queue.RateWindow, cfg.Queue.RateLimit, cfg.Redis.Prefix)))
	}

	pipeline, err := service.New(service.Deps{
		Engine:       detect.NewEngine(cfg.Detection, a.Logger),
		Formatter:    alert.NewFormatter(cfg.FormatterOptions()),
		Orchestrator: orch,
		Journal:      audit.NewJournal(store, cfg.Audit.WriteTimeout, rt.metrics, a.Logger),
		Reader:       store,
		Metrics:      rt.metrics,
		Queue:        cfg.Queue.Options,
		QueueOptions: queueOpts,
	}, a.Logger)
	if err != nil {
		rt.closeDeps()
		return nil, err
	}
	rt.pipeline = pipeline
	return rt, nil
}

func (r *runtime) closeDeps() {
	r.hub.Close()
	if r.redis != nil {
		r.redis.Close()
	}
	r.store.Close()
}

// Run executes the long-running alert service: Kafka feeds, dispatchers,
// expiry sweep, daily digest and the monitoring surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, a.Config.Tracing, a.Config.App.Name, a.Config.App.Environment)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	kc := a.Config.Kafka
	candles, err := market.NewKafkaCandleSource(market.KafkaOptions{
		Brokers: kc.Brokers, GroupID: kc.GroupID, Topic: kc.CandleTopic, MaxWait: kc.MaxWait,
	}, a.Logger)
	if err != nil {
		return err
	}
	defer candles.Close()
	actions, err := market.NewKafkaActionSource(market.KafkaOptions{
		Brokers: kc.Brokers, GroupID: kc.GroupID, Topic: kc.ActionsTopic, MaxWait: kc.MaxWait,
	}, a.Logger)
	if err != nil {
		return err
	}
	defer actions.Close()

	sweep, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.SweepInterval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
	}, a.Logger)
	if err != nil {
		return err
	}
	var notifier scheduler.Notifier
	if rt.ops != nil {
		notifier = rt.ops
	}
	digest, err := scheduler.NewDigest(a.Config.Scheduler.DigestCron, rt.store, notifier, a.Logger)
	if err != nil {
		return err
	}

	tasks := map[string]func(context.Context) error{
		"dispatch": rt.pipeline.Run,
		"sweep": func(ctx context.Context) error {
			return sweep.Run(ctx, rt.pipeline.Sweep)
		},
		"digest":  digest.Run,
		"candles": func(ctx context.Context) error { return a.consumeCandles(ctx, rt.pipeline, candles) },
		"actions": func(ctx context.Context) error { return a.consumeActions(ctx, rt.pipeline, actions) },
	}
	if a.Config.Monitor.Enabled {
		srv := monitor.New(monitor.Options{
			Addr:       a.Config.Monitor.Addr,
			Mode:       a.Config.Monitor.Mode,
			QueryLimit: a.Config.Audit.QueryLimit,
			Stream:     rt.hub,
		}, rt.pipeline, rt.store, rt.metrics, a.Logger)
		tasks["monitor"] = srv.Run
	}

	a.Logger.Info().Int("tasks", len(tasks)).Msg("starting alert service")
	if err := runTasks(ctx, tasks, a.Logger); err != nil {
		a.Logger.Error().Err(err).Msg("alert service terminated with error")
		return err
	}
	a.Logger.Info().Msg("alert service stopped")
	return nil
}

func (a *App) consumeCandles(ctx context.Context, p *service.Pipeline, src market.CandleSource) error {
	for {
		c, err := src.NextCandle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, market.ErrSourceClosed) {
			return nil
		}
		if err != nil {
			a.Logger.Warn().Err(err).Msg("candle feed error")
			pause(ctx, feedRetryDelay)
			continue
		}
		if _, err := a.processCandle(ctx, p, c); err != nil {
			return err
		}
	}
}

// processCandle returns only errors that must stop the feed.
func (a *App) processCandle(ctx context.Context, p *service.Pipeline, c market.Candle) ([]service.Outcome, error) {
	outcomes, err := p.ProcessCandle(ctx, c)
	switch {
	case err == nil:
		return outcomes, nil
	case errors.Is(err, service.ErrAuditFault):
		return outcomes, err
	case errors.Is(err, detect.ErrOutOfOrder):
		a.Logger.Warn().Str("instrument", c.Instrument).Time("ts", c.Timestamp).Msg("out-of-order candle dropped")
	default:
		a.Logger.Warn().Err(err).Str("instrument", c.Instrument).Msg("candle rejected")
	}
	return outcomes, nil
}

func (a *App) consumeActions(ctx context.Context, p *service.Pipeline, src market.ActionSource) error {
	for {
		ev, err := src.NextAction(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, market.ErrSourceClosed) {
			return nil
		}
		if err != nil {
			a.Logger.Warn().Err(err).Msg("operator action feed error")
			pause(ctx, feedRetryDelay)
			continue
		}
		if _, err := p.RecordAction(ctx, ev); err != nil {
			if errors.Is(err, service.ErrAuditFault) {
				return err
			}
			a.Logger.Warn().Err(err).Str("alert_id", ev.AlertID).Msg("operator action rejected")
		}
	}
}

const feedRetryDelay = time.Second

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// runTasks runs every task until the first one returns, then cancels the
// rest and waits. The first non-cancellation error is returned.
func runTasks(ctx context.Context, tasks map[string]func(context.Context) error, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	for name, task := range tasks {
		wg.Add(1)
		go func(name string, task func(context.Context) error) {
			defer wg.Done()
			defer cancel()
			err := task(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				logger.Debug().Str("task", name).Msg("task stopped")
				return
			}
			logger.Error().Err(err).Str("task", name).Msg("task failed")
			mu.Lock()
			if first == nil {
				first = err
			}
			mu.Unlock()
		}(name, task)
	}
	wg.Wait()
	return first
}

// ReplayOptions configure a historic replay.
type ReplayOptions struct {
	CSVPath string
	// Drain bounds the wait for queued deliveries after the last candle.
	Drain time.Duration
}

// SimulateOptions describe one synthetic opportunity.
type SimulateOptions struct {
	Instrument string
	Pattern    alert.Pattern
	Direction  alert.Direction
	Price      float64
	EntryMin   float64
	EntryMax   float64
	Stop       float64
	Target     float64
	Confidence float64
	Timeout    time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Instrument string
	Status     alert.Status
}

// StatsOptions bound the stats command.
type StatsOptions struct {
	From *time.Time
	To   *time.Time
	JSON bool
}

// ExportOptions hold parameters for exporting audit rows.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
