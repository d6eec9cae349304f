package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"trade-alerts/internal/audit"
)

// Notifier sends a plain text message, e.g. to the ops Telegram chat.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Digest publishes a daily summary of the audit stats.
type Digest struct {
	cron     *cron.Cron
	reader   audit.Reader
	notifier Notifier
	period   time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDigest registers the digest on a standard five field cron spec (UTC).
// notifier may be nil, in which case the digest is only logged.
func NewDigest(spec string, reader audit.Reader, notifier Notifier, logger zerolog.Logger) (*Digest, error) {
	d := &Digest{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		reader:   reader,
		notifier: notifier,
		period:   24 * time.Hour,
		logger:   logger.With().Str("component", "digest").Logger(),
		now:      time.Now,
	}
	if _, err := d.cron.AddFunc(spec, d.run); err != nil {
		return nil, fmt.Errorf("register digest %q: %w", spec, err)
	}
	return d, nil
}

// Run starts the cron loop and blocks until ctx is cancelled; a digest in
// progress is allowed to finish.
func (d *Digest) Run(ctx context.Context) error {
	d.cron.Start()
	d.logger.Info().Msg("digest scheduler started")
	<-ctx.Done()
	<-d.cron.Stop().Done()
	return ctx.Err()
}

func (d *Digest) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.Publish(ctx, d.now().UTC()); err != nil {
		d.logger.Error().Err(err).Msg("日报发送失败")
	}
}

// Publish computes the stats for the period ending at now and sends them.
func (d *Digest) Publish(ctx context.Context, now time.Time) error {
	st, err := d.reader.Stats(ctx, now.Add(-d.period), now)
	if err != nil {
		return fmt.Errorf("digest stats: %w", err)
	}
	text := FormatDigest(st)
	d.logger.Info().
		Int("alerts", st.Alerts).
		Int("delivered", st.Delivered).
		Int("failed", st.Failed).
		Float64("success_rate", st.SuccessRate).
		Msg("daily digest")
	if d.notifier == nil {
		return nil
	}
	return d.notifier.Send(ctx, text)
}

// FormatDigest renders the stats as a short multi line message.
func FormatDigest(st audit.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert digest %s to %s\n", st.From.Format("2006-01-02 15:04"), st.To.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "alerts: %d (duplicates %d, rate limited %d)\n", st.Alerts, st.Duplicates, st.RateLimited)
	fmt.Fprintf(&b, "delivered: %d  failed: %d  expired: %d  superseded: %d\n", st.Delivered, st.Failed, st.Expired, st.Superseded)
	fmt.Fprintf(&b, "success rate: %.1f%%  dedup rate: %.1f%%\n", st.SuccessRate*100, st.DedupRate*100)
	fmt.Fprintf(&b, "first delivery p50/p95/p99: %s / %s / %s\n",
		st.FirstDelivery.P50, st.FirstDelivery.P95, st.FirstDelivery.P99)
	for _, ch := range st.Channels {
		fmt.Fprintf(&b, "  %s: %d/%d ok (%.1f%%)\n", ch.Channel, ch.Successes, ch.Attempts, ch.SuccessRate*100)
	}
	return strings.TrimRight(b.String(), "\n")
}
