package delivery

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trade-alerts/internal/alert"
)

// Broadcaster pushes one frame to live subscribers and reports how many
// received it.
type Broadcaster interface {
	Broadcast(ctx context.Context, frame []byte) (int, error)
}

// RedisBroadcaster publishes frames on a Redis pub/sub channel.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster publishes on channel.
func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = "tradealerts:alerts"
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

// Broadcast implements Broadcaster; zero receivers is ErrNoSubscriber.
func (r *RedisBroadcaster) Broadcast(ctx context.Context, frame []byte) (int, error) {
	n, err := r.client.Publish(ctx, r.channel, frame).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	if n == 0 {
		return 0, ErrNoSubscriber
	}
	return int(n), nil
}

// fanout succeeds when any broadcaster reached a subscriber.
type fanout []Broadcaster

func (f fanout) Broadcast(ctx context.Context, frame []byte) (int, error) {
	total := 0
	var lastErr error
	for _, b := range f {
		n, err := b.Broadcast(ctx, frame)
		if err != nil {
			lastErr = err
			continue
		}
		total += n
	}
	if total == 0 {
		if lastErr == nil {
			lastErr = ErrNoSubscriber
		}
		return 0, lastErr
	}
	return total, nil
}

// StreamingChannel is the low-latency primary channel.
type StreamingChannel struct {
	out Broadcaster
}

// NewStreamingChannel broadcasts through every given broadcaster.
func NewStreamingChannel(outs ...Broadcaster) *StreamingChannel {
	var out Broadcaster = fanout(outs)
	if len(outs) == 1 {
		out = outs[0]
	}
	return &StreamingChannel{out: out}
}

// Kind implements Channel.
func (s *StreamingChannel) Kind() alert.ChannelKind { return alert.ChannelStreaming }

// Deliver implements Channel.
func (s *StreamingChannel) Deliver(ctx context.Context, rec alert.Record) alert.Attempt {
	return attempt(ctx, s.Kind(), rec, func(ctx context.Context) error {
		frame, err := RenderStreaming(alert.PayloadOf(rec))
		if err != nil {
			return err
		}
		_, err = s.out.Broadcast(ctx, frame)
		return err
	})
}

var (
	_ Channel     = (*StreamingChannel)(nil)
	_ Broadcaster = (*Hub)(nil)
	_ Broadcaster = (*RedisBroadcaster)(nil)
)
