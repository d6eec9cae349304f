package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaOptions parameterise the feed consumers. GroupID is a prefix: each
// topic joins its own consumer group "<GroupID>.<Topic>".
type KafkaOptions struct {
	Brokers []string
	GroupID string
	Topic   string
	MaxWait time.Duration
}

// messageReader is the part of *kafka.Reader the sources use.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// errSkip marks a message that is logged and skipped.
var errSkip = errors.New("skip message")

func readerConfig(opts KafkaOptions) (kafka.ReaderConfig, error) {
	if len(opts.Brokers) == 0 {
		return kafka.ReaderConfig{}, fmt.Errorf("kafka brokers are required")
	}
	if opts.Topic == "" {
		return kafka.ReaderConfig{}, fmt.Errorf("kafka topic is required")
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	group := ""
	if opts.GroupID != "" {
		group = opts.GroupID + "." + opts.Topic
	}
	return kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		GroupID:  group,
		Topic:    opts.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  maxWait,
	}, nil
}

func newReader(opts KafkaOptions) (*kafka.Reader, error) {
	cfg, err := readerConfig(opts)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(cfg), nil
}

// KafkaCandleSource consumes JSON candles from a topic.
type KafkaCandleSource struct {
	reader messageReader
	logger zerolog.Logger
}

// NewKafkaCandleSource builds a candle consumer.
func NewKafkaCandleSource(opts KafkaOptions, logger zerolog.Logger) (*KafkaCandleSource, error) {
	reader, err := newReader(opts)
	if err != nil {
		return nil, err
	}
	return newKafkaCandleSource(reader, opts.Topic, logger), nil
}

func newKafkaCandleSource(reader messageReader, topic string, logger zerolog.Logger) *KafkaCandleSource {
	return &KafkaCandleSource{
		reader: reader,
		logger: logger.With().Str("component", "kafka_candles").Str("topic", topic).Logger(),
	}
}

// NextCandle blocks until a valid candle arrives; malformed messages are skipped.
func (k *KafkaCandleSource) NextCandle(ctx context.Context) (Candle, error) {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			return Candle{}, fmt.Errorf("read candle message: %w", err)
		}
		candle, err := decodeCandle(msg)
		if err != nil {
			k.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skip candle message")
			continue
		}
		return candle, nil
	}
}

// decodeCandle parses a candle message; the key names the instrument when
// the payload omits it.
func decodeCandle(msg kafka.Message) (Candle, error) {
	var candle Candle
	if err := json.Unmarshal(msg.Value, &candle); err != nil {
		return Candle{}, fmt.Errorf("%w: malformed candle: %v", errSkip, err)
	}
	if candle.Instrument == "" {
		candle.Instrument = string(msg.Key)
	}
	if err := candle.Validate(); err != nil {
		return Candle{}, fmt.Errorf("%w: %v", errSkip, err)
	}
	candle.Timestamp = candle.Timestamp.UTC()
	return candle, nil
}

// Close stops the consumer.
func (k *KafkaCandleSource) Close() error { return k.reader.Close() }

// KafkaActionSource consumes operator actions from a topic.
type KafkaActionSource struct {
	reader messageReader
	logger zerolog.Logger
}

// NewKafkaActionSource builds an operator-action consumer.
func NewKafkaActionSource(opts KafkaOptions, logger zerolog.Logger) (*KafkaActionSource, error) {
	reader, err := newReader(opts)
	if err != nil {
		return nil, err
	}
	return newKafkaActionSource(reader, opts.Topic, logger), nil
}

func newKafkaActionSource(reader messageReader, topic string, logger zerolog.Logger) *KafkaActionSource {
	return &KafkaActionSource{
		reader: reader,
		logger: logger.With().Str("component", "kafka_actions").Str("topic", topic).Logger(),
	}
}

// NextAction blocks until an operator event arrives.
func (k *KafkaActionSource) NextAction(ctx context.Context) (OperatorEvent, error) {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			return OperatorEvent{}, fmt.Errorf("read action message: %w", err)
		}
		evt, err := decodeAction(msg)
		if err != nil {
			k.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skip operator action")
			continue
		}
		return evt, nil
	}
}

// decodeAction parses an operator event; a missing timestamp takes the
// message time.
func decodeAction(msg kafka.Message) (OperatorEvent, error) {
	var evt OperatorEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return OperatorEvent{}, fmt.Errorf("%w: malformed operator action: %v", errSkip, err)
	}
	if evt.AlertID == "" || evt.Actor == "" {
		return OperatorEvent{}, fmt.Errorf("%w: operator action without alert id or actor", errSkip)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = msg.Time
	}
	evt.Timestamp = evt.Timestamp.UTC()
	return evt, nil
}

// Close stops the consumer.
func (k *KafkaActionSource) Close() error { return k.reader.Close() }

var (
	_ CandleSource  = (*KafkaCandleSource)(nil)
	_ ActionSource  = (*KafkaActionSource)(nil)
	_ messageReader = (*kafka.Reader)(nil)
)
