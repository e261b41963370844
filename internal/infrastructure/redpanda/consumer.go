package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	Topics  []string
	// GroupID joins a consumer group. Empty means every instance reads every partition,
	// which is what push fan-out needs.
	GroupID string
	// FromStart replays retained records on first assignment instead of reading new ones only
	FromStart     bool
	FetchMaxBytes int32
}

// DefaultConsumerConfig returns a group-less consumer reading from the log end
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		FetchMaxBytes: 8 << 20,
	}
}

// MessageHandler is called once per consumed record. Errors are logged; the record is not retried.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by a handler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

func toMessage(r *kgo.Record) *ConsumedMessage {
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
}

// Consumer polls topics and hands each record to a handler
type Consumer struct {
	client  *kgo.Client
	topics  []string
	handler MessageHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer. m may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}
	if cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.GroupID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Consumer{
		client:  client,
		topics:  cfg.Topics,
		handler: handler,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
	}, nil
}

// Start polls in the background until Stop
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	c.logger.Info("consumer started", zap.Strings("topics", c.topics))
}

// Stop waits for the record in flight, then closes the client
func (c *Consumer) Stop() {
	if c.cancel == nil {
		c.client.Close()
		return
	}
	c.cancel()
	<-c.done
	c.client.Close()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		fetches.EachRecord(func(r *kgo.Record) { c.handle(ctx, r) })
	}
}

func (c *Consumer) handle(ctx context.Context, r *kgo.Record) {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, r), "consume "+r.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("partition", int64(r.Partition)),
			attribute.Int64("offset", r.Offset),
		))
	defer span.End()

	if c.metrics != nil {
		c.metrics.KafkaMessagesConsumed.Inc()
	}
	if err := c.handler(ctx, toMessage(r)); err != nil {
		span.RecordError(err)
		c.logger.Warn("message handler failed",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
	}
}
