package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/platform/websocket"
	"github.com/drfirst/go-rxcollect/pkg/circuitbreaker"
	"github.com/drfirst/go-rxcollect/pkg/workerpool"
)

// DefaultPublishTimeout bounds one broker round trip made for a push
const DefaultPublishTimeout = 5 * time.Second

// Publisher writes one record
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// LocalPusher delivers to connections held by this instance
type LocalPusher interface {
	Push(ctx context.Context, userID string, payload []byte) error
}

type pushEnvelope struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// outgoing is a push waiting to be published
type outgoing struct {
	parent trace.SpanContext
	userID string
	value  []byte
	local  []byte
}

// Fanout routes notification pushes through notification.push so that every instance
// delivers to the connections it holds. Push only queues the record; a worker publishes it
// and falls back to local connections when the broker fails or the breaker is open.
type Fanout struct {
	publisher      Publisher
	breaker        *circuitbreaker.CircuitBreaker
	local          LocalPusher
	outbound       *workerpool.Pool
	inbound        *workerpool.Pool
	publishTimeout time.Duration
	logger         *zap.Logger
}

// NewFanout creates the fan-out. Both directions get a pool sized by poolCfg; publishes are
// never retried, so a record is produced at most once per Push.
func NewFanout(publisher Publisher, breaker *circuitbreaker.CircuitBreaker, local LocalPusher, poolCfg workerpool.Config, logger *zap.Logger) (*Fanout, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{
		publisher:      publisher,
		breaker:        breaker,
		local:          local,
		publishTimeout: DefaultPublishTimeout,
		logger:         logger,
	}

	outCfg := poolCfg
	outCfg.MaxRetries = 0
	outbound, err := workerpool.New(outCfg, f.publish, logger.Named("fanout-publish"))
	if err != nil {
		return nil, err
	}
	inbound, err := workerpool.New(poolCfg, f.deliver, logger.Named("fanout-deliver"))
	if err != nil {
		return nil, err
	}
	f.outbound, f.inbound = outbound, inbound
	return f, nil
}

// Start launches the publish and delivery workers
func (f *Fanout) Start() {
	f.outbound.Start()
	f.inbound.Start()
}

// Stop drains queued publishes, then pending deliveries
func (f *Fanout) Stop() {
	f.outbound.Stop()
	f.inbound.Stop()
}

// Push queues payload for userID and returns without waiting for the broker. When the
// queue cannot take it, the payload goes to local connections straight away.
func (f *Fanout) Push(ctx context.Context, userID string, payload []byte) error {
	value, err := json.Marshal(pushEnvelope{UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode push envelope: %w", err)
	}
	err = f.outbound.Submit(workerpool.Task{
		ID: userID,
		Payload: outgoing{
			parent: trace.SpanContextFromContext(ctx),
			userID: userID,
			value:  value,
			local:  payload,
		},
	})
	if err == nil {
		return nil
	}
	f.logger.Warn("fan-out queue unavailable, delivering locally",
		zap.String("user_id", userID), zap.Error(err))
	if lerr := f.local.Push(ctx, userID, payload); lerr != nil {
		return errors.Join(err, lerr)
	}
	return nil
}

func (f *Fanout) publish(ctx context.Context, task workerpool.Task) error {
	out, ok := task.Payload.(outgoing)
	if !ok {
		return nil
	}
	ctx = trace.ContextWithSpanContext(ctx, out.parent)
	ctx, cancel := context.WithTimeout(ctx, f.publishTimeout)
	defer cancel()

	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		return f.publisher.Publish(ctx, TopicNotificationPush, out.userID, out.value)
	})
	if err == nil {
		return nil
	}
	f.logger.Debug("fan-out publish failed, delivering locally",
		zap.String("user_id", out.userID), zap.Error(err))
	lerr := f.local.Push(context.WithoutCancel(ctx), out.userID, out.local)
	if lerr == nil || errors.Is(lerr, websocket.ErrNoConnection) {
		return nil
	}
	return errors.Join(err, lerr)
}

// Handle is the consumer handler for notification.push
func (f *Fanout) Handle(_ context.Context, msg *ConsumedMessage) error {
	var env pushEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("decode push envelope at offset %d: %w", msg.Offset, err)
	}
	if env.UserID == "" {
		return nil
	}
	return f.inbound.Submit(workerpool.Task{
		ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Payload: env,
	})
}

func (f *Fanout) deliver(ctx context.Context, task workerpool.Task) error {
	env, ok := task.Payload.(pushEnvelope)
	if !ok {
		return nil
	}
	err := f.local.Push(ctx, env.UserID, env.Payload)
	if errors.Is(err, websocket.ErrNoConnection) {
		return nil
	}
	return err
}
