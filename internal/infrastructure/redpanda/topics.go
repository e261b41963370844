package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// TopicNotificationPush carries live pushes between API instances, keyed by user id
	TopicNotificationPush = "notification.push"
	// TopicAuditTrail receives audit entries relayed from the outbox, keyed by resource id
	TopicAuditTrail = "audit.trail"
	// TopicDeadLetter receives outbox entries that exhausted their retries
	TopicDeadLetter = "dead.letter"
)

// TopicSpec describes a topic the service owns
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	Retention  time.Duration
}

func (s TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(s.Retention.Milliseconds(), 10)
	deletePolicy, lz4 := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &deletePolicy,
		"compression.type": &lz4,
	}
}

// Topics lists every topic the service produces to or consumes from.
// A push is worthless once the user has refreshed, so its retention is short.
func Topics(replicas int16) []TopicSpec {
	if replicas < 1 {
		replicas = 1
	}
	return []TopicSpec{
		{Name: TopicNotificationPush, Partitions: 6, Replicas: replicas, Retention: time.Hour},
		{Name: TopicAuditTrail, Partitions: 6, Replicas: replicas, Retention: 30 * 24 * time.Hour},
		{Name: TopicDeadLetter, Partitions: 3, Replicas: replicas, Retention: 7 * 24 * time.Hour},
	}
}

// Admin creates and lists the service's topics
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates any missing topic from specs. Existing topics are left untouched.
func (a *Admin) EnsureTopics(ctx context.Context, specs []TopicSpec) error {
	var errs []error
	for _, spec := range specs {
		resp, err := a.client.CreateTopics(ctx, spec.Partitions, spec.Replicas, spec.configs(), spec.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				errs = append(errs, fmt.Errorf("create topic %s: %w", r.Topic, r.Err))
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", spec.Partitions),
					zap.Duration("retention", spec.Retention))
			}
		}
	}
	return errors.Join(errs...)
}

// ListTopics returns the sorted names of every non-internal topic
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	details.FilterInternal()
	return details.Names(), nil
}

func (a *Admin) Close() { a.client.Close() }

// HealthCheck pings the brokers, giving up after five seconds
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer cl.Close()
	return cl.Ping(ctx)
}
