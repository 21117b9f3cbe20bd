package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/evolution-substrate/engine/infrastructure/resilience"
	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// RedisBus is the production Message Bus Adapter backend: topics map
// onto Redis Streams, and each consumer joins a consumer group so
// deliveries are at-least-once and load-balanced across group
// members. Publishes and blocking reads go through a circuit breaker
// so a broker outage degrades to BusUnavailable quickly instead of
// hanging every caller.
type RedisBus struct {
	client        *redis.Client
	breaker       *resilience.CircuitBreaker
	consumerGroup string
	log           *logger.Logger
	waiters       *waiterRegistry

	mu        sync.Mutex
	consumers map[string]*consumer
}

// RedisBusConfig configures the Redis Streams backend.
type RedisBusConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string
	Logger        *logger.Logger
	Breaker       resilience.Config
}

// NewRedisBus dials addr and returns a RedisBus. It does not block on
// connectivity; HealthCheck and the circuit breaker surface outages at
// call time.
func NewRedisBus(cfg RedisBusConfig) *RedisBus {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "evolution-substrate"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("bus")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	breakerCfg := cfg.Breaker
	if breakerCfg.MaxFailures == 0 {
		breakerCfg = resilience.DefaultBusCBConfig(cfg.Logger)
	}

	return &RedisBus{
		client:        client,
		breaker:       resilience.New(breakerCfg),
		consumerGroup: cfg.ConsumerGroup,
		log:           cfg.Logger,
		waiters:       newWaiterRegistry(),
		consumers:     make(map[string]*consumer),
	}
}

func (b *RedisBus) PublishEvent(ctx context.Context, topic string, env *envelope.Envelope) (bool, error) {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return false, err
	}

	err = b.breaker.Execute(ctx, "publish_event", func() error {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]interface{}{"envelope": string(payload)},
		}).Err()
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, topic string) error {
	return resilience.Retry(ctx, resilience.GroupSetupRetryConfig(), func() error {
		err := b.client.XGroupCreateMkStream(ctx, topic, b.consumerGroup, "$").Err()
		if err != nil && !isGroupExistsErr(err) {
			return err
		}
		return nil
	})
}

func isGroupExistsErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}

func (b *RedisBus) CreateConsumer(ctx context.Context, topics []string, consumerID string, handler Handler) (string, error) {
	if consumerID == "" {
		consumerID = newCorrelationID()
	}
	for _, topic := range topics {
		if err := b.ensureGroup(ctx, topic); err != nil {
			return "", busUnavailableErr("create_consumer", err)
		}
	}

	b.mu.Lock()
	b.consumers[consumerID] = &consumer{id: consumerID, topics: topics, handler: handler}
	b.mu.Unlock()
	return consumerID, nil
}

func (b *RedisBus) StartConsuming(ctx context.Context, consumerID string) error {
	b.mu.Lock()
	c, ok := b.consumers[consumerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unknown consumer %q", consumerID)
	}
	if c.running {
		b.mu.Unlock()
		return nil
	}
	c.running = true
	consumerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	b.mu.Unlock()

	go b.consume(consumerCtx, c)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, c *consumer) {
	streams := make([]string, 0, len(c.topics)*2)
	for _, topic := range c.topics {
		streams = append(streams, topic)
	}
	for range c.topics {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: c.id,
			Streams:  streams,
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.log.WithFields(map[string]interface{}{
				"consumer": c.id,
				"error":    err.Error(),
			}).Warn("redis stream read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, stream.Stream, c, msg)
			}
		}
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, topic string, c *consumer, msg redis.XMessage) {
	raw, _ := msg.Values["envelope"].(string)
	env, err := decodePayload([]byte(raw))
	if err != nil {
		b.log.WithField("message_id", msg.ID).Warn("discarding undecodable stream message")
		b.client.XAck(ctx, topic, b.consumerGroup, msg.ID)
		return
	}

	if b.waiters.deliver(env) {
		b.client.XAck(ctx, topic, b.consumerGroup, msg.ID)
		return
	}

	if err := c.handler(ctx, topic, env); err != nil {
		b.log.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err.Error(),
		}).Error("redis bus handler returned an error")
		return
	}
	b.client.XAck(ctx, topic, b.consumerGroup, msg.ID)
}

func (b *RedisBus) StopConsuming(consumerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[consumerID]
	if !ok {
		return fmt.Errorf("unknown consumer %q", consumerID)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	return nil
}

func (b *RedisBus) RequestReply(ctx context.Context, requestTopic, replyTopic string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
		env.Meta.CorrelationID = correlationID
	}
	_ = replyTopicName(replyTopic, correlationID)

	waiter := b.waiters.register(correlationID)
	defer b.waiters.forget(correlationID)

	if _, err := b.PublishEvent(ctx, requestTopic, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter.ch:
		return reply, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *RedisBus) HealthCheck(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return Status{Healthy: false, Backend: "redis", Detail: err.Error()}
	}
	return Status{Healthy: true, Backend: "redis"}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, c := range b.consumers {
		if c.cancel != nil {
			c.cancel()
		}
	}
	b.mu.Unlock()
	return b.client.Close()
}
