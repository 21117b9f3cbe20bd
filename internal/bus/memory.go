package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// MemoryBus is the default/test backend: topics are in-process
// fan-out channels with a 256-message buffer per subscription. A
// delivery to a full buffer is dropped with a warning and never
// redelivered, and there is no cross-process durability. It satisfies the same
// contract as RedisBus so callers can swap backends without code
// changes.
type MemoryBus struct {
	mu        sync.RWMutex
	topics    map[string][]chan *envelope.Envelope
	consumers map[string]*consumer
	waiters   *waiterRegistry
	log       *logger.Logger
	closed    bool
}

// NewMemoryBus constructs an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.NewDefault("bus")
	}
	return &MemoryBus{
		topics:    make(map[string][]chan *envelope.Envelope),
		consumers: make(map[string]*consumer),
		waiters:   newWaiterRegistry(),
		log:       log,
	}
}

func (b *MemoryBus) PublishEvent(ctx context.Context, topic string, env *envelope.Envelope) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, busUnavailableErr("publish_event", fmt.Errorf("bus closed"))
	}

	if b.waiters.deliver(env) {
		return true, nil
	}

	subs := b.topics[topic]
	for _, ch := range subs {
		select {
		case ch <- env:
		case <-ctx.Done():
			return false, ctx.Err()
		default:
			b.log.WithField("topic", topic).Warn("memory bus consumer channel full, dropping delivery")
		}
	}
	return true, nil
}

func (b *MemoryBus) CreateConsumer(ctx context.Context, topics []string, consumerID string, handler Handler) (string, error) {
	if consumerID == "" {
		consumerID = newCorrelationID()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", busUnavailableErr("create_consumer", fmt.Errorf("bus closed"))
	}

	c := &consumer{id: consumerID, topics: topics, handler: handler}
	b.consumers[consumerID] = c
	for _, topic := range topics {
		ch := make(chan *envelope.Envelope, 256)
		b.topics[topic] = append(b.topics[topic], ch)
	}
	return consumerID, nil
}

func (b *MemoryBus) StartConsuming(ctx context.Context, consumerID string) error {
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
	channels := make([]chan *envelope.Envelope, 0, len(c.topics))
	for _, topic := range c.topics {
		subs := b.topics[topic]
		channels = append(channels, subs[len(subs)-1])
	}
	b.mu.Unlock()

	for i, topic := range c.topics {
		go b.pump(consumerCtx, topic, channels[i], c.handler)
	}
	return nil
}

func (b *MemoryBus) pump(ctx context.Context, topic string, ch chan *envelope.Envelope, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ch:
			if env == nil {
				continue
			}
			if err := handler(ctx, topic, env); err != nil {
				b.log.WithFields(map[string]interface{}{
					"topic": topic,
					"error": err.Error(),
				}).Error("memory bus handler returned an error")
			}
		}
	}
}

func (b *MemoryBus) StopConsuming(consumerID string) error {
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

func (b *MemoryBus) RequestReply(ctx context.Context, requestTopic, replyTopic string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
		env.Meta.CorrelationID = correlationID
	}
	reply := replyTopicName(replyTopic, correlationID)
	_ = reply // the in-memory backend correlates by id alone, independent of topic

	waiter := b.waiters.register(correlationID)
	defer b.waiters.forget(correlationID)

	// Fan the request out to the topic's subscribers directly: PublishEvent
	// would hand it to this call's own waiter, since the request carries
	// the correlation id being waited on.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, busUnavailableErr("request_reply", fmt.Errorf("bus closed"))
	}
	for _, ch := range b.topics[requestTopic] {
		select {
		case ch <- env:
		default:
			b.log.WithField("topic", requestTopic).Warn("memory bus consumer channel full, dropping request")
		}
	}
	b.mu.RUnlock()

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

func (b *MemoryBus) HealthCheck(ctx context.Context) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{Healthy: !b.closed, Backend: "memory"}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.consumers {
		if c.cancel != nil {
			c.cancel()
		}
	}
	b.closed = true
	return nil
}
