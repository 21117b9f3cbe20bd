// Package bus defines the Message Bus Adapter: the broker-agnostic
// publish/consume/request-reply contract every other component talks
// to instead of a concrete broker client.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/evolution-substrate/engine/infrastructure/errors"
	"github.com/evolution-substrate/engine/internal/envelope"
)

// Handler processes one delivered envelope. Handlers should be
// idempotent, or deduplicate by envelope id, since delivery is
// at-least-once.
type Handler func(ctx context.Context, topic string, env *envelope.Envelope) error

// Status reports the adapter's liveness for the admin surface.
type Status struct {
	Healthy bool   `json:"healthy"`
	Backend string `json:"backend"`
	Detail  string `json:"detail,omitempty"`
}

// Bus is the Message Bus Adapter contract. Ordering is guaranteed only
// per-partition (per-topic, for the backends implemented here); topics
// auto-create on first publish.
type Bus interface {
	PublishEvent(ctx context.Context, topic string, env *envelope.Envelope) (bool, error)
	CreateConsumer(ctx context.Context, topics []string, consumerID string, handler Handler) (string, error)
	StartConsuming(ctx context.Context, consumerID string) error
	StopConsuming(consumerID string) error
	RequestReply(ctx context.Context, requestTopic, replyTopic string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)
	HealthCheck(ctx context.Context) Status
	Close() error
}

// consumer tracks one registered consumer's subscription and running
// state, independent of which backend delivers the messages.
type consumer struct {
	id      string
	topics  []string
	handler Handler
	cancel  context.CancelFunc
	running bool
}

// replyWaiter is a pending request/reply correlation.
type replyWaiter struct {
	correlationID string
	ch            chan *envelope.Envelope
}

func newCorrelationID() string {
	return uuid.NewString()
}

// decodePayload round-trips a raw delivered payload into an Envelope.
// Backends that store envelopes as JSON strings (Redis Streams) funnel
// through this; the in-memory backend can skip it since it already
// holds typed Envelope values.
func decodePayload(raw []byte) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func encodeEnvelope(env *envelope.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// replyTopicName derives the reply topic actually used for a
// request/reply exchange: the caller-supplied reply topic if set, or a
// correlation-scoped topic otherwise.
func replyTopicName(base, correlationID string) string {
	if base != "" {
		return base
	}
	return "reply-" + correlationID
}

// busUnavailableErr wraps a backend failure as the taxonomy's
// BusUnavailable error for callers that want a *ServiceError.
func busUnavailableErr(operation string, err error) error {
	if err == nil {
		return nil
	}
	return svcerrors.BusUnavailable(operation, err)
}

// waiterRegistry tracks in-flight request/reply correlations so an
// arriving reply can be routed to the right caller.
type waiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]*replyWaiter
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{waiters: make(map[string]*replyWaiter)}
}

func (r *waiterRegistry) register(correlationID string) *replyWaiter {
	w := &replyWaiter{correlationID: correlationID, ch: make(chan *envelope.Envelope, 1)}
	r.mu.Lock()
	r.waiters[correlationID] = w
	r.mu.Unlock()
	return w
}

func (r *waiterRegistry) deliver(env *envelope.Envelope) bool {
	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		return false
	}
	r.mu.Lock()
	w, ok := r.waiters[correlationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.ch <- env:
	default:
	}
	return true
}

func (r *waiterRegistry) forget(correlationID string) {
	r.mu.Lock()
	delete(r.waiters, correlationID)
	r.mu.Unlock()
}
