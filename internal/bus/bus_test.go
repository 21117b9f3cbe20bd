package bus

import (
	"context"
	"testing"
	"time"

	"github.com/evolution-substrate/engine/internal/envelope"
)

func newTestEnvelope(t *testing.T, agent string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(agent, envelope.TypeToolCall, map[string]any{"k": "v"}, envelope.Meta{})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func TestMemoryBus_PublishAndConsume(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	received := make(chan *envelope.Envelope, 1)
	handler := func(ctx context.Context, topic string, env *envelope.Envelope) error {
		received <- env
		return nil
	}

	consumerID, err := b.CreateConsumer(context.Background(), []string{"auditor-in"}, "", handler)
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	if err := b.StartConsuming(context.Background(), consumerID); err != nil {
		t.Fatalf("StartConsuming: %v", err)
	}

	env := newTestEnvelope(t, "auditor")
	ok, err := b.PublishEvent(context.Background(), "auditor-in", env)
	if err != nil || !ok {
		t.Fatalf("PublishEvent: ok=%v err=%v", ok, err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Errorf("expected envelope id %s, got %s", env.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_StopConsuming(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	handler := func(ctx context.Context, topic string, env *envelope.Envelope) error { return nil }
	consumerID, _ := b.CreateConsumer(context.Background(), []string{"t"}, "c1", handler)
	if err := b.StartConsuming(context.Background(), consumerID); err != nil {
		t.Fatalf("StartConsuming: %v", err)
	}
	if err := b.StopConsuming(consumerID); err != nil {
		t.Fatalf("StopConsuming: %v", err)
	}
	if err := b.StopConsuming("unknown"); err == nil {
		t.Error("expected error stopping an unknown consumer")
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	responder := func(ctx context.Context, topic string, env *envelope.Envelope) error {
		reply, err := envelope.New("architect", envelope.TypeCompletion, map[string]any{"decision": "approve"}, envelope.Meta{
			CorrelationID: env.Meta.CorrelationID,
		})
		if err != nil {
			return err
		}
		_, err = b.PublishEvent(ctx, "architect-out", reply)
		return err
	}

	consumerID, _ := b.CreateConsumer(context.Background(), []string{"architect-in"}, "", responder)
	if err := b.StartConsuming(context.Background(), consumerID); err != nil {
		t.Fatalf("StartConsuming: %v", err)
	}

	req := newTestEnvelope(t, "orchestrator")
	reply, err := b.RequestReply(context.Background(), "architect-in", "architect-out", req, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestReply: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a reply, got nil")
	}
	if reply.Payload["decision"] != "approve" {
		t.Errorf("expected decision=approve, got %v", reply.Payload["decision"])
	}
}

func TestMemoryBus_RequestReplyTimesOut(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	req := newTestEnvelope(t, "orchestrator")
	reply, err := b.RequestReply(context.Background(), "nobody-in", "nobody-out", req, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("RequestReply: %v", err)
	}
	if reply != nil {
		t.Error("expected nil reply on timeout")
	}
}

func TestMemoryBus_HealthCheck(t *testing.T) {
	b := NewMemoryBus(nil)

	status := b.HealthCheck(context.Background())
	if !status.Healthy {
		t.Error("expected a freshly-constructed bus to report healthy")
	}

	b.Close()
	status = b.HealthCheck(context.Background())
	if status.Healthy {
		t.Error("expected a closed bus to report unhealthy")
	}
}

func TestMemoryBus_PublishAfterCloseFails(t *testing.T) {
	b := NewMemoryBus(nil)
	b.Close()

	_, err := b.PublishEvent(context.Background(), "t", newTestEnvelope(t, "auditor"))
	if err == nil {
		t.Error("expected publish to a closed bus to fail")
	}
}
