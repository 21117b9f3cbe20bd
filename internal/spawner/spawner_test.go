package spawner

import (
	"context"
	"testing"

	"github.com/evolution-substrate/engine/internal/bus"
	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
	"github.com/evolution-substrate/engine/internal/sentinel"
)

type stubAgent struct{}

func (stubAgent) Capabilities() map[runtime.Capability]bool {
	return map[runtime.Capability]bool{runtime.CapPing: true}
}

func (stubAgent) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}

func testFactory(b bus.Bus, sent *sentinel.Sentinel) Factory {
	return func(agentID string) *runtime.Runtime {
		return runtime.New(runtime.Config{
			AgentID:  agentID,
			Agent:    stubAgent{},
			Bus:      b,
			Sentinel: sent,
		})
	}
}

func testSentinel() *sentinel.Sentinel {
	return sentinel.New(sentinel.Config{
		GlobalHardCap:   10000,
		DefaultAgentCap: 10000,
		MetricsLog:      sentinel.NullMetricsLog{},
	})
}

func TestSpawner_SpawnAgentIsIdempotent(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sp := New(nil)
	factory := testFactory(b, testSentinel())

	rt1, err := sp.SpawnAgent(context.Background(), "auditor", factory)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	rt2, err := sp.SpawnAgent(context.Background(), "auditor", factory)
	if err != nil {
		t.Fatalf("SpawnAgent (second call): %v", err)
	}
	if rt1 != rt2 {
		t.Error("expected the second spawn to return the existing runtime")
	}
	defer sp.StopAll(context.Background())
}

func TestSpawner_StopAgent(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sp := New(nil)
	factory := testFactory(b, testSentinel())

	if _, err := sp.SpawnAgent(context.Background(), "auditor", factory); err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if err := sp.StopAgent(context.Background(), "auditor"); err != nil {
		t.Fatalf("StopAgent: %v", err)
	}
	if _, ok := sp.Get("auditor"); ok {
		t.Error("expected auditor to be deregistered after StopAgent")
	}
	if err := sp.StopAgent(context.Background(), "auditor"); err != nil {
		t.Fatalf("StopAgent on an already-stopped agent should be a no-op: %v", err)
	}
}

func TestSpawner_StopAll(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sp := New(nil)
	factory := testFactory(b, testSentinel())

	sp.SpawnAgent(context.Background(), "auditor", factory)
	sp.SpawnAgent(context.Background(), "architect", factory)

	sp.StopAll(context.Background())

	if len(sp.AgentIDs()) != 0 {
		t.Errorf("expected no agents after StopAll, got %v", sp.AgentIDs())
	}
}

func TestSpawner_GetAllHealth(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sp := New(nil)
	factory := testFactory(b, testSentinel())

	sp.SpawnAgent(context.Background(), "auditor", factory)
	sp.SpawnAgent(context.Background(), "architect", factory)
	defer sp.StopAll(context.Background())

	health := sp.GetAllHealth(context.Background())
	if len(health) != 2 {
		t.Fatalf("expected health for 2 agents, got %d", len(health))
	}
	if !health["auditor"].Running {
		t.Error("expected auditor to report running")
	}
}
