package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/evolution-substrate/engine/infrastructure/state"
	"github.com/evolution-substrate/engine/internal/bus"
	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
	"github.com/evolution-substrate/engine/internal/sentinel"
	"github.com/evolution-substrate/engine/internal/spawner"
)

// canned is a stub runtime.Agent that returns a fixed result for every
// capability it is asked to handle.
type canned struct {
	caps   map[runtime.Capability]bool
	result map[string]any
}

func (c canned) Capabilities() map[runtime.Capability]bool { return c.caps }

func (c canned) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	return c.result, nil
}

func testSentinel() *sentinel.Sentinel {
	return sentinel.New(sentinel.Config{
		GlobalHardCap:   100000,
		DefaultAgentCap: 100000,
		MetricsLog:      sentinel.NullMetricsLog{},
	})
}

func testFactory(b bus.Bus, sent *sentinel.Sentinel) spawner.Factory {
	agents := map[string]canned{
		AgentAuditor: {
			caps: map[runtime.Capability]bool{runtime.CapAudit: true},
			result: map[string]any{
				"proposals": []map[string]any{
					{"id": "prop_001", "title": "Optimize embedder performance", "type": "optimization", "estimated_impact": "20% faster"},
				},
			},
		},
		AgentReviewer: {
			caps:   map[runtime.Capability]bool{runtime.CapReview: true},
			result: map[string]any{"recommendation": "approve", "risk_level": "low"},
		},
		AgentArchitect: {
			caps:   map[runtime.Capability]bool{runtime.CapDecide: true},
			result: map[string]any{"decision": "approved"},
		},
		AgentImplementor: {
			caps:   map[runtime.Capability]bool{runtime.CapImplement: true},
			result: map[string]any{"status": "success", "artifact": "implementation_prop_001.py"},
		},
		AgentTreasurer: {
			caps:   map[runtime.Capability]bool{runtime.CapAssessFinances: true},
			result: map[string]any{"balance": 9990.0, "burn_rate": 10.0, "runway_days": 999, "priority_mode": "NORMAL"},
		},
	}

	return func(agentID string) *runtime.Runtime {
		return runtime.New(runtime.Config{
			AgentID:  agentID,
			Agent:    agents[agentID],
			Bus:      b,
			Sentinel: sent,
		})
	}
}

func testOrchestrator(t *testing.T) (*Orchestrator, func()) {
	t.Helper()
	b := bus.NewMemoryBus(nil)
	sent := testSentinel()
	sp := spawner.New(nil)
	backend, err := state.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	o := New(Config{
		Bus:          b,
		Sentinel:     sent,
		Spawner:      sp,
		AgentFactory: testFactory(b, sent),
		Treasury:     NewTreasury(backend, nil),
		PhaseTimeout: 2 * time.Second,
	})

	cleanup := func() {
		sp.StopAll(context.Background())
		b.Close()
	}
	return o, cleanup
}

func TestOrchestrator_InitializeSpawnsCanonicalAgents(t *testing.T) {
	o, cleanup := testOrchestrator(t)
	defer cleanup()

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(o.cfg.Spawner.AgentIDs()) != len(canonicalAgents) {
		t.Fatalf("expected %d spawned agents, got %d", len(canonicalAgents), len(o.cfg.Spawner.AgentIDs()))
	}
}

func TestOrchestrator_RunEvolutionCycleFullPipeline(t *testing.T) {
	o, cleanup := testOrchestrator(t)
	defer cleanup()

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	record, err := o.RunEvolutionCycle(context.Background())
	if err != nil {
		t.Fatalf("RunEvolutionCycle: %v", err)
	}

	if len(record.Errors) != 0 {
		t.Fatalf("expected no phase errors, got %v", record.Errors)
	}
	if record.ProposalsGenerated != 1 {
		t.Fatalf("expected 1 proposal, got %d", record.ProposalsGenerated)
	}
	if record.ProposalsApproved != 1 {
		t.Fatalf("expected 1 approved proposal, got %d", record.ProposalsApproved)
	}
	if record.ImplementationsSuccessful != 1 {
		t.Fatalf("expected 1 successful implementation, got %d", record.ImplementationsSuccessful)
	}
	if record.Financial == nil {
		t.Fatal("expected a financial assessment")
	}
}

func TestOrchestrator_CycleWithNoProposalsSkipsDownstreamPhases(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	sent := testSentinel()
	sp := spawner.New(nil)
	defer sp.StopAll(context.Background())
	backend, err := state.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	emptyAuditor := canned{
		caps:   map[runtime.Capability]bool{runtime.CapAudit: true},
		result: map[string]any{"proposals": []map[string]any{}},
	}
	factory := func(agentID string) *runtime.Runtime {
		return runtime.New(runtime.Config{AgentID: agentID, Agent: emptyAuditor, Bus: b, Sentinel: sent})
	}

	o := New(Config{
		Bus:          b,
		Sentinel:     sent,
		Spawner:      sp,
		AgentFactory: factory,
		Treasury:     NewTreasury(backend, nil),
		PhaseTimeout: 100 * time.Millisecond,
	})

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	record, err := o.RunEvolutionCycle(context.Background())
	if err != nil {
		t.Fatalf("RunEvolutionCycle: %v", err)
	}
	if record.ProposalsGenerated != 0 {
		t.Fatalf("expected 0 proposals, got %d", record.ProposalsGenerated)
	}
	if record.Reviews != nil {
		t.Fatalf("expected no review phase to run, got %v", record.Reviews)
	}
}

func TestOrchestrator_TreasuryPersistsAcrossCycles(t *testing.T) {
	o, cleanup := testOrchestrator(t)
	defer cleanup()

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	first, err := o.RunEvolutionCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	second, err := o.RunEvolutionCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.TreasuryNewBalance >= first.TreasuryNewBalance {
		t.Fatalf("expected balance to decrease across cycles: %v -> %v", first.TreasuryNewBalance, second.TreasuryNewBalance)
	}

	history := o.CycleHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 recorded cycles, got %d", len(history))
	}
}
