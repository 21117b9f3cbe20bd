// Package spawner implements the Agent Spawner: a lifecycle manager
// for a named collection of Agent Runtimes. It owns no bus
// connections of its own.
package spawner

import (
	"context"
	"sync"

	"github.com/evolution-substrate/engine/internal/runtime"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// Factory constructs the Runtime for a given agent id the first time
// it is spawned.
type Factory func(agentID string) *runtime.Runtime

// Spawner manages a named collection of Runtimes, spawning each at
// most once per id.
type Spawner struct {
	mu     sync.Mutex
	agents map[string]*runtime.Runtime
	log    *logger.Logger
}

// New constructs an empty Spawner.
func New(log *logger.Logger) *Spawner {
	if log == nil {
		log = logger.NewDefault("spawner")
	}
	return &Spawner{
		agents: make(map[string]*runtime.Runtime),
		log:    log,
	}
}

// SpawnAgent starts the Runtime built by build for agentID, or returns
// the already-running Runtime if one was spawned previously.
// Idempotent by id.
func (s *Spawner) SpawnAgent(ctx context.Context, agentID string, build Factory) (*runtime.Runtime, error) {
	s.mu.Lock()
	if existing, ok := s.agents[agentID]; ok {
		s.mu.Unlock()
		s.log.WithField("agent", agentID).Warn("agent already spawned, returning existing runtime")
		return existing, nil
	}
	s.mu.Unlock()

	rt := build(agentID)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.agents[agentID] = rt
	s.mu.Unlock()

	s.log.WithField("agent", agentID).Info("spawned agent")
	return rt, nil
}

// StopAgent cleanly stops and deregisters agentID. A no-op if the
// agent was never spawned.
func (s *Spawner) StopAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	rt, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := rt.Stop(ctx); err != nil {
		return err
	}
	s.log.WithField("agent", agentID).Info("stopped agent")
	return nil
}

// StopAll performs a best-effort parallel shutdown of every spawned
// agent.
func (s *Spawner) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			if err := s.StopAgent(ctx, agentID); err != nil {
				s.log.WithField("agent", agentID).WithError(err).Warn("error stopping agent")
			}
		}(id)
	}
	wg.Wait()
}

// GetAllHealth returns the aggregated health snapshot across every
// spawned agent.
func (s *Spawner) GetAllHealth(ctx context.Context) map[string]runtime.Health {
	s.mu.Lock()
	snapshot := make(map[string]*runtime.Runtime, len(s.agents))
	for id, rt := range s.agents {
		snapshot[id] = rt
	}
	s.mu.Unlock()

	out := make(map[string]runtime.Health, len(snapshot))
	for id, rt := range snapshot {
		out[id] = rt.GetHealth(ctx)
	}
	return out
}

// AgentIDs returns the ids of every currently-spawned agent.
func (s *Spawner) AgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the Runtime for agentID, if spawned.
func (s *Spawner) Get(agentID string) (*runtime.Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.agents[agentID]
	return rt, ok
}
