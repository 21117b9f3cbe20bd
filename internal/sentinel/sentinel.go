// Package sentinel implements the Credit Sentinel: the single source of
// truth for "may this agent do this next thing?" It tracks per-agent and
// global resource consumption, enforces soft/hard caps, issues
// deadlock-safe file locks, and appends an admission audit trail to a
// metrics log.
package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/evolution-substrate/engine/infrastructure/metrics"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// Verdict is the Sentinel's admission decision.
type Verdict string

const (
	VerdictAllow      Verdict = "allow"
	VerdictWarn       Verdict = "warn"
	VerdictCheckpoint Verdict = "checkpoint"
	VerdictThrottle   Verdict = "throttle"
	VerdictAbort      Verdict = "abort"
)

// Status is an agent's position in the Sentinel's state machine.
// unseen -> active, active -> aborted, active -> idle. There is no
// transition out of aborted.
type Status string

const (
	StatusActive  Status = "active"
	StatusAborted Status = "aborted"
	StatusIdle    Status = "idle"
)

// Checkpoint is a durable snapshot row recorded for an agent.
type Checkpoint struct {
	Time       time.Time `json:"time"`
	Credits    int       `json:"credits"`
	Tokens     int       `json:"tokens"`
	WallTimeMs int64     `json:"wall_time_ms"`
	ToolCalls  int       `json:"tool_calls"`
}

// AgentMetrics are the per-agent counters maintained by the Sentinel.
type AgentMetrics struct {
	Name           string
	CreditsUsed    int
	TokensUsed     int
	ToolCalls      int
	Checkpoints    []Checkpoint
	StartTime      time.Time
	LastCheckpoint time.Time
	Status         Status
	AbortReason    string
}

// WallTimeMs returns wall-clock time elapsed from StartTime to now,
// whatever the agent's status; the value does not stop growing once
// an agent is aborted or idle.
func (m AgentMetrics) WallTimeMs(now time.Time) int64 {
	return now.Sub(m.StartTime).Milliseconds()
}

// GlobalMetrics are system-wide counters across the session.
type GlobalMetrics struct {
	TotalCredits    int
	TotalTokens     int
	TotalWallTimeMs int64
	ActiveAgents    int
	ThrottledAgents int
	AbortedAgents   int
	TotalToolCalls  int
}

// LockEntry maps a path to its holder and acquisition time.
type LockEntry struct {
	Holder     string
	AcquiredAt time.Time
}

// Config configures the Sentinel's limits. Zero values are filled with
// the documented defaults by New.
type Config struct {
	GlobalHardCap           int
	CheckpointInterval      int
	DefaultAgentCap         int
	DefaultWallTimeLimitMs  int64
	AgentCaps               map[string]int
	WallTimeLimits          map[string]int64
	LockResolutionPolicy    string // "youngest_holder" (default) or others registered via RegisterResolutionPolicy
	MonitorInterval         time.Duration
	MetricsLog              MetricsLogWriter
	Logger                  *logger.Logger
	Metrics                 *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.GlobalHardCap <= 0 {
		c.GlobalHardCap = 1000
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 50
	}
	if c.DefaultAgentCap <= 0 {
		c.DefaultAgentCap = c.GlobalHardCap
	}
	if c.DefaultWallTimeLimitMs <= 0 {
		c.DefaultWallTimeLimitMs = 45000
	}
	if c.AgentCaps == nil {
		c.AgentCaps = map[string]int{}
	}
	if c.WallTimeLimits == nil {
		c.WallTimeLimits = map[string]int64{}
	}
	if c.LockResolutionPolicy == "" {
		c.LockResolutionPolicy = "youngest_holder"
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("sentinel")
	}
}

// ResolutionPolicy decides which agent along a detected deadlock cycle
// is the victim. candidates holds the agents on the cycle; locks is the
// full current lock table, keyed by path.
type ResolutionPolicy func(candidates []string, locks map[string]LockEntry) string

// Sentinel is the admission controller. All public methods are
// concurrency-safe; critical sections guarded by mu are kept short
// (counter updates and map mutation only — no I/O while holding it).
type Sentinel struct {
	cfg Config

	mu      sync.Mutex
	agents  map[string]*AgentMetrics
	global  GlobalMetrics
	locks   map[string]LockEntry
	waitFor map[string]map[string]struct{} // agent -> set of agents it is waiting on

	policies map[string]ResolutionPolicy

	stopMonitor chan struct{}
	monitorDone chan struct{}
	monitorOnce sync.Once
}

// New constructs a Sentinel. The wall-time monitor is not started
// automatically; call StartMonitoring.
func New(cfg Config) *Sentinel {
	cfg.applyDefaults()

	s := &Sentinel{
		cfg:         cfg,
		agents:      make(map[string]*AgentMetrics),
		locks:       make(map[string]LockEntry),
		waitFor:     make(map[string]map[string]struct{}),
		policies:    make(map[string]ResolutionPolicy),
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	s.policies["youngest_holder"] = youngestHolderPolicy
	return s
}

// RegisterResolutionPolicy adds or replaces a named deadlock resolution
// policy so alternative policies can be configured at runtime.
func (s *Sentinel) RegisterResolutionPolicy(name string, p ResolutionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[name] = p
}

// TrackAgentStart registers agent if unseen, initializes its metrics,
// and returns abort if the global hard cap is already exhausted, else
// allow.
func (s *Sentinel) TrackAgentStart(agent string) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent]; !ok {
		s.agents[agent] = &AgentMetrics{
			Name:      agent,
			StartTime: time.Now(),
			Status:    StatusActive,
		}
		s.global.ActiveAgents++
	}

	verdict := VerdictAllow
	if s.global.TotalCredits >= s.cfg.GlobalHardCap {
		verdict = VerdictAbort
	}
	s.recordVerdictLocked(agent, verdict)
	return verdict
}

// TrackToolCall records one tool invocation's resource cost, evaluates
// the limit ladder, appends an audit-log row, and performs any verdict
// side effect (checkpoint creation or abort).
func (s *Sentinel) TrackToolCall(agent, tool string, credits, tokens int) Verdict {
	s.mu.Lock()

	am, ok := s.agents[agent]
	if !ok {
		am = &AgentMetrics{Name: agent, StartTime: time.Now(), Status: StatusActive}
		s.agents[agent] = am
		s.global.ActiveAgents++
	}

	if am.Status == StatusAborted {
		s.mu.Unlock()
		s.logRow(agent, tokens, credits, tool, VerdictAbort)
		return VerdictAbort
	}

	am.CreditsUsed += credits
	am.TokensUsed += tokens
	am.ToolCalls++
	s.global.TotalCredits += credits
	s.global.TotalTokens += tokens
	s.global.TotalToolCalls++

	verdict := s.evaluateLimitsLocked(am)

	switch verdict {
	case VerdictCheckpoint:
		s.createCheckpointLocked(am)
	case VerdictAbort:
		s.abortAgentLocked(am, "credit limit exceeded")
	}

	wallTimeMs := am.WallTimeMs(time.Now())
	s.mu.Unlock()

	s.recordVerdict(agent, verdict)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WallTimeMs.WithLabelValues(agent).Observe(float64(wallTimeMs))
	}
	s.logRow(agent, tokens, credits, tool, verdict)
	return verdict
}

// evaluateLimitsLocked implements the order-matters limit ladder. Callers
// must hold s.mu.
func (s *Sentinel) evaluateLimitsLocked(am *AgentMetrics) Verdict {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChecksTotal.Inc()
	}

	if s.global.TotalCredits >= s.cfg.GlobalHardCap {
		s.abortAgentLocked(am, "global hard cap exceeded")
		return VerdictAbort
	}

	limit := s.agentCap(am.Name)

	if am.CreditsUsed >= limit {
		return VerdictAbort
	}
	if float64(am.CreditsUsed) >= 0.9*float64(limit) {
		return VerdictThrottle
	}
	if float64(am.CreditsUsed) >= 0.8*float64(limit) {
		return VerdictWarn
	}
	if am.CreditsUsed > 0 && am.CreditsUsed%s.cfg.CheckpointInterval == 0 {
		return VerdictCheckpoint
	}
	return VerdictAllow
}

func (s *Sentinel) agentCap(agent string) int {
	if cap, ok := s.cfg.AgentCaps[agent]; ok && cap > 0 {
		return cap
	}
	return s.cfg.DefaultAgentCap
}

func (s *Sentinel) wallTimeLimit(agent string) int64 {
	if limit, ok := s.cfg.WallTimeLimits[agent]; ok && limit > 0 {
		return limit
	}
	return s.cfg.DefaultWallTimeLimitMs
}

// createCheckpointLocked records a checkpoint row. Callers must hold s.mu.
func (s *Sentinel) createCheckpointLocked(am *AgentMetrics) {
	now := time.Now()
	am.Checkpoints = append(am.Checkpoints, Checkpoint{
		Time:       now,
		Credits:    am.CreditsUsed,
		Tokens:     am.TokensUsed,
		WallTimeMs: am.WallTimeMs(now),
		ToolCalls:  am.ToolCalls,
	})
	am.LastCheckpoint = now
}

// abortAgentLocked transitions am to aborted, decrements active and
// increments aborted counters, and releases all its locks. Abort is
// idempotent: re-aborting a terminal agent is a no-op. Callers must hold
// s.mu.
func (s *Sentinel) abortAgentLocked(am *AgentMetrics, reason string) {
	if am.Status == StatusAborted {
		return
	}
	am.Status = StatusAborted
	am.AbortReason = reason
	s.global.ActiveAgents--
	s.global.AbortedAgents++
	s.releaseAgentLocksLocked(am.Name)
	delete(s.waitFor, am.Name)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveAgents.Set(float64(s.global.ActiveAgents))
		s.cfg.Metrics.AbortedAgents.Set(float64(s.global.AbortedAgents))
	}
}

// AcquireLock returns true if agent already holds, or newly acquires,
// the lock on path. If another agent holds it, agent is recorded as
// waiting on that holder (one outstanding wait per agent) and the
// deadlock detector runs over the accumulated wait-for graph; a cycle
// causes the configured resolution policy to abort a victim. When the
// victim was the path's holder, the requester acquires the now-free
// lock in the same call. An unseen agent is registered as active, as
// TrackToolCall does, so a deadlock victim can always be aborted.
func (s *Sentinel) AcquireLock(agent, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent]; !ok {
		s.agents[agent] = &AgentMetrics{Name: agent, StartTime: time.Now(), Status: StatusActive}
		s.global.ActiveAgents++
	}

	entry, held := s.locks[path]
	if !held || entry.Holder == agent {
		s.grantLockLocked(agent, path)
		return true
	}

	s.waitFor[agent] = map[string]struct{}{entry.Holder: {}}

	if !s.hasCycleLocked(agent) {
		return false
	}

	victim := s.resolveDeadlockLocked(agent, path)
	delete(s.waitFor, agent)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DeadlocksTotal.Inc()
	}
	if victim == "" {
		return false
	}
	if am, ok := s.agents[victim]; ok {
		s.abortAgentLocked(am, "deadlock victim")
	}
	if victim != entry.Holder {
		return false
	}
	s.grantLockLocked(agent, path)
	return true
}

// grantLockLocked records agent as the holder of path and clears any
// outstanding wait edge agent was carrying. Callers must hold s.mu.
func (s *Sentinel) grantLockLocked(agent, path string) {
	s.locks[path] = LockEntry{Holder: agent, AcquiredAt: time.Now()}
	delete(s.waitFor, agent)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LocksHeld.Set(float64(len(s.locks)))
	}
}

// ReleaseLock removes path's entry if agent is its holder; no-op
// otherwise.
func (s *Sentinel) ReleaseLock(agent, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.locks[path]; ok && entry.Holder == agent {
		delete(s.locks, path)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LocksHeld.Set(float64(len(s.locks)))
		}
	}
}

// releaseAgentLocksLocked drops every lock held by agent. Callers must
// hold s.mu.
func (s *Sentinel) releaseAgentLocksLocked(agent string) {
	for path, entry := range s.locks {
		if entry.Holder == agent {
			delete(s.locks, path)
		}
	}
}

// hasCycleLocked runs DFS over the wait-for graph starting at start,
// returning true if it can reach start again (a cycle through the
// agent that just registered a new wait edge). Callers must hold s.mu.
func (s *Sentinel) hasCycleLocked(start string) bool {
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == start && visited[node] {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range s.waitFor[node] {
			if next == start {
				return true
			}
			if dfs(next) {
				return true
			}
		}
		return false
	}
	for next := range s.waitFor[start] {
		if next == start || dfs(next) {
			return true
		}
	}
	return false
}

// resolveDeadlockLocked applies the configured policy to pick a victim
// among the agents on the cycle rooted at requester. Callers must hold
// s.mu.
func (s *Sentinel) resolveDeadlockLocked(requester, path string) string {
	policy, ok := s.policies[s.cfg.LockResolutionPolicy]
	if !ok {
		policy = youngestHolderPolicy
	}

	holder := s.locks[path].Holder
	candidates := []string{requester, holder}
	return policy(candidates, s.locks)
}

// youngestHolderPolicy aborts whichever candidate acquired its most
// recent lock latest in time, preserving the agent that has held its
// locks the longest.
func youngestHolderPolicy(candidates []string, locks map[string]LockEntry) string {
	var victim string
	var latestOfAll time.Time
	for _, agent := range candidates {
		latest := mostRecentAcquisition(agent, locks)
		if latest.After(latestOfAll) {
			latestOfAll = latest
			victim = agent
		}
	}
	return victim
}

// mostRecentAcquisition returns the newest AcquiredAt among the locks
// agent currently holds.
func mostRecentAcquisition(agent string, locks map[string]LockEntry) time.Time {
	var latest time.Time
	for _, entry := range locks {
		if entry.Holder == agent && entry.AcquiredAt.After(latest) {
			latest = entry.AcquiredAt
		}
	}
	return latest
}

// Snapshot is the read-only view returned by GetMetrics.
type Snapshot struct {
	Global GlobalMetrics
	Agents map[string]AgentMetrics
	Locks  map[string]LockEntry
	Config Config
}

// GetMetrics returns a consistent snapshot of global, per-agent, and
// lock state.
func (s *Sentinel) GetMetrics() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make(map[string]AgentMetrics, len(s.agents))
	for name, am := range s.agents {
		agents[name] = *am
	}
	locks := make(map[string]LockEntry, len(s.locks))
	for path, entry := range s.locks {
		locks[path] = entry
	}

	return Snapshot{
		Global: s.global,
		Agents: agents,
		Locks:  locks,
		Config: s.cfg,
	}
}

// StartMonitoring launches the wall-time monitor, which ticks at
// cfg.MonitorInterval and aborts any active agent whose wall time
// exceeds its configured (or default) limit. It is stoppable via
// StopMonitoring and exits within one tick of being asked to stop.
func (s *Sentinel) StartMonitoring(ctx context.Context) {
	go func() {
		defer close(s.monitorDone)
		ticker := time.NewTicker(s.cfg.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopMonitor:
				return
			case <-ticker.C:
				s.checkWallTimes()
			}
		}
	}()
}

// StopMonitoring stops the wall-time monitor and blocks until its
// goroutine has exited.
func (s *Sentinel) StopMonitoring() {
	s.monitorOnce.Do(func() {
		close(s.stopMonitor)
	})
	<-s.monitorDone
}

func (s *Sentinel) checkWallTimes() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, am := range s.agents {
		if am.Status != StatusActive {
			continue
		}
		elapsed := am.WallTimeMs(now)
		if elapsed >= s.wallTimeLimit(am.Name) {
			s.abortAgentLocked(am, "wall-time limit exceeded")
			s.recordVerdictLocked(am.Name, VerdictAbort)
		}
	}
}

// recordVerdict reports verdict to Prometheus. Callers must NOT already
// hold s.mu.
func (s *Sentinel) recordVerdict(agent string, verdict Verdict) {
	s.mu.Lock()
	s.recordVerdictLocked(agent, verdict)
	s.mu.Unlock()
}

// recordVerdictLocked reports verdict to Prometheus. Callers must
// already hold s.mu.
func (s *Sentinel) recordVerdictLocked(agent string, verdict Verdict) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.RecordVerdict(agent, string(verdict))
	s.cfg.Metrics.GlobalCreditsUsed.Set(float64(s.global.TotalCredits))
	if am, ok := s.agents[agent]; ok {
		s.cfg.Metrics.CreditsUsed.WithLabelValues(agent).Set(float64(am.CreditsUsed))
	}
	s.cfg.Metrics.ActiveAgents.Set(float64(s.global.ActiveAgents))
}

// logRow appends one admission decision to the metrics log. Write
// failures are logged but never block admission — the audit trail is
// best-effort, never load-bearing for the verdict itself.
func (s *Sentinel) logRow(agent string, tokens, credits int, tool string, verdict Verdict) {
	if s.cfg.MetricsLog == nil {
		return
	}
	s.mu.Lock()
	am := s.agents[agent]
	var wallTimeMs int64
	if am != nil {
		wallTimeMs = am.WallTimeMs(time.Now())
	}
	s.mu.Unlock()

	row := MetricsLogRow{
		TeamID:     s.cfg.sessionTeamID(),
		Timestamp:  time.Now().UTC(),
		Agent:      agent,
		Tokens:     tokens,
		Credits:    credits,
		WallTimeMs: wallTimeMs,
		Model:      tool,
		ToolCall:   tool,
		ExitStatus: string(verdict),
	}
	if err := s.cfg.MetricsLog.Append(row); err != nil {
		s.cfg.Logger.WithError(err).Warn("failed to append metrics log row")
	}
}

func (c *Config) sessionTeamID() string {
	return "evolution-substrate"
}
