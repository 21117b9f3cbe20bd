// Package orchestrator implements the Evolution Orchestrator: the
// component that drives end-to-end cycles across the canonical agent
// set.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/evolution-substrate/engine/infrastructure/metrics"
	"github.com/evolution-substrate/engine/internal/bus"
	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/sentinel"
	"github.com/evolution-substrate/engine/internal/spawner"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// Canonical agent ids, mirroring the source's hardcoded agent roster.
const (
	AgentAuditor     = "external-auditor"
	AgentReviewer    = "discussion-agent"
	AgentArchitect   = "architect-agent"
	AgentImplementor = "implementor-agent"
	AgentTreasurer   = "treasurer-agent"
)

// canonicalAgents is the spawn order and the set of agents whose
// -in/-out topics ensureTopics enumerates.
var canonicalAgents = []string{
	AgentAuditor, AgentReviewer, AgentArchitect, AgentImplementor, AgentTreasurer,
}

// sharedTopics are published to rather than owned by a single agent.
var sharedTopics = []string{
	"evolution-events", "evolution-proposals", "evolution-decisions", "evolution-implementations",
}

// Proposal is one audit-phase finding carried through review, decision,
// and implementation.
type Proposal struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Type           string `json:"type"`
	EstimatedImpact string `json:"estimated_impact"`
}

// Review is the discussion agent's verdict on one proposal.
type Review struct {
	ProposalID     string `json:"proposal_id"`
	Recommendation string `json:"recommendation"`
	RiskLevel      string `json:"risk_level"`
}

// Implementation is the implementor agent's outcome for one approved
// proposal.
type Implementation struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
	Artifact   string `json:"artifact,omitempty"`
}

// FinancialAssessment is the treasurer's phase-0 report.
type FinancialAssessment struct {
	Balance     float64 `json:"balance"`
	BurnRate    float64 `json:"burn_rate"`
	RunwayDays  int     `json:"runway_days"`
	PriorityMode string `json:"priority_mode"`
}

// CycleRecord is the stored outcome of one run_evolution_cycle
// invocation.
type CycleRecord struct {
	CycleID                  string                 `json:"cycle_id"`
	StartTime                time.Time              `json:"start_time"`
	EndTime                  time.Time              `json:"end_time"`
	Financial                *FinancialAssessment   `json:"financial,omitempty"`
	Proposals                []Proposal             `json:"proposals,omitempty"`
	Reviews                  []Review               `json:"reviews,omitempty"`
	Decisions                map[string]string      `json:"decisions,omitempty"`
	Implementations          []Implementation       `json:"implementations,omitempty"`
	ProposalsGenerated       int                    `json:"proposals_generated"`
	ProposalsApproved        int                    `json:"proposals_approved"`
	ImplementationsSuccessful int                   `json:"implementations_successful"`
	Errors                   []string               `json:"errors"`
	TreasuryNewBalance       float64                `json:"treasury_new_balance"`
}

// Config configures an Orchestrator.
type Config struct {
	Bus              bus.Bus
	Sentinel         *sentinel.Sentinel
	Spawner          *spawner.Spawner
	AgentFactory     spawner.Factory
	Treasury         *Treasury
	CycleSchedule    string
	PhaseTimeout     time.Duration
	MinRunwayDays    int
	Logger           *logger.Logger
	Metrics          *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 10 * time.Second
	}
	if c.MinRunwayDays <= 0 {
		c.MinRunwayDays = 60
	}
	if c.CycleSchedule == "" {
		c.CycleSchedule = "0 0 * * *"
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("orchestrator")
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Global()
	}
}

// Orchestrator drives evolution cycles over the canonical agent set.
type Orchestrator struct {
	cfg Config

	mu           sync.Mutex
	cycleHistory []CycleRecord
	activeCycle  *CycleRecord

	cron       *cron.Cron
	cronEntry  cron.EntryID
	consumerID string
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{cfg: cfg}
}

// Initialize runs the documented startup sequence: asserts bus
// health, ensures canonical topics, spawns the canonical agent set,
// subscribes a correlation consumer across every agent's output
// topic, and publishes engine_initialized.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	status := o.cfg.Bus.HealthCheck(ctx)
	if !status.Healthy {
		return fmt.Errorf("bus unhealthy at orchestrator startup: %s", status.Detail)
	}

	o.ensureTopics(ctx)

	for _, agentID := range canonicalAgents {
		if _, err := o.cfg.Spawner.SpawnAgent(ctx, agentID, o.cfg.AgentFactory); err != nil {
			o.cfg.Logger.WithField("agent", agentID).WithError(err).Error("failed to spawn canonical agent")
		}
	}

	if err := o.subscribeToAgentOutputs(ctx); err != nil {
		return fmt.Errorf("subscribe to agent outputs: %w", err)
	}

	o.publishEvent(ctx, "evolution-events", "engine_initialized", map[string]any{
		"agents_spawned": canonicalAgents,
	})
	o.cfg.Logger.Info("evolution engine initialized")
	return nil
}

// ensureTopics is a structural no-op: topics auto-create on first use
// on both bus backends. It exists so the initialization sequence
// matches the documented five steps and so a future backend that
// requires explicit topic administration has a single call site to
// extend.
func (o *Orchestrator) ensureTopics(ctx context.Context) {
	topics := make([]string, 0, len(sharedTopics)+len(canonicalAgents)*2)
	topics = append(topics, sharedTopics...)
	for _, agentID := range canonicalAgents {
		topics = append(topics, agentID+"-in", agentID+"-out")
	}
	o.cfg.Logger.WithField("topic_count", len(topics)).Info("topics configured")
}

func (o *Orchestrator) subscribeToAgentOutputs(ctx context.Context) error {
	outputs := make([]string, 0, len(canonicalAgents))
	for _, agentID := range canonicalAgents {
		outputs = append(outputs, agentID+"-out")
	}

	consumerID, err := o.cfg.Bus.CreateConsumer(ctx, outputs, "orchestrator-consumer", o.handleAgentOutput)
	if err != nil {
		return err
	}
	if err := o.cfg.Bus.StartConsuming(ctx, consumerID); err != nil {
		return err
	}
	o.consumerID = consumerID
	return nil
}

func (o *Orchestrator) handleAgentOutput(ctx context.Context, topic string, env *envelope.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeCycle == nil {
		return nil
	}
	o.cfg.Logger.WithFields(map[string]interface{}{
		"agent": env.Agent,
		"type":  string(env.Type),
	}).Debug("received agent output during active cycle")
	return nil
}

// StartScheduled registers run_evolution_cycle against the configured
// cron expression and starts the scheduler.
func (o *Orchestrator) StartScheduled(ctx context.Context) error {
	o.cron = cron.New()
	id, err := o.cron.AddFunc(o.cfg.CycleSchedule, func() {
		if _, err := o.RunEvolutionCycle(ctx); err != nil {
			o.cfg.Logger.WithError(err).Error("scheduled evolution cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cycle schedule %q: %w", o.cfg.CycleSchedule, err)
	}
	o.cronEntry = id
	o.cron.Start()
	return nil
}

// StopScheduled stops the cron scheduler, if running.
func (o *Orchestrator) StopScheduled() {
	if o.cron != nil {
		ctx := o.cron.Stop()
		<-ctx.Done()
	}
}

// RunEvolutionCycle runs one full phased cycle: financial assessment,
// audit, review, decide, implement, treasury update. Any phase error
// is appended to the record and the cycle continues; no phase,
// including the financial one, ends the cycle early.
func (o *Orchestrator) RunEvolutionCycle(ctx context.Context) (*CycleRecord, error) {
	start := time.Now()
	record := &CycleRecord{
		CycleID:   fmt.Sprintf("cycle_%s", start.Format("20060102_150405")),
		StartTime: start,
		Decisions: map[string]string{},
		Errors:    []string{},
	}

	o.mu.Lock()
	o.activeCycle = record
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.activeCycle = nil
		o.cycleHistory = append(o.cycleHistory, *record)
		o.mu.Unlock()
	}()

	financial, err := o.phaseFinancialAssessment(ctx)
	if err != nil {
		record.Errors = append(record.Errors, err.Error())
	}
	record.Financial = financial
	if financial != nil && financial.RunwayDays < o.cfg.MinRunwayDays {
		o.publishEvent(ctx, "evolution-events", "summon_alert", map[string]any{
			"urgency": "LOW_RUNWAY",
			"data":    financial,
		})
	}

	proposals, err := o.phaseAudit(ctx)
	if err != nil {
		record.Errors = append(record.Errors, err.Error())
	}
	record.Proposals = proposals
	record.ProposalsGenerated = len(proposals)

	if len(proposals) > 0 {
		reviews, err := o.phaseReview(ctx, proposals)
		if err != nil {
			record.Errors = append(record.Errors, err.Error())
		}
		record.Reviews = reviews

		decisions, err := o.phaseDecide(ctx, proposals, reviews)
		if err != nil {
			record.Errors = append(record.Errors, err.Error())
		}
		record.Decisions = decisions

		approved := approvedProposals(proposals, decisions)
		record.ProposalsApproved = len(approved)

		if len(approved) > 0 {
			implementations, err := o.phaseImplement(ctx, approved)
			if err != nil {
				record.Errors = append(record.Errors, err.Error())
			}
			record.Implementations = implementations
			record.ImplementationsSuccessful = countSuccessful(implementations)
		}
	}

	newBalance, err := o.phaseTreasuryUpdate(ctx)
	if err != nil {
		record.Errors = append(record.Errors, err.Error())
	}
	record.TreasuryNewBalance = newBalance
	record.EndTime = time.Now()

	o.cfg.Metrics.RecordCycle(cycleOutcome(record), record.EndTime.Sub(record.StartTime))

	o.publishEvent(ctx, "evolution-events", "evolution_cycle_completed", map[string]any{
		"cycle_id": record.CycleID,
		"summary": map[string]any{
			"proposals": record.ProposalsGenerated,
			"approved":  record.ProposalsApproved,
			"implemented": record.ImplementationsSuccessful,
		},
	})

	return record, nil
}

func cycleOutcome(record *CycleRecord) string {
	if len(record.Errors) > 0 {
		return "error"
	}
	return "success"
}

func approvedProposals(proposals []Proposal, decisions map[string]string) []Proposal {
	var approved []Proposal
	for _, p := range proposals {
		if decisions[p.ID] == "approved" {
			approved = append(approved, p)
		}
	}
	return approved
}

func countSuccessful(implementations []Implementation) int {
	n := 0
	for _, impl := range implementations {
		if impl.Status == "success" {
			n++
		}
	}
	return n
}

// publishEvent is a best-effort fire-and-forget publish; a publish
// failure is logged and never propagated as a cycle error, matching
// the non-blocking failure semantics of the phase protocol.
func (o *Orchestrator) publishEvent(ctx context.Context, topic, typ string, payload map[string]any) {
	env, err := envelope.New("orchestrator", envelope.Type(typ), payload, envelope.Meta{})
	if err != nil {
		o.cfg.Logger.WithError(err).Error("failed to build orchestrator envelope")
		return
	}
	if _, err := o.cfg.Bus.PublishEvent(ctx, topic, env); err != nil {
		o.cfg.Logger.WithError(err).Warn("failed to publish orchestrator event")
	}
}

// CycleHistory returns a copy of every recorded cycle.
func (o *Orchestrator) CycleHistory() []CycleRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]CycleRecord, len(o.cycleHistory))
	copy(out, o.cycleHistory)
	return out
}

// Shutdown stops all spawned agents and the cron scheduler.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.StopScheduled()
	if o.consumerID != "" {
		_ = o.cfg.Bus.StopConsuming(o.consumerID)
	}
	o.cfg.Spawner.StopAll(ctx)
}
