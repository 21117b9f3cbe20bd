// Package runtime implements the Agent Runtime: the component that
// couples a single agent to the bus, enforces the Credit Sentinel on
// its behalf, and emits the agent's lifecycle events.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	svcerrors "github.com/evolution-substrate/engine/infrastructure/errors"
	"github.com/evolution-substrate/engine/infrastructure/metrics"
	"github.com/evolution-substrate/engine/infrastructure/ratelimit"
	"github.com/evolution-substrate/engine/internal/bus"
	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/sentinel"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// Capability names the agent method a message type routes to, mirroring
// the routing table the Runtime dispatches through.
type Capability string

const (
	CapAudit          Capability = "audit"
	CapReview         Capability = "review"
	CapDecide         Capability = "decide"
	CapImplement      Capability = "implement"
	CapAssessFinances Capability = "assess_finances"
	CapPing           Capability = "handle_ping"
	CapProcessMessage Capability = "process_message"
)

// routingTable maps an incoming envelope type to the capability that
// handles it. Unmapped types fall through to CapProcessMessage.
var routingTable = map[envelope.Type]Capability{
	envelope.Type("audit_request"):           CapAudit,
	envelope.Type("review_request"):          CapReview,
	envelope.Type("decision_request"):        CapDecide,
	envelope.Type("implementation_request"):  CapImplement,
	envelope.Type("financial_assessment"):    CapAssessFinances,
	envelope.Type("ping"):                    CapPing,
}

// Agent is the contract a concrete agent implementation (auditor,
// reviewer, architect, implementor, treasurer, ...) must satisfy.
// Handle returns the response payload; Capabilities reports which
// capability names the agent actually implements so the Runtime can
// fall back to CapProcessMessage when one is missing.
type Agent interface {
	Capabilities() map[Capability]bool
	Handle(ctx context.Context, capability Capability, env *envelope.Envelope) (map[string]any, error)
}

// Health is the get_health() snapshot.
type Health struct {
	AgentID             string      `json:"agent_id"`
	Running             bool        `json:"running"`
	MessagesProcessed   int64       `json:"messages_processed"`
	CreditsUsed         int         `json:"credits_used"`
	CreditLimit         int         `json:"credit_limit"`
	CreditUsagePercent  float64     `json:"credit_usage_percent"`
	Bus                 bus.Status  `json:"bus"`
	UptimeSeconds       float64     `json:"uptime_seconds"`
	ProcessRSSBytes     uint64      `json:"process_rss_bytes,omitempty"`
	ProcessCPUPercent   float64     `json:"process_cpu_percent,omitempty"`
	Throttled           bool        `json:"throttled"`
}

// Config configures one Runtime instance.
type Config struct {
	AgentID         string
	Agent           Agent
	Bus             bus.Bus
	Sentinel        *sentinel.Sentinel
	CreditLimit     int
	HealthInterval  time.Duration
	StopGracePeriod time.Duration
	ThrottleDelay   time.Duration
	Logger          *logger.Logger
	Metrics         *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 5 * time.Second
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = 2 * time.Second
	}
	if c.CreditLimit <= 0 {
		c.CreditLimit = 1000
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault(c.AgentID)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Global()
	}
}

// Runtime couples one Agent to the bus and the Sentinel.
type Runtime struct {
	cfg         Config
	inputTopic  string
	outputTopic string

	mu           sync.Mutex
	running      bool
	consumerID   string
	messageCount int64
	creditsUsed  int
	startedAt    time.Time

	healthCancel context.CancelFunc
	healthDone   chan struct{}

	throttle *ratelimit.RateLimiter

	// inbox serializes handler invocations: handleMessage enqueues in
	// arrival order and a single worker goroutine drains it, so two
	// messages delivered back to back can never have their responses
	// published out of order even when handler latency varies.
	inbox      chan invocation
	workerDone chan struct{}

	pid int32
}

// invocation is one queued handler call, carrying the bus context the
// message was delivered under.
type invocation struct {
	ctx        context.Context
	capability Capability
	env        *envelope.Envelope
}

// New constructs a Runtime for one agent. Call Start to wire it to the
// bus.
func New(cfg Config) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		cfg:         cfg,
		inputTopic:  cfg.AgentID + "-in",
		outputTopic: cfg.AgentID + "-out",
		throttle: ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: 1.0 / cfg.ThrottleDelay.Seconds(),
			Burst:             1,
		}),
		pid: int32(os.Getpid()),
	}
}

// Start instantiates the consumer, launches the health loop, and
// publishes agent_started. Failure to subscribe tears down any partial
// state and returns the underlying error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	consumerID, err := r.cfg.Bus.CreateConsumer(ctx, []string{r.inputTopic}, r.cfg.AgentID+"-consumer", r.handleMessage)
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", r.inputTopic, err)
	}
	if err := r.cfg.Bus.StartConsuming(ctx, consumerID); err != nil {
		_ = r.cfg.Bus.StopConsuming(consumerID)
		return fmt.Errorf("start consuming %s: %w", r.inputTopic, err)
	}
	r.consumerID = consumerID

	healthCtx, cancel := context.WithCancel(context.Background())
	r.healthCancel = cancel
	r.healthDone = make(chan struct{})
	r.startedAt = time.Now()
	r.running = true

	r.inbox = make(chan invocation, 256)
	r.workerDone = make(chan struct{})
	go r.healthLoop(healthCtx)
	go r.worker(r.inbox, r.workerDone)

	r.publish(ctx, "agent_started", map[string]any{
		"credit_limit": r.cfg.CreditLimit,
	})
	r.cfg.Logger.WithField("agent", r.cfg.AgentID).Info("agent runtime started")
	return nil
}

// Stop cancels the health loop, publishes agent_stopped, and drains
// in-flight work up to the configured grace period.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.healthCancel
	done := r.healthDone
	consumerID := r.consumerID
	inbox := r.inbox
	workerDone := r.workerDone
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(r.cfg.StopGracePeriod):
			r.cfg.Logger.WithField("agent", r.cfg.AgentID).Warn("health loop did not exit within grace period")
		}
	}

	// No further handleMessage calls arrive once StopConsuming below
	// completes, so closing inbox here is safe: it unblocks the worker
	// once every already-queued invocation has been drained in order.
	if consumerID != "" {
		_ = r.cfg.Bus.StopConsuming(consumerID)
	}
	if inbox != nil {
		close(inbox)
	}
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-time.After(r.cfg.StopGracePeriod):
			r.cfg.Logger.WithField("agent", r.cfg.AgentID).Warn("invoke worker did not drain within grace period")
		}
	}

	r.mu.Lock()
	messages := r.messageCount
	credits := r.creditsUsed
	r.mu.Unlock()

	r.publish(ctx, "agent_stopped", map[string]any{
		"messages_processed": messages,
		"credits_used":       credits,
	})

	r.cfg.Logger.WithField("agent", r.cfg.AgentID).Info("agent runtime stopped")
	return nil
}

// GetHealth returns a point-in-time health snapshot, enriched with
// process-level stats when available.
func (r *Runtime) GetHealth(ctx context.Context) Health {
	r.mu.Lock()
	running := r.running
	messages := r.messageCount
	credits := r.creditsUsed
	startedAt := r.startedAt
	r.mu.Unlock()

	h := Health{
		AgentID:            r.cfg.AgentID,
		Running:            running,
		MessagesProcessed:  messages,
		CreditsUsed:        credits,
		CreditLimit:        r.cfg.CreditLimit,
		CreditUsagePercent: percent(credits, r.cfg.CreditLimit),
		Bus:                r.cfg.Bus.HealthCheck(ctx),
		Throttled:          r.throttle.Throttled(),
	}
	if !startedAt.IsZero() {
		h.UptimeSeconds = time.Since(startedAt).Seconds()
	}

	if proc, err := process.NewProcess(r.pid); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			h.ProcessRSSBytes = memInfo.RSS
		}
		if cpuPct, err := proc.CPUPercent(); err == nil {
			h.ProcessCPUPercent = cpuPct
		}
	}

	return h
}

func percent(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// RunForever blocks until ctx is cancelled, then stops the Runtime.
// Callers wire ctx to process signal handling.
func (r *Runtime) RunForever(ctx context.Context) error {
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), r.cfg.StopGracePeriod)
	defer cancel()
	return r.Stop(stopCtx)
}

func (r *Runtime) healthLoop(ctx context.Context) {
	defer close(r.healthDone)
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := r.GetHealth(ctx)
			r.publish(ctx, "health_check", map[string]any{
				"status":  statusString(h.Running),
				"metrics": h,
			})
		}
	}
}

func statusString(running bool) string {
	if running {
		return "healthy"
	}
	return "stopped"
}

// handleMessage is the Handler invoked by the bus for every delivered
// envelope on the agent's input topic.
func (r *Runtime) handleMessage(ctx context.Context, topic string, env *envelope.Envelope) error {
	r.mu.Lock()
	r.messageCount++
	creditsUsed := r.creditsUsed
	limit := r.cfg.CreditLimit
	r.mu.Unlock()

	if creditsUsed >= limit {
		r.publish(ctx, "credit_limit_exceeded", map[string]any{
			"credits_used": creditsUsed,
			"limit":        limit,
		})
		return nil
	}

	verdict := r.cfg.Sentinel.TrackToolCall(r.cfg.AgentID, string(env.Type), estimatedCredits(env), estimatedTokens(env))
	switch verdict {
	case sentinel.VerdictAbort:
		r.publish(ctx, "credit_limit_exceeded", map[string]any{
			"credits_used": creditsUsed,
			"limit":        limit,
			"verdict":      string(verdict),
		})
		return nil
	case sentinel.VerdictThrottle:
		_ = r.throttle.Wait(ctx)
	}

	r.mu.Lock()
	r.creditsUsed += estimatedCredits(env)
	r.mu.Unlock()

	capability, agentHasMethod := r.resolveCapability(env.Type)
	if !agentHasMethod {
		r.cfg.Logger.WithFields(map[string]interface{}{
			"agent": r.cfg.AgentID,
			"type":  string(env.Type),
		}).Warn("no route for message type")
		return nil
	}

	r.mu.Lock()
	inbox := r.inbox
	r.mu.Unlock()
	if inbox == nil {
		return nil
	}

	select {
	case inbox <- invocation{ctx: ctx, capability: capability, env: env}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// worker drains inbox one invocation at a time, in the order
// handleMessage enqueued them, so responses are published in arrival
// order within this Runtime.
func (r *Runtime) worker(inbox chan invocation, done chan struct{}) {
	defer close(done)
	for job := range inbox {
		r.invoke(job.ctx, job.capability, job.env)
	}
}

func (r *Runtime) resolveCapability(typ envelope.Type) (Capability, bool) {
	caps := r.cfg.Agent.Capabilities()
	if capability, ok := routingTable[typ]; ok {
		if caps[capability] {
			return capability, true
		}
	}
	if caps[CapProcessMessage] {
		return CapProcessMessage, true
	}
	return "", false
}

// invoke calls the agent handler asynchronously, envelopes its result
// in a standard response, and publishes it (or an error event) to the
// output topic.
func (r *Runtime) invoke(ctx context.Context, capability Capability, env *envelope.Envelope) {
	start := time.Now()
	var handlerErr error
	defer func() {
		if rec := recover(); rec != nil {
			handlerErr = fmt.Errorf("panic: %v", rec)
			r.cfg.Metrics.RecordHandler(r.cfg.AgentID, string(env.Type), time.Since(start), handlerErr)
			svcErr := svcerrors.HandlerPanic(r.cfg.AgentID, rec)
			r.publish(ctx, "error", map[string]any{
				"error":            svcErr.Error(),
				"original_message": env,
			})
			return
		}
		r.cfg.Metrics.RecordHandler(r.cfg.AgentID, string(env.Type), time.Since(start), handlerErr)
	}()

	result, err := r.cfg.Agent.Handle(ctx, capability, env)
	if err != nil {
		handlerErr = err
		svcErr := svcerrors.HandlerFailed(r.cfg.AgentID, string(env.Type), err)
		r.publish(ctx, "error", map[string]any{
			"error":            svcErr.Error(),
			"original_message": env,
		})
		return
	}
	if result == nil {
		return
	}

	responseType := envelope.Type(fmt.Sprintf("%s_response", env.Type))
	response, buildErr := envelope.New(r.cfg.AgentID, responseType, result, envelope.Meta{
		CorrelationID: env.Meta.CorrelationID,
	})
	if buildErr != nil {
		r.cfg.Logger.WithError(buildErr).Error("failed to build response envelope")
		return
	}

	if _, err := r.cfg.Bus.PublishEvent(ctx, r.outputTopic, response); err != nil {
		r.cfg.Logger.WithError(err).Warn("failed to publish response")
	}
}

func (r *Runtime) publish(ctx context.Context, typ string, payload map[string]any) {
	env, err := envelope.New(r.cfg.AgentID, envelope.Type(typ), payload, envelope.Meta{})
	if err != nil {
		r.cfg.Logger.WithError(err).Error("failed to build lifecycle envelope")
		return
	}
	if _, err := r.cfg.Bus.PublishEvent(ctx, r.outputTopic, env); err != nil {
		r.cfg.Logger.WithError(err).Warn("failed to publish lifecycle event")
	}
}

// estimatedCredits reads an advisory per-message credit cost from the
// payload, defaulting to a conservative flat cost when absent.
func estimatedCredits(env *envelope.Envelope) int {
	if v, ok := env.Payload["estimated_credits"]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return 10
}

func estimatedTokens(env *envelope.Envelope) int {
	if v, ok := env.Payload["estimated_tokens"]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return 1000
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
