// Command evolutiond runs the evolution substrate: the Credit
// Sentinel, the canonical agent set behind the Agent Runtime &
// Spawner, and the Evolution Orchestrator driving scheduled cycles
// over them. It also serves a small admin HTTP surface for operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evolution-substrate/engine/infrastructure/metrics"
	"github.com/evolution-substrate/engine/infrastructure/resilience"
	"github.com/evolution-substrate/engine/infrastructure/state"
	"github.com/evolution-substrate/engine/internal/agents"
	"github.com/evolution-substrate/engine/internal/bus"
	"github.com/evolution-substrate/engine/internal/config"
	"github.com/evolution-substrate/engine/internal/eventhub"
	"github.com/evolution-substrate/engine/internal/orchestrator"
	"github.com/evolution-substrate/engine/internal/runtime"
	"github.com/evolution-substrate/engine/internal/sentinel"
	"github.com/evolution-substrate/engine/internal/spawner"
	"github.com/evolution-substrate/engine/internal/summary"
	"github.com/evolution-substrate/engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogOutput,
		FilePrefix: "evolutiond",
	})
	met := metrics.New("evolutiond")

	metricsLog, err := buildMetricsLog(cfg.MetricsLogPath)
	if err != nil {
		log.WithError(err).Fatal("open metrics log")
	}

	sent := sentinel.New(sentinel.Config{
		GlobalHardCap:          cfg.GlobalHardCap,
		CheckpointInterval:     cfg.CheckpointInterval,
		DefaultWallTimeLimitMs: cfg.DefaultWallTimeLimitMs,
		AgentCaps:              cfg.AgentCaps,
		WallTimeLimits:         cfg.WallTimeLimits,
		LockResolutionPolicy:   cfg.LockResolutionPolicy,
		MetricsLog:             metricsLog,
		Logger:                 logger.NewDefault("sentinel"),
		Metrics:                met,
	})

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sent.StartMonitoring(rootCtx)
	defer sent.StopMonitoring()

	messageBus := buildBus(cfg, log)

	treasuryDir := filepath.Dir(cfg.TreasuryLedgerPath)
	if treasuryDir == "" || treasuryDir == "." {
		treasuryDir = "schemas"
	}
	ledger, err := state.NewFileBackend(treasuryDir)
	if err != nil {
		log.WithError(err).Fatal("open treasury ledger")
	}

	spawn := spawner.New(logger.NewDefault("spawner"))

	hub := eventhub.New(logger.NewDefault("eventhub"))
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	treasury := orchestrator.NewTreasury(ledger, func(assessment *orchestrator.FinancialAssessment) {
		hub.Broadcast("treasury_update", assessment)
	})

	orch := orchestrator.New(orchestrator.Config{
		Bus:           messageBus,
		Sentinel:      sent,
		Spawner:       spawn,
		AgentFactory:  agentFactory(messageBus, sent, met),
		Treasury:      treasury,
		CycleSchedule: cfg.CycleSchedule,
		Logger:        logger.NewDefault("orchestrator"),
		Metrics:       met,
	})

	if err := orch.Initialize(rootCtx); err != nil {
		log.WithError(err).Fatal("initialize evolution engine")
	}
	if err := orch.StartScheduled(rootCtx); err != nil {
		log.WithError(err).Fatal("start scheduled cycles")
	}
	defer orch.StopScheduled()

	summarizer := summary.New(summary.Config{
		SummaryPath:                cfg.SessionSummaryPath,
		SessionIDPrefix:            cfg.SessionIDPrefix,
		GlobalHardCap:              cfg.GlobalHardCap,
		MaxContextStalenessSeconds: cfg.MaxContextStalenessSeconds,
		Sentinel:                   sent,
	})

	srv := newAdminServer(cfg.HTTPAddr, log, met, sent, orch, summarizer, hub)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("admin HTTP surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin HTTP surface stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin HTTP surface did not shut down cleanly")
	}
	orch.Shutdown(shutdownCtx)
	spawn.StopAll(shutdownCtx)
}

func buildMetricsLog(path string) (sentinel.MetricsLogWriter, error) {
	if path == "" {
		return sentinel.NullMetricsLog{}, nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return sentinel.NewCSVMetricsLog(path)
}

func buildBus(cfg *config.Config, log *logger.Logger) bus.Bus {
	if cfg.BrokerBackend == config.BrokerRedis {
		return bus.NewRedisBus(bus.RedisBusConfig{
			Addr:          cfg.BrokerAddr,
			Password:      cfg.BrokerPassword,
			DB:            cfg.BrokerDB,
			ConsumerGroup: cfg.BrokerConsumerGroup,
			Logger:        logger.NewDefault("bus"),
			Breaker:       resilience.DefaultBusCBConfig(logger.NewDefault("bus")),
		})
	}
	log.Info("using in-process memory bus (set broker.backend: redis for a multi-process deployment)")
	return bus.NewMemoryBus(logger.NewDefault("bus"))
}

// agentFactory builds the spawner.Factory that maps each canonical
// agent id onto its Runtime, wiring in the matching decision logic
// from the agents package.
func agentFactory(b bus.Bus, sent *sentinel.Sentinel, met *metrics.Metrics) spawner.Factory {
	return func(agentID string) *runtime.Runtime {
		var agent runtime.Agent
		switch agentID {
		case orchestrator.AgentAuditor:
			agent = agents.Auditor{}
		case orchestrator.AgentReviewer:
			agent = agents.Reviewer{}
		case orchestrator.AgentArchitect:
			agent = agents.Architect{}
		case orchestrator.AgentImplementor:
			agent = agents.Implementor{}
		case orchestrator.AgentTreasurer:
			agent = agents.Treasurer{}
		default:
			agent = agents.Architect{}
		}
		return runtime.New(runtime.Config{
			AgentID:  agentID,
			Agent:    agent,
			Bus:      b,
			Sentinel: sent,
			Logger:   logger.NewDefault(agentID),
			Metrics:  met,
		})
	}
}

// newAdminServer builds the gin-routed operator surface: health and
// Prometheus scrape endpoints, read-only sentinel/summary/cycle
// snapshots, and a live event stream over WebSocket.
func newAdminServer(addr string, log *logger.Logger, met *metrics.Metrics, sent *sentinel.Sentinel, orch *orchestrator.Orchestrator, summarizer *summary.Summarizer, hub *eventhub.Hub) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware(met))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/sentinel", func(c *gin.Context) {
		c.JSON(http.StatusOK, sent.GetMetrics())
	})
	router.GET("/summary", func(c *gin.Context) {
		sum, err := summarizer.GenerateSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sum)
	})
	router.GET("/cycles", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.CycleHistory())
	})
	router.GET("/ws/events", gin.WrapF(hub.HandleWS))

	return &http.Server{
		Addr:    addr,
		Handler: router,
	}
}

func metricsMiddleware(met *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		met.IncrementInFlight()
		defer met.DecrementInFlight()

		c.Next()

		met.RecordHTTPRequest("evolutiond", c.Request.Method, c.FullPath(), fmt.Sprintf("%d", c.Writer.Status()), time.Since(start))
	}
}
