// Command meta-analyst reads a session summary and a metrics log and
// renders a markdown report on credit usage, agent performance, and
// usage trends. It exits 1 when the report surfaces a critical
// condition, so it can gate a CI job.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/evolution-substrate/engine/internal/config"
	"github.com/evolution-substrate/engine/internal/metaanalyst"
)

func main() {
	sessionSummary := flag.String("session-summary", "schemas/session_summary.yaml", "path to the session summary YAML")
	metricsCSV := flag.String("metrics-csv", "schemas/metrics_v2.csv", "path to the metrics CSV log")
	output := flag.String("output", "", "output path for the rendered report (required)")
	configPath := flag.String("config", "", "path to a YAML config file (optional, supplies the global hard cap)")
	flag.Parse()

	if *output == "" {
		fmt.Fprintln(os.Stderr, "meta-analyst: -output is required")
		os.Exit(2)
	}

	globalHardCap := 1000
	if cfg, err := config.Load(*configPath); err == nil {
		globalHardCap = cfg.GlobalHardCap
	}

	analyst := metaanalyst.New(*sessionSummary, *metricsCSV, globalHardCap)

	_, report, err := analyst.GenerateReport(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meta-analyst: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Report generated: %s\n", *output)
	fmt.Printf("Total Credits Used: %d\n", report.Credit.TotalUsed)
	fmt.Printf("Active Agents: %d\n", len(report.Agent.ActiveAgents))

	if analyst.Critical(report.Credit, report.Agent) {
		os.Exit(1)
	}
}
