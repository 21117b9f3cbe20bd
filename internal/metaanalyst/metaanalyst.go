// Package metaanalyst reads the Session Summary and metrics log left
// behind by a run of the substrate and turns them into a nightly
// markdown report: credit-usage breakdown, agent performance, usage
// trends, and actionable recommendations.
package metaanalyst

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evolution-substrate/engine/internal/sentinel"
	"github.com/evolution-substrate/engine/internal/summary"
)

const globalHardCapDefault = 1000

// AgentCredit pairs an agent with the credits it has consumed, used for
// the top-consumers ranking.
type AgentCredit struct {
	Agent   string
	Credits int
}

// CreditAnalysis summarizes how the session's credit budget was spent.
type CreditAnalysis struct {
	TotalUsed       int
	Remaining       int
	UtilizationPct  float64
	ByAgent         map[string]int
	ByTool          map[string]int
	HighConsumers   []AgentCredit
	EfficiencyScore float64
}

// AgentAnalysis summarizes per-agent lifecycle and error behavior.
type AgentAnalysis struct {
	ActiveAgents  []string
	IdleAgents    []string
	AbortedAgents []string
	ErrorRates    map[string]float64
}

// PeakUsage names the single busiest hour of credit consumption.
type PeakUsage struct {
	Hour    int
	Credits int
}

// TrendAnalysis summarizes credit usage over time.
type TrendAnalysis struct {
	DailyCredits map[string]int
	HourlyPattern map[int]int
	GrowthRate    float64
	PeakUsage     *PeakUsage
}

// Analyst loads a session summary and metrics log and derives a report
// from them. Warnings and Insights accumulate as each analysis runs,
// mirroring the order a human reader would encounter them in the
// generated report.
type Analyst struct {
	SessionSummaryPath string
	MetricsCSVPath     string
	GlobalHardCap      int

	Warnings []string
	Insights []string
}

// New constructs an Analyst over the given session summary and metrics
// CSV paths. GlobalHardCap defaults to 1000 when zero.
func New(sessionPath, metricsPath string, globalHardCap int) *Analyst {
	if globalHardCap <= 0 {
		globalHardCap = globalHardCapDefault
	}
	return &Analyst{
		SessionSummaryPath: sessionPath,
		MetricsCSVPath:     metricsPath,
		GlobalHardCap:      globalHardCap,
	}
}

// LoadSessionSummary reads the session summary YAML. A missing file is
// not an error — it yields a nil summary so the rest of the pipeline
// can still run over metrics alone.
func (a *Analyst) LoadSessionSummary() (*summary.Summary, error) {
	if a.SessionSummaryPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(a.SessionSummaryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		a.Warnings = append(a.Warnings, fmt.Sprintf("Failed to load session summary: %v", err))
		return nil, nil
	}
	var sum summary.Summary
	if err := yaml.Unmarshal(data, &sum); err != nil {
		a.Warnings = append(a.Warnings, fmt.Sprintf("Failed to load session summary: %v", err))
		return nil, nil
	}
	return &sum, nil
}

// LoadMetricsCSV reads every row of the metrics log. A missing file
// yields an empty slice, not an error.
func (a *Analyst) LoadMetricsCSV() ([]sentinel.MetricsLogRow, error) {
	if a.MetricsCSVPath == "" {
		return nil, nil
	}
	f, err := os.Open(a.MetricsCSVPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		a.Warnings = append(a.Warnings, fmt.Sprintf("Failed to load metrics CSV: %v", err))
		return nil, nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		a.Warnings = append(a.Warnings, fmt.Sprintf("Failed to load metrics CSV: %v", err))
		return nil, nil
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}

	var rows []sentinel.MetricsLogRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			a.Warnings = append(a.Warnings, fmt.Sprintf("Failed to load metrics CSV: %v", err))
			break
		}
		rows = append(rows, sentinel.MetricsLogRow{
			TeamID:     field(rec, col, "team_id"),
			Timestamp:  parseTimestamp(field(rec, col, "timestamp")),
			Agent:      field(rec, col, "agent"),
			Tokens:     atoi(field(rec, col, "tokens")),
			Credits:    atoi(field(rec, col, "credits")),
			WallTimeMs: atoi64(field(rec, col, "wall_time_ms")),
			Model:      field(rec, col, "model"),
			ToolCall:   field(rec, col, "tool_call"),
			ExitStatus: field(rec, col, "exit_status"),
		})
	}
	return rows, nil
}

func field(rec []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// AnalyzeCreditUsage computes the credit-usage breakdown for a session,
// appending any threshold warnings it discovers along the way.
func (a *Analyst) AnalyzeCreditUsage(sum *summary.Summary, metrics []sentinel.MetricsLogRow) CreditAnalysis {
	analysis := CreditAnalysis{
		Remaining: a.GlobalHardCap,
		ByAgent:   map[string]int{},
		ByTool:    map[string]int{},
	}

	if sum != nil {
		analysis.TotalUsed = sum.Credits.Used
		analysis.Remaining = sum.Credits.Remaining
		analysis.UtilizationPct = float64(analysis.TotalUsed) / float64(a.GlobalHardCap) * 100

		switch {
		case analysis.UtilizationPct >= 90:
			a.Warnings = append(a.Warnings, fmt.Sprintf("CRITICAL: Credit usage at %.1f%%", analysis.UtilizationPct))
		case analysis.UtilizationPct >= 80:
			a.Warnings = append(a.Warnings, fmt.Sprintf("WARNING: Credit usage at %.1f%%", analysis.UtilizationPct))
		}

		for agent, maxCredits := range sum.Credits.MaxPerAgent {
			analysis.ByAgent[agent] = maxCredits
			switch agent {
			case "planner":
				if maxCredits > 50 {
					a.Warnings = append(a.Warnings, fmt.Sprintf("Planner exceeded soft cap: %d/50", maxCredits))
				}
			case "codegen":
				if maxCredits > 150 {
					a.Warnings = append(a.Warnings, fmt.Sprintf("Codegen exceeded soft cap: %d/150", maxCredits))
				}
			}
		}
	}

	for _, m := range metrics {
		agent := orUnknown(m.Agent)
		tool := orUnknown(m.ToolCall)
		analysis.ByAgent[agent] += m.Credits
		analysis.ByTool[tool] += m.Credits
	}

	for agent, credits := range analysis.ByAgent {
		analysis.HighConsumers = append(analysis.HighConsumers, AgentCredit{Agent: agent, Credits: credits})
	}
	sort.Slice(analysis.HighConsumers, func(i, j int) bool {
		return analysis.HighConsumers[i].Credits > analysis.HighConsumers[j].Credits
	})
	if len(analysis.HighConsumers) > 5 {
		analysis.HighConsumers = analysis.HighConsumers[:5]
	}

	var successful, total int
	for _, m := range metrics {
		total++
		switch m.ExitStatus {
		case "allow", "success", "checkpoint":
			successful++
		}
	}
	if total > 0 {
		analysis.EfficiencyScore = float64(successful) / float64(total) * 100
		if analysis.EfficiencyScore < 80 {
			a.Warnings = append(a.Warnings, fmt.Sprintf("Low efficiency score: %.1f%%", analysis.EfficiencyScore))
		}
	}

	return analysis
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// AnalyzeAgentPerformance computes lifecycle and error-rate breakdowns
// for every agent observed in the session summary and metrics log.
func (a *Analyst) AnalyzeAgentPerformance(sum *summary.Summary, metrics []sentinel.MetricsLogRow) AgentAnalysis {
	analysis := AgentAnalysis{ErrorRates: map[string]float64{}}

	if sum != nil {
		for agent := range sum.Agents.Active {
			analysis.ActiveAgents = append(analysis.ActiveAgents, agent)
		}
		for agent := range sum.Agents.Idle {
			analysis.IdleAgents = append(analysis.IdleAgents, agent)
		}
		analysis.AbortedAgents = append(analysis.AbortedAgents, sum.Agents.Aborted...)
		sort.Strings(analysis.ActiveAgents)
		sort.Strings(analysis.IdleAgents)

		if len(analysis.AbortedAgents) > 0 {
			a.Warnings = append(a.Warnings, fmt.Sprintf("Aborted agents: %s", strings.Join(analysis.AbortedAgents, ", ")))
		}

		for agent, data := range sum.Agents.Active {
			if data.WallTimeMs > 45000 {
				a.Warnings = append(a.Warnings, fmt.Sprintf("Agent %s exceeded wall-time: %dms", agent, data.WallTimeMs))
			}
		}
	}

	type counts struct{ errors, total int }
	byAgent := map[string]*counts{}
	for _, m := range metrics {
		agent := orUnknown(m.Agent)
		c, ok := byAgent[agent]
		if !ok {
			c = &counts{}
			byAgent[agent] = c
		}
		c.total++
		switch m.ExitStatus {
		case "abort", "error", "throttle":
			c.errors++
		}
	}
	for agent, c := range byAgent {
		if c.total == 0 {
			continue
		}
		rate := float64(c.errors) / float64(c.total) * 100
		analysis.ErrorRates[agent] = rate
		if rate > 20 {
			a.Warnings = append(a.Warnings, fmt.Sprintf("High error rate for %s: %.1f%%", agent, rate))
		}
	}

	return analysis
}

// AnalyzeTrends aggregates credit usage by day and hour and estimates a
// growth rate between the first and last day observed.
func (a *Analyst) AnalyzeTrends(metrics []sentinel.MetricsLogRow) TrendAnalysis {
	analysis := TrendAnalysis{
		DailyCredits:  map[string]int{},
		HourlyPattern: map[int]int{},
	}
	if len(metrics) == 0 {
		return analysis
	}

	for _, m := range metrics {
		if m.Timestamp.IsZero() {
			continue
		}
		date := m.Timestamp.UTC().Format("2006-01-02")
		hour := m.Timestamp.UTC().Hour()
		analysis.DailyCredits[date] += m.Credits
		analysis.HourlyPattern[hour] += m.Credits
	}

	if len(analysis.DailyCredits) >= 2 {
		days := make([]string, 0, len(analysis.DailyCredits))
		for d := range analysis.DailyCredits {
			days = append(days, d)
		}
		sort.Strings(days)
		first := analysis.DailyCredits[days[0]]
		last := analysis.DailyCredits[days[len(days)-1]]
		if first > 0 {
			analysis.GrowthRate = float64(last-first) / float64(first) * 100
		}
	}

	if len(analysis.HourlyPattern) > 0 {
		hours := make([]int, 0, len(analysis.HourlyPattern))
		for h := range analysis.HourlyPattern {
			hours = append(hours, h)
		}
		sort.Ints(hours)
		best := hours[0]
		for _, h := range hours {
			if analysis.HourlyPattern[h] > analysis.HourlyPattern[best] {
				best = h
			}
		}
		analysis.PeakUsage = &PeakUsage{Hour: best, Credits: analysis.HourlyPattern[best]}
	}

	switch {
	case analysis.GrowthRate > 50:
		a.Insights = append(a.Insights, fmt.Sprintf("Credit usage growing rapidly: %.1f%% increase", analysis.GrowthRate))
	case analysis.GrowthRate < -20:
		a.Insights = append(a.Insights, fmt.Sprintf("Credit usage declining: %.1f%% decrease", analysis.GrowthRate))
	}
	if analysis.PeakUsage != nil {
		a.Insights = append(a.Insights, fmt.Sprintf("Peak usage at hour %02d:00 UTC", analysis.PeakUsage.Hour))
	}

	return analysis
}

// GenerateRecommendations turns the credit and agent analyses into a
// flat list of actionable, severity-tagged recommendations.
func (a *Analyst) GenerateRecommendations(credit CreditAnalysis, agent AgentAnalysis) []string {
	var recs []string

	switch {
	case credit.UtilizationPct > 90:
		recs = append(recs, "Immediate action: increase global credit cap or reduce agent activity")
	case credit.UtilizationPct > 80:
		recs = append(recs, "Consider increasing credit caps for frequently throttled agents")
	}

	for agentName, credits := range credit.ByAgent {
		switch agentName {
		case "stress-tester":
			if credits > 100 {
				recs = append(recs, "Consider scheduling stress tests during off-peak hours")
			}
		case "tool-builder":
			if credits > 150 {
				recs = append(recs, "Review tool-builder sandbox usage for optimization opportunities")
			}
		}
	}

	for agentName, rate := range agent.ErrorRates {
		switch {
		case rate > 30:
			recs = append(recs, fmt.Sprintf("Investigate %s: %.1f%% error rate", agentName, rate))
		case rate > 20:
			recs = append(recs, fmt.Sprintf("Monitor %s: elevated error rate", agentName))
		}
	}

	if credit.EfficiencyScore > 0 && credit.EfficiencyScore < 70 {
		recs = append(recs, "Low system efficiency - review failed operations")
	}

	return recs
}

// Critical reports whether the accumulated analysis crosses the
// substrate's critical threshold: at least 95% credit utilization, or
// one or more aborted agents.
func (a *Analyst) Critical(credit CreditAnalysis, agent AgentAnalysis) bool {
	return credit.UtilizationPct >= 95 || len(agent.AbortedAgents) > 0
}

// Report bundles every analysis performed over one session, ready to
// be rendered as markdown.
type Report struct {
	SessionID string
	Credit    CreditAnalysis
	Agent     AgentAnalysis
	Trend     TrendAnalysis
	Recommendations []string
	Warnings  []string
	Insights  []string
	MetricsCount int
}

// GenerateReport runs every analysis over the configured session
// summary and metrics log, writes a markdown report to outputPath, and
// returns both the report text and the structured Report it was built
// from.
func (a *Analyst) GenerateReport(outputPath string) (string, *Report, error) {
	sum, err := a.LoadSessionSummary()
	if err != nil {
		return "", nil, err
	}
	metrics, err := a.LoadMetricsCSV()
	if err != nil {
		return "", nil, err
	}

	credit := a.AnalyzeCreditUsage(sum, metrics)
	agentAnalysis := a.AnalyzeAgentPerformance(sum, metrics)
	trend := a.AnalyzeTrends(metrics)
	recs := a.GenerateRecommendations(credit, agentAnalysis)

	sessionID := "Unknown"
	if sum != nil && sum.SessionID != "" {
		sessionID = sum.SessionID
	}

	report := &Report{
		SessionID:       sessionID,
		Credit:          credit,
		Agent:           agentAnalysis,
		Trend:           trend,
		Recommendations: recs,
		Warnings:        a.Warnings,
		Insights:        a.Insights,
		MetricsCount:    len(metrics),
	}

	text := renderMarkdown(report, a.SessionSummaryPath, a.MetricsCSVPath, a.GlobalHardCap)

	if outputPath != "" {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return "", nil, fmt.Errorf("create report directory: %w", err)
		}
		if err := os.WriteFile(outputPath, []byte(text), 0o644); err != nil {
			return "", nil, fmt.Errorf("write report: %w", err)
		}
	}

	return text, report, nil
}

func renderMarkdown(r *Report, sessionPath, metricsPath string, globalHardCap int) string {
	var b strings.Builder

	fmt.Fprintln(&b, "# Meta-Analyst Nightly Report")
	fmt.Fprintf(&b, "\n**Generated**: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Session**: %s\n\n", r.SessionID)

	fmt.Fprintln(&b, "## Executive Summary")
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "- **Total Credits Used**: %d/%d (%.1f%%)\n", r.Credit.TotalUsed, globalHardCap, r.Credit.UtilizationPct)
	fmt.Fprintf(&b, "- **Active Agents**: %d\n", len(r.Agent.ActiveAgents))
	fmt.Fprintf(&b, "- **System Efficiency**: %.1f%%\n", r.Credit.EfficiencyScore)
	fmt.Fprintf(&b, "- **Growth Rate**: %.1f%%\n\n", r.Trend.GrowthRate)

	if len(r.Warnings) > 0 {
		fmt.Fprintln(&b, "## Warnings")
		fmt.Fprintln(&b)
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		fmt.Fprintln(&b)
	}

	fmt.Fprintln(&b, "## Credit Analysis")
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "### Top Consumers")
	fmt.Fprintln(&b, "| Agent | Credits | Percentage |")
	fmt.Fprintln(&b, "|-------|---------|------------|")
	total := r.Credit.TotalUsed
	if total == 0 {
		total = 1
	}
	for _, ac := range r.Credit.HighConsumers {
		pct := float64(ac.Credits) / float64(total) * 100
		fmt.Fprintf(&b, "| %s | %d | %.1f%% |\n", ac.Agent, ac.Credits, pct)
	}
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "## Agent Performance")
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "- **Active**: %s\n", joinOrNone(r.Agent.ActiveAgents))
	fmt.Fprintf(&b, "- **Idle**: %s\n", joinOrNone(r.Agent.IdleAgents))
	fmt.Fprintf(&b, "- **Aborted**: %s\n\n", joinOrNone(r.Agent.AbortedAgents))

	if len(r.Agent.ErrorRates) > 0 {
		type er struct {
			agent string
			rate  float64
		}
		rates := make([]er, 0, len(r.Agent.ErrorRates))
		for agent, rate := range r.Agent.ErrorRates {
			rates = append(rates, er{agent, rate})
		}
		sort.Slice(rates, func(i, j int) bool { return rates[i].rate > rates[j].rate })
		if len(rates) > 5 {
			rates = rates[:5]
		}
		fmt.Fprintln(&b, "### Error Rates")
		fmt.Fprintln(&b, "| Agent | Error Rate |")
		fmt.Fprintln(&b, "|-------|------------|")
		for _, e := range rates {
			fmt.Fprintf(&b, "| %s | %.1f%% |\n", e.agent, e.rate)
		}
		fmt.Fprintln(&b)
	}

	if len(r.Trend.DailyCredits) > 0 {
		days := make([]string, 0, len(r.Trend.DailyCredits))
		for d := range r.Trend.DailyCredits {
			days = append(days, d)
		}
		sort.Strings(days)
		if len(days) > 7 {
			days = days[len(days)-7:]
		}
		fmt.Fprintln(&b, "## Usage Trends")
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "### Daily Credits (Last 7 days)")
		fmt.Fprintln(&b, "| Date | Credits |")
		fmt.Fprintln(&b, "|------|---------|")
		for _, d := range days {
			fmt.Fprintf(&b, "| %s | %d |\n", d, r.Trend.DailyCredits[d])
		}
		fmt.Fprintln(&b)
	}

	if len(r.Insights) > 0 {
		fmt.Fprintln(&b, "## Insights")
		fmt.Fprintln(&b)
		for _, i := range r.Insights {
			fmt.Fprintf(&b, "- %s\n", i)
		}
		fmt.Fprintln(&b)
	}

	if len(r.Recommendations) > 0 {
		fmt.Fprintln(&b, "## Recommendations")
		fmt.Fprintln(&b)
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
		fmt.Fprintln(&b)
	}

	fmt.Fprintln(&b, "## Raw Metrics")
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "- Total records analyzed: %d\n", r.MetricsCount)
	fmt.Fprintf(&b, "- Data sources: `%s`, `%s`\n", sessionPath, metricsPath)

	return b.String()
}

func joinOrNone(ss []string) string {
	if len(ss) == 0 {
		return "None"
	}
	return strings.Join(ss, ", ")
}
