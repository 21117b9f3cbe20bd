package agents

import (
	"context"
	"strings"

	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
)

// Reviewer is the discussion-agent: a pragmatic, cost-benefit-oriented
// reviewer. It scores a proposal on feasibility, economic viability,
// risk, and goal alignment, then folds the score into one
// recommendation.
type Reviewer struct{}

func (Reviewer) Capabilities() map[runtime.Capability]bool {
	return map[runtime.Capability]bool{runtime.CapReview: true}
}

func (Reviewer) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	proposal, _ := env.Payload["proposal"].(map[string]any)

	id, _ := proposal["id"].(string)
	title, _ := proposal["title"].(string)
	typ, _ := proposal["type"].(string)
	impact, _ := proposal["estimated_impact"].(string)
	blob := strings.ToLower(title + " " + typ + " " + impact)

	scores := scoreProposal(blob, typ)
	concerns := identifyConcerns(blob)
	quickWins := identifyQuickWins(blob)
	recommendation, risk := recommend(scores.total, len(concerns), len(quickWins))

	return map[string]any{
		"proposal_id":    id,
		"recommendation": recommendation,
		"risk_level":     risk,
		"scores":         scores.asMap(),
		"concerns":       concerns,
		"quick_wins":     quickWins,
	}, nil
}

type scoreSet struct {
	feasibility float64
	economic    float64
	risk        float64
	alignment   float64
	total       float64
}

func (s scoreSet) asMap() map[string]any {
	return map[string]any{
		"technical_feasibility": s.feasibility,
		"economic_viability":    s.economic,
		"risk_level":            s.risk,
		"alignment_with_goals":  s.alignment,
		"total":                 s.total,
	}
}

// scoreProposal mirrors the discussion agent's weighted scoring: 30%
// feasibility, 30% economic viability, 20% inverse-risk, 20% alignment.
func scoreProposal(blob, typ string) scoreSet {
	var s scoreSet

	switch typ {
	case "optimization", "enhancement":
		s.feasibility = 0.8
	case "revenue":
		s.feasibility = 0.5
	default:
		s.feasibility = 0.5
	}

	switch {
	case strings.Contains(blob, "revenue"):
		s.economic = 0.8
	case strings.Contains(blob, "faster") || strings.Contains(blob, "reduce"):
		s.economic = 0.6
	default:
		s.economic = 0.3
	}

	switch {
	case strings.Contains(blob, "security"):
		s.risk = 0.4
	case strings.Contains(blob, "breaking"):
		s.risk = 0.3
	default:
		s.risk = 0.8
	}

	s.alignment = 0.5
	if strings.Contains(blob, "upgrade") || strings.Contains(blob, "optimi") {
		s.alignment += 0.2
	}
	if strings.Contains(blob, "revenue") {
		s.alignment += 0.2
	}
	if s.alignment > 1.0 {
		s.alignment = 1.0
	}

	s.total = s.feasibility*0.3 + s.economic*0.3 + s.risk*0.2 + s.alignment*0.2
	return s
}

func identifyConcerns(blob string) []string {
	var concerns []string
	if strings.Contains(blob, "security") {
		concerns = append(concerns, "Security implications need thorough review")
	}
	if strings.Contains(blob, "breaking") {
		concerns = append(concerns, "May introduce breaking changes")
	}
	return concerns
}

func identifyQuickWins(blob string) []string {
	var wins []string
	if strings.Contains(blob, "performance") || strings.Contains(blob, "faster") {
		wins = append(wins, "Easy performance gain")
	}
	if strings.Contains(blob, "revenue") {
		wins = append(wins, "Low-effort revenue opportunity")
	}
	return wins
}

// recommend folds a total score plus concern/quick-win counts into a
// recommendation and risk level, matching the discussion agent's
// threshold ladder.
func recommend(total float64, concerns, quickWins int) (string, string) {
	risk := "low"
	if total < 0.6 {
		risk = "medium"
	}
	if total < 0.45 {
		risk = "high"
	}

	switch {
	case total > 0.7 && concerns < 2:
		return "approve_immediate", risk
	case total > 0.6 && quickWins > 0:
		return "approve_queued", risk
	case total > 0.5 && concerns < 3:
		return "approve_with_modifications", risk
	case concerns > 3:
		return "reject_too_risky", risk
	default:
		return "defer_needs_info", risk
	}
}
