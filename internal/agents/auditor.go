package agents

import (
	"context"
	"fmt"

	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
)

// Auditor is the external-auditor agent: it scans the requested focus
// areas and proposes concrete improvements, one per recognized area.
type Auditor struct{}

func (Auditor) Capabilities() map[runtime.Capability]bool {
	return map[runtime.Capability]bool{runtime.CapAudit: true}
}

var auditCatalog = map[string]struct {
	title  string
	typ    string
	impact string
}{
	"performance":           {"Optimize embedder performance", "optimization", "20% faster processing"},
	"efficiency":            {"Add caching layer", "enhancement", "Reduce API calls by 50%"},
	"revenue_opportunities": {"Monetize semantic diff as API", "revenue", "New recurring revenue stream"},
}

// Handle generates one proposal per recognized focus area in the
// request, in the order the areas were listed, numbering proposal ids
// sequentially from prop_001.
func (Auditor) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	focusAreas, _ := env.Payload["focus_areas"].([]any)
	if len(focusAreas) == 0 {
		focusAreas = []any{"performance", "efficiency"}
	}

	proposals := make([]map[string]any, 0, len(focusAreas))
	for _, area := range focusAreas {
		name, _ := area.(string)
		entry, ok := auditCatalog[name]
		if !ok {
			continue
		}
		proposals = append(proposals, map[string]any{
			"id":               fmt.Sprintf("prop_%03d", len(proposals)+1),
			"title":            entry.title,
			"type":             entry.typ,
			"estimated_impact": entry.impact,
		})
	}

	return map[string]any{
		"status":    "completed",
		"proposals": proposals,
	}, nil
}
