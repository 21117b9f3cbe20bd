package agents

import (
	"context"
	"strings"

	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
)

// Architect is the architect-agent: it turns a reviewer's
// recommendation into a binding decision.
type Architect struct{}

func (Architect) Capabilities() map[runtime.Capability]bool {
	return map[runtime.Capability]bool{runtime.CapDecide: true}
}

func (Architect) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	review, _ := env.Payload["review"].(map[string]any)
	recommendation, _ := review["recommendation"].(string)

	decision := decide(recommendation)

	return map[string]any{
		"decision":       decision,
		"recommendation": recommendation,
	}, nil
}

func decide(recommendation string) string {
	switch {
	case strings.HasPrefix(recommendation, "approve"):
		return "approved"
	case recommendation == "reject_too_risky":
		return "rejected"
	case recommendation == "defer_needs_info":
		return "deferred"
	case recommendation == "":
		return "approved"
	default:
		return "deferred"
	}
}
