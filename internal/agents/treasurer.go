package agents

import (
	"context"

	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
)

// Treasurer is the treasurer-agent: given a balance and daily burn
// rate, it computes the remaining runway and the priority mode that
// runway implies.
type Treasurer struct{}

func (Treasurer) Capabilities() map[runtime.Capability]bool {
	return map[runtime.Capability]bool{runtime.CapAssessFinances: true}
}

func (Treasurer) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	balance := floatField(env.Payload, "balance", 0)
	burnRate := floatField(env.Payload, "burn_rate", 10)

	runway := 999
	if burnRate > 0 {
		runway = int(balance / burnRate)
	}
	priority := "NORMAL"
	if runway < 30 {
		priority = "CRITICAL_REVENUE"
	}

	return map[string]any{
		"balance":       balance,
		"burn_rate":     burnRate,
		"runway_days":   runway,
		"priority_mode": priority,
	}, nil
}

func floatField(payload map[string]any, key string, fallback float64) float64 {
	v, ok := payload[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}
