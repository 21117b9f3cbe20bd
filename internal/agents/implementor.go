package agents

import (
	"context"
	"fmt"

	"github.com/evolution-substrate/engine/internal/envelope"
	"github.com/evolution-substrate/engine/internal/runtime"
)

// Implementor is the implementor-agent: it carries out an approved
// proposal and reports the resulting artifact.
type Implementor struct{}

func (Implementor) Capabilities() map[runtime.Capability]bool {
	return map[runtime.Capability]bool{runtime.CapImplement: true}
}

func (Implementor) Handle(ctx context.Context, capability runtime.Capability, env *envelope.Envelope) (map[string]any, error) {
	proposal, _ := env.Payload["proposal"].(map[string]any)
	id, _ := proposal["id"].(string)
	typ, _ := proposal["type"].(string)

	status := "success"
	if typ == "" {
		status = "failed"
	}

	return map[string]any{
		"proposal_id": id,
		"status":      status,
		"artifact":    fmt.Sprintf("implementation_%s.py", id),
	}, nil
}
