// Package agents provides the five canonical evolution-cycle agent
// implementations — auditor, reviewer, architect, implementor, and
// treasurer — each satisfying runtime.Agent so they can be spawned
// behind a Runtime and driven over the bus by the orchestrator.
package agents
