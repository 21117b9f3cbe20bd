// Package envelope defines the unit of message-bus traffic and the
// quality-polarity migration that supersedes the legacy boolean ignore
// flag.
package envelope

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of events that cross the bus.
type Type string

const (
	TypeToolCall        Type = "tool_call"
	TypeStateChange     Type = "state_change"
	TypeCompletion      Type = "completion"
	TypeError           Type = "error"
	TypeCheckpoint      Type = "checkpoint"
	TypeCreditUpdate    Type = "credit_update"
	TypePRLifecycle     Type = "pr_lifecycle"
	TypeTestResult      Type = "test_result"
	TypeMetricsSnapshot Type = "metrics_snapshot"
)

// SchemaVersion is the schema_version stamped on every envelope this
// process produces.
const SchemaVersion = "1.1"

// QualityFilterThreshold is the polarity below which downstream embedding
// consumers MUST reject an event.
const QualityFilterThreshold = -0.5

// legacy boolean ignore-flag migration constants (invariant 7 / S5).
const (
	legacyIgnoreTrueQuality  = -0.8
	legacyIgnoreFalseQuality = 0.5
)

var (
	agentPattern      = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	schemaVersionPat  = regexp.MustCompile(`^\d+\.\d+$`)
	contextHashPrefix = "sha256:"
)

// SessionIDPattern builds the session-id validator for a configurable
// prefix, generalizing the source's hardcoded "uma-v2" literal.
func SessionIDPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^%s-\d{4}-\d{2}-\d{2}-\d{1,4}$`, regexp.QuoteMeta(prefix)))
}

// Meta carries the envelope's session/correlation/billing metadata.
type Meta struct {
	SessionID     string            `json:"session_id"`
	CreditsUsed   int               `json:"credits_used"`
	ParentID      string            `json:"parent_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Validate checks meta against the session-id pattern for the given
// prefix and the non-negativity of credits_used.
func (m Meta) Validate(sessionPrefix string) error {
	if m.CreditsUsed < 0 {
		return fmt.Errorf("meta.credits_used must be >= 0, got %d", m.CreditsUsed)
	}
	if sessionPrefix != "" && m.SessionID != "" {
		if !SessionIDPattern(sessionPrefix).MatchString(m.SessionID) {
			return fmt.Errorf("meta.session_id %q does not match pattern for prefix %q", m.SessionID, sessionPrefix)
		}
	}
	return nil
}

// Envelope is the unit of message-bus traffic. It is immutable after
// publication; callers that need to derive a response construct a new
// Envelope rather than mutating an existing one.
type Envelope struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Agent         string         `json:"agent"`
	Payload       map[string]any `json:"payload"`
	Meta          Meta           `json:"meta"`
	Quality       float64        `json:"quality"`
	SchemaVersion string         `json:"schema_version"`
}

// New constructs a valid Envelope, generating an id and stamping
// SchemaVersion and the current UTC time.
func New(agent string, typ Type, payload map[string]any, meta Meta) (*Envelope, error) {
	if !agentPattern.MatchString(agent) {
		return nil, fmt.Errorf("agent %q does not match pattern %s", agent, agentPattern.String())
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          typ,
		Timestamp:     time.Now().UTC(),
		Agent:         agent,
		Payload:       payload,
		Meta:          meta,
		Quality:       0,
		SchemaVersion: SchemaVersion,
	}, nil
}

// Validate checks the structural invariants of an envelope: agent
// pattern, schema_version format, and quality range.
func (e *Envelope) Validate() error {
	if !agentPattern.MatchString(e.Agent) {
		return fmt.Errorf("agent %q does not match pattern %s", e.Agent, agentPattern.String())
	}
	if e.SchemaVersion != "" && !schemaVersionPat.MatchString(e.SchemaVersion) {
		return fmt.Errorf("schema_version %q does not match <major>.<minor>", e.SchemaVersion)
	}
	if e.Quality < -1.0 || e.Quality > 1.0 {
		return fmt.Errorf("quality %f out of range [-1.0, 1.0]", e.Quality)
	}
	return nil
}

// IsHighQuality reports whether the event clears the downstream
// embedding filter threshold (invariant 5).
func (e *Envelope) IsHighQuality() bool {
	return e.Quality >= QualityFilterThreshold
}

// MarkLowQuality sets quality to the canonical "reject" polarity used
// when an agent or validator flags an event as unusable.
func (e *Envelope) MarkLowQuality() {
	e.Quality = legacyIgnoreTrueQuality
}

// MigrateLegacyIgnore maps a legacy boolean ignore flag onto the quality
// scalar per the documented migration (true -> -0.8, false -> +0.5). It
// MUST be used whenever ingesting an event carrying the legacy field
// instead of `quality`; implementations never write the boolean back out.
func MigrateLegacyIgnore(ignore bool) float64 {
	if ignore {
		return legacyIgnoreTrueQuality
	}
	return legacyIgnoreFalseQuality
}

// ApplyLegacyIgnore sets Quality from a legacy boolean ignore flag.
func (e *Envelope) ApplyLegacyIgnore(ignore bool) {
	e.Quality = MigrateLegacyIgnore(ignore)
}

// ContextHashPattern validates the `sha256:<64 hex>` context hash format.
var ContextHashPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// ValidContextHash reports whether s is a well-formed context hash.
func ValidContextHash(s string) bool {
	return ContextHashPattern.MatchString(s)
}
