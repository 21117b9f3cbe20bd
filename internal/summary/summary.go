// Package summary implements the Session Summarizer & Context
// Validator: a canonical, hash-verified snapshot of global state used
// to detect staleness across agent handoffs.
package summary

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	svcerrors "github.com/evolution-substrate/engine/infrastructure/errors"
	"github.com/evolution-substrate/engine/internal/sentinel"
)

const (
	// SummaryVersion is the version field stamped on every generated
	// summary.
	SummaryVersion = "1.0"
	// ToolingVersion identifies the build of the summarizer itself.
	ToolingVersion = "evolution-substrate-v1.0.0"
	gitTimeout     = 5 * time.Second
)

// Warning is one leveled entry in a Session Summary's warnings list.
type Warning struct {
	Level string `json:"level" yaml:"level"`
	Msg   string `json:"msg" yaml:"msg"`
	Code  string `json:"code,omitempty" yaml:"code,omitempty"`
}

// PullRequest is one open PR surfaced in the repo section, when a
// GitHub client is configured.
type PullRequest struct {
	Number int    `json:"number" yaml:"number"`
	Title  string `json:"title" yaml:"title"`
	Head   string `json:"head" yaml:"head"`
	URL    string `json:"url" yaml:"url"`
}

// RepoState is the git snapshot carried in the summary.
type RepoState struct {
	MainSHA string        `json:"main_sha" yaml:"main_sha"`
	Branch  string        `json:"branch" yaml:"branch"`
	Dirty   bool          `json:"dirty" yaml:"dirty"`
	OpenPRs []PullRequest `json:"open_prs" yaml:"open_prs"`
}

// Credits is the global and per-agent credit picture.
type Credits struct {
	Used            int            `json:"used" yaml:"used"`
	Remaining       int            `json:"remaining" yaml:"remaining"`
	CheckpointSaved string         `json:"checkpoint_saved,omitempty" yaml:"checkpoint_saved,omitempty"`
	MaxPerAgent     map[string]int `json:"max_per_agent" yaml:"max_per_agent"`
}

// ActiveAgent is one running agent's live counters.
type ActiveAgent struct {
	Credits    int    `json:"credits" yaml:"credits"`
	WallTimeMs int64  `json:"wall_time_ms" yaml:"wall_time_ms"`
	LastAction string `json:"last_action" yaml:"last_action"`
}

// IdleAgent is one quiesced agent's last-known counters.
type IdleAgent struct {
	Credits    int    `json:"credits" yaml:"credits"`
	LastActive string `json:"last_active" yaml:"last_active"`
}

// Agents partitions Sentinel agent state into active/idle/aborted, as
// the Session Summary's wire form requires.
type Agents struct {
	Active  map[string]ActiveAgent `json:"active" yaml:"active"`
	Idle    map[string]IdleAgent   `json:"idle" yaml:"idle"`
	Aborted []string               `json:"aborted" yaml:"aborted"`
}

// Locks is the file-lock table, held only (the Sentinel does not
// expose a waiting-queue view).
type Locks struct {
	Held    map[string]string `json:"held" yaml:"held"`
	Waiting map[string]string `json:"waiting" yaml:"waiting"`
}

// Task is one pending item in the next_tasks list.
type Task struct {
	ID     string `json:"id" yaml:"id"`
	Task   string `json:"task" yaml:"task"`
	Status string `json:"status" yaml:"status"`
}

// Summary is the canonical Session Summary document.
type Summary struct {
	Version        string                 `json:"version" yaml:"version"`
	Timestamp      string                 `json:"timestamp" yaml:"timestamp"`
	SessionID      string                 `json:"session_id" yaml:"session_id"`
	BuildID        string                 `json:"build_id" yaml:"build_id"`
	ToolingVersion string                 `json:"tooling_version" yaml:"tooling_version"`
	Repo           RepoState              `json:"repo" yaml:"repo"`
	Credits        Credits                `json:"credits" yaml:"credits"`
	Agents         Agents                 `json:"agents" yaml:"agents"`
	Locks          Locks                  `json:"locks" yaml:"locks"`
	NextTasks      []Task                 `json:"next_tasks" yaml:"next_tasks"`
	Warnings       []Warning              `json:"warnings" yaml:"warnings"`
	Extensions     map[string]interface{} `json:"extensions" yaml:"extensions"`
	ContextHash    string                 `json:"context_hash" yaml:"context_hash"`
}

// Config configures a Summarizer.
type Config struct {
	SummaryPath                string
	SessionIDPrefix            string
	GlobalHardCap              int
	MaxContextStalenessSeconds int
	Sentinel                   *sentinel.Sentinel
	NextTasks                  []Task
	RepoDir                    string
}

func (c *Config) applyDefaults() {
	if c.SummaryPath == "" {
		c.SummaryPath = "schemas/session_summary.yaml"
	}
	if c.SessionIDPrefix == "" {
		c.SessionIDPrefix = "evo"
	}
	if c.GlobalHardCap <= 0 {
		c.GlobalHardCap = 1000
	}
	if c.MaxContextStalenessSeconds <= 0 {
		c.MaxContextStalenessSeconds = 3600
	}
}

// Summarizer generates and validates Session Summary documents.
type Summarizer struct {
	cfg Config
}

// New constructs a Summarizer.
func New(cfg Config) *Summarizer {
	cfg.applyDefaults()
	return &Summarizer{cfg: cfg}
}

func (s *Summarizer) gitOutput(ctx context.Context, args ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	if s.cfg.RepoDir != "" {
		cmd.Dir = s.cfg.RepoDir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return string(bytes.TrimSpace(out)), true
}

func (s *Summarizer) gitState(ctx context.Context) RepoState {
	repo := RepoState{Branch: "main", OpenPRs: []PullRequest{}}
	if sha, ok := s.gitOutput(ctx, "rev-parse", "HEAD"); ok {
		repo.MainSHA = sha
	}
	if branch, ok := s.gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD"); ok {
		repo.Branch = branch
	}
	if status, ok := s.gitOutput(ctx, "status", "--porcelain"); ok {
		repo.Dirty = status != ""
	}
	return repo
}

func (s *Summarizer) creditMetrics(snap sentinel.Snapshot) Credits {
	credits := Credits{
		Used:        snap.Global.TotalCredits,
		MaxPerAgent: make(map[string]int, len(snap.Agents)),
	}
	credits.Remaining = s.cfg.GlobalHardCap - credits.Used

	var lastCheckpoint time.Time
	for name, am := range snap.Agents {
		credits.MaxPerAgent[name] = am.CreditsUsed
		if !am.LastCheckpoint.IsZero() && am.LastCheckpoint.After(lastCheckpoint) {
			lastCheckpoint = am.LastCheckpoint
		}
	}
	if !lastCheckpoint.IsZero() {
		credits.CheckpointSaved = lastCheckpoint.UTC().Format(time.RFC3339)
	}
	return credits
}

func agentStates(snap sentinel.Snapshot, now time.Time) Agents {
	agents := Agents{
		Active:  map[string]ActiveAgent{},
		Idle:    map[string]IdleAgent{},
		Aborted: []string{},
	}
	for name, am := range snap.Agents {
		switch am.Status {
		case sentinel.StatusAborted:
			agents.Aborted = append(agents.Aborted, name)
		case sentinel.StatusActive:
			agents.Active[name] = ActiveAgent{
				Credits:    am.CreditsUsed,
				WallTimeMs: am.WallTimeMs(now),
				LastAction: "tool_call",
			}
		default:
			lastActive := now
			if !am.StartTime.IsZero() {
				lastActive = am.StartTime
			}
			agents.Idle[name] = IdleAgent{
				Credits:    am.CreditsUsed,
				LastActive: lastActive.UTC().Format(time.RFC3339),
			}
		}
	}
	sort.Strings(agents.Aborted)
	return agents
}

func lockState(snap sentinel.Snapshot) Locks {
	locks := Locks{Held: map[string]string{}, Waiting: map[string]string{}}
	for path, entry := range snap.Locks {
		locks.Held[path] = entry.Holder
	}
	return locks
}

func generateWarnings(cfg Config, credits Credits, agents Agents, repo RepoState) []Warning {
	// Never nil: a nil list hashes as JSON null but reloads from YAML as
	// an empty list, which would break hash validation of a saved summary.
	warnings := []Warning{}

	usagePct := float64(credits.Used) / float64(cfg.GlobalHardCap) * 100
	switch {
	case usagePct >= 90:
		warnings = append(warnings, Warning{Level: "error", Msg: fmt.Sprintf("Credit usage critical: %.1f%%", usagePct), Code: "credit_limit"})
	case usagePct >= 80:
		warnings = append(warnings, Warning{Level: "warn", Msg: fmt.Sprintf("Credit usage high: %.1f%%", usagePct), Code: "credit_high"})
	}

	if len(agents.Aborted) > 0 {
		warnings = append(warnings, Warning{Level: "error", Msg: fmt.Sprintf("Agents aborted: %v", agents.Aborted), Code: "agent_aborted"})
	}

	if repo.Dirty {
		warnings = append(warnings, Warning{Level: "warn", Msg: "Working tree has uncommitted changes", Code: "git_dirty"})
	}

	return warnings
}

// GenerateSummary collects git state, Sentinel metrics, agent and lock
// state, and pending tasks into a new, hashed Session Summary.
func (s *Summarizer) GenerateSummary(ctx context.Context) (*Summary, error) {
	now := time.Now().UTC()
	repo := s.gitState(ctx)
	shortSHA := repo.MainSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	if shortSHA == "" {
		shortSHA = "0000000"
	}

	seq, err := s.nextSessionSequence(now)
	if err != nil {
		return nil, err
	}

	snap := s.cfg.Sentinel.GetMetrics()
	credits := s.creditMetrics(snap)
	agents := agentStates(snap, now)

	sum := &Summary{
		Version:        SummaryVersion,
		Timestamp:      now.Format(time.RFC3339),
		SessionID:      fmt.Sprintf("%s-%s-%03d", s.cfg.SessionIDPrefix, now.Format("2006-01-02"), seq),
		BuildID:        fmt.Sprintf("%s-%d", shortSHA, now.Unix()),
		ToolingVersion: ToolingVersion,
		Repo:           repo,
		Credits:        credits,
		Agents:         agents,
		Locks:          lockState(snap),
		NextTasks:      s.cfg.NextTasks,
		Extensions:     map[string]interface{}{},
	}
	if sum.NextTasks == nil {
		sum.NextTasks = []Task{}
	}

	sum.Warnings = generateWarnings(s.cfg, sum.Credits, sum.Agents, sum.Repo)

	expectedRemaining := s.cfg.GlobalHardCap - sum.Credits.Used
	if sum.Credits.Remaining != expectedRemaining {
		sum.Credits.Remaining = expectedRemaining
		sum.Warnings = append(sum.Warnings, Warning{Level: "info", Msg: fmt.Sprintf("Corrected credit arithmetic: %d remaining", expectedRemaining)})
	}

	hash, err := ComputeContextHash(sum)
	if err != nil {
		return nil, err
	}
	sum.ContextHash = hash

	return sum, nil
}

// nextSessionSequence inspects any existing summary for today's date
// and returns the next sequence number, matching the source's
// session-id numbering scheme.
func (s *Summarizer) nextSessionSequence(now time.Time) (int, error) {
	existing, err := s.LoadSummary()
	if err != nil || existing == nil {
		return 1, nil
	}
	today := now.Format("2006-01-02")
	if len(existing.SessionID) == 0 || !strings.Contains(existing.SessionID, today) {
		return 1, nil
	}
	parts := strings.Split(existing.SessionID, "-")
	seq, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 1, nil
	}
	return seq + 1, nil
}

// ComputeContextHash hashes the canonical JSON (sorted keys) of every
// field except context_hash and extensions.
func ComputeContextHash(sum *Summary) (string, error) {
	canonical := map[string]interface{}{
		"version":         sum.Version,
		"timestamp":       sum.Timestamp,
		"session_id":      sum.SessionID,
		"build_id":        sum.BuildID,
		"tooling_version": sum.ToolingVersion,
		"repo":            sum.Repo,
		"credits":         sum.Credits,
		"agents":          sum.Agents,
		"locks":           sum.Locks,
		"next_tasks":      sum.NextTasks,
		"warnings":        sum.Warnings,
	}

	raw, err := canonicalJSON(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalize summary: %w", err)
	}
	sum256 := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum256[:]), nil
}

// canonicalJSON marshals v with recursively sorted object keys, the Go
// equivalent of json.dumps(..., sort_keys=True).
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeSorted(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeSorted(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := encodeSorted(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeSorted(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(raw)
	}
	return nil
}

// SaveSummary writes sum to the configured path as YAML.
func (s *Summarizer) SaveSummary(sum *Summary) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SummaryPath), 0755); err != nil {
		return fmt.Errorf("create summary directory: %w", err)
	}
	raw, err := yaml.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return os.WriteFile(s.cfg.SummaryPath, raw, 0644)
}

// LoadSummary reads the configured path, returning (nil, nil) if it
// does not exist.
func (s *Summarizer) LoadSummary() (*Summary, error) {
	raw, err := os.ReadFile(s.cfg.SummaryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sum Summary
	if err := yaml.Unmarshal(raw, &sum); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &sum, nil
}

// ValidateContext loads the saved summary and checks hash integrity,
// git divergence, staleness, and credit exhaustion. It returns the
// loaded summary (possibly nil) alongside any validation error so
// callers can inspect state even on failure.
func (s *Summarizer) ValidateContext(ctx context.Context) (*Summary, error) {
	sum, err := s.LoadSummary()
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return nil, svcerrors.ContextMissing(s.cfg.SummaryPath)
	}

	computed, err := ComputeContextHash(sum)
	if err != nil {
		return sum, err
	}
	if computed != sum.ContextHash {
		return sum, svcerrors.ContextHashMismatch()
	}

	currentSHA, _ := s.gitOutput(ctx, "rev-parse", "HEAD")
	if currentSHA != "" && sum.Repo.MainSHA != "" && currentSHA != sum.Repo.MainSHA {
		return sum, svcerrors.ContextSHADivergence(sum.Repo.MainSHA, currentSHA)
	}

	currentBranch, ok := s.gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if !ok {
		currentBranch = "main"
	}
	if sum.Repo.Branch != "" && currentBranch != sum.Repo.Branch {
		return sum, svcerrors.ContextBranchMismatch(sum.Repo.Branch, currentBranch)
	}

	summaryTime, err := time.Parse(time.RFC3339, sum.Timestamp)
	if err == nil {
		age := int(time.Since(summaryTime).Seconds())
		if age > s.cfg.MaxContextStalenessSeconds {
			return sum, svcerrors.ContextStale(age, s.cfg.MaxContextStalenessSeconds)
		}
	}

	threshold := int(float64(s.cfg.GlobalHardCap) * 0.95)
	if sum.Credits.Used >= threshold {
		return sum, svcerrors.ContextCreditExhaustion(sum.Credits.Used, s.cfg.GlobalHardCap)
	}

	return sum, nil
}

// GetSafeContext returns the saved summary if valid, or regenerates
// and saves a fresh one if validation fails. If regeneration also
// fails, it falls back to an empty, clearly-marked context rather than
// propagating the error to the caller — agents that call this are
// expected to keep making progress even without a durable summary.
func (s *Summarizer) GetSafeContext(ctx context.Context) *Summary {
	if sum, err := s.ValidateContext(ctx); err == nil {
		return sum
	}

	fresh, err := s.GenerateSummary(ctx)
	if err == nil {
		if saveErr := s.SaveSummary(fresh); saveErr == nil {
			return fresh
		}
	}

	return &Summary{
		Version: SummaryVersion,
		Credits: Credits{Used: 0, Remaining: s.cfg.GlobalHardCap, MaxPerAgent: map[string]int{}},
		Agents:  Agents{Active: map[string]ActiveAgent{}, Idle: map[string]IdleAgent{}, Aborted: []string{}},
		Warnings: []Warning{
			{Level: "warn", Msg: "Operating without valid context"},
		},
	}
}
