package summary

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evolution-substrate/engine/internal/sentinel"
)

func testSentinel(t *testing.T) *sentinel.Sentinel {
	t.Helper()
	return sentinel.New(sentinel.Config{
		GlobalHardCap:   1000,
		DefaultAgentCap: 1000,
		MetricsLog:      sentinel.NullMetricsLog{},
	})
}

func testSummarizer(t *testing.T, sent *sentinel.Sentinel) *Summarizer {
	t.Helper()
	return New(Config{
		SummaryPath:   filepath.Join(t.TempDir(), "session_summary.yaml"),
		GlobalHardCap: 1000,
		Sentinel:      sent,
		RepoDir:       ".",
	})
}

func TestGenerateSummary_HashIsStableAcrossRuns(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	sum1, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	hash1, err := ComputeContextHash(sum1)
	if err != nil {
		t.Fatalf("ComputeContextHash: %v", err)
	}
	hash2, err := ComputeContextHash(sum1)
	if err != nil {
		t.Fatalf("ComputeContextHash (again): %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("expected a stable hash, got %s then %s", hash1, hash2)
	}
	if !strings.HasPrefix(sum1.ContextHash, "sha256:") {
		t.Fatalf("expected context_hash to be sha256-prefixed, got %s", sum1.ContextHash)
	}
	if len(sum1.ContextHash) != len("sha256:")+64 {
		t.Fatalf("expected a 64-hex-char digest, got %q", sum1.ContextHash)
	}
}

func TestGenerateSummary_CreditArithmeticCorrected(t *testing.T) {
	sent := testSentinel(t)
	sent.TrackAgentStart("auditor")
	sent.TrackToolCall("auditor", "lint", 40, 100)

	s := testSummarizer(t, sent)
	sum, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if sum.Credits.Used != 40 {
		t.Fatalf("expected used=40, got %d", sum.Credits.Used)
	}
	if sum.Credits.Used+sum.Credits.Remaining != 1000 {
		t.Fatalf("expected used+remaining == global cap, got %d+%d", sum.Credits.Used, sum.Credits.Remaining)
	}
}

func TestGenerateSummary_ActiveAgentSurfaced(t *testing.T) {
	sent := testSentinel(t)
	sent.TrackAgentStart("auditor")
	sent.TrackToolCall("auditor", "lint", 10, 50)

	s := testSummarizer(t, sent)
	sum, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if _, ok := sum.Agents.Active["auditor"]; !ok {
		t.Fatalf("expected auditor to be listed as active, got %+v", sum.Agents)
	}
}

func TestSaveAndLoadSummary_RoundTrips(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	sum, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	loaded, err := s.LoadSummary()
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded summary, got nil")
	}
	if loaded.SessionID != sum.SessionID {
		t.Fatalf("expected session id %s, got %s", sum.SessionID, loaded.SessionID)
	}
}

func TestValidateContext_MissingSummaryFails(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	if _, err := s.ValidateContext(context.Background()); err == nil {
		t.Fatal("expected validation to fail when no summary has been saved")
	}
}

func TestValidateContext_ValidSummaryPasses(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	sum, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	if _, err := s.ValidateContext(context.Background()); err != nil {
		t.Fatalf("expected a freshly generated summary to validate, got %v", err)
	}
}

func TestValidateContext_TamperedHashFails(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	sum, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	sum.Credits.Used = 999999
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	if _, err := s.ValidateContext(context.Background()); err == nil {
		t.Fatal("expected tampered summary to fail hash validation")
	}
}

func TestValidateContext_CreditExhaustionFails(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	sum, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	sum.Credits.Used = 960
	sum.Credits.Remaining = 40
	hash, err := ComputeContextHash(sum)
	if err != nil {
		t.Fatalf("ComputeContextHash: %v", err)
	}
	sum.ContextHash = hash
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	if _, err := s.ValidateContext(context.Background()); err == nil {
		t.Fatal("expected 96% credit usage to fail validation")
	}
}

func TestGetSafeContext_RegeneratesOnInvalidSummary(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	sum := s.GetSafeContext(context.Background())
	if sum == nil {
		t.Fatal("expected a non-nil safe context")
	}
	if sum.SessionID == "" {
		t.Fatal("expected GetSafeContext to regenerate and populate a session id")
	}
}

func TestSessionSequence_IncrementsWithinSameDay(t *testing.T) {
	sent := testSentinel(t)
	s := testSummarizer(t, sent)

	first, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if err := s.SaveSummary(first); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	second, err := s.GenerateSummary(context.Background())
	if err != nil {
		t.Fatalf("GenerateSummary (second): %v", err)
	}

	if !strings.HasSuffix(second.SessionID, "002") {
		t.Fatalf("expected second session id to end in 002, got %s", second.SessionID)
	}
}
