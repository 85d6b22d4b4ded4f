package memory

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

func TestAddDecisionAndGetRecentDecisions(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.AddDecision(ctxtypes.RoleCode, "story-1", ctxtypes.Decision{
		Description: "use JWT for session tokens",
		Rationale:   "matches existing auth middleware",
	})
	if err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}
	_, err = store.AddDecision(ctxtypes.RoleCode, "story-1", ctxtypes.Decision{
		Description: "add refresh token rotation",
	})
	if err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}

	decisions := store.GetRecentDecisions(ctxtypes.RoleCode, "story-1", 10)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	for _, d := range decisions {
		if d.ID == "" {
			t.Error("expected decision to be assigned an ID")
		}
		if d.Timestamp.IsZero() {
			t.Error("expected decision to be assigned a timestamp")
		}
	}
}

func TestGetRecentDecisionsOrdersMostRecentFirst(t *testing.T) {
	store := New(t.TempDir())
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "first", Timestamp: time.Now().Add(-time.Hour)})
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "second", Timestamp: time.Now()})

	decisions := store.GetRecentDecisions(ctxtypes.RoleCode, "s", 10)
	if decisions[0].Description != "second" {
		t.Errorf("expected most recent decision first, got %+v", decisions)
	}
}

func TestGetRecentDecisionsRespectsLimit(t *testing.T) {
	store := New(t.TempDir())
	for i := 0; i < 5; i++ {
		store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "d"})
	}
	decisions := store.GetRecentDecisions(ctxtypes.RoleCode, "s", 2)
	if len(decisions) != 2 {
		t.Errorf("expected limit to cap results at 2, got %d", len(decisions))
	}
}

func TestAddPhaseHandoffWritesBothJournals(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.AddPhaseHandoff("story-1", ctxtypes.PhaseHandoff{
		FromAgent: ctxtypes.RoleDesign,
		ToAgent:   ctxtypes.RoleCode,
		FromPhase: ctxtypes.PhaseDesign,
		ToPhase:   ctxtypes.PhaseTestRed,
	})
	if err != nil {
		t.Fatalf("AddPhaseHandoff failed: %v", err)
	}

	fromSide := store.GetPhaseHandoffs(ctxtypes.RoleDesign, "story-1", 10)
	toSide := store.GetPhaseHandoffs(ctxtypes.RoleCode, "story-1", 10)
	if len(fromSide) != 1 || len(toSide) != 1 {
		t.Fatalf("expected the handoff recorded on both sides, got from=%d to=%d", len(fromSide), len(toSide))
	}
}

func TestAddContextSnapshotAndHistory(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.AddContextSnapshot(ctxtypes.RoleQA, "s", ctxtypes.ContextSnapshot{
		FileList: []string{"a.py", "b.py"},
	})
	if err != nil {
		t.Fatalf("AddContextSnapshot failed: %v", err)
	}
	history := store.GetContextHistory(ctxtypes.RoleQA, "s", 10)
	if len(history) != 1 || len(history[0].FileList) != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRecentFileAppearancesSatisfiesHistorySource(t *testing.T) {
	store := New(t.TempDir())
	store.AddContextSnapshot(ctxtypes.RoleQA, "s", ctxtypes.ContextSnapshot{FileList: []string{"x.py"}})
	appearances := store.RecentFileAppearances(ctxtypes.RoleQA, "s")
	if len(appearances) != 1 || appearances[0][0] != "x.py" {
		t.Errorf("unexpected appearances: %+v", appearances)
	}
}

func TestGetPatternsByType(t *testing.T) {
	store := New(t.TempDir())
	store.AddPattern(ctxtypes.RoleCode, "s", ctxtypes.Pattern{PatternType: ctxtypes.PatternSequential, Trigger: "a->b"})
	store.AddPattern(ctxtypes.RoleCode, "s", ctxtypes.Pattern{PatternType: ctxtypes.PatternTimeBased, Trigger: "morning"})

	seq := store.GetPatternsByType(ctxtypes.RoleCode, "s", ctxtypes.PatternSequential)
	if len(seq) != 1 || seq[0].Trigger != "a->b" {
		t.Errorf("expected one sequential pattern, got %+v", seq)
	}
}

func TestReadJournalToleratesCorruptLines(t *testing.T) {
	stateDir := t.TempDir()
	store := New(stateDir)
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "good"})

	path := store.journalPath(ctxtypes.RoleCode, "s")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "also good"})

	decisions := store.GetRecentDecisions(ctxtypes.RoleCode, "s", 10)
	if len(decisions) != 2 {
		t.Fatalf("expected corrupt line to be skipped, leaving 2 good decisions, got %d", len(decisions))
	}
}

func TestCleanupOlderThanRemovesStaleRecords(t *testing.T) {
	stateDir := t.TempDir()
	store := New(stateDir)
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{
		Description: "old",
		Timestamp:   time.Now().AddDate(0, 0, -30),
	})
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{
		Description: "new",
		Timestamp:   time.Now(),
	})

	removed, err := store.CleanupOlderThan(7)
	if err != nil {
		t.Fatalf("CleanupOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 stale record removed, got %d", removed)
	}

	decisions := store.GetRecentDecisions(ctxtypes.RoleCode, "s", 10)
	if len(decisions) != 1 || decisions[0].Description != "new" {
		t.Errorf("expected only the recent decision to survive, got %+v", decisions)
	}
}

func TestDiscoverPatternsRequiresMinimumOccurrences(t *testing.T) {
	store := New(t.TempDir())
	for i := 0; i < 3; i++ {
		store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{
			Description: "d",
			Rationale:   "prefers explicit error handling",
		})
	}
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{
		Description: "d2",
		Rationale:   "only happened once",
	})

	patterns := store.DiscoverPatterns(ctxtypes.RoleCode, "s")
	if len(patterns) != 1 {
		t.Fatalf("expected exactly one pattern meeting the 3-occurrence threshold, got %+v", patterns)
	}
	if patterns[0].UsageCount != 3 {
		t.Errorf("expected usage count 3, got %d", patterns[0].UsageCount)
	}
	if patterns[0].Confidence != 0.3 {
		t.Errorf("expected confidence 3/10=0.3, got %v", patterns[0].Confidence)
	}
}

func TestAnalyzePatternsReportsAggregateStats(t *testing.T) {
	store := New(t.TempDir())
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "d1", Confidence: 0.4})
	store.AddDecision(ctxtypes.RoleCode, "s", ctxtypes.Decision{Description: "d2", Confidence: 0.8})
	store.AddPattern(ctxtypes.RoleCode, "s", ctxtypes.Pattern{PatternType: ctxtypes.PatternSequential, Confidence: 0.9})
	store.AddPattern(ctxtypes.RoleCode, "s", ctxtypes.Pattern{PatternType: ctxtypes.PatternSequential, Confidence: 0.2})
	store.AddPattern(ctxtypes.RoleCode, "s", ctxtypes.Pattern{PatternType: ctxtypes.PatternFrequentPair, Confidence: 0.75})

	stats := store.AnalyzePatterns(ctxtypes.RoleCode, "s")
	if math.Abs(stats.AvgConfidence-0.6) > 1e-9 {
		t.Errorf("expected average decision confidence 0.6, got %v", stats.AvgConfidence)
	}
	if stats.PatternTypeDistribution[ctxtypes.PatternSequential] != 2 {
		t.Errorf("expected 2 sequential patterns, got %d", stats.PatternTypeDistribution[ctxtypes.PatternSequential])
	}
	if stats.PatternTypeDistribution[ctxtypes.PatternFrequentPair] != 1 {
		t.Errorf("expected 1 frequent_pair pattern, got %d", stats.PatternTypeDistribution[ctxtypes.PatternFrequentPair])
	}
	if stats.HighSuccessCount != 2 {
		t.Errorf("expected 2 high-success (>=0.7) patterns, got %d", stats.HighSuccessCount)
	}
}

func TestAnalyzePatternsEmptyMemory(t *testing.T) {
	store := New(t.TempDir())
	stats := store.AnalyzePatterns(ctxtypes.RoleCode, "nonexistent")
	if stats.AvgConfidence != 0 {
		t.Errorf("expected zero average confidence for empty memory, got %v", stats.AvgConfidence)
	}
	if len(stats.PatternTypeDistribution) != 0 {
		t.Errorf("expected empty distribution, got %+v", stats.PatternTypeDistribution)
	}
}

func TestJournalFileLayoutMatchesSpec(t *testing.T) {
	stateDir := t.TempDir()
	store := New(stateDir)
	store.AddDecision(ctxtypes.RoleData, "story-42", ctxtypes.Decision{Description: "x"})

	expected := filepath.Join(stateDir, "memory", "data", "story-42.json")
	if _, err := os.Stat(expected); err != nil {
		t.Errorf("expected journal at %s, got error: %v", expected, err)
	}
}
