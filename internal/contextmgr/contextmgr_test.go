package contextmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/cache"
	"github.com/CLIAIMONITOR/ctxengine/internal/coordinator"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
	"github.com/CLIAIMONITOR/ctxengine/internal/index"
	"github.com/CLIAIMONITOR/ctxengine/internal/memory"
	"github.com/CLIAIMONITOR/ctxengine/internal/monitor"
	"github.com/CLIAIMONITOR/ctxengine/internal/relevance"
)

func newTestManager(t *testing.T, rootDir, stateDir string, cacheOpts cache.Options) *Manager {
	t.Helper()
	idx := index.New(index.Options{RootDir: rootDir})
	if err := idx.Build(true); err != nil {
		t.Fatalf("index build failed: %v", err)
	}
	memStore := memory.New(stateDir)
	rel := relevance.New(idx, memStore)
	ch := cache.New(cacheOpts)
	coord := coordinator.New(ch, memStore)
	bus := monitor.NewBus()

	return New(Options{RootDir: rootDir, EnableIntelligence: true}, idx, rel, memStore, ch, nil, coord, bus)
}

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPrepareReturnsCacheHitOnSecondCall(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "auth.py", "class AuthService:\n    def login(self, user):\n        return True\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{})

	req := ctxtypes.NewFreeformTask("add login support to auth", "auth.py")
	first, err := m.Prepare(context.Background(), ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-1",
		Task:      req,
		MaxTokens: 2000,
	})
	if err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}
	if first.CacheHit {
		t.Error("expected first call to be a cache miss")
	}

	second, err := m.Prepare(context.Background(), ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-1",
		Task:      req,
		MaxTokens: 2000,
	})
	if err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	if !second.CacheHit {
		t.Error("expected second identical call to be a cache hit")
	}
}

func TestPrepareFallsBackWithoutIntelligence(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "billing.py", "def charge(amount):\n    return amount\n")
	stateDir := t.TempDir()
	memStore := memory.New(stateDir)
	ch := cache.New(cache.Options{})
	bus := monitor.NewBus()

	m := New(Options{RootDir: root, EnableIntelligence: false}, nil, nil, memStore, ch, nil, nil, bus)

	out, err := m.Prepare(context.Background(), ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-2",
		Task:      ctxtypes.NewFreeformTask("fix billing bug", "billing.py"),
		MaxTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(out.FileList) != 1 || out.FileList[0] != "billing.py" {
		t.Errorf("expected fallback to keep the explicitly mentioned file, got %+v", out.FileList)
	}
}

func TestPrepareSurfacesCrossStoryConflict(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "shared.py", "def shared():\n    pass\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{})

	task := ctxtypes.NewFreeformTask("touch shared module", "shared.py")
	if _, err := m.Prepare(context.Background(), ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-a",
		Task:      task,
		MaxTokens: 1000,
	}); err != nil {
		t.Fatalf("story-a Prepare failed: %v", err)
	}

	out, err := m.Prepare(context.Background(), ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleQA,
		StoryID:   "story-b",
		Task:      task,
		MaxTokens: 1000,
	})
	if err != nil {
		t.Fatalf("story-b Prepare failed: %v", err)
	}
	if out.FileList == nil {
		t.Fatal("expected story-b to resolve at least one file")
	}
	if conflicts := m.coordinator.DetectConflicts(); len(conflicts) != 1 {
		t.Errorf("expected one cross-story conflict on shared.py, got %+v", conflicts)
	}
}

func TestRecordDecisionFeedsMemoryText(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "auth.py", "class JWT:\n    pass\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{})

	if _, err := m.RecordDecision(ctxtypes.RoleDesign, "story-3", ctxtypes.Decision{
		Description: "use JWT for session tokens",
		Rationale:   "use JWT",
	}); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	out, err := m.Prepare(context.Background(), ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleQA,
		StoryID:   "story-3",
		Task:      ctxtypes.NewFreeformTask("verify JWT handling", "auth.py"),
		MaxTokens: 2000,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !contains(out.MemoryText, "use JWT") {
		t.Errorf("expected memory_text to mention the recorded decision, got %q", out.MemoryText)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (haystack == needle || len(needle) == 0 || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestInvalidateContextRemovesCachedEntry(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "a.py", "def a():\n    pass\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{})

	req := ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-4",
		Task:      ctxtypes.NewFreeformTask("work on a", "a.py"),
		MaxTokens: 1000,
	}
	out, err := m.Prepare(context.Background(), req)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	key := m.fingerprint(req)
	if !m.InvalidateContext(key) {
		t.Error("expected InvalidateContext to find and remove the cached entry")
	}

	second, err := m.Prepare(context.Background(), req)
	if err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	if second.CacheHit {
		t.Error("expected a cache miss after invalidation")
	}
	_ = out
}

func TestGetPerformanceMetricsReflectsPrepareActivity(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "a.py", "def a():\n    pass\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{})

	req := ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-5",
		Task:      ctxtypes.NewFreeformTask("work on a", "a.py"),
		MaxTokens: 1000,
	}
	if _, err := m.Prepare(context.Background(), req); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	metrics := m.GetPerformanceMetrics()
	if metrics.ContextsPrepared != 1 {
		t.Errorf("expected 1 prepared context, got %d", metrics.ContextsPrepared)
	}
	if metrics.CacheMisses != 1 {
		t.Errorf("expected 1 cache miss, got %d", metrics.CacheMisses)
	}

	dashboard := m.GetMonitoringDashboard()
	if dashboard.Metrics.ContextsPrepared != 1 {
		t.Errorf("expected dashboard to reflect the prepared context, got %+v", dashboard.Metrics)
	}
}

func TestCleanupCacheRemovesExpiredEntries(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "a.py", "def a():\n    pass\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{TTL: 10 * time.Millisecond})

	req := ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-6",
		Task:      ctxtypes.NewFreeformTask("work on a", "a.py"),
		MaxTokens: 1000,
	}
	if _, err := m.Prepare(context.Background(), req); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if removed := m.CleanupCache(); removed != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", removed)
	}
}

func TestPrepareTimesOutOnExpiredParentContext(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "a.py", "def a():\n    pass\n")
	m := newTestManager(t, root, t.TempDir(), cache.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := m.Prepare(ctx, ctxtypes.ContextRequest{
		AgentRole: ctxtypes.RoleCode,
		StoryID:   "story-7",
		Task:      ctxtypes.NewFreeformTask("work on a", "a.py"),
		MaxTokens: 1000,
	})
	if err == nil {
		t.Fatal("expected an error from an already-expired parent context")
	}
	if _, ok := err.(*ctxtypes.ContextTimeoutError); !ok {
		t.Errorf("expected a ContextTimeoutError, got %T: %v", err, err)
	}
}
