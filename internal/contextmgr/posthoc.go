package contextmgr

import (
	"os"
	"strings"

	"github.com/CLIAIMONITOR/ctxengine/internal/budget"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
	"github.com/CLIAIMONITOR/ctxengine/internal/memory"
	"github.com/CLIAIMONITOR/ctxengine/internal/monitor"
)

// RecordDecision appends d to the (role, storyID) memory journal.
func (m *Manager) RecordDecision(role ctxtypes.AgentRole, storyID string, d ctxtypes.Decision) (ctxtypes.Decision, error) {
	if m.memoryStore == nil {
		return ctxtypes.Decision{}, ctxtypes.NewContextError("no memory store configured", nil)
	}
	return m.memoryStore.AddDecision(role, storyID, d)
}

// RecordPhaseHandoff appends h to both agents' journals for storyID.
func (m *Manager) RecordPhaseHandoff(storyID string, h ctxtypes.PhaseHandoff) (ctxtypes.PhaseHandoff, error) {
	if m.memoryStore == nil {
		return ctxtypes.PhaseHandoff{}, ctxtypes.NewContextError("no memory store configured", nil)
	}
	return m.memoryStore.AddPhaseHandoff(storyID, h)
}

// CreateContextSnapshot records snap in the memory store under its own
// agent role and story.
func (m *Manager) CreateContextSnapshot(snap ctxtypes.ContextSnapshot) (ctxtypes.ContextSnapshot, error) {
	if m.memoryStore == nil {
		return ctxtypes.ContextSnapshot{}, ctxtypes.NewContextError("no memory store configured", nil)
	}
	return m.memoryStore.AddContextSnapshot(snap.AgentRole, snap.StoryID, snap)
}

// OptimizeTokenBudget re-derives a budget from observed usage and a
// quality score, delegating to budget.Optimize.
func (m *Manager) OptimizeTokenBudget(previous ctxtypes.TokenBudget, observed ctxtypes.TokenUsage, quality float64) ctxtypes.TokenBudget {
	return budget.Optimize(previous, observed, quality)
}

// InvalidateContext removes the cache entry keyed by id (the fingerprint
// a prior Prepare call cached its result under).
func (m *Manager) InvalidateContext(id string) bool {
	if m.cache == nil {
		return false
	}
	return m.cache.Invalidate(id)
}

// InvalidateContextsByTag removes every cache entry tagged with tag
// (e.g. cache.StoryTag(id) or cache.AgentTag(role)), returning the count
// removed.
func (m *Manager) InvalidateContextsByTag(tag string) int {
	if m.cache == nil {
		return 0
	}
	return m.cache.InvalidateByTags([]string{tag})
}

// CleanupCache drops expired cache entries and returns the count removed.
func (m *Manager) CleanupCache() int {
	if m.cache == nil {
		return 0
	}
	return m.cache.CleanupExpired()
}

// AnalyzeAgentLearning reports aggregate decision-confidence and
// learned-pattern statistics for (role, story).
func (m *Manager) AnalyzeAgentLearning(role ctxtypes.AgentRole, story string) memory.AgentLearningStats {
	if m.memoryStore == nil {
		return memory.AgentLearningStats{}
	}
	return m.memoryStore.AnalyzePatterns(role, story)
}

// GetPerformanceMetrics returns the accumulated monitor metrics.
func (m *Manager) GetPerformanceMetrics() monitor.PerformanceMetrics {
	if m.monitorBus == nil {
		return monitor.PerformanceMetrics{}
	}
	return m.monitorBus.GetPerformanceMetrics()
}

// GetMonitoringDashboard returns the current Dashboard snapshot.
func (m *Manager) GetMonitoringDashboard() monitor.Dashboard {
	if m.monitorBus == nil {
		return monitor.Dashboard{}
	}
	return m.monitorBus.GetMonitoringDashboard()
}

// readFileLimited reads path, capping at maxBytes and replacing invalid
// UTF-8 bytes, matching the index's file-reading convention (spec.md
// §6(a): "read as UTF-8 with invalid bytes replaced").
func readFileLimited(path string, maxBytes int64) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxBytes {
		return "", ctxtypes.NewContextError("file exceeds size cap", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}
