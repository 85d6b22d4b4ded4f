package contextmgr

import (
	"context"
	"log"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
	"github.com/CLIAIMONITOR/ctxengine/internal/monitor"
	"github.com/CLIAIMONITOR/ctxengine/internal/scheduler"
)

// DefaultHandlers builds the scheduler.Handler set for every
// ctxtypes.TaskKindBG, wired against this Manager's own components
// (spec.md §4.7's known kinds: IndexUpdate, CacheWarming,
// PatternDiscovery, LearningOptimization, CacheCleanup, FileIndexing,
// DependencyAnalysis, PerformanceAnalysis, Maintenance).
func (m *Manager) DefaultHandlers() map[ctxtypes.TaskKindBG]scheduler.Handler {
	return map[ctxtypes.TaskKindBG]scheduler.Handler{
		ctxtypes.TaskIndexUpdate:          m.handleIndexUpdate,
		ctxtypes.TaskFileIndexing:         m.handleIndexUpdate,
		ctxtypes.TaskCacheWarming:         m.handleCacheWarming,
		ctxtypes.TaskCacheCleanup:         m.handleCacheCleanup,
		ctxtypes.TaskPatternDiscovery:     m.handlePatternDiscovery,
		ctxtypes.TaskLearningOptimization: m.handlePatternDiscovery,
		ctxtypes.TaskDependencyAnalysis:   m.handleDependencyAnalysis,
		ctxtypes.TaskPerformanceAnalysis:  m.handlePerformanceAnalysis,
		ctxtypes.TaskMaintenance:          m.handleMaintenance,
	}
}

func (m *Manager) handleIndexUpdate(ctx context.Context, task *scheduler.Task) error {
	if m.index == nil {
		return nil
	}
	paths, ok := task.Payload["paths"]
	if !ok || paths == "" {
		return m.index.Build(false)
	}
	return m.index.Update([]string{paths})
}

func (m *Manager) handleCacheWarming(ctx context.Context, task *scheduler.Task) error {
	if m.cache == nil {
		return nil
	}
	trigger := task.Payload["trigger"]
	predicted := m.cache.PredictNextKeys(trigger, 5)
	if len(predicted) == 0 {
		return nil
	}
	var keys []string
	for _, p := range predicted {
		keys = append(keys, p.PredictedKeys...)
	}
	m.cache.WarmCache(keys, func(key string) (*ctxtypes.AgentContext, []string, error) {
		return nil, nil, ctxtypes.NewContextError("no loader configured for predictive warming", nil)
	})
	return nil
}

func (m *Manager) handleCacheCleanup(ctx context.Context, task *scheduler.Task) error {
	if m.cache == nil {
		return nil
	}
	removed := m.cache.CleanupExpired()
	log.Printf("[CONTEXTMGR] cache cleanup removed=%d", removed)
	m.emit(monitor.EventCacheEviction, "", map[string]interface{}{"removed": removed})
	return nil
}

func (m *Manager) handlePatternDiscovery(ctx context.Context, task *scheduler.Task) error {
	if m.memoryStore == nil {
		return nil
	}
	role := ctxtypes.AgentRole(task.Payload["role"])
	story := task.Payload["story"]
	patterns := m.memoryStore.DiscoverPatterns(role, story)
	for _, p := range patterns {
		m.memoryStore.AddPattern(role, story, p)
	}
	return nil
}

func (m *Manager) handleDependencyAnalysis(ctx context.Context, task *scheduler.Task) error {
	if m.index == nil {
		return nil
	}
	path := task.Payload["path"]
	if path == "" {
		return nil
	}
	m.index.GetDependencies(path, 3, true)
	return nil
}

func (m *Manager) handlePerformanceAnalysis(ctx context.Context, task *scheduler.Task) error {
	if m.monitorBus == nil {
		return nil
	}
	return m.monitorBus.PersistSnapshot(task.Payload["state_dir"])
}

func (m *Manager) handleMaintenance(ctx context.Context, task *scheduler.Task) error {
	if m.cache != nil {
		m.cache.CleanupExpired()
	}
	if m.memoryStore != nil {
		m.memoryStore.CleanupOlderThan(90)
	}
	if m.monitorBus != nil {
		_ = m.monitorBus.PersistSnapshot(task.Payload["state_dir"])
	}
	return nil
}
