package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// PerformanceMetrics aggregates counters derived from the event stream,
// the raw material for GetPerformanceMetrics() and GetMonitoringDashboard().
type PerformanceMetrics struct {
	ContextsPrepared  int64
	ContextsFailed    int64
	CacheHits         int64
	CacheMisses       int64
	CacheEvictions    int64
	TasksCompleted    int64
	TasksFailed       int64
	ConflictsDetected int64
}

// CacheHitRate returns hits / (hits + misses), or 0 if there's no data.
func (m PerformanceMetrics) CacheHitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}

func (b *Bus) recordMetrics(event Event) {
	b.perfMu.Lock()
	defer b.perfMu.Unlock()
	switch event.Type {
	case EventContextPrepared:
		b.metrics.ContextsPrepared++
	case EventContextFailed:
		b.metrics.ContextsFailed++
	case EventCacheHit:
		b.metrics.CacheHits++
	case EventCacheMiss:
		b.metrics.CacheMisses++
	case EventCacheEviction:
		b.metrics.CacheEvictions++
	case EventTaskCompleted:
		b.metrics.TasksCompleted++
	case EventTaskFailed:
		b.metrics.TasksFailed++
	case EventConflictDetected:
		b.metrics.ConflictsDetected++
	}
}

// GetPerformanceMetrics returns a snapshot of the accumulated counters.
func (b *Bus) GetPerformanceMetrics() PerformanceMetrics {
	b.perfMu.Lock()
	defer b.perfMu.Unlock()
	return b.metrics
}

// Dashboard is the periodic snapshot persisted to
// reports/performance_<UTC>.json and returned by GetMonitoringDashboard.
type Dashboard struct {
	GeneratedAt    time.Time          `json:"generated_at"`
	Metrics        PerformanceMetrics `json:"metrics"`
	DroppedEvents  uint64             `json:"dropped_events"`
	CacheHitRate   float64            `json:"cache_hit_rate"`
}

// GetMonitoringDashboard builds a Dashboard snapshot from the current
// metrics.
func (b *Bus) GetMonitoringDashboard() Dashboard {
	metrics := b.GetPerformanceMetrics()
	return Dashboard{
		GeneratedAt:   time.Now(),
		Metrics:       metrics,
		DroppedEvents: atomic.LoadUint64(&b.droppedEvents),
		CacheHitRate:  metrics.CacheHitRate(),
	}
}

// PersistSnapshot writes the dashboard to
// <stateDir>/reports/performance_<UTC-timestamp>.json, following the
// persisted-state layout's reports/ convention.
func (b *Bus) PersistSnapshot(stateDir string) error {
	dashboard := b.GetMonitoringDashboard()
	reportsDir := filepath.Join(stateDir, "reports")
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return err
	}
	name := "performance_" + dashboard.GeneratedAt.UTC().Format("20060102T150405Z") + ".json"
	data, err := json.MarshalIndent(dashboard, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(reportsDir, name), data, 0o644)
}
