// Package contextmgr implements the Context Manager (C9): the pipeline
// that ties the budget allocator, context index, relevance filter,
// compressor, memory store, cache, scheduler, coordinator, and monitor
// together into a single Prepare call, plus the post-hoc operations
// spec.md §4.9 names. Grounded on the teacher's internal/supervisor
// top-level orchestration loop (dependency-ordered construction, a
// context-scoped timeout around the hot path, structured tagged logging
// at each stage).
package contextmgr

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/ctxengine/internal/budget"
	"github.com/CLIAIMONITOR/ctxengine/internal/cache"
	"github.com/CLIAIMONITOR/ctxengine/internal/compress"
	"github.com/CLIAIMONITOR/ctxengine/internal/coordinator"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
	"github.com/CLIAIMONITOR/ctxengine/internal/index"
	"github.com/CLIAIMONITOR/ctxengine/internal/memory"
	"github.com/CLIAIMONITOR/ctxengine/internal/monitor"
	"github.com/CLIAIMONITOR/ctxengine/internal/relevance"
	"github.com/CLIAIMONITOR/ctxengine/internal/scheduler"
)

const (
	defaultMaxPreparationSeconds = 30.0
	defaultCandidateCap          = 200
	defaultTopK                  = 20
	defaultMinScore              = 0.0
)

// Options configures a Manager. Every field beyond the component handles
// is optional; zero values fall back to spec.md-documented defaults.
type Options struct {
	RootDir               string
	EnableIntelligence    bool // when false: loaded files get the deterministic truncation fallback instead of C5 compression
	IgnorePatterns        []string
	MaxPreparationSeconds float64
	CandidateCap          int
	TopK                  int
}

func (o Options) withDefaults() Options {
	if o.MaxPreparationSeconds <= 0 {
		o.MaxPreparationSeconds = defaultMaxPreparationSeconds
	}
	if o.CandidateCap <= 0 {
		o.CandidateCap = defaultCandidateCap
	}
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
	return o
}

// Manager is the Context Manager: the C9 orchestrator.
type Manager struct {
	opts        Options
	index       *index.Index
	relevance   *relevance.Filter
	memoryStore *memory.Store
	cache       *cache.Cache
	scheduler   *scheduler.Scheduler
	coordinator *coordinator.Coordinator
	monitorBus  *monitor.Bus

	mu     sync.Mutex
	active map[string]struct{}
}

// New wires a Manager from already-constructed components. Any component
// may be nil, degrading gracefully per spec.md §7 (e.g. a nil scheduler
// just means no background warming; a nil index falls back to a direct
// ignore-rule-filtered filesystem walk for candidate gathering).
func New(
	opts Options,
	idx *index.Index,
	rel *relevance.Filter,
	mem *memory.Store,
	ch *cache.Cache,
	sched *scheduler.Scheduler,
	coord *coordinator.Coordinator,
	bus *monitor.Bus,
) *Manager {
	return &Manager{
		opts:        opts.withDefaults(),
		index:       idx,
		relevance:   rel,
		memoryStore: mem,
		cache:       ch,
		scheduler:   sched,
		coordinator: coord,
		monitorBus:  bus,
		active:      make(map[string]struct{}),
	}
}

// Prepare runs the full pipeline for req and returns the assembled
// AgentContext, honoring opts.MaxPreparationSeconds as a hard deadline.
func (m *Manager) Prepare(ctx context.Context, req ctxtypes.ContextRequest) (*ctxtypes.AgentContext, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 8000
	}

	start := time.Now()
	m.markActive(req.RequestID)
	defer m.clearActive(req.RequestID)

	timeout := time.Duration(m.opts.MaxPreparationSeconds * float64(time.Second))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ctx *ctxtypes.AgentContext
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := m.prepareSync(ctx, req, start)
		resultCh <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		log.Printf("[CONTEXTMGR] request=%s timed out after %.2fs", req.RequestID, m.opts.MaxPreparationSeconds)
		return nil, &ctxtypes.ContextTimeoutError{TimeoutSeconds: m.opts.MaxPreparationSeconds, Stage: "prepare"}
	case r := <-resultCh:
		if r.err != nil {
			m.emit(monitor.EventContextFailed, req.StoryID, map[string]interface{}{"request_id": req.RequestID, "error": r.err.Error()})
			return nil, r.err
		}
		return r.ctx, nil
	}
}

func (m *Manager) prepareSync(ctx context.Context, req ctxtypes.ContextRequest, start time.Time) (*ctxtypes.AgentContext, error) {
	// Step 2: cache lookup.
	key := m.fingerprint(req)
	if m.cache != nil {
		if cached, hit := m.cache.Get(key); hit {
			cached.CacheHit = true
			m.emit(monitor.EventCacheHit, req.StoryID, map[string]interface{}{"request_id": req.RequestID})
			return cached, nil
		}
		m.emit(monitor.EventCacheMiss, req.StoryID, map[string]interface{}{"request_id": req.RequestID})
	}

	// Step 3: register story, inject cross-story context.
	if m.coordinator != nil && req.StoryID != "" {
		m.coordinator.Register(req.StoryID, req.AgentRole, nil)
		if crossCtx := m.coordinator.GetCrossStoryContext(req.StoryID); crossCtx != nil && len(crossCtx.Conflicts) > 0 {
			req.Metadata.CrossStoryContext = crossCtx
			m.emit(monitor.EventConflictDetected, req.StoryID, map[string]interface{}{"conflicts": crossCtx.Conflicts})
		}
	}

	// Step 4: budget.
	phase, _ := req.EffectivePhase()
	var phasePtr *ctxtypes.TDDPhase
	if phase != "" {
		phasePtr = &phase
	}
	tb, err := budget.Allocate(req.MaxTokens, req.AgentRole, phasePtr, budget.Includes{
		History:      req.IncludeHistory,
		Dependencies: req.IncludeDependencies,
	})
	if err != nil {
		return nil, ctxtypes.NewContextError("budget allocation failed", err)
	}

	// Step 5: candidate files.
	candidates, contentCache := m.gatherCandidates(req)

	// Step 6: relevance scoring, truncate to top K.
	maxFiles := req.MaxFiles
	if maxFiles <= 0 {
		maxFiles = m.opts.TopK
	}
	scores := m.scoreCandidates(req, candidates, maxFiles)

	// Step 7+8: load and compress included files.
	fileContents, coreText, usedCore := m.loadAndCompress(req, scores, tb.Core, contentCache)

	// Step 9: historical text.
	historicalText, usedHistorical := m.buildHistoricalText(req, tb.Historical)

	// Step 10: dependencies text.
	dependenciesText, usedDependencies := m.buildDependenciesText(req, scores, tb.Dependencies)

	// Step 11: memory text.
	memoryText, usedMemory := m.buildMemoryText(req, tb.Memory)

	out := &ctxtypes.AgentContext{
		RequestID:        req.RequestID,
		AgentRole:        req.AgentRole,
		StoryID:          req.StoryID,
		TDDPhase:         phasePtr,
		CoreText:         coreText,
		HistoricalText:   historicalText,
		DependenciesText: dependenciesText,
		MemoryText:       memoryText,
		FileContents:     fileContents,
		RelevanceScores:  scores,
		TokenBudget:      tb,
		CompressionLevel: req.CompressionLevel,
	}
	for _, s := range scores {
		out.FileList = append(out.FileList, s.FilePath)
	}

	usage := ctxtypes.TokenUsage{
		ContextID:    req.RequestID,
		Core:         usedCore,
		Historical:   usedHistorical,
		Dependencies: usedDependencies,
		Memory:       usedMemory,
	}

	// Step 12: recompress/truncate if still over budget.
	if usage.TotalUsed() > req.MaxTokens {
		m.recompress(req, out, &usage)
	}
	out.TokenUsage = usage

	// A timed-out request discards its work: no file touches, no cache write.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 13: finalize.
	out.PreparationSeconds = time.Since(start).Seconds()
	if m.coordinator != nil && req.StoryID != "" {
		for _, path := range out.FileList {
			m.coordinator.RecordFileTouch(req.StoryID, path)
		}
	}
	if m.cache != nil {
		tags := []string{cache.StoryTag(req.StoryID), cache.AgentTag(req.AgentRole)}
		if out.CompressionApplied {
			tags = append(tags, cache.CompressionTag(out.CompressionLevel))
		}
		if out.TDDPhase != nil {
			tags = append(tags, cache.PhaseTag(*out.TDDPhase))
		}
		m.cache.Put(key, out, tags)
	}
	m.emit(monitor.EventContextPrepared, req.StoryID, map[string]interface{}{
		"request_id":          req.RequestID,
		"preparation_seconds": out.PreparationSeconds,
		"tokens_used":         usage.TotalUsed(),
	})
	return out, nil
}

func (m *Manager) fingerprint(req ctxtypes.ContextRequest) string {
	phase, _ := req.EffectivePhase()
	return cache.Fingerprint(cache.FingerprintInput{
		AgentRole:           req.AgentRole,
		StoryID:             req.StoryID,
		NormalizedTask:      strings.ToLower(strings.TrimSpace(req.Task.Description())),
		MaxTokens:           req.MaxTokens,
		CompressionLevel:    req.CompressionLevel,
		IncludeHistory:      req.IncludeHistory,
		IncludeDependencies: req.IncludeDependencies,
		TDDPhase:            string(phase),
	})
}

func (m *Manager) emit(t monitor.EventType, target string, fields map[string]interface{}) {
	if m.monitorBus == nil {
		return
	}
	m.monitorBus.Publish(monitor.Event{Type: t, Target: target, Fields: fields})
}

func (m *Manager) markActive(id string) {
	m.mu.Lock()
	m.active[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) clearActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// AttachScheduler wires a Scheduler built from DefaultHandlers after
// construction, breaking the New/DefaultHandlers construction cycle (the
// handlers close over this Manager, so the Scheduler can't be built
// before it exists).
func (m *Manager) AttachScheduler(s *scheduler.Scheduler) {
	m.scheduler = s
}

// ActiveRequests returns the IDs of in-flight Prepare calls.
func (m *Manager) ActiveRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// gatherCandidates asks the index for up to CandidateCap files. If the
// index is disabled, it falls back to a direct filesystem walk filtered
// by the same ignore rules the index itself applies (spec.md §4.9 step 5:
// "if C3 is disabled, fall back to a walk filtered by ignore rules"). It
// also reads each candidate's content once, so scoring and later
// compression share a single disk read per file.
func (m *Manager) gatherCandidates(req ctxtypes.ContextRequest) ([]relevance.Candidate, map[string]string) {
	contentCache := make(map[string]string)
	if m.index == nil {
		return m.walkCandidates(contentCache), contentCache
	}
	paths := m.index.Files()
	if len(paths) > m.opts.CandidateCap {
		paths = paths[:m.opts.CandidateCap]
	}
	candidates := make([]relevance.Candidate, 0, len(paths))
	for _, p := range paths {
		node := m.index.FileNode(p)
		if node == nil {
			continue
		}
		content, ok := m.readFile(p)
		if ok {
			contentCache[p] = content
		}
		candidates = append(candidates, relevance.Candidate{
			Path:     p,
			FileType: node.FileType,
			Content:  content,
			Symbols:  append(append([]string(nil), node.Classes...), node.Functions...),
		})
	}
	return candidates, contentCache
}

// walkCandidates performs the ignore-rule-filtered filesystem walk used
// when the index is disabled, reusing index.ShouldIgnoreDir/
// ShouldIgnoreFile/ClassifyFileType so the fallback applies the same
// rules a built index would have.
func (m *Manager) walkCandidates(contentCache map[string]string) []relevance.Candidate {
	if m.opts.RootDir == "" {
		return nil
	}
	var candidates []relevance.Candidate
	filepath.Walk(m.opts.RootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if len(candidates) >= m.opts.CandidateCap {
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(m.opts.RootDir, path)
		if relErr != nil {
			rel = path
		}
		if info.IsDir() {
			if index.ShouldIgnoreDir(info.Name(), rel, m.opts.IgnorePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if index.ShouldIgnoreFile(info.Name(), rel, m.opts.IgnorePatterns) {
			return nil
		}
		if info.Size() > index.DefaultMaxFileBytes {
			return nil
		}
		content, ok := m.readFile(rel)
		if !ok {
			return nil
		}
		contentCache[rel] = content
		candidates = append(candidates, relevance.Candidate{
			Path:     rel,
			FileType: index.ClassifyFileType(rel),
			Content:  content,
		})
		return nil
	})
	return candidates
}

func (m *Manager) scoreCandidates(req ctxtypes.ContextRequest, candidates []relevance.Candidate, maxFiles int) []ctxtypes.RelevanceScore {
	if m.relevance == nil || len(candidates) == 0 {
		// Deterministic fallback: every explicitly mentioned file, in order.
		var scores []ctxtypes.RelevanceScore
		for _, p := range req.Task.FilePaths() {
			scores = append(scores, ctxtypes.RelevanceScore{FilePath: p, Total: 1.0, DirectMention: 1.0})
		}
		return scores
	}
	return m.relevance.FilterRelevantFiles(req, candidates, maxFiles, defaultMinScore)
}

func (m *Manager) readFile(path string) (string, bool) {
	if m.opts.RootDir == "" {
		return "", false
	}
	data, err := readFileLimited(filepath.Join(m.opts.RootDir, path), index.DefaultMaxFileBytes)
	if err != nil {
		return "", false
	}
	return data, true
}

func (m *Manager) loadAndCompress(req ctxtypes.ContextRequest, scores []ctxtypes.RelevanceScore, coreBudget int, contentCache map[string]string) (map[string]string, string, int) {
	fileContents := make(map[string]string)
	if len(scores) == 0 {
		return fileContents, "", 0
	}
	perFileBudget := coreBudget / len(scores)
	if perFileBudget < 1 {
		perFileBudget = 1
	}

	var b strings.Builder
	used := 0
	level := req.CompressionLevel
	if level == "" {
		level = ctxtypes.CompressionModerate
	}
	for _, s := range scores {
		content, ok := contentCache[s.FilePath]
		if !ok {
			content, ok = m.readFile(s.FilePath)
		}
		if !ok {
			continue
		}
		fileType := classifyForFile(m, s.FilePath)
		if tokenCount := budget.EstimateTokens(content, fileType); tokenCount > index.DefaultMaxFileTokens {
			continue // exceeds per-file token cap, skip (step 7)
		}

		var compressed string
		if m.opts.EnableIntelligence {
			compressed, _ = compress.Compress(content, s.FilePath, fileType, compress.Options{Level: level, PreserveStructure: true})
		} else {
			compressed = truncateFallback(content, perFileBudget)
		}
		fileContents[s.FilePath] = compressed
		b.WriteString("### ")
		b.WriteString(s.FilePath)
		b.WriteString("\n")
		b.WriteString(compressed)
		b.WriteString("\n\n")
		used += budget.EstimateTokens(compressed, fileType)
	}
	return fileContents, b.String(), used
}

func classifyForFile(m *Manager, path string) ctxtypes.FileType {
	if m.index != nil {
		if node := m.index.FileNode(path); node != nil {
			return node.FileType
		}
	}
	return ctxtypes.FileTypeOther
}

func (m *Manager) buildHistoricalText(req ctxtypes.ContextRequest, historicalBudget int) (string, int) {
	if !req.IncludeHistory || m.memoryStore == nil || historicalBudget <= 0 {
		return "", 0
	}
	snapshots := m.memoryStore.GetContextHistory(req.AgentRole, req.StoryID, 5)
	if len(snapshots) == 0 {
		return "", 0
	}
	var b strings.Builder
	for _, snap := range snapshots {
		b.WriteString(fmt.Sprintf("- [%s] %s (files: %s)\n", snap.Timestamp.Format(time.RFC3339), snap.ContextSummary, strings.Join(snap.FileList, ", ")))
	}
	text := b.String()
	fileType := ctxtypes.FileTypeOther
	if budget.EstimateTokens(text, fileType) > historicalBudget && m.opts.EnableIntelligence {
		text, _ = compress.Compress(text, "", fileType, compress.Options{Level: ctxtypes.CompressionModerate})
	}
	return text, budget.EstimateTokens(text, fileType)
}

func (m *Manager) buildDependenciesText(req ctxtypes.ContextRequest, scores []ctxtypes.RelevanceScore, depsBudget int) (string, int) {
	if !req.IncludeDependencies || m.index == nil || depsBudget <= 0 {
		return "", 0
	}
	var b strings.Builder
	for _, s := range scores {
		info := m.index.GetDependencies(s.FilePath, 1, true)
		if len(info.Direct) == 0 && len(info.Reverse) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s imports [%s], imported by [%s]\n", s.FilePath, strings.Join(info.Direct, ", "), strings.Join(info.Reverse, ", ")))
	}
	text := b.String()
	fileType := ctxtypes.FileTypeOther
	if budget.EstimateTokens(text, fileType) > depsBudget && m.opts.EnableIntelligence {
		text, _ = compress.Compress(text, "", fileType, compress.Options{Level: ctxtypes.CompressionModerate})
	}
	return text, budget.EstimateTokens(text, fileType)
}

func (m *Manager) buildMemoryText(req ctxtypes.ContextRequest, memoryBudget int) (string, int) {
	if m.memoryStore == nil || memoryBudget <= 0 {
		return "", 0
	}
	var b strings.Builder
	// Decisions are journaled per role; gather the story's decisions from
	// every role so one agent sees what another decided for the same story.
	var decisions []ctxtypes.Decision
	for _, role := range []ctxtypes.AgentRole{ctxtypes.RoleOrchestrator, ctxtypes.RoleDesign, ctxtypes.RoleCode, ctxtypes.RoleQA, ctxtypes.RoleData} {
		decisions = append(decisions, m.memoryStore.GetRecentDecisions(role, req.StoryID, 5)...)
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Timestamp.After(decisions[j].Timestamp) })
	if len(decisions) > 5 {
		decisions = decisions[:5]
	}
	for _, d := range decisions {
		b.WriteString(fmt.Sprintf("- decision: %s (rationale: %s)\n", d.Description, d.Rationale))
	}
	for _, h := range m.memoryStore.GetPhaseHandoffs(req.AgentRole, req.StoryID, 3) {
		b.WriteString(fmt.Sprintf("- handoff %s->%s: %s\n", h.FromAgent, h.ToAgent, h.ContextSummary))
	}
	text := b.String()
	fileType := ctxtypes.FileTypeOther
	if budget.EstimateTokens(text, fileType) > memoryBudget && m.opts.EnableIntelligence {
		text, _ = compress.Compress(text, "", fileType, compress.Options{Level: ctxtypes.CompressionModerate})
	}
	return text, budget.EstimateTokens(text, fileType)
}

// recompress implements step 12: shift one compression rung stronger and
// re-run core compression; if still over budget, tail-truncate the core
// text with an explicit "[truncated]" marker.
func (m *Manager) recompress(req ctxtypes.ContextRequest, out *ctxtypes.AgentContext, usage *ctxtypes.TokenUsage) {
	stronger := req.CompressionLevel.Stronger()
	out.CompressionApplied = true
	out.CompressionLevel = stronger

	for path, content := range out.FileContents {
		fileType := classifyForFile(m, path)
		compressed, _ := compress.Compress(content, path, fileType, compress.Options{Level: stronger})
		out.FileContents[path] = compressed
	}
	out.CoreText = rebuildCoreText(out.FileContents)
	usage.Core = budget.EstimateTokens(out.CoreText, ctxtypes.FileTypeOther)

	if usage.TotalUsed() <= req.MaxTokens {
		return
	}

	remaining := req.MaxTokens - (usage.TotalUsed() - usage.Core)
	if remaining < 0 {
		remaining = 0
	}
	out.CoreText = truncateFallback(out.CoreText, remaining) + "\n[truncated]"
	usage.Core = budget.EstimateTokens(out.CoreText, ctxtypes.FileTypeOther)
}

func rebuildCoreText(fileContents map[string]string) string {
	paths := make([]string, 0, len(fileContents))
	for p := range fileContents {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("### ")
		b.WriteString(p)
		b.WriteString("\n")
		b.WriteString(fileContents[p])
		b.WriteString("\n\n")
	}
	return b.String()
}

// truncateFallback is the deterministic fallback used when intelligence
// (C4/C5) is disabled: keep roughly budgetTokens worth of characters.
func truncateFallback(content string, budgetTokens int) string {
	maxChars := budgetTokens * 4
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	return content[:maxChars] + "\n[truncated]"
}
