// Package coordinator implements the Cross-Story Coordinator (C8): a
// mutex-guarded registry of active stories and the agents/files touching
// them, used to detect conflicts between concurrently worked stories
// (spec.md §4.8). Grounded on the teacher's internal/captain
// registry-of-active-participants pattern (Captain.GetActiveSubagents)
// generalized to per-story registration.
package coordinator

import (
	"sync"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// CacheInvalidator lets the coordinator purge cache entries tagged with a
// story ID on Unregister, without importing the cache package directly.
type CacheInvalidator interface {
	InvalidateByTags(tags []string) int
}

// DecisionRecorder lets the coordinator record its own conflict-resolution
// Decisions against the memory store, without importing the memory
// package's full Store type directly.
type DecisionRecorder interface {
	AddDecision(role ctxtypes.AgentRole, story string, d ctxtypes.Decision) (ctxtypes.Decision, error)
}

// roleCoordinator is the pseudo-role ResolveConflict records Decisions
// under: the resolution belongs to neither story's own agents but to the
// coordinator adjudicating between them.
const roleCoordinator ctxtypes.AgentRole = "coordinator"

// Coordinator tracks which agents are active on which stories and which
// files each story has touched, to detect and surface conflicts.
type Coordinator struct {
	mu       sync.Mutex
	stories  map[string]*ctxtypes.StoryRegistration
	cache    CacheInvalidator
	memory   DecisionRecorder
	resolved map[string]map[string]struct{} // conflictKey(a,b) -> resolved file paths
}

// New constructs a Coordinator. cache and memory may both be nil (no
// cache purge on unregister, no Decision recorded on ResolveConflict).
func New(cache CacheInvalidator, memory DecisionRecorder) *Coordinator {
	return &Coordinator{
		stories:  make(map[string]*ctxtypes.StoryRegistration),
		cache:    cache,
		memory:   memory,
		resolved: make(map[string]map[string]struct{}),
	}
}

// Register records story activity, auto-registering on first reference.
func (c *Coordinator) Register(storyID string, role ctxtypes.AgentRole, metadata map[string]string) *ctxtypes.StoryRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.stories[storyID]
	if !ok {
		reg = &ctxtypes.StoryRegistration{
			StoryID:           storyID,
			RegisteredAt:      time.Now(),
			Metadata:          map[string]string{},
			ActiveAgents:      make(map[ctxtypes.AgentRole]struct{}),
			FileModifications: make(map[string]struct{}),
		}
		c.stories[storyID] = reg
	}
	reg.ActiveAgents[role] = struct{}{}
	for k, v := range metadata {
		reg.Metadata[k] = v
	}
	reg.LastActivity = time.Now()
	return reg
}

// RecordFileTouch notes that storyID's work has touched path, for later
// conflict detection against other stories.
func (c *Coordinator) RecordFileTouch(storyID string, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.stories[storyID]
	if !ok {
		return
	}
	reg.FileModifications[path] = struct{}{}
	reg.LastActivity = time.Now()
}

// Unregister removes storyID from the registry and purges any cache
// entries tagged with it.
func (c *Coordinator) Unregister(storyID string) {
	c.mu.Lock()
	delete(c.stories, storyID)
	c.mu.Unlock()

	if c.cache != nil {
		// "story:"+id mirrors cache.StoryTag's namespaced tag scheme
		// (spec.md §4.6 line 166); not imported directly to keep this
		// package decoupled from the cache's concrete type.
		c.cache.InvalidateByTags([]string{"story:" + storyID})
	}
}

// Conflict describes an overlap between two concurrently active stories.
type Conflict struct {
	StoryA          string
	StoryB          string
	IntersectingFiles []string
}

// DetectConflicts reports every pair of active stories that have touched
// overlapping files.
func (c *Coordinator) DetectConflicts() []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.stories))
	for id := range c.stories {
		ids = append(ids, id)
	}

	var conflicts []Conflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := c.stories[ids[i]], c.stories[ids[j]]
			resolvedSet := c.resolved[conflictKey(ids[i], ids[j])]
			var shared []string
			for f := range a.FileModifications {
				if _, ok := b.FileModifications[f]; !ok {
					continue
				}
				if _, done := resolvedSet[f]; done {
					continue
				}
				shared = append(shared, f)
			}
			if len(shared) > 0 {
				conflicts = append(conflicts, Conflict{StoryA: ids[i], StoryB: ids[j], IntersectingFiles: shared})
			}
		}
	}
	return conflicts
}

// GetCrossStoryContext builds the CrossStoryContext to inject into a
// ContextRequest's metadata for storyID, summarizing conflicts with any
// other active story.
func (c *Coordinator) GetCrossStoryContext(storyID string) *ctxtypes.CrossStoryContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	self, ok := c.stories[storyID]
	if !ok {
		return nil
	}

	ctx := &ctxtypes.CrossStoryContext{
		ActiveAgents: make(map[string][]string),
	}
	for other, reg := range c.stories {
		if other == storyID {
			continue
		}
		var roles []string
		for r := range reg.ActiveAgents {
			roles = append(roles, string(r))
		}
		ctx.ActiveAgents[other] = roles

		resolvedSet := c.resolved[conflictKey(storyID, other)]
		var shared []string
		for f := range self.FileModifications {
			if _, ok := reg.FileModifications[f]; !ok {
				continue
			}
			if _, done := resolvedSet[f]; done {
				continue
			}
			shared = append(shared, f)
		}
		if len(shared) > 0 {
			ctx.Conflicts = append(ctx.Conflicts, other)
			ctx.IntersectingFiles = append(ctx.IntersectingFiles, shared...)
			ctx.Recommendations = append(ctx.Recommendations,
				"story "+other+" has modified overlapping files; coordinate before merging")
		}
	}
	if len(ctx.Conflicts) == 0 && len(ctx.ActiveAgents) == 0 {
		return nil
	}
	return ctx
}

// ResolveConflict removes storyA and storyB's current conflicts from each
// other's conflict sets: both stories keep their FileModifications (each
// legitimately touched them), but DetectConflicts/GetCrossStoryContext
// stop surfacing the files they share now; only a file that comes to be
// shared later surfaces the pairing again. It
// also records a Decision on behalf of the coordinator, capturing
// resolutionNote as the rationale (spec.md §4.8).
func (c *Coordinator) ResolveConflict(storyA, storyB, resolutionNote string) {
	c.mu.Lock()
	key := conflictKey(storyA, storyB)
	if c.resolved[key] == nil {
		c.resolved[key] = make(map[string]struct{})
	}
	a, aOK := c.stories[storyA]
	b, bOK := c.stories[storyB]
	if aOK && bOK {
		for f := range a.FileModifications {
			if _, shared := b.FileModifications[f]; shared {
				c.resolved[key][f] = struct{}{}
			}
		}
	}
	c.mu.Unlock()

	if c.memory != nil {
		c.memory.AddDecision(roleCoordinator, storyA, ctxtypes.Decision{
			Description: "resolved cross-story conflict with " + storyB,
			Rationale:   resolutionNote,
		})
	}
}

func conflictKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}
