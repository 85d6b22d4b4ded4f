// Package cache implements the Predictive Cache (C6): a fingerprint-keyed
// store of prepared AgentContext packets with TTL/size eviction, access
// history, and pattern-based warming (spec.md §4.6). Grounded on the
// teacher's internal/events.Bus: a mutex-guarded in-memory registry with
// bounded history, generalized here to cache entries with eviction.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// EvictionStrategy selects how Put chooses a victim when the cache is full.
type EvictionStrategy string

const (
	EvictLRU        EvictionStrategy = "lru"
	EvictLFU        EvictionStrategy = "lfu"
	EvictTTL        EvictionStrategy = "ttl"
	EvictPredictive EvictionStrategy = "predictive"
)

// Options configures a Cache.
type Options struct {
	TTL              time.Duration
	MaxEntries       int
	MaxBytes         int64
	Strategy         EvictionStrategy
	MaxAccessHistory int // default 10000, trimmed to half on overflow
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 500 * 1024 * 1024
	}
	if o.Strategy == "" {
		o.Strategy = EvictLRU
	}
	if o.MaxAccessHistory <= 0 {
		o.MaxAccessHistory = 10000
	}
	return o
}

type entry struct {
	key             string
	value           *ctxtypes.AgentContext
	sizeBytes       int64
	createdAt       time.Time
	expiresAt       time.Time
	lastAccessedAt  time.Time
	accessCount     int
	predictionScore float64
	warmPriority    int
	tags            map[string]struct{}
}

// Cache is the Predictive Cache.
type Cache struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*entry

	accessHistory []accessRecord
	miner         *patternMiner
}

type accessRecord struct {
	Key string
	At  time.Time
	Hit bool
}

// New constructs a Cache with the given options (zero-value fields take
// spec.md §6(c) defaults).
func New(opts Options) *Cache {
	return &Cache{
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
		miner:   newPatternMiner(),
	}
}

// FingerprintInput is the set of request fields the cache key is derived
// from (spec.md §4.6: a stable hash over the request shape).
type FingerprintInput struct {
	AgentRole           ctxtypes.AgentRole
	StoryID             string
	NormalizedTask      string
	MaxTokens           int
	CompressionLevel    ctxtypes.CompressionLevel
	IncludeHistory      bool
	IncludeDependencies bool
	TDDPhase            string
}

// Fingerprint computes the cache key: a sha256 over the canonical request
// shape, truncated to 128 bits (32 hex chars).
func Fingerprint(in FingerprintInput) string {
	s := fmt.Sprintf("%s|%s|%s|%d|%s|%t|%t|%s",
		in.AgentRole, in.StoryID, in.NormalizedTask, in.MaxTokens,
		in.CompressionLevel, in.IncludeHistory, in.IncludeDependencies, in.TDDPhase)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// Get returns the cached context for key if present and unexpired,
// updating LRU/LFU bookkeeping and recording the access for pattern
// mining.
func (c *Cache) Get(key string) (*ctxtypes.AgentContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	hit := ok && time.Now().Before(e.expiresAt)
	c.recordAccess(key, hit)
	if !hit {
		if ok {
			delete(c.entries, key)
		}
		return nil, false
	}
	e.lastAccessedAt = time.Now()
	e.accessCount++
	return e.value.Clone(), true
}

// StoryTag, AgentTag, CompressionTag, and PhaseTag build the namespaced
// tag strings Put expects (spec.md §4.6 line 166's {agent:ROLE,
// story:ID, compression:LEVEL, phase:PHASE?} scheme), so InvalidateByTags
// callers match on the same convention producers use.
func StoryTag(storyID string) string { return "story:" + storyID }

func AgentTag(role ctxtypes.AgentRole) string { return "agent:" + string(role) }

func CompressionTag(level ctxtypes.CompressionLevel) string { return "compression:" + string(level) }

func PhaseTag(phase ctxtypes.TDDPhase) string { return "phase:" + string(phase) }

// Put stores value under key with the given tags (e.g. story:ID,
// agent:ROLE — see StoryTag/AgentTag/CompressionTag/PhaseTag) for later
// InvalidateByTags. It evicts entries if the cache is at capacity per the
// configured strategy.
func (c *Cache) Put(key string, value *ctxtypes.AgentContext, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(value)
	for c.overCapacity(size) && len(c.entries) > 0 {
		victim := c.pickVictim()
		if victim == "" {
			break
		}
		delete(c.entries, victim)
	}

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	now := time.Now()
	c.entries[key] = &entry{
		key:            key,
		value:          value.Clone(),
		sizeBytes:      size,
		createdAt:      now,
		expiresAt:      now.Add(c.opts.TTL),
		lastAccessedAt: now,
		accessCount:    1,
		tags:           tagSet,
	}
	log.Printf("[CACHE] stored key=%s size=%d entries=%d", key, size, len(c.entries))
}

func (c *Cache) overCapacity(incoming int64) bool {
	if len(c.entries)+1 > c.opts.MaxEntries {
		return true
	}
	var total int64
	for _, e := range c.entries {
		total += e.sizeBytes
	}
	return total+incoming > c.opts.MaxBytes
}

func (c *Cache) pickVictim() string {
	if len(c.entries) == 0 {
		return ""
	}
	switch c.opts.Strategy {
	case EvictLFU:
		return c.pickBy(func(e *entry) float64 { return float64(e.accessCount) })
	case EvictTTL:
		return c.pickBy(func(e *entry) float64 { return float64(e.expiresAt.UnixNano()) })
	case EvictPredictive:
		return c.pickBy(func(e *entry) float64 {
			recency := time.Since(e.lastAccessedAt).Seconds()
			return e.predictionScore*2 - recency/3600 + float64(e.accessCount)*0.1
		})
	default: // LRU
		return c.pickBy(func(e *entry) float64 { return float64(e.lastAccessedAt.UnixNano()) })
	}
}

// pickBy returns the key with the lowest score(e) — the least valuable
// entry under that strategy's scoring.
func (c *Cache) pickBy(score func(*entry) float64) string {
	var victim string
	best := 0.0
	first := true
	for k, e := range c.entries {
		s := score(e)
		if first || s < best {
			best = s
			victim = k
			first = false
		}
	}
	return victim
}

// InvalidateByTags removes every entry carrying any of the given tags.
func (c *Cache) InvalidateByTags(tags []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		for _, t := range tags {
			if _, ok := e.tags[t]; ok {
				delete(c.entries, k)
				removed++
				break
			}
		}
	}
	return removed
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		return true
	}
	return false
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// CleanupExpired removes every entry past its TTL and returns the count removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Size returns the current entry count and total estimated byte size.
func (c *Cache) Size() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, e := range c.entries {
		total += e.sizeBytes
	}
	return len(c.entries), total
}

func (c *Cache) recordAccess(key string, hit bool) {
	c.accessHistory = append(c.accessHistory, accessRecord{Key: key, At: time.Now(), Hit: hit})
	if len(c.accessHistory) > c.opts.MaxAccessHistory {
		half := len(c.accessHistory) / 2
		c.accessHistory = append([]accessRecord(nil), c.accessHistory[half:]...)
	}
	c.miner.observe(key)
}

func estimateSize(v *ctxtypes.AgentContext) int64 {
	if v == nil {
		return 0
	}
	size := int64(len(v.CoreText) + len(v.HistoricalText) + len(v.DependenciesText) + len(v.MemoryText) + len(v.MetadataText))
	for _, content := range v.FileContents {
		size += int64(len(content))
	}
	return size
}

// WarmCache proactively populates the cache for the given fingerprint
// keys, calling load for any not already present. load is the caller's
// context-preparation hook (spec.md §4.6: cache warming delegates back to
// full preparation for each predicted key).
func (c *Cache) WarmCache(keys []string, load func(key string) (*ctxtypes.AgentContext, []string, error)) int {
	warmed := 0
	for _, key := range keys {
		c.mu.Lock()
		_, ok := c.entries[key]
		c.mu.Unlock()
		if ok {
			continue
		}
		value, tags, err := load(key)
		if err != nil || value == nil {
			continue
		}
		c.Put(key, value, tags)
		warmed++
	}
	return warmed
}

// PredictNextKeys returns the miner's current top predictions for keys
// likely to be requested after trigger, ranked by confidence.
func (c *Cache) PredictNextKeys(trigger string, maxResults int) []ctxtypes.Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miner.predict(trigger, maxResults)
}

// patternMiner learns trigger->prediction sequences from observed access
// order (spec.md §4.6: triples occurring >=3 times become a Pattern with
// confidence = min(count/10, 1)).
type patternMiner struct {
	recent   []string // last N accessed keys, for triple extraction
	triples  map[[2]string]map[string]int
}

func newPatternMiner() *patternMiner {
	return &patternMiner{triples: make(map[[2]string]map[string]int)}
}

func (m *patternMiner) observe(key string) {
	m.recent = append(m.recent, key)
	if len(m.recent) > 3 {
		m.recent = m.recent[len(m.recent)-3:]
	}
	if len(m.recent) < 3 {
		return
	}
	pair := [2]string{m.recent[0], m.recent[1]}
	next := m.recent[2]
	if m.triples[pair] == nil {
		m.triples[pair] = make(map[string]int)
	}
	m.triples[pair][next]++
}

func (m *patternMiner) predict(trigger string, maxResults int) []ctxtypes.Pattern {
	var patterns []ctxtypes.Pattern
	for pair, nexts := range m.triples {
		if pair[0] != trigger && pair[1] != trigger {
			continue
		}
		for next, count := range nexts {
			if count < 3 {
				continue
			}
			confidence := float64(count) / 10.0
			if confidence > 1 {
				confidence = 1
			}
			patterns = append(patterns, ctxtypes.Pattern{
				PatternType:   ctxtypes.PatternSequential,
				Trigger:       pair[0] + "->" + pair[1],
				PredictedKeys: []string{next},
				Confidence:    confidence,
				UsageCount:    count,
			})
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].Trigger < patterns[j].Trigger
	})
	if maxResults > 0 && len(patterns) > maxResults {
		patterns = patterns[:maxResults]
	}
	return patterns
}
