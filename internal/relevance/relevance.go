// Package relevance implements the Relevance Filter (C4): multi-factor
// per-file scoring against a ContextRequest, candidate filtering, content
// filtering within a file, and scoring explanations (spec.md §4.4).
package relevance

import (
	"sort"
	"strings"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// DependencyGraph is the subset of the Context Index's capabilities the
// filter needs: hop distance between files in the symbol/import graph.
type DependencyGraph interface {
	// HopDistance returns the BFS distance from `from` to `to` in the
	// dependency graph, or -1 if unreachable within maxHops.
	HopDistance(from, to string, maxHops int) int
}

// HistorySource supplies recent snapshot file appearances for the
// historical-frequency component.
type HistorySource interface {
	// RecentFileAppearances returns, most-recent-first, the file lists of
	// recent ContextSnapshots for (role, story).
	RecentFileAppearances(role ctxtypes.AgentRole, story string) [][]string
}

// Candidate is one file eligible for scoring, with enough content to
// drive direct-mention/semantic scoring without re-reading the file.
type Candidate struct {
	Path      string
	FileType  ctxtypes.FileType
	Content   string
	Symbols   []string // classes+functions, for semantic scoring
	Comments  []string // doc comments/docstring first lines, for semantic scoring
}

// Filter is the Relevance Filter. It is safe for concurrent use so long
// as its DependencyGraph/HistorySource implementations are.
type Filter struct {
	Graph   DependencyGraph
	History HistorySource
}

// New constructs a Filter. graph/history may be nil, in which case the
// dependency and historical components degrade to 0 (graceful
// degradation per spec.md §7).
func New(graph DependencyGraph, history HistorySource) *Filter {
	return &Filter{Graph: graph, History: history}
}

// Score produces the RelevanceScore for one candidate against a request.
func (f *Filter) Score(req ctxtypes.ContextRequest, c Candidate, mentionedFiles []string) ctxtypes.RelevanceScore {
	terms := queryTerms(req)

	direct, directReasons := directMention(terms, c)
	dep := f.dependencyScore(c.Path, mentionedFiles)
	hist := f.historicalScore(req, c.Path)
	sem := semanticScore(terms, c)
	phase, phaseOK := req.EffectivePhase()
	affinity := tddPhaseAffinity(phase, phaseOK, c.FileType)

	total := ctxtypes.ComputeTotal(direct, dep, hist, sem, affinity)

	var reasons []string
	reasons = append(reasons, directReasons...)
	if dep > 0 {
		reasons = append(reasons, "in dependency neighborhood of a mentioned file")
	}
	if hist > 0 {
		reasons = append(reasons, "appeared in recent context history")
	}
	if sem > 0 {
		reasons = append(reasons, "semantically similar to task description")
	}
	if affinity >= 1 {
		reasons = append(reasons, "matches current TDD phase")
	}

	return ctxtypes.RelevanceScore{
		FilePath:         c.Path,
		Total:            total,
		DirectMention:    direct,
		Dependency:       dep,
		Historical:       hist,
		Semantic:         sem,
		TDDPhaseAffinity: affinity,
		Reasons:          reasons,
	}
}

// FilterRelevantFiles scores every candidate, keeps those >= minScore,
// forces-includes any file explicitly named by the request's task
// (bumped to >= 0.95 with reason "explicitly-listed"), sorts descending,
// and truncates to maxFiles.
func (f *Filter) FilterRelevantFiles(req ctxtypes.ContextRequest, candidates []Candidate, maxFiles int, minScore float64) []ctxtypes.RelevanceScore {
	mentioned := req.Task.FilePaths()
	mentionedSet := make(map[string]struct{}, len(mentioned))
	for _, p := range mentioned {
		mentionedSet[p] = struct{}{}
	}

	scores := make([]ctxtypes.RelevanceScore, 0, len(candidates))
	for _, c := range candidates {
		s := f.Score(req, c, mentioned)
		if _, explicit := mentionedSet[c.Path]; explicit {
			if s.Total < 0.95 {
				s.Total = 0.95
			}
			s.Reasons = append([]string{"explicitly-listed"}, s.Reasons...)
		}
		scores = append(scores, s)
	}

	filtered := scores[:0]
	for _, s := range scores {
		if _, explicit := mentionedSet[s.FilePath]; explicit || s.Total >= minScore {
			filtered = append(filtered, s)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Total != filtered[j].Total {
			return filtered[i].Total > filtered[j].Total
		}
		if filtered[i].DirectMention != filtered[j].DirectMention {
			return filtered[i].DirectMention > filtered[j].DirectMention
		}
		hopI, hopJ := -1, -1
		if f.Graph != nil && len(mentioned) > 0 {
			hopI = f.Graph.HopDistance(mentioned[0], filtered[i].FilePath, 3)
			hopJ = f.Graph.HopDistance(mentioned[0], filtered[j].FilePath, 3)
		}
		if hopI != hopJ {
			if hopI < 0 {
				return false
			}
			if hopJ < 0 {
				return true
			}
			return hopI < hopJ
		}
		return filtered[i].FilePath < filtered[j].FilePath
	})

	if maxFiles > 0 && len(filtered) > maxFiles {
		filtered = filtered[:maxFiles]
	}
	return filtered
}

// ExplainRelevance returns the full scoring breakdown for audit/diagnostics.
func (f *Filter) ExplainRelevance(req ctxtypes.ContextRequest, c Candidate) ctxtypes.RelevanceScore {
	return f.Score(req, c, req.Task.FilePaths())
}

func queryTerms(req ctxtypes.ContextRequest) []string {
	text := req.Task.Description()
	for _, area := range req.FocusAreas {
		text += " " + area
	}
	return splitTerms(text)
}

func splitTerms(text string) []string {
	var terms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		t := strings.ToLower(cur.String())
		cur.Reset()
		if len(t) > 1 {
			terms = append(terms, t)
		}
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return terms
}

// directMention computes a TF-weighted overlap between request terms and
// (file path ∪ symbols ∪ tokenized contents), normalized to [0,1].
func directMention(terms []string, c Candidate) (float64, []string) {
	if len(terms) == 0 {
		return 0, nil
	}

	haystack := make(map[string]int)
	for _, tok := range splitTerms(c.Path) {
		haystack[tok] += 2 // path hits count extra
	}
	for _, sym := range c.Symbols {
		for _, tok := range splitTerms(sym) {
			haystack[tok] += 3 // symbol hits are the strongest signal
		}
	}
	for _, tok := range splitTerms(c.Content) {
		haystack[tok]++
	}

	var matchedWeight float64
	var reasons []string
	var pathHit, symbolHit bool
	for _, term := range terms {
		if w, ok := haystack[term]; ok {
			matchedWeight += float64(w)
			if !pathHit {
				for _, tok := range splitTerms(c.Path) {
					if tok == term {
						pathHit = true
					}
				}
			}
			if !symbolHit {
				for _, sym := range c.Symbols {
					if strings.Contains(strings.ToLower(sym), term) {
						symbolHit = true
					}
				}
			}
		}
	}
	if pathHit {
		reasons = append(reasons, "task terms match the file path")
	}
	if symbolHit {
		reasons = append(reasons, "task terms match a symbol name")
	}

	maxPossible := float64(len(terms)) * 3
	if maxPossible == 0 {
		return 0, reasons
	}
	score := matchedWeight / maxPossible
	if score > 1 {
		score = 1
	}
	return score, reasons
}

func (f *Filter) dependencyScore(path string, mentioned []string) float64 {
	if f.Graph == nil || len(mentioned) == 0 {
		return 0
	}
	best := 0.0
	for _, m := range mentioned {
		if m == path {
			continue
		}
		hops := f.Graph.HopDistance(m, path, 3)
		var s float64
		switch hops {
		case 1:
			s = 1.0
		case 2:
			s = 0.6
		case 3:
			s = 0.3
		default:
			s = 0
		}
		if s > best {
			best = s
		}
	}
	return best
}

func (f *Filter) historicalScore(req ctxtypes.ContextRequest, path string) float64 {
	if f.History == nil {
		return 0
	}
	lists := f.History.RecentFileAppearances(req.AgentRole, req.StoryID)
	if len(lists) == 0 {
		return 0
	}
	var weighted, totalWeight float64
	for i, files := range lists {
		// Recency weight: most recent list weighs 1.0, decaying linearly.
		weight := 1.0 - float64(i)/float64(len(lists))
		totalWeight += weight
		for _, p := range files {
			if p == path {
				weighted += weight
				break
			}
		}
	}
	if totalWeight == 0 {
		return 0
	}
	score := weighted / totalWeight
	if score > 1 {
		score = 1
	}
	return score
}

// semanticScore approximates cosine similarity between task terms and the
// file's symbol+comment vocabulary using weighted token overlap (a
// lightweight stand-in for embeddings, consistent with spec.md §4.4's
// "cosine-like similarity").
func semanticScore(terms []string, c Candidate) float64 {
	if len(terms) == 0 {
		return 0
	}
	vocab := make(map[string]struct{})
	for _, s := range c.Symbols {
		for _, tok := range splitTerms(s) {
			vocab[tok] = struct{}{}
		}
	}
	for _, cm := range c.Comments {
		for _, tok := range splitTerms(cm) {
			vocab[tok] = struct{}{}
		}
	}
	if len(vocab) == 0 {
		return 0
	}
	var hits int
	for _, t := range terms {
		if _, ok := vocab[t]; ok {
			hits++
		}
	}
	denom := len(terms)
	if len(vocab) < denom {
		denom = len(vocab)
	}
	if denom == 0 {
		return 0
	}
	score := float64(hits) / float64(len(terms))
	if score > 1 {
		score = 1
	}
	return score
}

// tddPhaseAffinity applies the fixed affinity table of spec.md §4.4.
func tddPhaseAffinity(phase ctxtypes.TDDPhase, known bool, fileType ctxtypes.FileType) float64 {
	if !known {
		return 0.3
	}
	switch phase {
	case ctxtypes.PhaseTestRed:
		if fileType == ctxtypes.FileTypeTest {
			return 1
		}
	case ctxtypes.PhaseCodeGreen, ctxtypes.PhaseRefactor:
		if fileType == ctxtypes.FileTypePython {
			return 1
		}
	case ctxtypes.PhaseDesign:
		if fileType == ctxtypes.FileTypeMarkdown {
			return 1
		}
	}
	return 0.3
}
