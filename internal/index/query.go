package index

import (
	"slices"
	"sort"
	"strings"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// kindBoost weights a match found in a symbol table over a plain text hit,
// per spec.md §4.3 ("scores by token-overlap × kind-boost").
func kindBoost(matchType MatchType) float64 {
	switch matchType {
	case MatchClass:
		return 1.5
	case MatchFunction:
		return 1.3
	case MatchPath:
		return 1.2
	default:
		return 1.0
	}
}

// Search scores candidate files by term overlap against the requested
// kind and returns the top maxResults, descending by score.
func (idx *Index) Search(query string, kind SearchKind, maxResults int) []SearchResult {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	scores := make(map[string]float64)
	matched := make(map[string]map[string]struct{})
	matchTypes := make(map[string]MatchType)

	consider := func(symbolSet map[string]map[string]struct{}, mt MatchType, allowed bool) {
		if !allowed {
			return
		}
		for _, term := range terms {
			for path := range symbolSet[term] {
				if mt == MatchClass || mt == MatchFunction {
					node := idx.files[path]
					if node == nil {
						continue
					}
					names := node.Functions
					if mt == MatchClass {
						names = node.Classes
					}
					if !slices.Contains(names, term) {
						continue
					}
				}
				scores[path] += kindBoost(mt)
				if matched[path] == nil {
					matched[path] = make(map[string]struct{})
				}
				matched[path][term] = struct{}{}
				if existing, ok := matchTypes[path]; !ok || kindBoost(mt) > kindBoost(existing) {
					matchTypes[path] = mt
				}
			}
		}
	}

	if kind == SearchAll || kind == SearchClasses {
		consider(idx.symbols, MatchClass, true)
	}
	if kind == SearchAll || kind == SearchFunctions {
		consider(idx.symbols, MatchFunction, true)
	}
	if kind == SearchAll || kind == SearchText {
		consider(idx.inverted, MatchText, true)
	}

	results := make([]SearchResult, 0, len(scores))
	for path, score := range scores {
		var terms []string
		for t := range matched[path] {
			terms = append(terms, t)
		}
		sort.Strings(terms)
		results = append(results, SearchResult{
			Path:         path,
			Score:        score,
			MatchType:    matchTypes[path],
			MatchedTerms: terms,
			Snippet:      idx.snippetFor(path, terms),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})

	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// snippetFor returns a short excerpt of path's catalog entry useful for
// display; the index does not retain full file bodies, so it falls back
// to a symbol summary.
func (idx *Index) snippetFor(path string, terms []string) string {
	node, ok := idx.files[path]
	if !ok {
		return ""
	}
	var parts []string
	if len(node.Classes) > 0 {
		parts = append(parts, "classes: "+strings.Join(firstN(node.Classes, 3), ", "))
	}
	if len(node.Functions) > 0 {
		parts = append(parts, "functions: "+strings.Join(firstN(node.Functions, 3), ", "))
	}
	return strings.Join(parts, "; ")
}

func firstN(xs []string, n int) []string {
	if len(xs) <= n {
		return xs
	}
	return xs[:n]
}

// DependencyInfo is the result of GetDependencies.
type DependencyInfo struct {
	Path       string
	Direct     []string
	Transitive []string
	Reverse    []string
}

// GetDependencies performs a BFS up to depth hops over the dependency
// graph, optionally including reverse (inbound) edges.
func (idx *Index) GetDependencies(path string, depth int, includeReverse bool) DependencyInfo {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	info := DependencyInfo{Path: path}
	if depth <= 0 {
		depth = 1
	}

	visited := map[string]int{path: 0}
	queue := []string{path}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curDepth := visited[cur]
		if curDepth >= depth {
			continue
		}
		node, ok := idx.files[cur]
		if !ok {
			continue
		}
		for next := range node.OutboundEdges {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = curDepth + 1
			queue = append(queue, next)
			if curDepth+1 == 1 {
				info.Direct = append(info.Direct, next)
			} else {
				info.Transitive = append(info.Transitive, next)
			}
		}
	}
	sort.Strings(info.Direct)
	sort.Strings(info.Transitive)

	if includeReverse {
		if node, ok := idx.files[path]; ok {
			for p := range node.InboundEdges {
				info.Reverse = append(info.Reverse, p)
			}
			sort.Strings(info.Reverse)
		}
	}
	return info
}

// RelationType selects which relation RelatedFiles should consider.
type RelationType string

const (
	RelationReverseDep    RelationType = "reverse_dependency"
	RelationSharedSymbol  RelationType = "shared_symbol"
	RelationSimilarStruct RelationType = "similar_structure"
)

// RelatedFiles unions reverse-dependency, shared-symbol, and
// similar-structure relations for path.
func (idx *Index) RelatedFiles(path string, relations []RelationType, maxResults int) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(relations) == 0 {
		relations = []RelationType{RelationReverseDep, RelationSharedSymbol, RelationSimilarStruct}
	}
	want := make(map[RelationType]struct{}, len(relations))
	for _, r := range relations {
		want[r] = struct{}{}
	}

	related := make(map[string]struct{})
	node, ok := idx.files[path]
	if !ok {
		return nil
	}

	if _, on := want[RelationReverseDep]; on {
		for p := range node.InboundEdges {
			related[p] = struct{}{}
		}
	}

	if _, on := want[RelationSharedSymbol]; on {
		for _, sym := range append(append([]string{}, node.Classes...), node.Functions...) {
			for p := range idx.symbols[sym] {
				if p != path {
					related[p] = struct{}{}
				}
			}
		}
	}

	if _, on := want[RelationSimilarStruct]; on {
		for otherPath, other := range idx.files {
			if otherPath == path || other.FileType != node.FileType {
				continue
			}
			if similarSize(other.Size, node.Size) {
				related[otherPath] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(related))
	for p := range related {
		out = append(out, p)
	}
	sort.Strings(out)
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func similarSize(a, b int64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	ratio := float64(a) / float64(b)
	return ratio > 0.5 && ratio < 2.0
}

// Statistics returns aggregate counts and fan-in/out averages.
func (idx *Index) Statistics() Statistics {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byType := make(map[ctxtypes.FileType]int)
	var totalIn, totalOut int
	type depended struct {
		path  string
		count int
	}
	var ranked []depended

	for path, node := range idx.files {
		byType[node.FileType]++
		totalIn += len(node.InboundEdges)
		totalOut += len(node.OutboundEdges)
		ranked = append(ranked, depended{path: path, count: len(node.InboundEdges)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].path < ranked[j].path
	})

	top := make([]string, 0, 10)
	for i := 0; i < len(ranked) && i < 10; i++ {
		top = append(top, ranked[i].path)
	}

	result := Statistics{
		TotalFiles:      len(idx.files),
		TopDependedUpon: top,
		ByFileType:      byType,
	}
	if len(idx.files) > 0 {
		result.AvgFanIn = float64(totalIn) / float64(len(idx.files))
		result.AvgFanOut = float64(totalOut) / float64(len(idx.files))
	}
	return result
}
