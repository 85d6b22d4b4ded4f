package relevance

import (
	"regexp"
	"strings"

	"github.com/CLIAIMONITOR/ctxengine/internal/budget"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

var (
	defBlockRe = regexp.MustCompile(`(?m)^((?:async\s+)?def\s+\w+\([^)]*\)(?:\s*->\s*[\w\[\], .]+)?\s*:)`)
	classDefRe = regexp.MustCompile(`(?m)^(class\s+\w+(?:\([^)]*\))?\s*:)`)
	importRe   = regexp.MustCompile(`(?m)^(?:import\s+[\w.]+|from\s+[\w.]+\s+import\s+.+)$`)
)

const elidedMarker = "... <elided, not relevant to task> ..."

// block is a contiguous region of a file's source, classified as either a
// region the task's terms touch or an elidable one.
type block struct {
	text     string
	relevant bool
	isImport bool
}

// FilterContentByRelevance shrinks content to roughly targetTokens while
// keeping the regions most relevant to the request's task terms: imports,
// public signatures, and function/class bodies that match those terms.
// Non-relevant regions are elided with a marker (spec.md §4.4).
func (f *Filter) FilterContentByRelevance(path, content string, req ctxtypes.ContextRequest, targetTokens int) string {
	if targetTokens <= 0 {
		return content
	}
	if budget.EstimateTokens(content, ctxtypes.FileTypePython) <= targetTokens {
		return content
	}

	terms := queryTerms(req)
	blocks := splitIntoBlocks(content)
	for i := range blocks {
		if blocks[i].isImport {
			blocks[i].relevant = true
			continue
		}
		blocks[i].relevant = blockMatchesTerms(blocks[i].text, terms)
	}

	// Greedily keep relevant blocks within the budget; every other block
	// is reduced below to its signature line (if it has one) plus an
	// elision marker.
	var kept []int
	used := 0
	for i, b := range blocks {
		if !b.relevant {
			continue
		}
		t := budget.EstimateTokens(b.text, ctxtypes.FileTypePython)
		if used+t > targetTokens && used > 0 {
			continue
		}
		kept = append(kept, i)
		used += t
	}

	keptSet := make(map[int]struct{}, len(kept))
	for _, i := range kept {
		keptSet[i] = struct{}{}
	}

	var out strings.Builder
	elidedRun := false
	for i, b := range blocks {
		if _, ok := keptSet[i]; ok {
			out.WriteString(b.text)
			elidedRun = false
			continue
		}
		sig := firstSignatureLine(b.text)
		if sig != "" {
			out.WriteString(sig)
			out.WriteString("\n    " + elidedMarker + "\n")
			elidedRun = false
			continue
		}
		if !elidedRun {
			out.WriteString(elidedMarker + "\n")
			elidedRun = true
		}
	}
	return out.String()
}

func splitIntoBlocks(content string) []block {
	lines := strings.Split(content, "\n")
	var blocks []block
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		text := strings.Join(cur, "\n")
		blocks = append(blocks, block{text: text, isImport: importRe.MatchString(strings.TrimSpace(cur[0]))})
		cur = nil
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		startsNew := defBlockRe.MatchString(line) || classDefRe.MatchString(line) || importRe.MatchString(trimmed)
		if startsNew && len(cur) > 0 {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

func blockMatchesTerms(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func firstSignatureLine(text string) string {
	lines := strings.SplitN(text, "\n", 2)
	if defBlockRe.MatchString(lines[0]) || classDefRe.MatchString(lines[0]) {
		return lines[0]
	}
	return ""
}

// EstimateCompressionPotential reports the expected survival ratio of
// FilterContentByRelevance without performing it, for diagnostics.
func EstimateCompressionPotential(content string, targetTokens int) float64 {
	total := budget.EstimateTokens(content, ctxtypes.FileTypePython)
	if total == 0 {
		return 1
	}
	if targetTokens >= total {
		return 1
	}
	ratio := float64(targetTokens) / float64(total)
	if ratio < 0.05 {
		ratio = 0.05
	}
	return ratio
}
