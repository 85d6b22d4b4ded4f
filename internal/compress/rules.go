package compress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/CLIAIMONITOR/ctxengine/internal/budget"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

var (
	defLineRe      = regexp.MustCompile(`^\s*(?:async\s+)?def\s+\w+\(.*`)
	classLineRe    = regexp.MustCompile(`^\s*class\s+\w+.*`)
	docstringRe    = regexp.MustCompile(`^\s*(?:"""|''')`)
	headingRe      = regexp.MustCompile(`^(#{1,6})\s+.*`)
	bulletRe       = regexp.MustCompile(`^\s*[-*+]\s+.*`)
	fenceRe        = regexp.MustCompile("^```")
	assertOrTestRe = regexp.MustCompile(`^\s*(?:assert|def\s+test_|@pytest\.fixture|@fixture)`)
)

const bodyElidedMarker = "... <elided, not relevant to task> ..."

// compressPython retains class/def signatures and the first line of any
// docstring immediately following. Other lines are kept until the output
// reaches targetTokens; after that each body is replaced by one elision
// marker.
func compressPython(content string, targetTokens int, opts Options) string {
	lines := strings.Split(content, "\n")
	var out []string
	i := 0
	elided := false
	for i < len(lines) {
		line := lines[i]
		if defLineRe.MatchString(line) || classLineRe.MatchString(line) {
			out = append(out, line)
			elided = false
			// keep first docstring line if immediately present
			if i+1 < len(lines) && docstringRe.MatchString(lines[i+1]) {
				out = append(out, lines[i+1])
				i += 2
				continue
			}
			i++
			continue
		}
		if budget.EstimateTokens(strings.Join(out, "\n"), ctxtypes.FileTypePython) >= targetTokens {
			if !elided {
				out = append(out, bodyElidedMarker)
				elided = true
			}
			i++
			continue
		}
		out = append(out, line)
		i++
	}
	return strings.Join(out, "\n")
}

// compressTest always retains assertions, test function signatures, and
// fixture declarations, eliding setup/teardown noise around them.
func compressTest(content string, targetTokens int, opts Options) string {
	lines := strings.Split(content, "\n")
	var out []string
	elided := false
	for _, line := range lines {
		keep := assertOrTestRe.MatchString(line) || defLineRe.MatchString(line) || classLineRe.MatchString(line)
		if keep {
			out = append(out, line)
			elided = false
			continue
		}
		if budget.EstimateTokens(strings.Join(out, "\n"), ctxtypes.FileTypeTest) >= targetTokens {
			if !elided {
				out = append(out, bodyElidedMarker)
				elided = true
			}
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// compressMarkdown retains headings up to depth 3, summarizes bullet runs
// once the token target is reached, and strips blank lines inside fenced
// code blocks.
func compressMarkdown(content string, targetTokens int, opts Options) string {
	lines := strings.Split(content, "\n")
	var out []string
	inFence := false
	bulletRun := 0
	for _, line := range lines {
		if fenceRe.MatchString(strings.TrimSpace(line)) {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			if strings.TrimSpace(line) == "" {
				continue // strip blank lines inside code blocks
			}
			out = append(out, line)
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if len(m[1]) <= 3 || opts.PreserveStructure {
				out = append(out, line)
			}
			bulletRun = 0
			continue
		}
		if bulletRe.MatchString(line) {
			bulletRun++
			over := budget.EstimateTokens(strings.Join(out, "\n"), ctxtypes.FileTypeMarkdown) >= targetTokens
			if bulletRun <= 3 || !over {
				out = append(out, line)
			} else if bulletRun == 4 {
				out = append(out, "  - ...")
			}
			continue
		}
		bulletRun = 0
		if strings.TrimSpace(line) == "" {
			out = append(out, line)
			continue
		}
		if budget.EstimateTokens(strings.Join(out, "\n"), ctxtypes.FileTypeMarkdown) >= targetTokens {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// compressStructured handles JSON/YAML/config content line-by-line: keys
// are always kept, long quoted string values are truncated, and lines that
// open an array get a "[n items]" summary instead of the array body.
func compressStructured(content string, targetTokens int) string {
	lines := strings.Split(content, "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasSuffix(trimmed, "[") || trimmed == "[" {
			depth := 1
			count := 0
			j := i + 1
			for ; j < len(lines) && depth > 0; j++ {
				t := strings.TrimSpace(lines[j])
				depth += strings.Count(t, "[") - strings.Count(t, "]")
				if depth > 0 && t != "" {
					count++
				}
			}
			out = append(out, line)
			out = append(out, strings.Repeat(" ", leadingSpaces(line)+2)+"// ["+strconv.Itoa(count)+" items]")
			if j-1 < len(lines) {
				out = append(out, lines[j-1])
			}
			i = j - 1
			continue
		}
		out = append(out, truncateLongValue(line))
	}
	return strings.Join(out, "\n")
}

func truncateLongValue(line string) string {
	const maxValueLen = 80
	idx := strings.IndexAny(line, ":")
	if idx < 0 {
		return line
	}
	value := strings.TrimSpace(line[idx+1:])
	if len(value) <= maxValueLen || !strings.HasPrefix(value, `"`) {
		return line
	}
	end := strings.LastIndex(value, `"`)
	if end <= 0 {
		return line
	}
	inner := value[1:end]
	if len(inner) <= maxValueLen {
		return line
	}
	trailing := value[end+1:]
	return line[:idx+1] + ` "` + inner[:maxValueLen] + `...(truncated)"` + trailing
}

func leadingSpaces(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

// compressOther keeps a head and tail slice of the content, eliding the
// middle, for file types with no structure-specific rule.
func compressOther(content string, targetTokens int, fileType ctxtypes.FileType) string {
	total := budget.EstimateTokens(content, fileType)
	if total <= targetTokens {
		return content
	}
	return headTailSlice(content, targetTokens, fileType)
}

func headTailSlice(content string, targetTokens int, fileType ctxtypes.FileType) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= 2 {
		return content
	}
	headLines := len(lines) / 3
	tailLines := headLines
	if headLines == 0 {
		headLines, tailLines = 1, 1
	}
	for {
		head := strings.Join(lines[:headLines], "\n")
		tail := strings.Join(lines[len(lines)-tailLines:], "\n")
		candidate := head + "\n" + bodyElidedMarker + "\n" + tail
		if budget.EstimateTokens(candidate, fileType) <= targetTokens || (headLines <= 1 && tailLines <= 1) {
			return candidate
		}
		if headLines > 1 {
			headLines--
		}
		if tailLines > 1 {
			tailLines--
		}
	}
}
