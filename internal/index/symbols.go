package index

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

var (
	pyClassRe    = regexp.MustCompile(`(?m)^class\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyFuncRe     = regexp.MustCompile(`(?m)^(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyImportRe   = regexp.MustCompile(`(?m)^\s*import\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	pyFromImpRe  = regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import`)
	mdHeadingRe  = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
)

// extractSymbols pulls classes, top-level functions, and imports out of
// content using line-anchored regular expressions for Python/Test files
// (unindented class/def lines, import and from-import lines) and Markdown
// headings for docs; other file types yield no symbols.
func extractSymbols(content string, fileType ctxtypes.FileType) (classes, functions, imports []string) {
	switch fileType {
	case ctxtypes.FileTypePython, ctxtypes.FileTypeTest:
		for _, m := range pyClassRe.FindAllStringSubmatch(content, -1) {
			classes = append(classes, m[1])
		}
		for _, m := range pyFuncRe.FindAllStringSubmatch(content, -1) {
			functions = append(functions, m[1])
		}
		seen := map[string]struct{}{}
		for _, m := range pyImportRe.FindAllStringSubmatch(content, -1) {
			if _, ok := seen[m[1]]; !ok {
				imports = append(imports, m[1])
				seen[m[1]] = struct{}{}
			}
		}
		for _, m := range pyFromImpRe.FindAllStringSubmatch(content, -1) {
			if _, ok := seen[m[1]]; !ok {
				imports = append(imports, m[1])
				seen[m[1]] = struct{}{}
			}
		}
	case ctxtypes.FileTypeMarkdown:
		for _, m := range mdHeadingRe.FindAllStringSubmatch(content, -1) {
			classes = append(classes, strings.TrimSpace(m[2]))
		}
	}
	return classes, functions, imports
}

// stopWords are elided from the inverted index so common tokens don't
// dominate search scoring (spec.md §4.3: "lowercased, stop-worded").
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "and": {}, "or": {},
	"of": {}, "to": {}, "in": {}, "for": {}, "on": {}, "with": {}, "as": {},
	"by": {}, "at": {}, "it": {}, "this": {}, "that": {}, "be": {}, "was": {},
	"from": {}, "not": {}, "none": {}, "self": {}, "return": {}, "if": {},
	"else": {}, "def": {}, "class": {},
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping stop
// words and single-character tokens.
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := strings.ToLower(cur.String())
		cur.Reset()
		if len(tok) <= 1 {
			return
		}
		if _, stop := stopWords[tok]; stop {
			return
		}
		tokens = append(tokens, tok)
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
