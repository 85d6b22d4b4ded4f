// Package index implements the Context Index (C3): a file catalog with
// symbol tables, an import/dependency graph, and an inverted text index,
// answering "which files mention X", "what does F import / who imports
// F", and "which files hold symbol S" (spec.md §4.3).
package index

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/budget"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// defaultIgnoreDirs mirrors spec.md §6(a)'s built-in ignore list.
var defaultIgnoreDirs = map[string]struct{}{
	"__pycache__":     {},
	"node_modules":    {},
	"dist":            {},
	"build":           {},
	"venv":            {},
	".git":            {},
	".pytest_cache":   {},
	".coverage":       {},
}

const (
	// DefaultMaxFileBytes is the default per-file size cap (spec.md §4.3).
	DefaultMaxFileBytes = 100 * 1024
	// DefaultMaxFileTokens is the default per-file token cap.
	DefaultMaxFileTokens = 10000
)

// Options configures a Build/Update pass.
type Options struct {
	RootDir         string
	IgnorePatterns  []string
	MaxFileBytes    int64
	MaxFileTokens   int
}

func (o Options) withDefaults() Options {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = DefaultMaxFileBytes
	}
	if o.MaxFileTokens <= 0 {
		o.MaxFileTokens = DefaultMaxFileTokens
	}
	return o
}

// SearchKind restricts a Search call to a subset of symbol classes.
type SearchKind string

const (
	SearchAll       SearchKind = "all"
	SearchClasses   SearchKind = "classes"
	SearchFunctions SearchKind = "functions"
	SearchText      SearchKind = "text"
)

// MatchType describes why a search result matched.
type MatchType string

const (
	MatchClass    MatchType = "class"
	MatchFunction MatchType = "function"
	MatchText     MatchType = "text"
	MatchPath     MatchType = "path"
)

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	Path         string
	Score        float64
	MatchType    MatchType
	MatchedTerms []string
	Snippet      string
}

// Statistics summarizes the index for diagnostics.
type Statistics struct {
	TotalFiles      int
	ByFileType      map[ctxtypes.FileType]int
	TopDependedUpon []string
	AvgFanIn        float64
	AvgFanOut       float64
}

// Index is the Context Index. Zero value is not usable; use New.
type Index struct {
	mu      sync.RWMutex
	opts    Options
	files   map[string]*ctxtypes.FileNode
	symbols map[string]map[string]struct{} // symbol -> set of paths
	inverted map[string]map[string]struct{} // token -> set of paths
	built   bool
	builtAt time.Time
}

// New constructs an empty Index over the given options.
func New(opts Options) *Index {
	return &Index{
		opts:     opts.withDefaults(),
		files:    make(map[string]*ctxtypes.FileNode),
		symbols:  make(map[string]map[string]struct{}),
		inverted: make(map[string]map[string]struct{}),
	}
}

// Build walks the repository and (re)builds the index. When
// forceRebuild is false and the index has already been built, Build is a
// cheap no-op (idempotent per spec.md §4.3).
func (idx *Index) Build(forceRebuild bool) error {
	idx.mu.Lock()
	alreadyBuilt := idx.built
	idx.mu.Unlock()
	if alreadyBuilt && !forceRebuild {
		return nil
	}

	newFiles := make(map[string]*ctxtypes.FileNode)
	newSymbols := make(map[string]map[string]struct{})
	newInverted := make(map[string]map[string]struct{})

	err := filepath.Walk(idx.opts.RootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // tolerate unreadable entries, skip them
		}
		rel, relErr := filepath.Rel(idx.opts.RootDir, path)
		if relErr != nil {
			rel = path
		}
		if info.IsDir() {
			if idx.shouldIgnoreDir(info.Name(), rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if idx.shouldIgnoreFile(info.Name(), rel) {
			return nil
		}
		if isSpecialFile(path, info) {
			return nil
		}
		if info.Size() > idx.opts.MaxFileBytes {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			log.Printf("[INDEX] skipping unreadable file %s: %v", rel, readErr)
			return nil
		}
		text := toValidUTF8(content)

		fileType := ClassifyFileType(rel)
		if budget.EstimateTokens(text, fileType) > idx.opts.MaxFileTokens {
			return nil
		}

		node := &ctxtypes.FileNode{
			Path:          rel,
			FileType:      fileType,
			Size:          info.Size(),
			ModTime:       info.ModTime(),
			Imports:       make(map[string]struct{}),
			OutboundEdges: make(map[string]struct{}),
			InboundEdges:  make(map[string]struct{}),
		}
		classes, functions, imports := extractSymbols(text, fileType)
		node.Classes = classes
		node.Functions = functions
		for _, imp := range imports {
			node.Imports[imp] = struct{}{}
		}
		newFiles[rel] = node

		for _, c := range classes {
			addSymbol(newSymbols, c, rel)
		}
		for _, f := range functions {
			addSymbol(newSymbols, f, rel)
		}
		for _, tok := range tokenize(text) {
			addSymbol(newInverted, tok, rel)
		}
		for _, tok := range tokenize(rel) {
			addSymbol(newInverted, tok, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	resolveDependencyEdges(newFiles)

	idx.mu.Lock()
	idx.files = newFiles
	idx.symbols = newSymbols
	idx.inverted = newInverted
	idx.built = true
	idx.builtAt = time.Now()
	idx.mu.Unlock()
	return nil
}

// Update incrementally re-indexes the given paths (relative to RootDir).
// It is safe to call on a never-built index, in which case it behaves
// like a partial Build.
func (idx *Index) Update(paths []string) error {
	for _, rel := range paths {
		full := filepath.Join(idx.opts.RootDir, rel)
		info, err := os.Stat(full)
		if err != nil {
			idx.removeFile(rel)
			continue
		}
		if info.IsDir() || info.Size() > idx.opts.MaxFileBytes {
			continue
		}
		content, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		text := toValidUTF8(content)
		fileType := ClassifyFileType(rel)
		if budget.EstimateTokens(text, fileType) > idx.opts.MaxFileTokens {
			continue
		}
		node := &ctxtypes.FileNode{
			Path:          rel,
			FileType:      fileType,
			Size:          info.Size(),
			ModTime:       info.ModTime(),
			Imports:       make(map[string]struct{}),
			OutboundEdges: make(map[string]struct{}),
			InboundEdges:  make(map[string]struct{}),
		}
		classes, functions, imports := extractSymbols(text, fileType)
		node.Classes = classes
		node.Functions = functions
		for _, imp := range imports {
			node.Imports[imp] = struct{}{}
		}

		idx.mu.Lock()
		idx.removeFileLocked(rel)
		idx.files[rel] = node
		for _, c := range classes {
			addSymbol(idx.symbols, c, rel)
		}
		for _, f := range functions {
			addSymbol(idx.symbols, f, rel)
		}
		for _, tok := range tokenize(text) {
			addSymbol(idx.inverted, tok, rel)
		}
		for _, tok := range tokenize(rel) {
			addSymbol(idx.inverted, tok, rel)
		}
		idx.built = true
		idx.mu.Unlock()
	}

	idx.mu.Lock()
	resolveDependencyEdges(idx.files)
	idx.mu.Unlock()
	return nil
}

func (idx *Index) removeFile(rel string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeFileLocked(rel)
}

func (idx *Index) removeFileLocked(rel string) {
	delete(idx.files, rel)
	for sym, paths := range idx.symbols {
		delete(paths, rel)
		if len(paths) == 0 {
			delete(idx.symbols, sym)
		}
	}
	for tok, paths := range idx.inverted {
		delete(paths, rel)
		if len(paths) == 0 {
			delete(idx.inverted, tok)
		}
	}
}

// Files returns a snapshot slice of all indexed file paths.
func (idx *Index) Files() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.files))
	for p := range idx.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FileNode returns the catalog entry for path, or nil if absent.
func (idx *Index) FileNode(path string) *ctxtypes.FileNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.files[path]
}

// Built reports whether the index has completed at least one Build/Update.
func (idx *Index) Built() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.built
}

func (idx *Index) shouldIgnoreDir(name, rel string) bool {
	return ShouldIgnoreDir(name, rel, idx.opts.IgnorePatterns)
}

func (idx *Index) shouldIgnoreFile(name, rel string) bool {
	return ShouldIgnoreFile(name, rel, idx.opts.IgnorePatterns)
}

// ShouldIgnoreDir reports whether a directory named name (repo-relative
// path rel) should be skipped during a walk, per spec.md §6(a)'s built-in
// ignore list plus any caller-supplied ignorePatterns. Exported so callers
// without a built Index (contextmgr's disabled-intelligence fallback walk,
// spec.md §4.9 step 5) can apply the same ignore rules.
func ShouldIgnoreDir(name, rel string, ignorePatterns []string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		if _, ok := defaultIgnoreDirs[name]; !ok && rel != "." {
			// Hidden directories are skipped wholesale per spec.md §6(a),
			// except the root itself.
			return true
		}
	}
	if _, ok := defaultIgnoreDirs[name]; ok {
		return true
	}
	for _, pat := range ignorePatterns {
		if matched, _ := filepath.Match(pat, name); matched {
			return true
		}
	}
	return false
}

// ShouldIgnoreFile reports whether a file named name (repo-relative path
// rel) should be skipped during a walk. See ShouldIgnoreDir.
func ShouldIgnoreFile(name, rel string, ignorePatterns []string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, pat := range ignorePatterns {
		if matched, _ := filepath.Match(pat, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pat, rel); matched {
			return true
		}
	}
	return false
}

func toValidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// ClassifyFileType classifies path by extension/name, per spec.md §4.1's
// file-type taxonomy. Exported for contextmgr's disabled-intelligence
// fallback walk.
func ClassifyFileType(path string) ctxtypes.FileType {
	lower := strings.ToLower(path)
	base := filepath.Base(lower)
	switch {
	case strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py") || strings.Contains(lower, "/tests/") || strings.HasPrefix(lower, "tests/"):
		return ctxtypes.FileTypeTest
	case strings.HasSuffix(lower, ".py"):
		return ctxtypes.FileTypePython
	case strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown"):
		return ctxtypes.FileTypeMarkdown
	case strings.HasSuffix(lower, ".json"):
		return ctxtypes.FileTypeJSON
	case strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml"):
		return ctxtypes.FileTypeYAML
	case strings.HasSuffix(lower, ".cfg") || strings.HasSuffix(lower, ".ini") || strings.HasSuffix(lower, ".toml"):
		return ctxtypes.FileTypeConfig
	default:
		return ctxtypes.FileTypeOther
	}
}

func addSymbol(m map[string]map[string]struct{}, key, path string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[path] = struct{}{}
}

// resolveDependencyEdges fills OutboundEdges/InboundEdges by matching each
// file's Imports against other indexed files' module-like path stems.
func resolveDependencyEdges(files map[string]*ctxtypes.FileNode) {
	stems := make(map[string]string, len(files)) // module stem -> path
	for path := range files {
		stems[moduleStem(path)] = path
	}
	for path, node := range files {
		node.OutboundEdges = make(map[string]struct{})
		for imp := range node.Imports {
			if target, ok := stems[imp]; ok && target != path {
				node.OutboundEdges[target] = struct{}{}
			}
		}
	}
	for path, node := range files {
		for target := range node.OutboundEdges {
			if targetNode, ok := files[target]; ok {
				if targetNode.InboundEdges == nil {
					targetNode.InboundEdges = make(map[string]struct{})
				}
				targetNode.InboundEdges[path] = struct{}{}
			}
		}
		_ = node
	}
}

// moduleStem turns "pkg/sub/auth.py" into "pkg.sub.auth" so it can be
// matched against "import pkg.sub.auth" or "from pkg.sub import auth".
func moduleStem(path string) string {
	trimmed := strings.TrimSuffix(path, filepath.Ext(path))
	return strings.ReplaceAll(trimmed, string(filepath.Separator), ".")
}
