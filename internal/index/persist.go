package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// persistedNode is the JSON-serializable projection of a FileNode, used
// by the index/index.json catalog file (spec.md §6(b)).
type persistedNode struct {
	Path      string    `json:"path"`
	FileType  string    `json:"file_type"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mtime"`
	Imports   []string  `json:"imports"`
	Classes   []string  `json:"classes"`
	Functions []string  `json:"functions"`
	Outbound  []string  `json:"outbound_edges"`
	Inbound   []string  `json:"inbound_edges"`
}

type persistedIndex struct {
	Files   []persistedNode `json:"files"`
	BuiltAt time.Time       `json:"built_at"`
}

// SaveTo writes the catalog and symbol/dependency graph to
// <stateDir>/index/index.json and a build watermark to
// <stateDir>/index/last_build.json.
func (idx *Index) SaveTo(stateDir string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	dir := filepath.Join(stateDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	out := persistedIndex{BuiltAt: idx.builtAt}
	for _, node := range idx.files {
		out.Files = append(out.Files, persistedNode{
			Path:      node.Path,
			FileType:  string(node.FileType),
			Size:      node.Size,
			ModTime:   node.ModTime,
			Imports:   keysOf(node.Imports),
			Classes:   node.Classes,
			Functions: node.Functions,
			Outbound:  keysOf(node.OutboundEdges),
			Inbound:   keysOf(node.InboundEdges),
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644); err != nil {
		return err
	}

	watermark := struct {
		LastBuild time.Time `json:"last_build"`
		FileCount int        `json:"file_count"`
	}{LastBuild: idx.builtAt, FileCount: len(idx.files)}
	wdata, err := json.MarshalIndent(watermark, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "last_build.json"), wdata, 0o644)
}

// LoadFrom restores a previously saved catalog from
// <stateDir>/index/index.json, rebuilding the symbol index from the
// persisted class/function lists and the inverted index from file paths
// only; file contents are not persisted, so text matches on file bodies
// are absent until the next Build. A missing or corrupt
// file is not an error: the index is simply left unbuilt so the caller
// can fall back to a fresh Build.
func (idx *Index) LoadFrom(stateDir string) error {
	path := filepath.Join(stateDir, "index", "index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var in persistedIndex
	if err := json.Unmarshal(data, &in); err != nil {
		return nil // corrupt catalog: tolerate, caller rebuilds
	}

	files := make(map[string]*ctxtypes.FileNode, len(in.Files))
	for _, pn := range in.Files {
		node := &ctxtypes.FileNode{
			Path:          pn.Path,
			FileType:      ctxtypes.FileType(pn.FileType),
			Size:          pn.Size,
			ModTime:       pn.ModTime,
			Imports:       toSet(pn.Imports),
			Classes:       pn.Classes,
			Functions:     pn.Functions,
			OutboundEdges: toSet(pn.Outbound),
			InboundEdges:  toSet(pn.Inbound),
		}
		files[pn.Path] = node
	}

	symbols := make(map[string]map[string]struct{})
	inverted := make(map[string]map[string]struct{})
	for path, node := range files {
		for _, c := range node.Classes {
			addSymbol(symbols, c, path)
		}
		for _, f := range node.Functions {
			addSymbol(symbols, f, path)
		}
		for _, tok := range tokenize(path) {
			addSymbol(inverted, tok, path)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.files = files
	idx.symbols = symbols
	idx.inverted = inverted
	idx.builtAt = in.BuiltAt
	idx.built = len(idx.files) > 0
	return nil
}

func toSet(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
