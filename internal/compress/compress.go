// Package compress implements the Compressor (C5): deterministic,
// type-aware shrinking of file content toward a target token ratio, with
// structure-preserving rules per spec.md §4.5.
package compress

import (
	"strings"

	"github.com/CLIAIMONITOR/ctxengine/internal/budget"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// Options configures a single Compress call.
type Options struct {
	Level             ctxtypes.CompressionLevel
	PreserveStructure bool // keep headings/signatures even past target
}

// Compress shrinks content toward level.Target()'s ratio of its estimated
// token count, applying file-type-specific rules, and reports the actual
// ratio achieved (output tokens / input tokens).
func Compress(content string, path string, fileType ctxtypes.FileType, opts Options) (string, float64) {
	if opts.Level == ctxtypes.CompressionNone || strings.TrimSpace(content) == "" {
		return content, 1.0
	}

	inputTokens := budget.EstimateTokens(content, fileType)
	if inputTokens == 0 {
		return content, 1.0
	}
	targetTokens := int(float64(inputTokens) * opts.Level.Target())
	if targetTokens < 1 {
		targetTokens = 1
	}

	var out string
	switch fileType {
	case ctxtypes.FileTypePython:
		out = compressPython(content, targetTokens, opts)
	case ctxtypes.FileTypeTest:
		out = compressTest(content, targetTokens, opts)
	case ctxtypes.FileTypeMarkdown:
		out = compressMarkdown(content, targetTokens, opts)
	case ctxtypes.FileTypeJSON, ctxtypes.FileTypeYAML, ctxtypes.FileTypeConfig:
		out = compressStructured(content, targetTokens)
	default:
		out = compressOther(content, targetTokens, fileType)
	}

	outputTokens := budget.EstimateTokens(out, fileType)
	ratio := float64(outputTokens) / float64(inputTokens)
	return out, ratio
}

// EstimateCompressionPotential projects the ratio Compress would achieve
// without performing it, for diagnostics and pipeline planning.
func EstimateCompressionPotential(content string, fileType ctxtypes.FileType, level ctxtypes.CompressionLevel) float64 {
	if level == ctxtypes.CompressionNone {
		return 1.0
	}
	inputTokens := budget.EstimateTokens(content, fileType)
	if inputTokens == 0 {
		return 1.0
	}
	return level.Target()
}
