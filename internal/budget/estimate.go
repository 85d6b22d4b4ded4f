package budget

import (
	"math"
	"strings"
	"unicode"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// baseCharsPerToken gives the per-file-type scaling factor from spec.md
// §4.1: dense code ≈ 1 token/3.5 chars, prose ≈ 1 token/4 chars, JSON/YAML
// ≈ 1 token/3 chars (denser punctuation).
func baseCharsPerToken(fileType ctxtypes.FileType) float64 {
	switch fileType {
	case ctxtypes.FileTypePython, ctxtypes.FileTypeTest:
		return 3.5
	case ctxtypes.FileTypeJSON, ctxtypes.FileTypeYAML, ctxtypes.FileTypeConfig:
		return 3.0
	case ctxtypes.FileTypeMarkdown:
		return 4.0
	default:
		return 3.7
	}
}

// EstimateTokens is a deterministic, language-neutral token estimate.
// It is monotonic in len(content): it combines a character count with
// whitespace density and symbol density, matching spec.md §4.1's
// reference-implementation contract (within ±15% of a true BPE count is
// conformant — this estimator is tuned against dense code vs. prose).
func EstimateTokens(content string, fileType ctxtypes.FileType) int {
	if len(content) == 0 {
		return 0
	}

	total := len([]rune(content))
	var whitespace, symbols int
	for _, r := range content {
		switch {
		case unicode.IsSpace(r):
			whitespace++
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbols++
		}
	}

	whitespaceDensity := float64(whitespace) / float64(total)
	symbolDensity := float64(symbols) / float64(total)

	base := baseCharsPerToken(fileType)
	// Dense symbol content (code) tokenizes more per character; prose
	// with high whitespace tokenizes more coarsely (whole words). Adjust
	// the effective chars-per-token down as symbol density rises, up as
	// whitespace density rises, within a tight band so the estimator
	// stays monotonic in content length.
	effective := base * (1 + 0.6*whitespaceDensity - 0.5*symbolDensity)
	if effective < 1.5 {
		effective = 1.5
	}

	tokens := int(math.Ceil(float64(total) / effective))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateTokensAuto infers a rough FileType from content when the caller
// has no path/type context, then delegates to EstimateTokens.
func EstimateTokensAuto(content string) int {
	trimmed := strings.TrimSpace(content)
	var fileType ctxtypes.FileType
	switch {
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		fileType = ctxtypes.FileTypeJSON
	case strings.HasPrefix(trimmed, "#"):
		fileType = ctxtypes.FileTypeMarkdown
	default:
		fileType = ctxtypes.FileTypeOther
	}
	return EstimateTokens(content, fileType)
}
