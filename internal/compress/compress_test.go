package compress

import (
	"strings"
	"testing"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

func TestCompressNoneIsNoop(t *testing.T) {
	content := "def f():\n    pass\n"
	out, ratio := Compress(content, "f.py", ctxtypes.FileTypePython, Options{Level: ctxtypes.CompressionNone})
	if out != content {
		t.Errorf("expected CompressionNone to return content unchanged")
	}
	if ratio != 1.0 {
		t.Errorf("expected ratio 1.0 for CompressionNone, got %v", ratio)
	}
}

func TestCompressPythonRetainsSignaturesAndDocstrings(t *testing.T) {
	content := `class AuthManager:
    """Handles login."""
    def login_user(self, name):
        step_one()
        step_two()
        step_three()
        return True

    def logout_user(self):
        cleanup()
        cleanup()
        cleanup()
        return False
`
	out, ratio := Compress(content, "auth.py", ctxtypes.FileTypePython, Options{Level: ctxtypes.CompressionHigh})
	if !strings.Contains(out, "class AuthManager:") {
		t.Error("expected class signature retained")
	}
	if !strings.Contains(out, "def login_user(self, name):") {
		t.Error("expected function signature retained")
	}
	if !strings.Contains(out, `"""Handles login."""`) {
		t.Error("expected docstring first line retained")
	}
	if !strings.Contains(out, bodyElidedMarker) {
		t.Error("expected elided marker present for squeezed bodies")
	}
	if ratio >= 1.0 {
		t.Errorf("expected ratio under 1.0 for high compression, got %v", ratio)
	}
}

func TestCompressTestRetainsAssertsAndDropsNoise(t *testing.T) {
	content := `def test_login():
    setup_fixture_noise()
    setup_fixture_noise()
    setup_fixture_noise()
    setup_fixture_noise()
    assert login("a", "b") is True
`
	out, _ := Compress(content, "test_auth.py", ctxtypes.FileTypeTest, Options{Level: ctxtypes.CompressionHigh})
	if !strings.Contains(out, "def test_login():") {
		t.Error("expected test function signature retained")
	}
	if !strings.Contains(out, "assert login") {
		t.Error("expected assertion retained regardless of compression level")
	}
	if !strings.Contains(out, bodyElidedMarker) {
		t.Error("expected setup noise elided past the token target")
	}
}

func TestCompressMarkdownRetainsShallowHeadings(t *testing.T) {
	content := "# Title\n\n## Section\n\n#### Deep\n\nSome filler text that should be compressible under aggressive settings.\n"
	out, _ := Compress(content, "doc.md", ctxtypes.FileTypeMarkdown, Options{Level: ctxtypes.CompressionExtreme})
	if !strings.Contains(out, "# Title") || !strings.Contains(out, "## Section") {
		t.Error("expected shallow headings retained")
	}
}

func TestCompressStructuredSummarizesArrays(t *testing.T) {
	content := `{
  "name": "demo",
  "items": [
    "a",
    "b",
    "c"
  ]
}
`
	out, _ := Compress(content, "config.json", ctxtypes.FileTypeJSON, Options{Level: ctxtypes.CompressionHigh})
	if !strings.Contains(out, "items") {
		t.Error("expected key retained")
	}
	if !strings.Contains(out, "items]") {
		t.Errorf("expected array summarized with item count, got:\n%s", out)
	}
}

func TestCompressOtherHeadTailSlices(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("line of filler content that takes up space\n")
	}
	out, ratio := Compress(b.String(), "data.txt", ctxtypes.FileTypeOther, Options{Level: ctxtypes.CompressionExtreme})
	if !strings.Contains(out, bodyElidedMarker) {
		t.Error("expected elided marker in head/tail sliced output")
	}
	if ratio >= 1.0 {
		t.Errorf("expected reduced ratio, got %v", ratio)
	}
}

func TestCompressIsDeterministic(t *testing.T) {
	content := "class A:\n    def m(self):\n        pass\n"
	out1, _ := Compress(content, "a.py", ctxtypes.FileTypePython, Options{Level: ctxtypes.CompressionModerate})
	out2, _ := Compress(content, "a.py", ctxtypes.FileTypePython, Options{Level: ctxtypes.CompressionModerate})
	if out1 != out2 {
		t.Error("expected Compress to be deterministic for identical input")
	}
}

func TestEstimateCompressionPotentialMatchesLevelTarget(t *testing.T) {
	content := strings.Repeat("some text ", 50)
	got := EstimateCompressionPotential(content, ctxtypes.FileTypeOther, ctxtypes.CompressionModerate)
	if got != ctxtypes.CompressionModerate.Target() {
		t.Errorf("expected potential to match level target %v, got %v", ctxtypes.CompressionModerate.Target(), got)
	}
}

func TestEstimateCompressionPotentialNoneIsOne(t *testing.T) {
	got := EstimateCompressionPotential("some content", ctxtypes.FileTypeOther, ctxtypes.CompressionNone)
	if got != 1.0 {
		t.Errorf("expected 1.0 for CompressionNone, got %v", got)
	}
}
