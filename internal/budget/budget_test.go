package budget

import (
	"testing"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

func TestAllocateRejectsSmallTotal(t *testing.T) {
	_, err := Allocate(50, ctxtypes.RoleCode, nil, Includes{History: true, Dependencies: true})
	if err == nil {
		t.Fatal("expected InvalidBudgetError for total < 100")
	}
}

func TestAllocateSumFitsUnderTotal(t *testing.T) {
	b, err := Allocate(4000, ctxtypes.RoleDesign, nil, Includes{History: true, Dependencies: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Sum() > b.Total {
		t.Fatalf("sum %d exceeds total %d", b.Sum(), b.Total)
	}
	if b.Historical <= b.Core {
		t.Errorf("design role should be history-heavy, got core=%d historical=%d", b.Core, b.Historical)
	}
}

func TestAllocateCodeIsCoreHeavy(t *testing.T) {
	b, err := Allocate(4000, ctxtypes.RoleCode, nil, Includes{History: true, Dependencies: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Core <= b.Historical || b.Core <= b.Dependencies {
		t.Errorf("code role should be core-heavy, got %+v", b)
	}
}

func TestAllocateZeroesHistoryWhenExcluded(t *testing.T) {
	b, err := Allocate(4000, ctxtypes.RoleDesign, nil, Includes{History: false, Dependencies: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Historical != 0 {
		t.Errorf("expected historical=0 when history excluded, got %d", b.Historical)
	}
	if b.Sum() > b.Total {
		t.Fatalf("sum %d exceeds total %d", b.Sum(), b.Total)
	}
}

func TestAllocateMinimalBudgetAtFloor(t *testing.T) {
	b, err := Allocate(100, ctxtypes.RoleOrchestrator, nil, Includes{History: true, Dependencies: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Sum() > b.Total {
		t.Fatalf("sum %d exceeds total %d", b.Sum(), b.Total)
	}
	for name, v := range map[string]int{"core": b.Core, "historical": b.Historical, "dependencies": b.Dependencies, "memory": b.Memory} {
		if v <= 0 {
			t.Errorf("category %s should be above zero at the floor, got %d", name, v)
		}
	}
}

func TestOptimizeNoShiftWhenUsageMatchesAllocation(t *testing.T) {
	b, err := Allocate(4000, ctxtypes.RoleCode, nil, Includes{History: true, Dependencies: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	usage := ctxtypes.TokenUsage{Core: b.Core, Historical: b.Historical, Dependencies: b.Dependencies, Memory: b.Memory}
	got := Optimize(b, usage, 1.0)
	if got != b {
		t.Errorf("expected no shift when usage matches allocation: got %+v want %+v", got, b)
	}
}

func TestOptimizeShiftsFromUnderutilizedToOverutilized(t *testing.T) {
	b, err := Allocate(4000, ctxtypes.RoleCode, nil, Includes{History: true, Dependencies: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Core barely used, historical saturated.
	usage := ctxtypes.TokenUsage{
		Core:         int(float64(b.Core) * 0.1),
		Historical:   int(float64(b.Historical) * 0.95),
		Dependencies: int(float64(b.Dependencies) * 0.7),
		Memory:       int(float64(b.Memory) * 0.7),
	}
	got := Optimize(b, usage, 1.0)
	if got.Total != b.Total {
		t.Fatalf("total must stay fixed: got %d want %d", got.Total, b.Total)
	}
	if got.Historical <= b.Historical {
		t.Errorf("expected historical to grow, got %d (was %d)", got.Historical, b.Historical)
	}
	if got.Core >= b.Core {
		t.Errorf("expected core to shrink, got %d (was %d)", got.Core, b.Core)
	}
	if got.Sum() > got.Total {
		t.Fatalf("sum %d exceeds total %d", got.Sum(), got.Total)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	short := "def f(): pass"
	long := short + "\n" + short + "\n" + short
	if EstimateTokens(long, ctxtypes.FileTypePython) <= EstimateTokens(short, ctxtypes.FileTypePython) {
		t.Error("expected longer content to estimate to more tokens")
	}
}

func TestEstimateTokensDeterministic(t *testing.T) {
	content := "The quick brown fox jumps over the lazy dog."
	a := EstimateTokens(content, ctxtypes.FileTypeMarkdown)
	b := EstimateTokens(content, ctxtypes.FileTypeMarkdown)
	if a != b {
		t.Errorf("expected deterministic output, got %d and %d", a, b)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	if got := EstimateTokens("", ctxtypes.FileTypeOther); got != 0 {
		t.Errorf("expected 0 tokens for empty content, got %d", got)
	}
}
