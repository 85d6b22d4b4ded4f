// Package budget implements the Token Budget Allocator (C1): splitting a
// total token budget across content categories with role/phase-specific
// weights, re-optimizing from observed usage, and estimating token counts.
package budget

import (
	"math"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// category indexes used internally for the additive-modifier/floor math.
type category int

const (
	catCore category = iota
	catHistorical
	catDependencies
	catMemory
	numCategories
)

// baseShare is the fraction of (total - buffer) a category gets before
// phase modifiers and zeroing/floors are applied.
type baseShare [numCategories]float64

// bufferFraction is reserved off the top before any category split, per
// spec.md §4.1 ("reserve 5% as buffer").
const bufferFraction = 0.05

// floorFraction is the minimum share any non-zeroed category retains.
const floorFraction = 0.05

// roleBase gives each agent role's base distribution. Design is
// history-heavy, Code is core-heavy, QA is dependency-heavy, matching
// spec.md §4.1's example weighting.
var roleBase = map[ctxtypes.AgentRole]baseShare{
	ctxtypes.RoleOrchestrator: {catCore: 0.40, catHistorical: 0.25, catDependencies: 0.20, catMemory: 0.15},
	ctxtypes.RoleDesign:       {catCore: 0.25, catHistorical: 0.40, catDependencies: 0.15, catMemory: 0.20},
	ctxtypes.RoleCode:         {catCore: 0.55, catHistorical: 0.15, catDependencies: 0.20, catMemory: 0.10},
	ctxtypes.RoleQA:           {catCore: 0.30, catHistorical: 0.15, catDependencies: 0.40, catMemory: 0.15},
	ctxtypes.RoleData:         {catCore: 0.40, catHistorical: 0.20, catDependencies: 0.25, catMemory: 0.15},
}

var defaultBase = baseShare{catCore: 0.40, catHistorical: 0.20, catDependencies: 0.20, catMemory: 0.20}

// phaseModifier nudges the base shares additively when a TDD phase is
// known, before renormalization. Test_Red favors dependencies (test
// fixtures often live near the code under test); Code_Green favors core;
// Refactor favors historical (prior decisions matter more); Design favors
// historical and memory.
var phaseModifier = map[ctxtypes.TDDPhase]baseShare{
	ctxtypes.PhaseDesign:    {catCore: -0.05, catHistorical: 0.10, catDependencies: -0.05, catMemory: 0.05},
	ctxtypes.PhaseTestRed:   {catCore: -0.05, catHistorical: -0.05, catDependencies: 0.10, catMemory: 0.00},
	ctxtypes.PhaseCodeGreen: {catCore: 0.10, catHistorical: -0.05, catDependencies: -0.05, catMemory: 0.00},
	ctxtypes.PhaseRefactor:  {catCore: 0.00, catHistorical: 0.05, catDependencies: -0.05, catMemory: 0.00},
}

// Includes controls which optional categories the allocator zeroes out.
type Includes struct {
	History      bool
	Dependencies bool
}

// Allocate splits total tokens across {core, historical, dependencies,
// memory, buffer} following spec.md §4.1.
func Allocate(total int, role ctxtypes.AgentRole, phase *ctxtypes.TDDPhase, includes Includes) (ctxtypes.TokenBudget, error) {
	if total < 100 {
		return ctxtypes.TokenBudget{}, &ctxtypes.InvalidBudgetError{Reason: "total must be at least 100"}
	}

	shares, ok := roleBase[role]
	if !ok {
		shares = defaultBase
	}
	if phase != nil {
		if mod, ok := phaseModifier[*phase]; ok {
			for i := range shares {
				shares[i] += mod[i]
				if shares[i] < 0 {
					shares[i] = 0
				}
			}
		}
	}

	zeroed := [numCategories]bool{}
	if !includes.History {
		zeroed[catHistorical] = true
	}
	if !includes.Dependencies {
		zeroed[catDependencies] = true
	}

	// Redistribute the freed share of zeroed categories proportionally to
	// the remaining ones.
	var freed float64
	var remainingSum float64
	for i := category(0); i < numCategories; i++ {
		if zeroed[i] {
			freed += shares[i]
			shares[i] = 0
		} else {
			remainingSum += shares[i]
		}
	}
	if freed > 0 && remainingSum > 0 {
		for i := category(0); i < numCategories; i++ {
			if !zeroed[i] {
				shares[i] += freed * (shares[i] / remainingSum)
			}
		}
	}

	// Enforce a floor of 5% per non-zeroed category.
	remaining := numCategories
	for i := category(0); i < numCategories; i++ {
		if zeroed[i] {
			remaining--
		}
	}
	if remaining > 0 {
		var sum float64
		for i := category(0); i < numCategories; i++ {
			if !zeroed[i] {
				sum += shares[i]
			}
		}
		if sum > 0 {
			for i := category(0); i < numCategories; i++ {
				if !zeroed[i] {
					shares[i] = shares[i] / sum
					if shares[i] < floorFraction {
						shares[i] = floorFraction
					}
				}
			}
		}
		// Renormalize once more after floor clamping so the non-buffer
		// categories sum to exactly (1 - bufferFraction).
		var clamped float64
		for i := category(0); i < numCategories; i++ {
			if !zeroed[i] {
				clamped += shares[i]
			}
		}
		if clamped > 0 {
			for i := category(0); i < numCategories; i++ {
				if !zeroed[i] {
					shares[i] = shares[i] / clamped
				}
			}
		}
	}

	usable := float64(total) * (1 - bufferFraction)
	budget := ctxtypes.TokenBudget{Total: total}
	budget.Core = int(math.Floor(shares[catCore] * usable))
	budget.Historical = int(math.Floor(shares[catHistorical] * usable))
	budget.Dependencies = int(math.Floor(shares[catDependencies] * usable))
	budget.Memory = int(math.Floor(shares[catMemory] * usable))
	budget.Buffer = total - budget.Core - budget.Historical - budget.Dependencies - budget.Memory
	if budget.Buffer < 0 {
		budget.Buffer = 0
	}

	return budget, nil
}

// utilizationLow/High are the thresholds that trigger a share shift in
// Optimize (spec.md §4.1).
const (
	utilizationLow  = 0.5
	utilizationHigh = 0.9
	// maxShiftFraction bounds how much of a donor category's share can
	// move in a single Optimize call, scaled further by quality.
	maxShiftFraction = 0.30
)

// Optimize produces a new budget with the same Total, shifting share from
// under-utilized categories to over-utilized ones, scaled by quality.
// Categories are never driven below their floor. Pure function.
func Optimize(previous ctxtypes.TokenBudget, observed ctxtypes.TokenUsage, quality float64) ctxtypes.TokenBudget {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}

	prevVals := [numCategories]int{previous.Core, previous.Historical, previous.Dependencies, previous.Memory}
	obsVals := [numCategories]int{observed.Core, observed.Historical, observed.Dependencies, observed.Memory}
	floorVals := [numCategories]int{}

	usable := previous.Total - previous.Buffer
	for i := category(0); i < numCategories; i++ {
		floorVals[i] = int(math.Floor(floorFraction * float64(usable)))
	}

	shift := [numCategories]float64{}
	var totalDonated float64
	var totalDemandWeight float64
	demandWeight := [numCategories]float64{}

	for i := category(0); i < numCategories; i++ {
		if prevVals[i] <= 0 {
			continue
		}
		util := float64(obsVals[i]) / float64(prevVals[i])
		switch {
		case util < utilizationLow:
			avail := float64(prevVals[i]-floorVals[i]) * maxShiftFraction * quality
			if avail < 0 {
				avail = 0
			}
			shift[i] = -avail
			totalDonated += avail
		case util > utilizationHigh:
			demandWeight[i] = util - utilizationHigh
			totalDemandWeight += demandWeight[i]
		}
	}

	if totalDonated > 0 && totalDemandWeight > 0 {
		for i := category(0); i < numCategories; i++ {
			if demandWeight[i] > 0 {
				shift[i] = totalDonated * (demandWeight[i] / totalDemandWeight)
			}
		}
	} else {
		// No valid recipients: cancel the donations, nothing moves.
		for i := category(0); i < numCategories; i++ {
			if shift[i] < 0 {
				shift[i] = 0
			}
		}
	}

	next := previous
	newVals := [numCategories]int{}
	for i := category(0); i < numCategories; i++ {
		v := prevVals[i] + int(math.Round(shift[i]))
		if v < floorVals[i] {
			v = floorVals[i]
		}
		newVals[i] = v
	}

	next.Core = newVals[catCore]
	next.Historical = newVals[catHistorical]
	next.Dependencies = newVals[catDependencies]
	next.Memory = newVals[catMemory]

	// Keep Total fixed by absorbing any rounding drift into Buffer.
	next.Buffer = previous.Total - next.Core - next.Historical - next.Dependencies - next.Memory
	if next.Buffer < 0 {
		// Extremely rare rounding edge: trim the largest category instead
		// of producing a negative buffer.
		deficit := -next.Buffer
		next.Buffer = 0
		largest := catCore
		for _, c := range []category{catHistorical, catDependencies, catMemory} {
			if newVals[c] > newVals[largest] {
				largest = c
			}
		}
		switch largest {
		case catCore:
			next.Core -= deficit
		case catHistorical:
			next.Historical -= deficit
		case catDependencies:
			next.Dependencies -= deficit
		case catMemory:
			next.Memory -= deficit
		}
	}

	return next
}
