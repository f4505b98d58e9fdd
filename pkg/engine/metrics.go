package engine

import (
	"github.com/wehubfusion/Arbor/pkg/tree"
)

// Metrics sizes a run before it executes.
type Metrics struct {
	// ItemCount is the total number of items carried by the dispatched
	// invocations, after alignment and branch grouping.
	ItemCount int
	// InvocationCount is how many times the transform will be invoked.
	InvocationCount int
}

// EstimateMetrics replays alignment, branch grouping, and decomposition
// without invoking any transform. It shares the planning code with Run, so
// the returned invocation count always matches what an actual run over the
// same trees and options would execute. Callers size progress indicators
// with it.
func EstimateMetrics[TIn any](trees []tree.Named[TIn], opts Options, cfg RunConfig[TIn]) (Metrics, error) {
	if err := opts.Validate(); err != nil {
		return Metrics{}, err
	}
	cfg = cfg.normalize()

	plan, err := buildPlan(trees, opts, cfg.Keyer)
	if err != nil {
		return Metrics{}, err
	}

	metrics := Metrics{InvocationCount: len(plan.invocations)}
	for _, inv := range plan.invocations {
		for _, b := range inv.Branches {
			metrics.ItemCount += len(b.Items)
		}
	}
	return metrics, nil
}
