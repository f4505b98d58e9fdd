package engine

import (
	"context"

	"github.com/wehubfusion/Arbor/pkg/tree"
)

// LabeledBranch carries one input tree's contribution to an invocation:
// the tree's label and an ordered list of items.
type LabeledBranch[T any] struct {
	Label string `json:"label"`
	Items []T    `json:"items"`
}

// Invocation is one unit of work handed to the transform. It carries, per
// input label, an ordered item list plus the addressing metadata the
// dispatcher needs to place results back into output trees.
//
// Branch slices are independent copies; the transform may read or retain
// them freely without affecting other invocations.
type Invocation[T any] struct {
	// Sequence is the invocation's position in dispatch order, starting
	// at 0. Results are assembled in this order.
	Sequence int
	// Path is the aligned source path this invocation was decomposed
	// from. Under the flatten topology it is the canonical root path.
	Path tree.Path
	// ItemIndex is the position of the carried item inside its source
	// branch for per-item topologies, -1 for branch-level invocations.
	ItemIndex int
	// Branches lists each label's contribution in input-tree order.
	Branches []LabeledBranch[T]
}

// Items returns the item list carried for label, or nil when the label is
// not part of the invocation.
func (inv Invocation[T]) Items(label string) []T {
	for _, b := range inv.Branches {
		if b.Label == label {
			return b.Items
		}
	}
	return nil
}

// Labels returns the labels carried by the invocation, in input-tree order.
func (inv Invocation[T]) Labels() []string {
	labels := make([]string, len(inv.Branches))
	for i, b := range inv.Branches {
		labels[i] = b.Label
	}
	return labels
}

// Transform is the user-supplied function driven by a run. For each
// invocation it returns a mapping from result-channel name to the ordered
// items that channel produced. Every distinct channel name across a run
// becomes one output tree.
//
// A transform must treat its invocation as read-only input and must not
// retain references across calls; the engine guarantees in return that no
// two invocations share mutable state. Errors abort the run.
type Transform[TIn, TOut any] func(ctx context.Context, inv Invocation[TIn]) (map[string][]TOut, error)

// ProgressFunc receives the running number of completed invocations and
// the pre-computed total after each invocation finishes.
type ProgressFunc func(completed, total int)
