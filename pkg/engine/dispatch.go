package engine

import (
	"fmt"

	"github.com/wehubfusion/Arbor/pkg/tree"
)

// runPlan is the dispatcher's decomposition product: the ordered invocation
// list plus everything assembly needs afterwards.
type runPlan[T any] struct {
	labels      []string
	groups      int
	invocations []Invocation[T]
	dedup       []dedupGroup
}

// buildPlan runs alignment, optional branch grouping, and decomposition.
// Run and EstimateMetrics share it so estimated and actual invocation
// counts always agree.
func buildPlan[T any](trees []tree.Named[T], opts Options, keyer BranchKeyer[T]) (runPlan[T], error) {
	var plan runPlan[T]

	groups, err := align(trees, opts)
	if err != nil {
		return plan, err
	}

	if opts.GroupIdenticalBranches && opts.Topology != BranchFlatten {
		groups, plan.dedup, err = deduplicate(groups, keyer)
		if err != nil {
			return plan, err
		}
	}

	plan.labels = make([]string, len(trees))
	for i, nt := range trees {
		plan.labels[i] = nt.Label
	}
	plan.groups = len(groups)

	plan.invocations, err = decompose(groups, plan.labels, opts)
	if err != nil {
		return plan, err
	}
	return plan, nil
}

// decompose turns aligned groups into the ordered invocation list for the
// selected topology.
func decompose[T any](groups []alignmentGroup[T], labels []string, opts Options) ([]Invocation[T], error) {
	switch opts.Topology {
	case BranchToBranch:
		return decomposeBranchToBranch(groups), nil
	case ItemToItem, ItemGraft:
		return decomposePerItem(groups)
	case BranchFlatten:
		return []Invocation[T]{flattenInvocation(groups, labels)}, nil
	}
	return nil, fmt.Errorf("%w: unknown topology %q", ErrInvalidConfiguration, string(opts.Topology))
}

// decomposeBranchToBranch emits one invocation per aligned path carrying
// the full branches.
func decomposeBranchToBranch[T any](groups []alignmentGroup[T]) []Invocation[T] {
	invocations := make([]Invocation[T], len(groups))
	for i, g := range groups {
		invocations[i] = Invocation[T]{
			Sequence:  i,
			Path:      g.path,
			ItemIndex: -1,
			Branches:  labelledBranches(g),
		}
	}
	return invocations
}

// decomposePerItem emits one invocation per item index with single-item
// branches. Every label must carry the same number of items within a
// group; a label with zero items skips the whole group. Producing zero
// invocations from non-empty groups means every path was skipped, which
// the caller must hear about rather than receive silently empty output.
func decomposePerItem[T any](groups []alignmentGroup[T]) ([]Invocation[T], error) {
	var invocations []Invocation[T]
	seq := 0
	for _, g := range groups {
		count := -1
		skip := false
		for _, b := range g.branches {
			if len(b.items) == 0 {
				skip = true
				break
			}
			if count == -1 {
				count = len(b.items)
				continue
			}
			if len(b.items) != count {
				return nil, fmt.Errorf("%w: unequal branch lengths at %s (%d vs %d); normalize lengths before per-item dispatch",
					ErrInvalidConfiguration, g.path, count, len(b.items))
			}
		}
		if skip {
			continue
		}

		for item := 0; item < count; item++ {
			branches := make([]LabeledBranch[T], len(g.branches))
			for i, b := range g.branches {
				branches[i] = LabeledBranch[T]{Label: b.label, Items: []T{b.items[item]}}
			}
			invocations = append(invocations, Invocation[T]{
				Sequence:  seq,
				Path:      g.path,
				ItemIndex: item,
				Branches:  branches,
			})
			seq++
		}
	}

	if len(invocations) == 0 && len(groups) > 0 {
		return nil, fmt.Errorf("%w: no invocations after per-item decomposition; every aligned path has an empty branch",
			ErrInvalidConfiguration)
	}
	return invocations, nil
}

// flattenInvocation concatenates every label's items across all groups in
// path order into the run's single invocation, placed at the root path.
func flattenInvocation[T any](groups []alignmentGroup[T], labels []string) Invocation[T] {
	flat := make(map[string][]T, len(labels))
	for _, label := range labels {
		flat[label] = []T{}
	}
	for _, g := range groups {
		for _, b := range g.branches {
			flat[b.label] = append(flat[b.label], b.items...)
		}
	}

	branches := make([]LabeledBranch[T], len(labels))
	for i, label := range labels {
		branches[i] = LabeledBranch[T]{Label: label, Items: flat[label]}
	}
	return Invocation[T]{
		Sequence:  0,
		Path:      tree.NewPath(0),
		ItemIndex: -1,
		Branches:  branches,
	}
}

// labelledBranches converts a group's contributions into the invocation's
// labelled branch list.
func labelledBranches[T any](g alignmentGroup[T]) []LabeledBranch[T] {
	invBranches := make([]LabeledBranch[T], len(g.branches))
	for i, b := range g.branches {
		invBranches[i] = LabeledBranch[T]{Label: b.label, Items: b.items}
	}
	return invBranches
}
