// Package engine aligns sparse path-indexed trees and drives a
// user-supplied transform over the aligned work.
//
// A run takes an ordered collection of named trees (see package tree),
// resolves which paths appear in the output and which tree contributes
// what at each of them, decomposes that aligned work into invocations
// according to a topology, executes the transform per invocation, and
// assembles the returned channel items into one output tree per channel.
//
// # Alignment
//
// Trees with more than one path are structured; their path union is the
// reference set and becomes the output path set. A tree with exactly one
// path either matches directly (the reference has a single root equal to
// its own and contains its exact path, so it contributes only there) or
// broadcasts its branch to every reference path. Single-path trees that
// disagree on the path with no structured tree present make the run fail
// with ErrAlignmentAmbiguity.
//
// # Topologies
//
// BranchToBranch invokes once per aligned path with full branches.
// ItemToItem invokes once per item index with single-item branches and
// concatenates results back into the original path. ItemGraft decomposes
// the same way but grafts each item's result onto a child path formed by
// appending the item index. BranchFlatten concatenates everything into a
// single invocation whose result lands at the root path.
//
// # Branch grouping
//
// With Options.GroupIdenticalBranches, paths whose branch content is
// identical share one invocation; the result is replicated to every path
// in the content group. The content key is pluggable via BranchKeyer.
//
// # Execution
//
// The transform receives a context and an Invocation and returns items
// per result-channel name. Runs are sequential by default; setting
// RunConfig.MaxConcurrent above 1 executes invocations concurrently
// without changing the assembled output. Cancellation is checked at every
// invocation boundary and never yields partial trees. Progress is
// reported after each completed invocation against the total that
// EstimateMetrics predicts.
//
// A minimal run:
//
//	sum := func(ctx context.Context, inv engine.Invocation[int]) (map[string][]int, error) {
//		total := 0
//		for _, item := range inv.Items("numbers") {
//			total += item
//		}
//		return map[string][]int{"sums": {total}}, nil
//	}
//	out, err := engine.Run(ctx,
//		[]tree.Named[int]{tree.NewNamed("numbers", numbers)},
//		sum,
//		engine.Options{Topology: engine.BranchToBranch},
//		engine.RunConfig[int]{})
package engine
