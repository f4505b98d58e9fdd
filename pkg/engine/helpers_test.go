package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Arbor/pkg/tree"
)

// set stores a branch, failing the test on invalid paths.
func set(t *testing.T, tr *tree.Tree[int], path []int, items ...int) {
	t.Helper()
	require.NoError(t, tr.Set(tree.NewPath(path...), items))
}

// branchAt asserts the branch exists and returns it.
func branchAt(t *testing.T, tr *tree.Tree[int], path ...int) []int {
	t.Helper()
	branch, ok := tr.Branch(tree.NewPath(path...))
	require.True(t, ok, "expected branch at %s", tree.NewPath(path...))
	return branch
}

// outputTree finds the named output for a channel.
func outputTree(t *testing.T, outputs []tree.Named[int], channel string) *tree.Tree[int] {
	t.Helper()
	for _, nt := range outputs {
		if nt.Label == channel {
			return nt.Tree
		}
	}
	require.Failf(t, "missing channel", "no output tree for channel %q", channel)
	return nil
}

// sumAll sums every item across all labels into channel "out".
func sumAll(ctx context.Context, inv Invocation[int]) (map[string][]int, error) {
	total := 0
	for _, b := range inv.Branches {
		for _, item := range b.Items {
			total += item
		}
	}
	return map[string][]int{"out": {total}}, nil
}

// concatAll concatenates every item in label order into channel "out".
func concatAll(ctx context.Context, inv Invocation[int]) (map[string][]int, error) {
	var items []int
	for _, b := range inv.Branches {
		items = append(items, b.Items...)
	}
	return map[string][]int{"out": items}, nil
}

// doubleAll doubles every item in label order into channel "out".
func doubleAll(ctx context.Context, inv Invocation[int]) (map[string][]int, error) {
	var items []int
	for _, b := range inv.Branches {
		for _, item := range b.Items {
			items = append(items, item*2)
		}
	}
	return map[string][]int{"out": items}, nil
}
