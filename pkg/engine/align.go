package engine

import (
	"fmt"

	"github.com/wehubfusion/Arbor/pkg/tree"
)

// alignedBranch is one tree's contribution to an aligned path.
type alignedBranch[T any] struct {
	label string
	items []T
	// own marks that the tree holds a branch at this exact path itself.
	own bool
	// broadcast marks items replicated from a single-path tree.
	broadcast bool
}

// alignmentGroup pairs an output path with every tree's contribution at it.
type alignmentGroup[T any] struct {
	path     tree.Path
	branches []alignedBranch[T]
}

// branch returns the contribution for label, or nil when absent.
func (g alignmentGroup[T]) branch(label string) *alignedBranch[T] {
	for i := range g.branches {
		if g.branches[i].label == label {
			return &g.branches[i]
		}
	}
	return nil
}

// validateTrees rejects input collections the aligner cannot work with:
// empty collections, nil trees, blank or duplicate labels.
func validateTrees[T any](trees []tree.Named[T]) error {
	if len(trees) == 0 {
		return fmt.Errorf("%w: at least one named tree is required", ErrInvalidConfiguration)
	}
	seen := make(map[string]struct{}, len(trees))
	for i, nt := range trees {
		if nt.Label == "" {
			return fmt.Errorf("%w: tree %d has an empty label", ErrInvalidConfiguration, i)
		}
		if nt.Tree == nil {
			return fmt.Errorf("%w: tree %q is nil", ErrInvalidConfiguration, nt.Label)
		}
		if _, dup := seen[nt.Label]; dup {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidConfiguration, nt.Label)
		}
		seen[nt.Label] = struct{}{}
	}
	return nil
}

// align resolves the output path set and each tree's contribution per path.
//
// Trees with more than one path are structured; trees with exactly one path
// are flat. The reference path set is the union of structured trees' paths,
// or the single shared path when only flat (and empty) trees participate.
// Flat trees resolve against the reference with direct-match precedence:
// a flat tree whose root is the reference's only root, and whose exact path
// exists in the reference, contributes at that path alone; any other shape
// broadcasts the flat branch to every reference path. Two or more flat
// trees at different paths with no structured reference cannot be resolved
// and surface ErrAlignmentAmbiguity.
func align[T any](trees []tree.Named[T], opts Options) ([]alignmentGroup[T], error) {
	if err := validateTrees(trees); err != nil {
		return nil, err
	}

	type flatInfo struct {
		path   tree.Path
		direct bool
	}
	flats := make(map[string]*flatInfo, len(trees))
	refSet := tree.New[struct{}]()

	for _, nt := range trees {
		switch {
		case nt.Tree.Len() > 1:
			for _, p := range nt.Tree.Paths() {
				_ = refSet.Set(p, nil)
			}
		case nt.Tree.Len() == 1:
			flats[nt.Label] = &flatInfo{path: nt.Tree.Paths()[0]}
		}
	}

	// No structured tree: the flat trees themselves must agree on a single
	// reference path.
	if refSet.IsEmpty() {
		for _, fi := range flats {
			if !refSet.IsEmpty() && !refSet.Has(fi.path) {
				return nil, fmt.Errorf("%w: single-path trees at %s and %s with no structured tree to resolve against",
					ErrAlignmentAmbiguity, refSet.Paths()[0], fi.path)
			}
			_ = refSet.Set(fi.path, nil)
		}
	}

	refPaths := refSet.Paths()
	if len(refPaths) == 0 {
		return nil, nil
	}
	refRoots := refSet.Roots()

	for _, fi := range flats {
		fi.direct = len(refRoots) == 1 && refRoots[0] == fi.path.Root() && refSet.Has(fi.path)
	}

	groups := make([]alignmentGroup[T], 0, len(refPaths))
	for _, p := range refPaths {
		group := alignmentGroup[T]{path: p, branches: make([]alignedBranch[T], 0, len(trees))}
		for _, nt := range trees {
			contribution := alignedBranch[T]{label: nt.Label, items: []T{}}
			if fi, isFlat := flats[nt.Label]; isFlat {
				atHome := p.Equal(fi.path)
				if fi.direct {
					if atHome {
						contribution.items, _ = nt.Tree.Branch(fi.path)
						contribution.own = true
					}
				} else {
					contribution.items, _ = nt.Tree.Branch(fi.path)
					contribution.broadcast = true
					contribution.own = atHome
				}
			} else if branch, ok := nt.Tree.Branch(p); ok {
				contribution.items = branch
				contribution.own = true
			}
			group.branches = append(group.branches, contribution)
		}
		groups = append(groups, group)
	}

	if opts.OnlyMatchingPaths {
		groups = filterMatching(groups)
	}
	return groups, nil
}

// filterMatching keeps only groups where every tree owns a non-empty branch
// at the group's path. Broadcast copies and padded-empty branches do not
// qualify, so a broadcasting flat tree passes only at its home path.
func filterMatching[T any](groups []alignmentGroup[T]) []alignmentGroup[T] {
	matched := groups[:0:0]
	for _, g := range groups {
		all := true
		for _, b := range g.branches {
			if !b.own || len(b.items) == 0 {
				all = false
				break
			}
		}
		if all {
			matched = append(matched, g)
		}
	}
	return matched
}
