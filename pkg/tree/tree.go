package tree

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Tree is a sparse, path-addressed collection of branches. Each branch is an
// ordered list of items of type T stored at a Path. Branches are kept in
// ascending path order; every traversal method walks them in that order.
//
// The zero value is not usable; construct trees with New.
type Tree[T any] struct {
	branches map[string][]T
	paths    []Path
}

// New creates an empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{branches: make(map[string][]T)}
}

// Of builds a tree from alternating path/branch pairs. It is a convenience
// for literals in examples and tests; invalid paths cause an error.
func Of[T any](pairs ...Pair[T]) (*Tree[T], error) {
	t := New[T]()
	for _, pr := range pairs {
		if err := t.Set(pr.Path, pr.Items); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Pair couples a path with its branch items, for use with Of.
type Pair[T any] struct {
	Path  Path
	Items []T
}

// Set stores items as the branch at path, replacing any existing branch.
// The path and items are copied. Returns ErrInvalidPath for unusable paths.
func (t *Tree[T]) Set(path Path, items []T) error {
	if err := path.Validate(); err != nil {
		return err
	}
	key := path.String()
	if _, exists := t.branches[key]; !exists {
		t.insertPath(path)
	}
	branch := make([]T, len(items))
	copy(branch, items)
	t.branches[key] = branch
	return nil
}

// Append adds items to the end of the branch at path, creating the branch
// if it does not exist yet.
func (t *Tree[T]) Append(path Path, items ...T) error {
	if err := path.Validate(); err != nil {
		return err
	}
	key := path.String()
	if _, exists := t.branches[key]; !exists {
		t.insertPath(path)
	}
	t.branches[key] = append(t.branches[key], items...)
	return nil
}

// Branch returns a copy of the branch stored at path and whether the path
// is present. Mutating the returned slice does not affect the tree.
func (t *Tree[T]) Branch(path Path) ([]T, bool) {
	branch, ok := t.branches[path.String()]
	if !ok {
		return nil, false
	}
	out := make([]T, len(branch))
	copy(out, branch)
	return out, true
}

// Has reports whether a branch exists at path.
func (t *Tree[T]) Has(path Path) bool {
	_, ok := t.branches[path.String()]
	return ok
}

// Paths returns the tree's paths in ascending order. The slice and its
// paths are copies.
func (t *Tree[T]) Paths() []Path {
	out := make([]Path, len(t.paths))
	for i, p := range t.paths {
		out[i] = p.Clone()
	}
	return out
}

// Roots returns the distinct root indices across all paths, in ascending
// path order of first appearance.
func (t *Tree[T]) Roots() []int {
	seen := make(map[int]struct{})
	var roots []int
	for _, p := range t.paths {
		r := p.Root()
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			roots = append(roots, r)
		}
	}
	return roots
}

// Len returns the number of branches in the tree.
func (t *Tree[T]) Len() int { return len(t.paths) }

// IsEmpty reports whether the tree holds no branches.
func (t *Tree[T]) IsEmpty() bool { return len(t.paths) == 0 }

// ItemCount returns the total number of items across all branches.
func (t *Tree[T]) ItemCount() int {
	total := 0
	for _, branch := range t.branches {
		total += len(branch)
	}
	return total
}

// Walk visits every branch in ascending path order. Returning false from fn
// stops the walk. The branch slice passed to fn is the stored one; fn must
// not modify it.
func (t *Tree[T]) Walk(fn func(path Path, branch []T) bool) {
	for _, p := range t.paths {
		if !fn(p, t.branches[p.String()]) {
			return
		}
	}
}

// Clone returns a deep copy of the tree structure. Items themselves are
// copied by assignment.
func (t *Tree[T]) Clone() *Tree[T] {
	out := New[T]()
	t.Walk(func(path Path, branch []T) bool {
		_ = out.Set(path, branch)
		return true
	})
	return out
}

func (t *Tree[T]) insertPath(path Path) {
	p := path.Clone()
	i := sort.Search(len(t.paths), func(i int) bool {
		return t.paths[i].Compare(p) >= 0
	})
	t.paths = append(t.paths, nil)
	copy(t.paths[i+1:], t.paths[i:])
	t.paths[i] = p
}

// branchEntry is the wire shape of one branch.
type branchEntry[T any] struct {
	Path  Path `json:"path"`
	Items []T  `json:"items"`
}

// MarshalJSON encodes the tree as an array of {path, items} entries in
// ascending path order.
func (t *Tree[T]) MarshalJSON() ([]byte, error) {
	entries := make([]branchEntry[T], 0, len(t.paths))
	t.Walk(func(path Path, branch []T) bool {
		entries = append(entries, branchEntry[T]{Path: path, Items: branch})
		return true
	})
	return json.Marshal(entries)
}

// UnmarshalJSON decodes an array of {path, items} entries. Existing content
// is discarded. Entries with invalid paths fail the decode.
func (t *Tree[T]) UnmarshalJSON(data []byte) error {
	var entries []branchEntry[T]
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	t.branches = make(map[string][]T, len(entries))
	t.paths = nil
	for _, e := range entries {
		if err := t.Set(e.Path, e.Items); err != nil {
			return fmt.Errorf("branch %s: %w", e.Path, err)
		}
	}
	return nil
}

// Named pairs a tree with the label under which it participates in a run.
// Runs consume an ordered slice of Named inputs and emit one Named output
// per result channel.
type Named[T any] struct {
	Label string   `json:"label"`
	Tree  *Tree[T] `json:"tree"`
}

// NewNamed couples a label with a tree.
func NewNamed[T any](label string, t *Tree[T]) Named[T] {
	return Named[T]{Label: label, Tree: t}
}
