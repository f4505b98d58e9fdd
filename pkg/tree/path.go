package tree

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned when a path is empty or contains a negative
// index. Paths address branches inside a Tree and must carry at least one
// non-negative integer.
var ErrInvalidPath = errors.New("path must contain at least one non-negative index")

// Path is an ordered sequence of non-negative integers addressing a branch
// within a Tree. The first element is the root index; each further element
// descends one level. Paths are value types: constructors and accessors copy
// the underlying slice, so a Path can be shared freely once built.
//
// Paths are totally ordered lexicographically, with shorter paths ordering
// before longer paths that share the same prefix. {0} < {0,0} < {0,1} < {1}.
type Path []int

// NewPath builds a Path from the given indices. The input is copied.
//
// Example:
//
//	p := tree.NewPath(0, 1)
//	fmt.Println(p) // {0,1}
func NewPath(indices ...int) Path {
	p := make(Path, len(indices))
	copy(p, indices)
	return p
}

// Validate reports whether the path is usable as a Tree key: non-empty and
// free of negative indices.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: path is empty", ErrInvalidPath)
	}
	for i, idx := range p {
		if idx < 0 {
			return fmt.Errorf("%w: index %d at position %d", ErrInvalidPath, idx, i)
		}
	}
	return nil
}

// Root returns the first index of the path. Calling Root on an empty path
// returns -1; validated paths are never empty.
func (p Path) Root() int {
	if len(p) == 0 {
		return -1
	}
	return p[0]
}

// Len returns the number of indices in the path.
func (p Path) Len() int { return len(p) }

// Compare orders two paths lexicographically. Shorter paths sort before
// longer paths sharing the same prefix. Returns -1, 0, or 1.
func (p Path) Compare(other Path) int {
	n := len(p)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		switch {
		case p[i] < other[i]:
			return -1
		case p[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	}
	return 0
}

// Equal reports whether two paths contain the same index sequence.
func (p Path) Equal(other Path) bool {
	return p.Compare(other) == 0
}

// IsAncestorOf reports whether p is a proper prefix of other. A path is not
// its own ancestor.
func (p Path) IsAncestorOf(other Path) bool {
	if len(p) >= len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Child returns a new path one level deeper, formed by appending index.
// The receiver is not modified.
func (p Path) Child(index int) Path {
	child := make(Path, len(p)+1)
	copy(child, p)
	child[len(p)] = index
	return child
}

// Parent returns the path one level up and true, or nil and false when the
// path has a single index.
func (p Path) Parent() (Path, bool) {
	if len(p) <= 1 {
		return nil, false
	}
	parent := make(Path, len(p)-1)
	copy(parent, p[:len(p)-1])
	return parent, true
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	return NewPath(p...)
}

// String renders the path in brace notation, e.g. "{0,1}".
func (p Path) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, idx := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", idx)
	}
	b.WriteByte('}')
	return b.String()
}
