package engine

import (
	"fmt"

	"github.com/wehubfusion/Arbor/pkg/engine/logging"
)

// Topology selects how aligned branches are decomposed into invocations
// and how invocation results are placed back into output paths.
type Topology string

const (
	// BranchToBranch dispatches one invocation per aligned path carrying
	// the full branches; results land at that same path.
	BranchToBranch Topology = "branchToBranch"

	// ItemToItem dispatches one invocation per item index with
	// single-item branches; results concatenate in index order back into
	// one branch at the original path. Branches must share one common
	// non-zero length per aligned path.
	ItemToItem Topology = "itemToItem"

	// BranchFlatten concatenates every branch across all aligned paths
	// into one flat list per label and dispatches exactly one invocation
	// for the whole run; its result lands at the root path {0}.
	BranchFlatten Topology = "branchFlatten"

	// ItemGraft decomposes like ItemToItem but grafts each item's result
	// onto a new child path formed by appending the item index.
	ItemGraft Topology = "itemGraft"
)

// Valid reports whether the topology is one of the four defined modes.
func (t Topology) Valid() bool {
	switch t {
	case BranchToBranch, ItemToItem, BranchFlatten, ItemGraft:
		return true
	}
	return false
}

// Options configures one run. The zero value is not valid; Topology must
// be set. Options are read once at the start of a run and never mutated.
type Options struct {
	// Topology selects the decomposition strategy.
	Topology Topology `json:"topology"`

	// OnlyMatchingPaths keeps only output paths where every input tree
	// supplied its own non-empty branch. Broadcast and padded-empty
	// contributions do not count as matching.
	OnlyMatchingPaths bool `json:"onlyMatchingPaths"`

	// GroupIdenticalBranches runs the transform once per distinct branch
	// content and replicates the result to every path sharing that
	// content. Inert under BranchFlatten.
	GroupIdenticalBranches bool `json:"groupIdenticalBranches"`
}

// Validate checks the options for a usable combination.
func (o Options) Validate() error {
	if !o.Topology.Valid() {
		return fmt.Errorf("%w: unknown topology %q", ErrInvalidConfiguration, string(o.Topology))
	}
	return nil
}

// RunConfig carries the ambient knobs of a run: logging, progress
// reporting, execution concurrency, and the dedup content key. The zero
// value is usable and means: no logging, no progress callback, sequential
// execution, JSON content keys.
type RunConfig[T any] struct {
	// Logger receives stage summaries. Nil disables logging.
	Logger logging.Logger

	// Progress is invoked after each completed invocation with the
	// running completed count and the pre-computed total. Nil disables
	// progress reporting.
	Progress ProgressFunc

	// MaxConcurrent caps how many invocations run at once. Values below 2
	// select strictly sequential execution. Concurrent execution never
	// changes the assembled output.
	MaxConcurrent int

	// Keyer overrides the content key used to group identical branches.
	// Nil selects JSONBranchKeyer.
	Keyer BranchKeyer[T]
}

// DefaultRunConfig returns the zero configuration ready for With chaining.
func DefaultRunConfig[T any]() RunConfig[T] {
	return RunConfig[T]{}
}

// WithLogger sets the logger.
func (c RunConfig[T]) WithLogger(logger logging.Logger) RunConfig[T] {
	c.Logger = logger
	return c
}

// WithProgress sets the progress callback.
func (c RunConfig[T]) WithProgress(fn ProgressFunc) RunConfig[T] {
	c.Progress = fn
	return c
}

// WithMaxConcurrent sets the invocation concurrency cap.
func (c RunConfig[T]) WithMaxConcurrent(n int) RunConfig[T] {
	c.MaxConcurrent = n
	return c
}

// WithKeyer sets the dedup content keyer.
func (c RunConfig[T]) WithKeyer(keyer BranchKeyer[T]) RunConfig[T] {
	c.Keyer = keyer
	return c
}

// normalize applies defaults for unset fields.
func (c RunConfig[T]) normalize() RunConfig[T] {
	if c.Logger == nil {
		c.Logger = &logging.NoOpLogger{}
	}
	if c.Keyer == nil {
		c.Keyer = JSONBranchKeyer[T]
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	return c
}
