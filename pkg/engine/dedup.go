package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Arbor/pkg/tree"
)

// BranchKeyer produces the content key used to group identical branches.
// It receives every label's contribution at one aligned path, in input-tree
// order, and must return equal keys exactly for contributions that should
// share one transform invocation.
type BranchKeyer[T any] func(branches []LabeledBranch[T]) (string, error)

// JSONBranchKeyer is the default content key: a SHA-256 digest over the
// JSON encoding of the labelled branches. Item types must therefore be
// JSON-encodable when branch grouping is enabled; inject a custom keyer
// for types that are not.
func JSONBranchKeyer[T any](branches []LabeledBranch[T]) (string, error) {
	data, err := json.Marshal(branches)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// dedupGroup records one distinct-content group: the representative path
// whose invocation result stands in for every member path.
type dedupGroup struct {
	representative tree.Path
	members        []tree.Path
}

// deduplicate collapses groups with identical branch content down to one
// representative per content key, first in path order. The returned
// dedupGroups drive result replication after assembly.
func deduplicate[T any](groups []alignmentGroup[T], keyer BranchKeyer[T]) ([]alignmentGroup[T], []dedupGroup, error) {
	representatives := make([]alignmentGroup[T], 0, len(groups))
	byKey := make(map[string]int, len(groups))
	var dedup []dedupGroup

	for _, g := range groups {
		labelled := make([]LabeledBranch[T], len(g.branches))
		for i, b := range g.branches {
			labelled[i] = LabeledBranch[T]{Label: b.label, Items: b.items}
		}
		key, err := keyer(labelled)
		if err != nil {
			return nil, nil, fmt.Errorf("branch content key at %s: %w", g.path, err)
		}

		if idx, seen := byKey[key]; seen {
			dedup[idx].members = append(dedup[idx].members, g.path)
			continue
		}
		byKey[key] = len(dedup)
		dedup = append(dedup, dedupGroup{representative: g.path})
		representatives = append(representatives, g)
	}
	return representatives, dedup, nil
}
