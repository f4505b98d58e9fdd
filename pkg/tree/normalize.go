package tree

// NormalizeBranchLengths pads a set of branches to a common length by
// repeating each branch's last item until every branch matches the longest
// one. Zero-length branches stay empty since there is no item to repeat.
// The input slices are not modified; fresh slices are returned.
//
// Transforms use this to reconcile branches of different sizes inside one
// invocation, e.g. a single-item branch repeated against a three-item one:
//
//	tree.NormalizeBranchLengths([][]string{{"a"}, {"x", "y", "z"}})
//	// => [][]string{{"a", "a", "a"}, {"x", "y", "z"}}
func NormalizeBranchLengths[T any](branches [][]T) [][]T {
	maxLen := 0
	for _, b := range branches {
		if len(b) > maxLen {
			maxLen = len(b)
		}
	}

	out := make([][]T, len(branches))
	for i, b := range branches {
		if len(b) == 0 {
			out[i] = []T{}
			continue
		}
		padded := make([]T, maxLen)
		copy(padded, b)
		last := b[len(b)-1]
		for j := len(b); j < maxLen; j++ {
			padded[j] = last
		}
		out[i] = padded
	}
	return out
}
