package fingerprint

// ForLines converts a set of covered line numbers into a fingerprint: the
// ordered checksums of exactly the blocks containing at least one covered
// line. The module block comes first, then function blocks in source order.
// Order matters: stored fingerprints are compared positionally by callers
// that deduplicate them, so traversal order must be stable across parses.
//
// A line inside nested function bodies belongs to the innermost body; lines
// outside every body belong to the module block. Zero blocks (syntax error)
// yield a nil fingerprint.
func ForLines(blocks []Block, coveredLines []int) []int32 {
	if len(blocks) == 0 {
		return nil
	}

	touched := make([]bool, len(blocks))
	for _, line := range coveredLines {
		if idx := owningBlock(blocks, line); idx >= 0 {
			touched[idx] = true
		}
	}

	var sums []int32
	for i, b := range blocks {
		if touched[i] {
			sums = append(sums, b.Checksum)
		}
	}
	return sums
}

// owningBlock returns the index of the innermost block containing line.
// Parse emits function blocks in source order, so among blocks containing
// the line the innermost is the one with the greatest start line.
func owningBlock(blocks []Block, line int) int {
	best := -1
	bestStart := -1
	for i, b := range blocks {
		if b.IsModule() {
			if best < 0 {
				best = i
			}
			continue
		}
		if line >= b.StartLine && line <= b.EndLine && b.StartLine > bestStart {
			best = i
			bestStart = b.StartLine
		}
	}
	return best
}

// Match reports whether every checksum of a stored fingerprint still exists
// among the current blocks. Membership, not position: a block may move
// within the file without invalidating tests, but a deleted or mutated
// block's checksum disappears and fails the match. Zero current blocks
// (unparseable source) match nothing.
func Match(current []Block, stored []int32) bool {
	if len(current) == 0 {
		return false
	}
	have := make(map[int32]bool, len(current))
	for _, b := range current {
		have[b.Checksum] = true
	}
	for _, s := range stored {
		if !have[s] {
			return false
		}
	}
	return true
}

// Checksums returns the checksum of every block in order, module first.
func Checksums(blocks []Block) []int32 {
	sums := make([]int32, len(blocks))
	for i, b := range blocks {
		sums[i] = b.Checksum
	}
	return sums
}
