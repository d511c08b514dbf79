package coverage

import "sort"

// LeastVisitedEdges returns up to desired indices of the edges with the
// smallest positive hit counts, then adds expectedRounds to each selected
// edge's counter as a pre-biasing step so the scheduler doesn't hand the
// same edges back out immediately on the next call.
//
// Algorithm (mirrors get_least_used_indicies/least_visited_edges in
// coverage.c exactly, including its two-phase sort-then-rescan shape rather
// than a simplified top-K select):
//  1. Copy the hit-count array and sort it ascending.
//  2. Skip leading zeros (edges never hit can't be "least visited among the
//     visited", they're simply absent from consideration).
//  3. Walk forward `desired` entries from the first nonzero one; if that
//     runs off the end, there aren't enough visited edges to satisfy the
//     request.
//  4. Let T be the count at the last entry walked to. Rescan the original
//     (unsorted) count array and collect every edge whose count is in
//     (0, T], stopping once the collected count matches the cardinality
//     determined by step 3 (this naturally handles ties at the T boundary
//     the same way the sorted walk did).
//  5. Bias: add expectedRounds to every selected edge's counter.
func (c *Context) LeastVisitedEdges(desired, expectedRounds uint64) ([]uint64, error) {
	if !c.trackEdges {
		return nil, ErrTrackingDisabled
	}
	if desired == 0 {
		return nil, ErrNoDesiredEdges
	}

	sorted := make([]uint64, len(c.EdgeCount))
	copy(sorted, c.EdgeCount)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	firstNonZero := 0
	for firstNonZero < len(sorted) && sorted[firstNonZero] == 0 {
		firstNonZero++
	}
	if firstNonZero >= len(sorted) {
		// Whole array is zero.
		return nil, nil
	}

	lastIdx := firstNonZero
	count := uint64(0)
	for count < desired && lastIdx < len(sorted) {
		count++
		lastIdx++
	}
	if lastIdx > len(sorted) {
		return nil, nil
	}
	// lastIdx now points one past the last entry walked; the C source reads
	// *last_result_ptr after the loop, i.e. the entry just walked to.
	if lastIdx-1 >= len(sorted) {
		return nil, nil
	}
	actualCount := uint64(lastIdx - firstNonZero)
	threshold := sorted[lastIdx-1]

	var result []uint64
	for i := uint64(0); i < uint64(len(c.EdgeCount)) && uint64(len(result)) < actualCount; i++ {
		n := c.EdgeCount[i]
		if n != 0 && n <= threshold {
			c.EdgeCount[i] += expectedRounds
			result = append(result, i)
		}
	}
	return result, nil
}
