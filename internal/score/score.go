// Package score implements the pure score calculation: the sum of
// in-effect vote weights, signed by polarity.
package score

import "ballotd/internal/ballotmodels"

// Compute sums effective_weight(v) over the supplied in-effect votes. A
// first-put blockable with no votes yet simply has an empty slice passed in
// here — the caller (internal/voting) is responsible for never issuing a
// query for a brand-new blockable.
func Compute(votes []ballotmodels.Vote) int64 {
	var total int64
	for _, v := range votes {
		total += v.EffectiveWeight()
	}
	return total
}

// ApplyDelta computes the expected post-vote score without re-querying
// votes, because the just-written vote is not yet visible to its own
// ancestor-scoped index inside the transaction.
//
//	expected = current - old_effective + new_effective
func ApplyDelta(current int64, oldVote, newVote *ballotmodels.Vote) int64 {
	expected := current
	if oldVote != nil {
		expected -= oldVote.EffectiveWeight()
	}
	if newVote != nil {
		expected += newVote.EffectiveWeight()
	}
	return expected
}
