// Package flagaudit implements the flag auditor: re-deriving the "flagged"
// boolean from the in-effect votes under a blockable.
package flagaudit

import (
	"sort"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
)

// UserLookup resolves a user key to their held permissions, so the auditor
// can find the most recent UNFLAG-capable positive vote.
type UserLookup func(userKey string) []permissions.Permission

// Check re-derives whether blockable.Flagged should be true, given the
// supplied in-effect votes (newest-first ordering is established inside
// this function). It returns the new value and whether it differs from the
// blockable's current value; callers are responsible for assigning it back.
//
// Logic:
//   - if any in-effect negative vote exists and flagged == false: walk
//     votes from newest to oldest until the first negative vote (by any
//     user); if a positive vote by an UNFLAG-capable user is found before
//     it, leave flagged == false; otherwise set flagged = true.
//   - if no in-effect negative vote exists and flagged == true: clear it.
//   - otherwise, no change.
func Check(blockable *ballotmodels.Blockable, votes []ballotmodels.Vote, lookup UserLookup) (newFlagged bool, changed bool) {
	hasNegative := false
	for _, v := range votes {
		if !v.WasYesVote {
			hasNegative = true
			break
		}
	}

	switch {
	case hasNegative && !blockable.Flagged:
		sorted := make([]ballotmodels.Vote, len(votes))
		copy(sorted, votes)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].RecordedDT.After(sorted[j].RecordedDT)
		})
		shouldFlag := true
		for _, v := range sorted {
			if v.WasYesVote {
				perms := lookup(v.UserKey)
				if permissions.HasPermission(perms, permissions.Unflag) {
					shouldFlag = false
					break
				}
				continue
			}
			// A downvote newer than any unflag-capable upvote: keep the
			// flag set.
			break
		}
		return shouldFlag, shouldFlag != blockable.Flagged

	case !hasNegative && blockable.Flagged:
		return false, true

	default:
		return blockable.Flagged, false
	}
}
