// Package statemachine implements the voting state machine: mapping
// (current state, score, privileged actions) to a new state.
package statemachine

import "ballotd/internal/ballotmodels"

// Thresholds configures the score boundaries for each automatically-reached
// state. LocalAllow is a pointer because local-allow is optional: some
// deployments (certificates) never grant it.
type Thresholds struct {
	Ban        int64
	LocalAllow *int64
	Global     int64
}

// Actor captures the privileged-vote context the state machine needs,
// without depending on the full User entity.
type Actor struct {
	MarkMalware bool
}

// Evaluate implements the plain, unprivileged transition:
//  1. score >= Global -> GLOBALLY_ALLOWED
//  2. else if LocalAllow configured and score >= LocalAllow -> APPROVED_FOR_LOCAL_ALLOW
//  3. else if score <= Ban -> BANNED
//  4. else -> UNTRUSTED
func Evaluate(t Thresholds, score int64) ballotmodels.State {
	switch {
	case score >= t.Global:
		return ballotmodels.StateGloballyAllowed
	case t.LocalAllow != nil && score >= *t.LocalAllow:
		return ballotmodels.StateApprovedForLocalAllow
	case score <= t.Ban:
		return ballotmodels.StateBanned
	default:
		return ballotmodels.StateUntrusted
	}
}

// Transition implements the full vote-triggered transition, including the
// two MARK_MALWARE overrides:
//
//   - On an upvote: if the blockable is currently SUSPECT and the voter
//     lacks MARK_MALWARE, the state does not move (SUSPECT is admin-only
//     and a plain vote cannot exit it). Otherwise the plain Evaluate result
//     applies, which may leave SUSPECT for any other computed state.
//   - On a downvote: the plain Evaluate result applies first; then, if the
//     voter holds MARK_MALWARE and the resulting state is not already in
//     the BANNED family, the state is forced to SUSPECT instead.
func Transition(t Thresholds, current ballotmodels.State, score int64, wasYesVote bool, actor Actor) ballotmodels.State {
	if wasYesVote {
		if current == ballotmodels.StateSuspect && !actor.MarkMalware {
			return current
		}
		return Evaluate(t, score)
	}

	next := Evaluate(t, score)
	if actor.MarkMalware && !next.BannedFamily() {
		return ballotmodels.StateSuspect
	}
	return next
}
