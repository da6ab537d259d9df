package flagaudit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/flagaudit"
	"ballotd/internal/permissions"
)

func lookupNone(string) []permissions.Permission { return nil }

func lookupUnflag(userKey string) []permissions.Permission {
	if userKey == "alice" {
		return []permissions.Permission{permissions.Unflag}
	}
	return nil
}

func TestCheck_SetsFlagOnNegativeVote(t *testing.T) {
	b := &ballotmodels.Blockable{Flagged: false}
	votes := []ballotmodels.Vote{
		{UserKey: "bob", WasYesVote: false, RecordedDT: time.Unix(100, 0)},
	}
	flagged, changed := flagaudit.Check(b, votes, lookupNone)
	require.True(t, flagged)
	require.True(t, changed)
}

func TestCheck_ClearsFlagWhenNoNegativeVotesRemain(t *testing.T) {
	b := &ballotmodels.Blockable{Flagged: true}
	votes := []ballotmodels.Vote{
		{UserKey: "bob", WasYesVote: true, RecordedDT: time.Unix(100, 0)},
	}
	flagged, changed := flagaudit.Check(b, votes, lookupNone)
	require.False(t, flagged)
	require.True(t, changed)
}

func TestCheck_NewestUnflagCapableUpvoteClearsFlag(t *testing.T) {
	b := &ballotmodels.Blockable{Flagged: false}
	votes := []ballotmodels.Vote{
		{UserKey: "bob", WasYesVote: false, RecordedDT: time.Unix(100, 0)},
		{UserKey: "alice", WasYesVote: true, RecordedDT: time.Unix(200, 0)},
	}
	flagged, changed := flagaudit.Check(b, votes, lookupUnflag)
	require.False(t, flagged)
	require.False(t, changed)
}

func TestCheck_NewestUnflagCapableDownvoteKeepsFlag(t *testing.T) {
	b := &ballotmodels.Blockable{Flagged: false}
	votes := []ballotmodels.Vote{
		{UserKey: "alice", WasYesVote: true, RecordedDT: time.Unix(100, 0)},
		{UserKey: "alice", WasYesVote: false, RecordedDT: time.Unix(200, 0)},
	}
	flagged, changed := flagaudit.Check(b, votes, lookupUnflag)
	require.True(t, flagged)
	require.True(t, changed)
}

func TestCheck_NoChangeWhenAlreadyConsistent(t *testing.T) {
	b := &ballotmodels.Blockable{Flagged: false}
	votes := []ballotmodels.Vote{
		{UserKey: "bob", WasYesVote: true, RecordedDT: time.Unix(100, 0)},
	}
	_, changed := flagaudit.Check(b, votes, lookupNone)
	require.False(t, changed)
}
