package store

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ballotd/internal/permissions"
)

func TestEncodeDecodeCSV_RoundTrip(t *testing.T) {
	values := []string{"alice", "bob", "carol"}
	require.Equal(t, values, decodeCSV(encodeCSV(values)))
}

func TestDecodeCSV_Empty(t *testing.T) {
	require.Nil(t, decodeCSV(""))
}

func TestEncodePermissions_RoundTrip(t *testing.T) {
	perms := []permissions.Permission{permissions.Flag, permissions.Unflag}
	require.Equal(t, perms, decodePermissions(encodePermissions(perms)))
}

func TestDecodePermissions_Empty(t *testing.T) {
	require.Nil(t, decodePermissions(""))
}

func TestInEffectSubID_NamespacedPerVoter(t *testing.T) {
	a := InEffectSubID("alice")
	b := InEffectSubID("bob")
	require.NotEqual(t, a, b)
	require.True(t, strings.HasSuffix(a, "alice"))
}

func TestArchiveVoteKey_UniquePerCall(t *testing.T) {
	first := ArchiveVoteKey()
	second := ArchiveVoteKey()
	require.NotEqual(t, first, second)
	require.True(t, strings.HasPrefix(first, "archived:"))
}

func TestNewID_UniquePerCall(t *testing.T) {
	require.NotEqual(t, NewID(), NewID())
}

func TestIsSerializationFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: could not serialize access due to concurrent update"), true},
		{errors.New("pq: deadlock detected"), true},
		{errors.New("SQLSTATE 40001"), true},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, isSerializationFailure(c.err))
	}
}
