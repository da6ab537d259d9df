package hostselect_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ballotd/internal/hostselect"
	"ballotd/internal/permissions"
)

type fakeHostLister struct {
	primary map[string][]string
	byUser  map[string][]string
}

func (f fakeHostLister) HostsByPrimaryUser(ctx context.Context, username string) ([]string, error) {
	return f.primary[username], nil
}

func (f fakeHostLister) HostsByUser(ctx context.Context, username string) ([]string, error) {
	return f.byUser[username], nil
}

func TestFor_MacOSUsesPrimaryUser(t *testing.T) {
	lister := fakeHostLister{primary: map[string][]string{"alice": {"mac-1"}}}
	strategy := hostselect.For(permissions.MacOS, lister)
	hosts, err := strategy.HostsFor(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"mac-1"}, hosts)
}

func TestFor_WindowsUsesMultiValueUsers(t *testing.T) {
	lister := fakeHostLister{byUser: map[string][]string{"alice": {"win-1", "win-2"}}}
	strategy := hostselect.For(permissions.Windows, lister)
	hosts, err := strategy.HostsFor(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"win-1", "win-2"}, hosts)
}

func TestFor_UnknownPlatformDefaultsToMacOSStrategy(t *testing.T) {
	lister := fakeHostLister{primary: map[string][]string{"bob": {"mac-2"}}}
	strategy := hostselect.For(permissions.Platform("UNKNOWN"), lister)
	hosts, err := strategy.HostsFor(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"mac-2"}, hosts)
}
