package installer_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ballotd/internal/analytics"
	"ballotd/internal/ballotmodels"
	"ballotd/internal/installer"
	"ballotd/internal/permissions"
	"ballotd/internal/store"
	"ballotd/internal/taskqueue"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func newTestSubsystem(t *testing.T) (*installer.Subsystem, *store.Store) {
	t.Helper()
	db := setupTestDB(t)
	s := store.New(db, nil)
	sink, err := analytics.New(filepath.Join(t.TempDir(), "stage"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	tasks := taskqueue.New(store.NewTaskStore(s), nil, nil)
	return installer.New(s, sink, tasks), s
}

func seedBlockable(t *testing.T, s *store.Store, id string, platform permissions.Platform) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.RunInTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return tx.PutBlockable(ctx, &ballotmodels.Blockable{
			ID: id, IDType: permissions.IDTypeBinary, Platform: platform,
			RuleType: permissions.RuleTypeBinary, State: ballotmodels.StateUntrusted,
			FirstSeenDT: now, UpdatedDT: now,
		})
	}))
}

func TestSetInstallerPolicy_CreatesRuleAndFlipsFlag(t *testing.T) {
	sub, s := newTestSubsystem(t)
	ctx := context.Background()
	seedBlockable(t, s, "bin-1", permissions.MacOS)

	isInstaller, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyForceInstaller)
	require.NoError(t, err)
	require.True(t, isInstaller)

	b, err := s.GetBlockable(ctx, "bin-1")
	require.NoError(t, err)
	require.True(t, b.IsInstaller)

	rules, err := s.QueryInEffectRules(ctx, "bin-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, ballotmodels.PolicyForceInstaller, rules[0].Policy)
}

func TestSetInstallerPolicy_NoopWhenAlreadySet(t *testing.T) {
	sub, s := newTestSubsystem(t)
	ctx := context.Background()
	seedBlockable(t, s, "bin-1", permissions.MacOS)

	_, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyForceInstaller)
	require.NoError(t, err)
	isInstaller, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyForceInstaller)
	require.NoError(t, err)
	require.True(t, isInstaller)

	rules, err := s.QueryInEffectRules(ctx, "bin-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestSetInstallerPolicy_SwitchingPolicyDisablesThePreviousRule(t *testing.T) {
	sub, s := newTestSubsystem(t)
	ctx := context.Background()
	seedBlockable(t, s, "bin-1", permissions.MacOS)

	_, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyForceInstaller)
	require.NoError(t, err)
	isInstaller, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyForceNotInstaller)
	require.NoError(t, err)
	require.False(t, isInstaller)

	rules, err := s.QueryInEffectRules(ctx, "bin-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, ballotmodels.PolicyForceNotInstaller, rules[0].Policy)

	b, err := s.GetBlockable(ctx, "bin-1")
	require.NoError(t, err)
	require.False(t, b.IsInstaller)
}

func TestSetInstallerPolicy_WindowsEnqueuesChangeSet(t *testing.T) {
	sub, s := newTestSubsystem(t)
	ctx := context.Background()
	seedBlockable(t, s, "bin-1", permissions.Windows)

	_, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyForceInstaller)
	require.NoError(t, err)

	sets, err := s.QueryChangeSets(ctx, "bin-1")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	require.Equal(t, ballotmodels.ChangeAllow, sets[0].ChangeType)
}

func TestSetInstallerPolicy_RejectsInvalidPolicy(t *testing.T) {
	sub, s := newTestSubsystem(t)
	ctx := context.Background()
	seedBlockable(t, s, "bin-1", permissions.MacOS)

	_, err := sub.SetInstallerPolicy(ctx, "bin-1", ballotmodels.PolicyAllow)
	require.ErrorIs(t, err, installer.ErrInvalidPolicy)
}

func TestSetInstallerPolicy_RejectsNonBinaryBlockable(t *testing.T) {
	sub, s := newTestSubsystem(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.PutBlockable(ctx, &ballotmodels.Blockable{
			ID: "cert-1", IDType: permissions.IDTypeCertificate, Platform: permissions.MacOS,
			RuleType: permissions.RuleTypeCertificate, State: ballotmodels.StateUntrusted,
			FirstSeenDT: now, UpdatedDT: now,
		})
	}))

	_, err := sub.SetInstallerPolicy(ctx, "cert-1", ballotmodels.PolicyForceInstaller)
	require.ErrorIs(t, err, installer.ErrNotBinary)
}

func TestSetInstallerPolicy_RejectsUnknownBlockable(t *testing.T) {
	sub, _ := newTestSubsystem(t)
	ctx := context.Background()

	_, err := sub.SetInstallerPolicy(ctx, "missing", ballotmodels.PolicyForceInstaller)
	require.ErrorIs(t, err, installer.ErrNotFound)
}
