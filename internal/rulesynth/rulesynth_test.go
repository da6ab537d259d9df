package rulesynth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
	"ballotd/internal/rulesynth"
)

type fakeRuleStore struct {
	rules []ballotmodels.Rule
}

func (f *fakeRuleStore) QueryInEffectRules(ctx context.Context, blockableID string) ([]ballotmodels.Rule, error) {
	var out []ballotmodels.Rule
	for _, r := range f.rules {
		if r.BlockableID == blockableID && r.InEffect {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) PutRule(ctx context.Context, r *ballotmodels.Rule) error {
	f.rules = append(f.rules, *r)
	return nil
}

func (f *fakeRuleStore) PutRules(ctx context.Context, rules []ballotmodels.Rule) error {
	for _, r := range rules {
		f.put(r)
	}
	return nil
}

func (f *fakeRuleStore) put(updated ballotmodels.Rule) {
	for i, r := range f.rules {
		if r.ID == updated.ID {
			f.rules[i] = updated
			return
		}
	}
	f.rules = append(f.rules, updated)
}

func (f *fakeRuleStore) inEffect() []ballotmodels.Rule {
	var out []ballotmodels.Rule
	for _, r := range f.rules {
		if r.InEffect {
			out = append(out, r)
		}
	}
	return out
}

func TestGlobalAllow_DisablesLocalAllowsAndDenies(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "r1", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, HostID: "host-1", InEffect: true, RuleType: permissions.RuleTypeBinary},
		{ID: "r2", BlockableID: "b1", Policy: ballotmodels.PolicyDeny, InEffect: true, RuleType: permissions.RuleTypeBinary},
	}}
	rule, err := rulesynth.GlobalAllow(context.Background(), fs, "b1", permissions.RuleTypeBinary, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, ballotmodels.PolicyAllow, rule.Policy)
	require.Empty(t, rule.HostID)

	inEffect := fs.inEffect()
	require.Len(t, inEffect, 1)
	require.Equal(t, "b1", inEffect[0].BlockableID)
	require.Equal(t, ballotmodels.PolicyAllow, inEffect[0].Policy)
}

func TestGlobalAllow_IdempotentWhenAlreadyInEffect(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "existing", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, InEffect: true, RuleType: permissions.RuleTypeBinary},
	}}
	rule, err := rulesynth.GlobalAllow(context.Background(), fs, "b1", permissions.RuleTypeBinary, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, "existing", rule.ID)
	require.Len(t, fs.rules, 1, "no new rule should be created")
}

func TestGlobalDeny_DisablesAllAllows(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "r1", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, InEffect: true, RuleType: permissions.RuleTypeBinary},
	}}
	rule, err := rulesynth.GlobalDeny(context.Background(), fs, "b1", permissions.RuleTypeBinary, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, ballotmodels.PolicyDeny, rule.Policy)
	require.Len(t, fs.inEffect(), 1)
}

func TestLocalAllow_SkipsAlreadyCoveredPairs(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "r1", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, HostID: "h1", UserKey: "alice", InEffect: true, RuleType: permissions.RuleTypeBinary},
	}}
	created, err := rulesynth.LocalAllow(context.Background(), fs, "b1", permissions.RuleTypeBinary, []rulesynth.HostUser{
		{UserKey: "alice", HostID: "h1"},
		{UserKey: "bob", HostID: "h2"},
	}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, "bob", created[0].UserKey)
}

func TestLocalAllow_NoNewPairsReturnsNil(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "r1", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, HostID: "h1", UserKey: "alice", InEffect: true, RuleType: permissions.RuleTypeBinary},
	}}
	created, err := rulesynth.LocalAllow(context.Background(), fs, "b1", permissions.RuleTypeBinary, []rulesynth.HostUser{
		{UserKey: "alice", HostID: "h1"},
	}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Nil(t, created)
}

func TestRemoveRules_OneRemovalPerHost(t *testing.T) {
	disabled := []ballotmodels.Rule{
		{HostID: "h1"},
		{HostID: "h2"},
		{HostID: "h1"},
	}
	fs := &fakeRuleStore{}
	removed, err := rulesynth.RemoveRules(context.Background(), fs, "b1", permissions.RuleTypeBinary, disabled, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, removed, 2)
}

func TestRemoveRules_GlobalRemovalWhenNoHostScoped(t *testing.T) {
	fs := &fakeRuleStore{}
	removed, err := rulesynth.RemoveRules(context.Background(), fs, "b1", permissions.RuleTypeBinary, nil, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Empty(t, removed[0].HostID)
}

func TestAuditRules_SynthesizesMissingGlobalDeny(t *testing.T) {
	fs := &fakeRuleStore{}
	err := rulesynth.AuditRules(context.Background(), fs, "b1", permissions.RuleTypeBinary, ballotmodels.StateBanned, time.Unix(1, 0))
	require.NoError(t, err)
	inEffect := fs.inEffect()
	require.Len(t, inEffect, 1)
	require.Equal(t, ballotmodels.PolicyDeny, inEffect[0].Policy)
}

func TestAuditRules_DisablesWrongRuleType(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "r1", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, InEffect: true, RuleType: permissions.RuleTypeCertificate},
	}}
	err := rulesynth.AuditRules(context.Background(), fs, "b1", permissions.RuleTypeBinary, ballotmodels.StateUntrusted, time.Unix(1, 0))
	require.NoError(t, err)
	require.Empty(t, fs.inEffect())
}

func TestAuditRules_LocalAllowSurvivesUntrusted(t *testing.T) {
	fs := &fakeRuleStore{rules: []ballotmodels.Rule{
		{ID: "r1", BlockableID: "b1", Policy: ballotmodels.PolicyAllow, HostID: "h1", InEffect: true, RuleType: permissions.RuleTypeBinary},
	}}
	err := rulesynth.AuditRules(context.Background(), fs, "b1", permissions.RuleTypeBinary, ballotmodels.StateUntrusted, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, fs.inEffect(), 1, "host-scoped local allow should survive a transition back to untrusted")
}
