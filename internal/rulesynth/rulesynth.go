// Package rulesynth implements the rule synthesizer: given a state
// transition, it produces the rule mutations (enable/disable/create) that
// keep in-effect rules coherent with the blockable's current state.
package rulesynth

import (
	"context"
	"time"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
	"ballotd/internal/store"
)

// RuleStore is the subset of store.Tx / store.Store the synthesizer needs.
// Both satisfy it, so the same synthesis logic can run inside a
// transaction (Vote, Recount, Reset) or directly against the store.
type RuleStore interface {
	QueryInEffectRules(ctx context.Context, blockableID string) ([]ballotmodels.Rule, error)
	PutRule(ctx context.Context, r *ballotmodels.Rule) error
	PutRules(ctx context.Context, rules []ballotmodels.Rule) error
}

// HostUser is a single (host, user) pair that should have a local ALLOW
// rule.
type HostUser struct {
	UserKey string
	HostID  string
}

func newRule(blockableID string, ruleType permissions.RuleType, policy ballotmodels.RulePolicy, hostID, userKey string, now time.Time) ballotmodels.Rule {
	return ballotmodels.Rule{
		ID:          store.NewID(),
		BlockableID: blockableID,
		RuleType:    ruleType,
		Policy:      policy,
		InEffect:    true,
		HostID:      hostID,
		UserKey:     userKey,
		CreatedDT:   now,
		UpdatedDT:   now,
	}
}

func disable(now time.Time, rules ...ballotmodels.Rule) []ballotmodels.Rule {
	out := make([]ballotmodels.Rule, 0, len(rules))
	for _, r := range rules {
		r.InEffect = false
		r.UpdatedDT = now
		out = append(out, r)
	}
	return out
}

// GlobalAllow implements the "-> GLOBALLY_ALLOWED" transition: disable every
// in-effect ALLOW with a non-empty host_id and every in-effect DENY, then
// create one global ALLOW. Idempotent: if a matching global ALLOW is
// already in effect, no new rule is created.
func GlobalAllow(ctx context.Context, rs RuleStore, blockableID string, ruleType permissions.RuleType, now time.Time) (*ballotmodels.Rule, error) {
	existing, err := rs.QueryInEffectRules(ctx, blockableID)
	if err != nil {
		return nil, err
	}

	var toDisable []ballotmodels.Rule
	var existingGlobalAllow *ballotmodels.Rule
	for _, r := range existing {
		switch {
		case r.Policy == ballotmodels.PolicyAllow && r.HostID != "":
			toDisable = append(toDisable, r)
		case r.Policy == ballotmodels.PolicyDeny:
			toDisable = append(toDisable, r)
		case r.Policy == ballotmodels.PolicyAllow && r.HostID == "" && r.RuleType == ruleType:
			rc := r
			existingGlobalAllow = &rc
		}
	}
	if len(toDisable) > 0 {
		if err := rs.PutRules(ctx, disable(now, toDisable...)); err != nil {
			return nil, err
		}
	}
	if existingGlobalAllow != nil {
		return existingGlobalAllow, nil
	}

	allow := newRule(blockableID, ruleType, ballotmodels.PolicyAllow, "", "", now)
	if err := rs.PutRule(ctx, &allow); err != nil {
		return nil, err
	}
	return &allow, nil
}

// GlobalDeny implements the "-> BANNED" transition: disable every in-effect
// ALLOW, then create one global DENY. Idempotent like GlobalAllow.
func GlobalDeny(ctx context.Context, rs RuleStore, blockableID string, ruleType permissions.RuleType, now time.Time) (*ballotmodels.Rule, error) {
	existing, err := rs.QueryInEffectRules(ctx, blockableID)
	if err != nil {
		return nil, err
	}

	var toDisable []ballotmodels.Rule
	var existingDeny *ballotmodels.Rule
	for _, r := range existing {
		switch {
		case r.Policy == ballotmodels.PolicyAllow:
			toDisable = append(toDisable, r)
		case r.Policy == ballotmodels.PolicyDeny && r.RuleType == ruleType:
			rc := r
			existingDeny = &rc
		}
	}
	if len(toDisable) > 0 {
		if err := rs.PutRules(ctx, disable(now, toDisable...)); err != nil {
			return nil, err
		}
	}
	if existingDeny != nil {
		return existingDeny, nil
	}

	deny := newRule(blockableID, ruleType, ballotmodels.PolicyDeny, "", "", now)
	if err := rs.PutRule(ctx, &deny); err != nil {
		return nil, err
	}
	return &deny, nil
}

// LocalAllow implements the local-ALLOW rule mutation: given a set of
// (user, host) pairs that should be locally allowed, it creates only the
// pairs not already covered by an in-effect local ALLOW rule of the right
// type. This is how both "first crossing into APPROVED_FOR_LOCAL_ALLOW"
// (pairs = every prior upvoter's hosts) and "already in state, new upvote"
// (pairs = just the new voter's hosts) are expressed — the caller decides
// which pairs to pass, the idempotent-create logic is shared.
func LocalAllow(ctx context.Context, rs RuleStore, blockableID string, ruleType permissions.RuleType, pairs []HostUser, now time.Time) ([]ballotmodels.Rule, error) {
	existing, err := rs.QueryInEffectRules(ctx, blockableID)
	if err != nil {
		return nil, err
	}
	covered := make(map[HostUser]bool, len(existing))
	for _, r := range existing {
		if r.Policy == ballotmodels.PolicyAllow && r.HostID != "" && r.RuleType == ruleType {
			covered[HostUser{UserKey: r.UserKey, HostID: r.HostID}] = true
		}
	}

	var created []ballotmodels.Rule
	for _, pair := range pairs {
		if covered[pair] {
			continue
		}
		created = append(created, newRule(blockableID, ruleType, ballotmodels.PolicyAllow, pair.HostID, pair.UserKey, now))
		covered[pair] = true
	}
	if len(created) == 0 {
		return nil, nil
	}
	if err := rs.PutRules(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// RemoveRules implements the Reset rule mutation: one REMOVE rule per
// distinct host_id among the rules that were just disabled (a single global
// REMOVE if none of them were host-scoped).
func RemoveRules(ctx context.Context, rs RuleStore, blockableID string, ruleType permissions.RuleType, disabledRules []ballotmodels.Rule, now time.Time) ([]ballotmodels.Rule, error) {
	hostIDs := map[string]bool{}
	for _, r := range disabledRules {
		hostIDs[r.HostID] = true
	}
	if len(hostIDs) == 0 {
		hostIDs[""] = true
	}

	removals := make([]ballotmodels.Rule, 0, len(hostIDs))
	for hostID := range hostIDs {
		removals = append(removals, newRule(blockableID, ruleType, ballotmodels.PolicyRemove, hostID, "", now))
	}
	if err := rs.PutRules(ctx, removals); err != nil {
		return nil, err
	}
	return removals, nil
}

// AuditRules implements the Recount repair pass: it disables rules of the
// wrong rule_type, rules inappropriate to the current state, and — when the
// expected rule for GLOBALLY_ALLOWED/BANNED is missing — synthesizes it.
// Local ALLOW rules
// survive a transition back to UNTRUSTED (they represent durable
// per-endpoint grants that a future local-allow re-crossing should not
// have to recreate); only global or non-matching rules are pruned.
func AuditRules(ctx context.Context, rs RuleStore, blockableID string, ruleType permissions.RuleType, state ballotmodels.State, now time.Time) error {
	existing, err := rs.QueryInEffectRules(ctx, blockableID)
	if err != nil {
		return err
	}

	var toDisable []ballotmodels.Rule
	globalAllowExists := false
	globalDenyExists := false

	for _, r := range existing {
		switch {
		case r.RuleType != ruleType:
			toDisable = append(toDisable, r)
		case state == ballotmodels.StateUntrusted:
			if r.IsGlobal() {
				toDisable = append(toDisable, r)
			}
		case r.Policy == ballotmodels.PolicyAllow:
			if state == ballotmodels.StateGloballyAllowed || state == ballotmodels.StateApprovedForLocalAllow {
				if r.IsGlobal() && state == ballotmodels.StateGloballyAllowed {
					globalAllowExists = true
				}
			} else {
				toDisable = append(toDisable, r)
			}
		case r.Policy == ballotmodels.PolicyDeny:
			if state.BannedFamily() {
				globalDenyExists = true
			} else {
				toDisable = append(toDisable, r)
			}
		}
	}

	if len(toDisable) > 0 {
		if err := rs.PutRules(ctx, disable(now, toDisable...)); err != nil {
			return err
		}
	}

	if state == ballotmodels.StateGloballyAllowed && !globalAllowExists {
		if _, err := GlobalAllow(ctx, rs, blockableID, ruleType, now); err != nil {
			return err
		}
	} else if state.BannedFamily() && !globalDenyExists {
		if _, err := GlobalDeny(ctx, rs, blockableID, ruleType, now); err != nil {
			return err
		}
	}
	return nil
}
