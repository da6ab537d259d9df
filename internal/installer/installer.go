// Package installer implements the installer-policy subsystem:
// SetInstallerPolicy, independent of voting.
package installer

import (
	"context"
	"errors"

	"ballotd/internal/analytics"
	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
	"ballotd/internal/store"
	"ballotd/internal/taskqueue"
	"ballotd/internal/voting"
)

// ErrInvalidPolicy is returned when newPolicy is not one of the two
// installer-override policies.
var ErrInvalidPolicy = errors.New("installer: policy must be FORCE_INSTALLER or FORCE_NOT_INSTALLER")

// ErrNotFound is returned when blockableID does not name a known blockable.
var ErrNotFound = errors.New("installer: blockable not found")

// ErrNotBinary is returned when blockableID names a certificate or bundle;
// installer policy only applies to binaries.
var ErrNotBinary = errors.New("installer: blockable is not a binary")

// Subsystem applies installer-policy overrides, independent of the ballot
// box. It shares the voting package's ChangeSetQueueName so the same
// committer drains both kinds of change.
type Subsystem struct {
	store     *store.Store
	analytics *analytics.Sink
	tasks     *taskqueue.Queue
}

// New constructs a Subsystem.
func New(s *store.Store, sink *analytics.Sink, tasks *taskqueue.Queue) *Subsystem {
	return &Subsystem{store: s, analytics: sink, tasks: tasks}
}

// SetInstallerPolicy finds the current in-effect installer rule; noop if it
// already matches newPolicy; otherwise disables the old one, creates the
// new one, carries it in a ChangeSet (Windows blockables only), and flips
// Blockable.IsInstaller to match. Returns the resulting IsInstaller value.
func (sub *Subsystem) SetInstallerPolicy(ctx context.Context, blockableID string, newPolicy ballotmodels.RulePolicy) (bool, error) {
	if newPolicy != ballotmodels.PolicyForceInstaller && newPolicy != ballotmodels.PolicyForceNotInstaller {
		return false, ErrInvalidPolicy
	}

	var newIsInstaller bool
	err := sub.store.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		cur, err := tx.GetBlockable(ctx, blockableID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if cur.IDType != permissions.IDTypeBinary {
			return ErrNotBinary
		}
		now := tx.Now()

		rules, err := tx.QueryInEffectRules(ctx, blockableID)
		if err != nil {
			return err
		}
		var existing *ballotmodels.Rule
		for i := range rules {
			if rules[i].Policy == ballotmodels.PolicyForceInstaller || rules[i].Policy == ballotmodels.PolicyForceNotInstaller {
				existing = &rules[i]
				break
			}
		}
		if existing != nil && existing.Policy == newPolicy {
			newIsInstaller = cur.IsInstaller
			return nil
		}
		if existing != nil {
			existing.InEffect = false
			existing.UpdatedDT = now
			if err := tx.PutRule(ctx, existing); err != nil {
				return err
			}
		}

		newRule := ballotmodels.Rule{
			ID:          store.NewID(),
			BlockableID: blockableID,
			RuleType:    cur.RuleType,
			Policy:      newPolicy,
			InEffect:    true,
			CreatedDT:   now,
			UpdatedDT:   now,
		}
		if err := tx.PutRule(ctx, &newRule); err != nil {
			return err
		}

		if cur.Platform == permissions.Windows {
			cs := ballotmodels.ChangeSet{
				ID:          store.NewID(),
				BlockableID: blockableID,
				RuleIDs:     []string{newRule.ID},
				ChangeType:  ballotmodels.ChangeAllow,
				CreatedDT:   now,
			}
			if err := tx.PutChangeSet(ctx, &cs); err != nil {
				return err
			}
			id := cs.ID
			tx.OnCommit(func() {
				_ = sub.tasks.Defer(context.Background(), voting.ChangeSetQueueName, blockableID, []byte(id))
			})
		}

		cur.IsInstaller = newPolicy == ballotmodels.PolicyForceInstaller
		if err := tx.PutBlockable(ctx, cur); err != nil {
			return err
		}
		newIsInstaller = cur.IsInstaller

		sub.analytics.Insert(analytics.Row{
			Table: analytics.TableBinary,
			Event: analytics.EventComment,
			Fields: map[string]string{
				"blockable_id": blockableID,
				"policy":       string(newPolicy),
			},
			Timestamp: now,
		})
		return nil
	})
	return newIsInstaller, err
}
