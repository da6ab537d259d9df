// Package bootstrap implements the critical-rule bootstrapper: at process
// startup, ensure a fixed manifest of rules exists and is in effect, with
// no parent vote. Unlike the daemon's YAML config loaded by config.Load, the
// manifest is a TOML file decoded with github.com/BurntSushi/toml.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BurntSushi/toml"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
	"ballotd/internal/store"
)

// CriticalRule is one manifest entry: a rule that must exist and be
// in-effect regardless of any vote history.
type CriticalRule struct {
	BlockableID string `toml:"blockable_id"`
	RuleType    string `toml:"rule_type"`
	HostID      string `toml:"host_id"`
}

// Manifest is the decoded shape of the critical-rule TOML file.
type Manifest struct {
	Rules []CriticalRule `toml:"rule"`
}

// LoadManifest decodes a critical-rule manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("bootstrap: decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// Bootstrapper applies a Manifest idempotently, at most once per process
// lifetime.
type Bootstrapper struct {
	store *store.Store
	log   *slog.Logger
	once  sync.Once
	err   error
}

// New constructs a Bootstrapper.
func New(s *store.Store, log *slog.Logger) *Bootstrapper {
	if log == nil {
		log = slog.Default()
	}
	return &Bootstrapper{store: s, log: log}
}

// Run applies m exactly once for this Bootstrapper's lifetime; subsequent
// calls return the first call's result without re-running. The apply logic
// itself is additionally idempotent against store state, so re-running
// Run across process restarts is always safe.
func (b *Bootstrapper) Run(ctx context.Context, m *Manifest) error {
	b.once.Do(func() {
		b.err = b.apply(ctx, m)
	})
	return b.err
}

func (b *Bootstrapper) apply(ctx context.Context, m *Manifest) error {
	for _, cr := range m.Rules {
		if err := b.ensureRule(ctx, cr); err != nil {
			return fmt.Errorf("bootstrap: critical rule %s/%s: %w", cr.BlockableID, cr.RuleType, err)
		}
	}
	b.log.Info("bootstrap: critical rules ensured", slog.Int("count", len(m.Rules)))
	return nil
}

func (b *Bootstrapper) ensureRule(ctx context.Context, cr CriticalRule) error {
	return b.store.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		existing, err := tx.QueryInEffectRules(ctx, cr.BlockableID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if string(r.RuleType) == cr.RuleType && r.Policy == ballotmodels.PolicyAllow && r.HostID == cr.HostID {
				return nil
			}
		}

		now := tx.Now()
		r := ballotmodels.Rule{
			ID:          store.NewID(),
			BlockableID: cr.BlockableID,
			RuleType:    permissions.RuleType(cr.RuleType),
			Policy:      ballotmodels.PolicyAllow,
			InEffect:    true,
			HostID:      cr.HostID,
			CreatedDT:   now,
			UpdatedDT:   now,
		}
		return tx.PutRule(ctx, &r)
	})
}
