// Package hostselect implements the per-platform host selector: given a
// voter, return the set of endpoints a locally-scoped allow rule must
// target. Both strategies run a non-ancestor scan over the Host kind and
// must never be invoked from within the voting transaction.
package hostselect

import (
	"context"

	"ballotd/internal/permissions"
)

// HostLister is the subset of store.Store the selector needs.
type HostLister interface {
	HostsByPrimaryUser(ctx context.Context, username string) ([]string, error)
	HostsByUser(ctx context.Context, username string) ([]string, error)
}

// Strategy resolves a user key to the hosts a local-allow rule should
// target for that user.
type Strategy interface {
	HostsFor(ctx context.Context, userKey string) ([]string, error)
}

// macOS hosts are selected by primary_user equality.
type macOSStrategy struct {
	store HostLister
}

func (s macOSStrategy) HostsFor(ctx context.Context, userKey string) ([]string, error) {
	return s.store.HostsByPrimaryUser(ctx, userKey)
}

// windowsStrategy selects hosts whose multi-value users field includes the
// voter.
type windowsStrategy struct {
	store HostLister
}

func (s windowsStrategy) HostsFor(ctx context.Context, userKey string) ([]string, error) {
	return s.store.HostsByUser(ctx, userKey)
}

// For returns the host-selector strategy for the given platform.
func For(platform permissions.Platform, lister HostLister) Strategy {
	switch platform {
	case permissions.Windows:
		return windowsStrategy{store: lister}
	default:
		return macOSStrategy{store: lister}
	}
}
