// Package changeset implements the Windows change-set committer: a
// taskqueue.Handler that drains durable ChangeSet batches against the
// external policy API, respecting the per-blockable concurrency key and a
// local-then-global commit ordering.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
	"ballotd/internal/policyapi"
	"ballotd/internal/store"
	"ballotd/internal/taskqueue"
	"ballotd/internal/voting"
	"ballotd/observability/metrics"
	"ballotd/observability/tracing"
)

// Committer drains ChangeSets enqueued by the ballot box and commits them to
// the external policy API.
type Committer struct {
	store   *store.Store
	api     *policyapi.Client
	tasks   *taskqueue.Queue
	limiter *rate.Limiter
	log     *slog.Logger

	hostFreshness  time.Duration
	minSyncPercent int
}

// New constructs a Committer. limiter throttles outbound calls to the
// external policy API, following the gateway/middleware/ratelimit.go use of
// golang.org/x/time/rate.
func New(s *store.Store, api *policyapi.Client, tasks *taskqueue.Queue, limiter *rate.Limiter, log *slog.Logger, hostFreshness time.Duration, minSyncPercent int) *Committer {
	if log == nil {
		log = slog.Default()
	}
	return &Committer{
		store:          s,
		api:            api,
		tasks:          tasks,
		limiter:        limiter,
		log:            log,
		hostFreshness:  hostFreshness,
		minSyncPercent: minSyncPercent,
	}
}

// Register installs this committer as the handler for the ballot box's
// change-set queue.
func (co *Committer) Register() {
	co.tasks.Register(voting.ChangeSetQueueName, co.handle)
}

func (co *Committer) handle(ctx context.Context, task taskqueue.Task) error {
	ctx, span := tracing.Tracer("committer").Start(ctx, "committer.commit_change_set")
	defer span.End()

	csID := string(task.Payload)
	cs, err := co.store.GetChangeSet(ctx, csID)
	if errors.Is(err, store.ErrNotFound) {
		// Already applied and deleted by a prior delivery; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	if co.limiter != nil {
		if err := co.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	rules := make([]*ballotmodels.Rule, 0, len(cs.RuleIDs))
	for _, id := range cs.RuleIDs {
		r, err := co.store.GetRule(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}

	if cs.ChangeType == ballotmodels.ChangeDeny {
		if err := co.validateBlacklistBatch(rules); err != nil {
			if derr := co.store.DeleteChangeSet(ctx, cs.ID); derr != nil {
				co.log.Error("changeset: delete invalid blacklist change-set failed", slog.String("change_set_id", cs.ID), slog.String("error", derr.Error()))
			}
			co.log.Error("changeset: dropping permanently invalid blacklist batch", slog.String("change_set_id", cs.ID), slog.String("error", err.Error()))
			metrics.Shared().ChangeSetsFailed.Inc()
			return taskqueue.Permanent(err)
		}
	}

	// Local-first, then global: a host-scoped rule should take effect before
	// any wider rule that might supersede it.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].HostID != "" && rules[j].HostID == ""
	})

	for _, r := range rules {
		if err := co.commitRule(ctx, cs, r, task.Attempt); err != nil {
			return err
		}
	}

	if err := co.store.DeleteChangeSet(ctx, cs.ID); err != nil {
		return err
	}
	metrics.Shared().ChangeSetsCommitted.Inc()
	metrics.Shared().ChangeSetCommitDelay.Observe(time.Since(cs.CreatedDT).Seconds())

	remaining, err := co.store.QueryChangeSets(ctx, cs.BlockableID)
	if err != nil {
		co.log.Error("changeset: tail-defer lookup failed", slog.String("blockable_id", cs.BlockableID), slog.String("error", err.Error()))
		return nil
	}
	if len(remaining) > 0 {
		next := remaining[0]
		if err := co.tasks.Defer(context.Background(), voting.ChangeSetQueueName, cs.BlockableID, []byte(next.ID)); err != nil {
			co.log.Error("changeset: tail-defer enqueue failed", slog.String("blockable_id", cs.BlockableID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// validateBlacklistBatch enforces the permanent-failure conditions: a
// BLACKLIST change with more than one rule, or one mixing local and global
// scope, can never be committed coherently.
func (co *Committer) validateBlacklistBatch(rules []*ballotmodels.Rule) error {
	if len(rules) > 1 {
		return fmt.Errorf("changeset: blacklist change carries %d rules, want at most 1", len(rules))
	}
	local, global := 0, 0
	for _, r := range rules {
		if r.HostID != "" {
			local++
		} else {
			global++
		}
	}
	if local > 0 && global > 0 {
		return errors.New("changeset: blacklist change mixes local and global scope")
	}
	return nil
}

// commitRule dispatches r to the right external-API call by its kind. A
// rule already marked IsCommitted is a no-op: is_committed is the durable
// idempotency source a redelivered or multi-rule batch relies on, not the
// per-attempt token.
func (co *Committer) commitRule(ctx context.Context, cs *ballotmodels.ChangeSet, r *ballotmodels.Rule, attempt int) error {
	if r.IsCommitted {
		return nil
	}
	token := policyapi.IdempotencyToken(cs.ID, r.ID, attempt)

	switch {
	case r.Policy == ballotmodels.PolicyForceInstaller || r.Policy == ballotmodels.PolicyForceNotInstaller:
		return co.commitInstallerRule(ctx, token, r)
	case r.RuleType == permissions.RuleTypeCertificate:
		return co.commitCertificateRule(ctx, token, r)
	case r.HostID != "":
		return co.commitLocalRule(ctx, token, r)
	default:
		return co.commitGlobalRule(ctx, token, r)
	}
}

// commitInstallerRule applies the installer-policy subsystem's override,
// independent of the rule's allow/deny state.
func (co *Committer) commitInstallerRule(ctx context.Context, token string, r *ballotmodels.Rule) error {
	isInstaller := r.Policy == ballotmodels.PolicyForceInstaller
	if err := co.api.SetInstallerFlag(ctx, token, r.BlockableID, isInstaller); err != nil {
		return err
	}
	r.IsFulfilled = true
	r.IsCommitted = true
	return co.store.PutRule(ctx, r)
}

func (co *Committer) commitLocalRule(ctx context.Context, token string, r *ballotmodels.Rule) error {
	var localState policyapi.LocalState
	switch r.Policy {
	case ballotmodels.PolicyAllow:
		localState = policyapi.LocalStateApproved
	case ballotmodels.PolicyRemove:
		localState = policyapi.LocalStateUnapproved
	default:
		return taskqueue.Permanent(fmt.Errorf("changeset: local rule %s has non-local-eligible policy %s", r.ID, r.Policy))
	}

	_, err := co.api.GetFileInstance(ctx, r.HostID, r.BlockableID)
	switch {
	case errors.Is(err, policyapi.ErrNotFound):
		host, herr := co.store.GetHost(ctx, r.HostID)
		if herr != nil {
			return herr
		}
		if !host.Healthy(time.Now(), co.hostFreshness, co.minSyncPercent) {
			return fmt.Errorf("changeset: host %s not healthy enough to trust absent fileInstance, retrying", r.HostID)
		}
		r.IsFulfilled = false
		r.IsCommitted = true
		return co.store.PutRule(ctx, r)
	case err != nil:
		return err
	}

	if err := co.api.SetFileInstanceState(ctx, token, r.HostID, r.BlockableID, localState); err != nil {
		return err
	}
	r.IsFulfilled = true
	r.IsCommitted = true
	return co.store.PutRule(ctx, r)
}

func (co *Committer) commitGlobalRule(ctx context.Context, token string, r *ballotmodels.Rule) error {
	var fileState policyapi.FileState
	switch r.Policy {
	case ballotmodels.PolicyAllow:
		fileState = policyapi.FileStateAllowlist
	case ballotmodels.PolicyDeny:
		fileState = policyapi.FileStateBlocklist
	case ballotmodels.PolicyRemove:
		// A global REMOVE (from Reset) reverts to no explicit rule, which
		// the external API expresses as an allowlist clear equivalent to
		// unapproved; model it as ALLOWLIST withdrawal via the same route.
		fileState = policyapi.FileStateAllowlist
	default:
		return taskqueue.Permanent(fmt.Errorf("changeset: global rule %s has unsupported policy %s", r.ID, r.Policy))
	}

	if err := co.api.SetFileRuleState(ctx, token, r.BlockableID, fileState); err != nil {
		return err
	}
	r.IsFulfilled = true
	r.IsCommitted = true
	return co.store.PutRule(ctx, r)
}

func (co *Committer) commitCertificateRule(ctx context.Context, token string, r *ballotmodels.Rule) error {
	certID, err := co.api.ResolveCertificateID(ctx, r.BlockableID)
	if err != nil {
		return err
	}
	var fileState policyapi.FileState
	switch r.Policy {
	case ballotmodels.PolicyAllow:
		fileState = policyapi.FileStateAllowlist
	case ballotmodels.PolicyDeny:
		fileState = policyapi.FileStateBlocklist
	default:
		return taskqueue.Permanent(fmt.Errorf("changeset: certificate rule %s has unsupported policy %s", r.ID, r.Policy))
	}
	if err := co.api.SetCertificateState(ctx, token, certID, fileState); err != nil {
		return err
	}
	r.IsFulfilled = true
	r.IsCommitted = true
	return co.store.PutRule(ctx, r)
}
