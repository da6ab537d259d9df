// Package voting implements the ballot box orchestrator: the Vote, Recount,
// and Reset entry points that coordinate the score calculator, flag
// auditor, state machine, rule synthesizer, and host selector inside (or
// immediately around) the voting transaction.
package voting

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"ballotd/internal/analytics"
	"ballotd/internal/ballotmodels"
	"ballotd/internal/flagaudit"
	"ballotd/internal/hostselect"
	"ballotd/internal/permissions"
	"ballotd/internal/rulesynth"
	"ballotd/internal/score"
	"ballotd/internal/statemachine"
	"ballotd/internal/store"
	"ballotd/internal/taskqueue"
	"ballotd/observability/metrics"
	"ballotd/observability/tracing"
)

// Sentinel errors for Vote/Recount/Reset.
var (
	ErrNotFound            = errors.New("voting: not found")
	ErrUnsupportedPlatform = errors.New("voting: unsupported platform")
	ErrInvalidWeight       = errors.New("voting: weight must be >= 0")
	ErrDuplicateVote       = errors.New("voting: voter already cast this vote")
	ErrOperationNotAllowed = errors.New("voting: operation not allowed")
)

// ChangeSetQueueName is the taskqueue queue the change-set committer
// registers its handler against.
const ChangeSetQueueName = "changeset"

// ThresholdSet maps a rule type to its state-machine thresholds. A platform
// typically configures one entry per rule type it supports; certificates
// usually omit LocalAllow.
type ThresholdSet map[permissions.RuleType]statemachine.Thresholds

// BallotBox is the voting engine's orchestrator. It holds no per-call state;
// one instance is shared across every Vote/Recount/Reset call.
type BallotBox struct {
	store      *store.Store
	analytics  *analytics.Sink
	tasks      *taskqueue.Queue
	thresholds map[permissions.Platform]ThresholdSet
	log        *slog.Logger
}

// New constructs a BallotBox. thresholds must carry an entry for every
// (platform, rule type) combination the deployment votes on.
func New(s *store.Store, sink *analytics.Sink, tasks *taskqueue.Queue, thresholds map[permissions.Platform]ThresholdSet, log *slog.Logger) *BallotBox {
	if log == nil {
		log = slog.Default()
	}
	return &BallotBox{store: s, analytics: sink, tasks: tasks, thresholds: thresholds, log: log}
}

func (bb *BallotBox) thresholdsFor(platform permissions.Platform, ruleType permissions.RuleType) statemachine.Thresholds {
	return bb.thresholds[platform][ruleType]
}

func (bb *BallotBox) permLookup(ctx context.Context) flagaudit.UserLookup {
	return func(userKey string) []permissions.Permission {
		u, err := bb.store.GetUser(ctx, userKey)
		if err != nil {
			return nil
		}
		return u.Permissions
	}
}

func supportedPlatform(p permissions.Platform) bool {
	return p == permissions.MacOS || p == permissions.Windows
}

func blockableTable(idType permissions.IDType) analytics.Table {
	switch idType {
	case permissions.IDTypeCertificate:
		return analytics.TableCertificate
	case permissions.IDTypeBundle:
		return analytics.TableBundle
	default:
		return analytics.TableBinary
	}
}

func changeTypeFor(p ballotmodels.RulePolicy) ballotmodels.ChangeType {
	switch p {
	case ballotmodels.PolicyDeny:
		return ballotmodels.ChangeDeny
	case ballotmodels.PolicyRemove:
		return ballotmodels.ChangeRemove
	default:
		return ballotmodels.ChangeAllow
	}
}

// enqueueChangeSet persists a ChangeSet in the same transaction as the rule
// it carries, then registers a post-commit hook that hands the change-set
// id to the committer's task queue, so the task is never enqueued for a
// rule that never actually landed.
func (bb *BallotBox) enqueueChangeSet(ctx context.Context, tx *store.Tx, blockableID string, r ballotmodels.Rule) error {
	cs := ballotmodels.ChangeSet{
		ID:          store.NewID(),
		BlockableID: blockableID,
		RuleIDs:     []string{r.ID},
		ChangeType:  changeTypeFor(r.Policy),
		CreatedDT:   tx.Now(),
	}
	if err := tx.PutChangeSet(ctx, &cs); err != nil {
		return err
	}
	id := cs.ID
	tx.OnCommit(func() {
		if err := bb.tasks.Defer(context.Background(), ChangeSetQueueName, blockableID, []byte(id)); err != nil {
			bb.log.Error("voting: defer change-set task failed", slog.String("change_set_id", id), slog.String("error", err.Error()))
		}
	})
	return nil
}

func polarityLabel(yes bool) string {
	if yes {
		return "up"
	}
	return "down"
}

func (bb *BallotBox) emitRuleRow(now time.Time, blockableID string, r *ballotmodels.Rule) {
	metrics.Shared().RulesSynthesized.WithLabelValues(string(r.Policy)).Inc()
	bb.analytics.Insert(analytics.Row{
		Table: analytics.TableRule,
		Event: analytics.EventRule,
		Fields: map[string]string{
			"rule_id":      r.ID,
			"blockable_id": blockableID,
			"policy":       string(r.Policy),
			"host_id":      r.HostID,
		},
		Timestamp: now,
	})
}

// votingAllowed is the transaction-safe precondition check: certificates
// are admin-only votable at all times; SUSPECT and PENDING are admin-only
// states; the remaining prohibited states never accept votes.
func votingAllowed(b *ballotmodels.Blockable, actorPerms []permissions.Permission) error {
	adminCapable := permissions.HasPermission(actorPerms, permissions.MarkMalware)
	if b.IDType == permissions.IDTypeCertificate && !adminCapable {
		return ErrOperationNotAllowed
	}
	if b.State.AdminOnly() && !adminCapable {
		return ErrOperationNotAllowed
	}
	if b.State.VotingProhibited() {
		return ErrOperationNotAllowed
	}
	return nil
}

// Vote casts a single vote and drives every downstream effect it triggers:
// scoring, flag auditing, state transition, and rule synthesis.
func (bb *BallotBox) Vote(ctx context.Context, voterKey, blockableID string, yes bool, weight int64) (*ballotmodels.Vote, error) {
	ctx, span := tracing.Tracer("voting").Start(ctx, "ballot.vote")
	defer span.End()

	if weight < 0 {
		return nil, ErrInvalidWeight
	}

	b, err := bb.store.GetBlockable(ctx, blockableID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !supportedPlatform(b.Platform) {
		return nil, ErrUnsupportedPlatform
	}

	voter, err := bb.store.GetUser(ctx, voterKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := votingAllowed(b, voter.Permissions); err != nil {
		return nil, err
	}
	if b.IDType == permissions.IDTypeBundle {
		flagged, err := bb.store.HasFlaggedBundleMember(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if flagged {
			return nil, ErrOperationNotAllowed
		}
	}

	preScore := b.Score
	var (
		resultVote            *ballotmodels.Vote
		expectedScore         int64
		becameLocalAllowFirst bool
		becameLocalAllowAgain bool
		platform              permissions.Platform
		ruleType              permissions.RuleType
	)

	err = bb.store.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		cur, err := tx.GetBlockable(ctx, blockableID)
		if err != nil {
			return err
		}
		if err := votingAllowed(cur, voter.Permissions); err != nil {
			return err
		}
		platform = cur.Platform
		ruleType = cur.RuleType
		now := tx.Now()

		var oldVote *ballotmodels.Vote
		existing, err := tx.GetInEffectVoteFor(ctx, blockableID, voterKey)
		switch {
		case err == nil:
			if existing.WasYesVote == yes {
				return ErrDuplicateVote
			}
			oldVote = existing
			archived := *existing
			archived.SubID = store.ArchiveVoteKey()
			archived.InEffect = false
			if err := tx.PutVote(ctx, &archived); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
			// first vote from this voter; nothing to archive.
		default:
			return err
		}

		newVote := ballotmodels.Vote{
			BlockableID:   blockableID,
			SubID:         store.InEffectSubID(voterKey),
			UserKey:       voterKey,
			WasYesVote:    yes,
			Weight:        weight,
			InEffect:      true,
			CandidateType: cur.RuleType,
			RecordedDT:    now,
		}
		if err := tx.PutVote(ctx, &newVote); err != nil {
			return err
		}
		resultVote = &newVote
		metrics.Shared().VotesCast.WithLabelValues(polarityLabel(yes)).Inc()

		bb.analytics.Insert(analytics.Row{
			Table: analytics.TableVote,
			Event: analytics.EventVote,
			Fields: map[string]string{
				"blockable_id": blockableID,
				"user_key":     voterKey,
				"yes":          strconv.FormatBool(yes),
				"weight":       strconv.FormatInt(weight, 10),
			},
			Timestamp: now,
		})

		// Stale-index arithmetic: newVote is not yet visible to
		// QueryInEffectVotes within this transaction.
		expectedScore = score.ApplyDelta(cur.Score, oldVote, &newVote)

		priorVotes, err := tx.QueryInEffectVotes(ctx, blockableID)
		if err != nil {
			return err
		}
		votesForAudit := append(append([]ballotmodels.Vote(nil), priorVotes...), newVote)
		newFlagged, flagChanged := flagaudit.Check(cur, votesForAudit, func(userKey string) []permissions.Permission {
			if userKey == voterKey {
				return voter.Permissions
			}
			return bb.permLookup(ctx)(userKey)
		})
		if flagChanged {
			cur.Flagged = newFlagged
		}

		actor := statemachine.Actor{MarkMalware: permissions.HasPermission(voter.Permissions, permissions.MarkMalware)}
		next := statemachine.Transition(bb.thresholdsFor(cur.Platform, cur.RuleType), cur.State, expectedScore, yes, actor)
		stateChanged := next != cur.State
		if stateChanged {
			metrics.Shared().StateTransitions.WithLabelValues(string(next)).Inc()
			bb.analytics.Insert(analytics.Row{
				Table: blockableTable(cur.IDType),
				Event: analytics.EventStateChange,
				Fields: map[string]string{
					"blockable_id": blockableID,
					"from":         string(cur.State),
					"to":           string(next),
				},
				Timestamp: now,
			})
			cur.StateChangeDT = now
		}
		cur.State = next
		cur.Score = expectedScore

		switch {
		case stateChanged && next == ballotmodels.StateGloballyAllowed:
			r, err := rulesynth.GlobalAllow(ctx, tx, blockableID, cur.RuleType, now)
			if err != nil {
				return err
			}
			bb.emitRuleRow(now, blockableID, r)
			if cur.Platform == permissions.Windows {
				if err := bb.enqueueChangeSet(ctx, tx, blockableID, *r); err != nil {
					return err
				}
			}

		case stateChanged && next == ballotmodels.StateBanned:
			r, err := rulesynth.GlobalDeny(ctx, tx, blockableID, cur.RuleType, now)
			if err != nil {
				return err
			}
			bb.emitRuleRow(now, blockableID, r)
			if cur.Platform == permissions.Windows {
				if err := bb.enqueueChangeSet(ctx, tx, blockableID, *r); err != nil {
					return err
				}
			}

		case next == ballotmodels.StateApprovedForLocalAllow && yes:
			if stateChanged {
				becameLocalAllowFirst = true
			} else {
				becameLocalAllowAgain = true
			}
		}

		return tx.PutBlockable(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	if expectedScore != preScore {
		bb.analytics.Insert(analytics.Row{
			Table: blockableTable(b.IDType),
			Event: analytics.EventScoreChange,
			Fields: map[string]string{
				"blockable_id": blockableID,
				"from":         strconv.FormatInt(preScore, 10),
				"to":           strconv.FormatInt(expectedScore, 10),
			},
		})
	}

	if becameLocalAllowFirst || becameLocalAllowAgain {
		bb.createLocalAllowRules(ctx, blockableID, platform, ruleType, voterKey, becameLocalAllowFirst)
	}

	return resultVote, nil
}

// createLocalAllowRules runs the host-selector and rule-synthesizer pass
// required outside the voting transaction. On the first crossing into
// APPROVED_FOR_LOCAL_ALLOW it covers every prior
// upvoter; on a later upvote while already in that state, only the new
// voter.
func (bb *BallotBox) createLocalAllowRules(ctx context.Context, blockableID string, platform permissions.Platform, ruleType permissions.RuleType, voterKey string, firstCrossing bool) {
	userKeys := []string{voterKey}
	if firstCrossing {
		keys, err := bb.store.QueryUpvoterKeys(ctx, blockableID)
		if err != nil {
			bb.log.Error("voting: list upvoters failed", slog.String("blockable_id", blockableID), slog.String("error", err.Error()))
		} else {
			userKeys = keys
		}
	}

	strategy := hostselect.For(platform, bb.store)
	var pairs []rulesynth.HostUser
	for _, uk := range userKeys {
		hostIDs, err := strategy.HostsFor(ctx, uk)
		if err != nil {
			bb.log.Error("voting: host selector failed", slog.String("user_key", uk), slog.String("error", err.Error()))
			continue
		}
		for _, h := range hostIDs {
			pairs = append(pairs, rulesynth.HostUser{UserKey: uk, HostID: h})
		}
	}
	if len(pairs) == 0 {
		return
	}

	if err := bb.store.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		created, err := rulesynth.LocalAllow(ctx, tx, blockableID, ruleType, pairs, tx.Now())
		if err != nil {
			return err
		}
		for i := range created {
			r := created[i]
			bb.emitRuleRow(tx.Now(), blockableID, &r)
			if platform == permissions.Windows {
				if err := bb.enqueueChangeSet(ctx, tx, blockableID, r); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		bb.log.Error("voting: local-allow rule creation failed", slog.String("blockable_id", blockableID), slog.String("error", err.Error()))
	}
}

func mostRecentMarkMalwareVoteIsNegative(votes []ballotmodels.Vote, lookup flagaudit.UserLookup) bool {
	sorted := append([]ballotmodels.Vote(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RecordedDT.After(sorted[j].RecordedDT) })
	for _, v := range sorted {
		if permissions.HasPermission(lookup(v.UserKey), permissions.MarkMalware) {
			return !v.WasYesVote
		}
	}
	return false
}

// Recount re-derives flagged, score, and state from the current in-effect
// votes, and repairs rules to match. Persists only if something changed.
func (bb *BallotBox) Recount(ctx context.Context, blockableID string) (bool, error) {
	ctx, span := tracing.Tracer("voting").Start(ctx, "voting.recount")
	defer span.End()

	b0, err := bb.store.GetBlockable(ctx, blockableID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !supportedPlatform(b0.Platform) {
		return false, ErrUnsupportedPlatform
	}

	changed := false
	err = bb.store.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		cur, err := tx.GetBlockable(ctx, blockableID)
		if err != nil {
			return err
		}
		votes, err := tx.QueryInEffectVotes(ctx, blockableID)
		if err != nil {
			return err
		}
		lookup := bb.permLookup(ctx)

		newFlagged, flagChanged := flagaudit.Check(cur, votes, lookup)
		if flagChanged {
			cur.Flagged = newFlagged
			changed = true
		}

		newScore := score.Compute(votes)
		if newScore != cur.Score {
			cur.Score = newScore
			changed = true
		}

		next := cur.State
		switch {
		case cur.State == ballotmodels.StateSuspect:
			if !mostRecentMarkMalwareVoteIsNegative(votes, lookup) {
				next = statemachine.Evaluate(bb.thresholdsFor(cur.Platform, cur.RuleType), cur.Score)
			}
		case !cur.State.AdminOnly():
			next = statemachine.Evaluate(bb.thresholdsFor(cur.Platform, cur.RuleType), cur.Score)
		}
		if next != cur.State {
			metrics.Shared().StateTransitions.WithLabelValues(string(next)).Inc()
			bb.analytics.Insert(analytics.Row{
				Table: blockableTable(cur.IDType),
				Event: analytics.EventStateChange,
				Fields: map[string]string{
					"blockable_id": blockableID,
					"from":         string(cur.State),
					"to":           string(next),
				},
				Timestamp: tx.Now(),
			})
			cur.State = next
			cur.StateChangeDT = tx.Now()
			changed = true
		}

		if err := rulesynth.AuditRules(ctx, tx, blockableID, cur.RuleType, cur.State, tx.Now()); err != nil {
			return err
		}

		if !changed {
			return nil
		}
		return tx.PutBlockable(ctx, cur)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Reset archives every in-effect vote and returns the blockable to its
// default unvoted state, disabling the rules that vote history produced.
func (bb *BallotBox) Reset(ctx context.Context, blockableID string) error {
	ctx, span := tracing.Tracer("voting").Start(ctx, "voting.reset")
	defer span.End()

	b0, err := bb.store.GetBlockable(ctx, blockableID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !supportedPlatform(b0.Platform) {
		return ErrUnsupportedPlatform
	}
	if b0.IDType == permissions.IDTypeBundle {
		return ErrOperationNotAllowed
	}

	return bb.store.RunInTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		cur, err := tx.GetBlockable(ctx, blockableID)
		if err != nil {
			return err
		}
		now := tx.Now()

		votes, err := tx.QueryInEffectVotes(ctx, blockableID)
		if err != nil {
			return err
		}
		for _, v := range votes {
			archived := v
			archived.SubID = store.ArchiveVoteKey()
			archived.InEffect = false
			if err := tx.PutVote(ctx, &archived); err != nil {
				return err
			}
			if err := tx.DeleteVote(ctx, blockableID, v.SubID); err != nil {
				return err
			}
		}

		rules, err := tx.QueryInEffectRules(ctx, blockableID)
		if err != nil {
			return err
		}
		disabled := make([]ballotmodels.Rule, 0, len(rules))
		for _, r := range rules {
			r.InEffect = false
			r.UpdatedDT = now
			disabled = append(disabled, r)
		}
		if len(disabled) > 0 {
			if err := tx.PutRules(ctx, disabled); err != nil {
				return err
			}
		}

		removals, err := rulesynth.RemoveRules(ctx, tx, blockableID, cur.RuleType, disabled, now)
		if err != nil {
			return err
		}
		if cur.Platform == permissions.Windows {
			for _, r := range removals {
				if err := bb.enqueueChangeSet(ctx, tx, blockableID, r); err != nil {
					return err
				}
			}
		}

		cur.State = ballotmodels.StateUntrusted
		cur.Score = 0
		cur.Flagged = false
		cur.StateChangeDT = now
		if err := tx.PutBlockable(ctx, cur); err != nil {
			return err
		}

		bb.analytics.Insert(analytics.Row{
			Table:     blockableTable(cur.IDType),
			Event:     analytics.EventReset,
			Fields:    map[string]string{"blockable_id": blockableID},
			Timestamp: now,
		})
		return nil
	})
}
