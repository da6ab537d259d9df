// Package store is the typed, transactional entity store. It hides
// gorm/Postgres behind Datastore-shaped operations — get-by-id,
// ancestor-scoped equality queries, and a cross-group transaction with
// optimistic-concurrency retry — because the rest of the engine depends on
// the stale-index semantics those operations imply.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ballotd/internal/ballotmodels"
	"ballotd/internal/permissions"
)

// ErrNotFound is returned when a get-by-id finds no matching row.
var ErrNotFound = errors.New("store: entity not found")

// ErrTransactionContention is surfaced only once transaction retries are
// exhausted.
var ErrTransactionContention = errors.New("store: transaction contention")

// maxTransactionAttempts bounds the retry loop for serialization failures.
const maxTransactionAttempts = 5

// Store is the root handle for entity access outside of a transaction.
type Store struct {
	db     *gorm.DB
	log    *slog.Logger
	nowFn  func() time.Time
}

// New constructs a Store over an already-opened gorm connection.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, nowFn: time.Now}
}

// Migrate creates or updates every table the engine (including the taskqueue
// and bootstrap packages) depends on.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ballotmodels.Blockable{},
		&ballotmodels.Vote{},
		&ballotmodels.Rule{},
		&ballotmodels.ChangeSet{},
		&ballotmodels.User{},
		&ballotmodels.Host{},
		&taskRow{},
	)
}

// Now returns the current time, overridable in tests via WithClock.
func (s *Store) Now() time.Time { return s.nowFn() }

// WithClock overrides the store's time source (tests only).
func (s *Store) WithClock(fn func() time.Time) { s.nowFn = fn }

// Tx is a handle to entity access within a RunInTransaction callback. It
// additionally exposes OnCommit, the post-commit hook primitive the engine
// uses to defer ChangeSet enqueue and local-rule creation until the
// transaction has actually committed.
type Tx struct {
	db          *gorm.DB
	log         *slog.Logger
	nowFn       func() time.Time
	onCommit    []func()
	inTxn       bool
}

// InTransaction reports whether this handle is operating inside a live
// transaction. Some voting-allowed checks are only meaningful (or only
// affordable) inside a transaction.
func (tx *Tx) InTransaction() bool { return tx.inTxn }

// Now returns the current time as seen by the enclosing transaction.
func (tx *Tx) Now() time.Time { return tx.nowFn() }

// OnCommit registers a callback to run only after RunInTransaction commits
// successfully. Callbacks run in registration order, after the database
// transaction has returned with no error, and are never invoked if the
// transaction rolls back or the process is cancelled before commit.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// RunInTransaction executes fn inside a serializable cross-group
// transaction, retrying on serialization failure up to
// maxTransactionAttempts times. fn must be idempotent: on retry it is
// called again from scratch, so it must re-fetch entities rather than
// reuse state from a prior attempt. Post-commit hooks registered via
// tx.OnCommit run only once, after the final successful commit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		tx := &Tx{log: s.log, nowFn: s.nowFn, inTxn: true}
		err := s.db.WithContext(ctx).Transaction(func(gdb *gorm.DB) error {
			tx.db = gdb
			return fn(ctx, tx)
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err == nil {
			for _, hook := range tx.onCommit {
				hook()
			}
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		s.log.WarnContext(ctx, "transaction contention, retrying",
			slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}
	s.log.ErrorContext(ctx, "transaction retries exhausted", slog.String("error", lastErr.Error()))
	return ErrTransactionContention
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	// Postgres reports serialization failures as SQLSTATE 40001, and
	// deadlocks as 40P01; both are safe to retry for our idempotent
	// transaction bodies.
	msg := err.Error()
	return strings.Contains(msg, "40001") || strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected")
}

// --- Blockable -------------------------------------------------------------

func getBlockable(db *gorm.DB, ctx context.Context, id string) (*ballotmodels.Blockable, error) {
	var b ballotmodels.Blockable
	err := db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlockable fetches a blockable outside of any transaction.
func (s *Store) GetBlockable(ctx context.Context, id string) (*ballotmodels.Blockable, error) {
	return getBlockable(s.db, ctx, id)
}

// GetBlockable re-fetches the blockable within the transaction. Callers must
// re-get at the start of every transaction attempt to accommodate retries
// to accommodate retries, since each attempt runs against a fresh snapshot.
func (tx *Tx) GetBlockable(ctx context.Context, id string) (*ballotmodels.Blockable, error) {
	return getBlockable(tx.db, ctx, id)
}

// PutBlockable upserts the blockable within the transaction.
func (tx *Tx) PutBlockable(ctx context.Context, b *ballotmodels.Blockable) error {
	return tx.db.WithContext(ctx).Save(b).Error
}

// --- User / Host (read-only from the engine's perspective) -----------------

// GetUser fetches a user outside of a transaction.
func (s *Store) GetUser(ctx context.Context, key string) (*ballotmodels.User, error) {
	return getUser(s.db, ctx, key)
}

// GetUser re-fetches the voter within the transaction: the voter entity
// participates in the cross-group transaction alongside the blockable.
func (tx *Tx) GetUser(ctx context.Context, key string) (*ballotmodels.User, error) {
	return getUser(tx.db, ctx, key)
}

func getUser(db *gorm.DB, ctx context.Context, key string) (*ballotmodels.User, error) {
	var u ballotmodels.User
	err := db.WithContext(ctx).Where(`"key" = ?`, key).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Permissions = decodePermissions(u.PermRaw)
	return &u, nil
}

// GetHost fetches a host. Host reads never participate in the voting
// transaction: they are always issued via the plain Store, never via Tx.
func (s *Store) GetHost(ctx context.Context, id string) (*ballotmodels.Host, error) {
	var h ballotmodels.Host
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.Users = decodeCSV(h.UsersRaw)
	return &h, nil
}

// HostsByPrimaryUser returns the ids of hosts whose primary_user matches
// username (macOS host-selector strategy). This is a non-ancestor scan and
// must never run inside the voting transaction.
func (s *Store) HostsByPrimaryUser(ctx context.Context, username string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&ballotmodels.Host{}).
		Where("primary_user = ?", username).Pluck("id", &ids).Error
	return ids, err
}

// HostsByUser returns the ids of hosts whose multi-value users field
// contains username (Windows host-selector strategy).
func (s *Store) HostsByUser(ctx context.Context, username string) ([]string, error) {
	var hosts []ballotmodels.Host
	err := s.db.WithContext(ctx).Where("users LIKE ?", "%"+username+"%").Find(&hosts).Error
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, h := range hosts {
		for _, u := range decodeCSV(h.UsersRaw) {
			if u == username {
				ids = append(ids, h.ID)
				break
			}
		}
	}
	return ids, nil
}

func decodeCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func encodeCSV(values []string) string {
	return strings.Join(values, ",")
}

func decodePermissions(raw string) []permissions.Permission {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	perms := make([]permissions.Permission, 0, len(parts))
	for _, p := range parts {
		perms = append(perms, permissions.Permission(p))
	}
	return perms
}

func encodePermissions(perms []permissions.Permission) string {
	parts := make([]string, 0, len(perms))
	for _, p := range perms {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}

// PutUser upserts a user outside of a transaction (used by test fixtures and
// administrative tooling; the engine itself never mutates users).
func (s *Store) PutUser(ctx context.Context, u *ballotmodels.User) error {
	u.PermRaw = encodePermissions(u.Permissions)
	return s.db.WithContext(ctx).Save(u).Error
}

// PutHost upserts a host outside of a transaction.
func (s *Store) PutHost(ctx context.Context, h *ballotmodels.Host) error {
	h.UsersRaw = encodeCSV(h.Users)
	return s.db.WithContext(ctx).Save(h).Error
}

// --- Vote --------------------------------------------------------------

func getVote(db *gorm.DB, ctx context.Context, blockableID, subID string) (*ballotmodels.Vote, error) {
	var v ballotmodels.Vote
	err := db.WithContext(ctx).
		Where("blockable_id = ? AND sub_id = ?", blockableID, subID).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// InEffectSubID addresses the in-effect vote cast by userKey on a
// blockable. The reserved sub-id is namespaced per-voter so two voters
// never collide.
func InEffectSubID(userKey string) string {
	return ballotmodels.InEffectVoteSubID + ":" + userKey
}

// GetInEffectVoteFor fetches the in-effect vote within a transaction.
func (tx *Tx) GetInEffectVoteFor(ctx context.Context, blockableID, userKey string) (*ballotmodels.Vote, error) {
	return getVote(tx.db, ctx, blockableID, InEffectSubID(userKey))
}

// PutVote upserts a vote row within a transaction.
func (tx *Tx) PutVote(ctx context.Context, v *ballotmodels.Vote) error {
	return tx.db.WithContext(ctx).Save(v).Error
}

// DeleteVote removes a single vote row by its composite key within a
// transaction. Used to clear an in-effect slot once its contents have been
// copied to an archived sub-id.
func (tx *Tx) DeleteVote(ctx context.Context, blockableID, subID string) error {
	return tx.db.WithContext(ctx).
		Where("blockable_id = ? AND sub_id = ?", blockableID, subID).
		Delete(&ballotmodels.Vote{}).Error
}

// ArchiveVoteKey returns a fresh, random sub-id under which an archived vote
// is re-keyed so it falls out of in-effect queries but remains discoverable
// for audit reads.
func ArchiveVoteKey() string {
	return "archived:" + uuid.NewString()
}

// NewID mints a fresh random entity id (Rule, ChangeSet).
func NewID() string {
	return uuid.NewString()
}

// QueryInEffectVotes returns every in-effect vote anchored under blockableID.
// NOTE: a vote written earlier in the SAME transaction is not guaranteed to
// be visible to this query (stale-index semantics); callers computing a
// post-write score must use the explicit delta arithmetic in internal/score
// instead of re-querying.
func (tx *Tx) QueryInEffectVotes(ctx context.Context, blockableID string) ([]ballotmodels.Vote, error) {
	var votes []ballotmodels.Vote
	err := tx.db.WithContext(ctx).
		Where("blockable_id = ? AND in_effect = ?", blockableID, true).
		Find(&votes).Error
	return votes, err
}

// QueryInEffectVotes (Store variant) reads in-effect votes outside any
// transaction, where index staleness does not apply. Recount uses the Tx
// variant.
func (s *Store) QueryInEffectVotes(ctx context.Context, blockableID string) ([]ballotmodels.Vote, error) {
	var votes []ballotmodels.Vote
	err := s.db.WithContext(ctx).
		Where("blockable_id = ? AND in_effect = ?", blockableID, true).
		Find(&votes).Error
	return votes, err
}

// QueryUpvoterKeys returns the distinct user keys of all in-effect yes
// votes under blockableID (used to seed local-allow rule creation on first
// crossing into APPROVED_FOR_LOCAL_ALLOW).
func (s *Store) QueryUpvoterKeys(ctx context.Context, blockableID string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&ballotmodels.Vote{}).
		Where("blockable_id = ? AND in_effect = ? AND was_yes_vote = ?", blockableID, true, true).
		Distinct().Pluck("user_key", &keys).Error
	return keys, err
}

// --- Rule ----------------------------------------------------------------

// QueryInEffectRules returns every in-effect rule anchored under
// blockableID, within a transaction.
func (tx *Tx) QueryInEffectRules(ctx context.Context, blockableID string) ([]ballotmodels.Rule, error) {
	var rules []ballotmodels.Rule
	err := tx.db.WithContext(ctx).
		Where("blockable_id = ? AND in_effect = ?", blockableID, true).
		Find(&rules).Error
	return rules, err
}

// QueryInEffectRules (Store variant), for reads outside a transaction.
// Recount's rule audit uses the Tx variant.
func (s *Store) QueryInEffectRules(ctx context.Context, blockableID string) ([]ballotmodels.Rule, error) {
	var rules []ballotmodels.Rule
	err := s.db.WithContext(ctx).
		Where("blockable_id = ? AND in_effect = ?", blockableID, true).
		Find(&rules).Error
	return rules, err
}

// PutRule upserts a rule within a transaction.
func (tx *Tx) PutRule(ctx context.Context, r *ballotmodels.Rule) error {
	return tx.db.WithContext(ctx).Save(r).Error
}

// PutRules upserts several rules within a transaction in one statement.
func (tx *Tx) PutRules(ctx context.Context, rules []ballotmodels.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	return tx.db.WithContext(ctx).Save(&rules).Error
}

// PutRule (Store variant) is used by the committer, which runs outside the
// voting transaction.
func (s *Store) PutRule(ctx context.Context, r *ballotmodels.Rule) error {
	return s.db.WithContext(ctx).Save(r).Error
}

// PutRules (Store variant).
func (s *Store) PutRules(ctx context.Context, rules []ballotmodels.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(&rules).Error
}

// --- ChangeSet -------------------------------------------------------------

// PutChangeSet persists a change-set within the same transaction as the
// rules it names, so a crash between the two can never leave a rule without
// its corresponding sync record.
func (tx *Tx) PutChangeSet(ctx context.Context, cs *ballotmodels.ChangeSet) error {
	cs.RuleIDsRaw = encodeCSV(cs.RuleIDs)
	return tx.db.WithContext(ctx).Save(cs).Error
}

// QueryChangeSets returns every pending change-set for blockableID, ordered
// by creation time, for the committer's "tail-defer" check.
func (s *Store) QueryChangeSets(ctx context.Context, blockableID string) ([]ballotmodels.ChangeSet, error) {
	var sets []ballotmodels.ChangeSet
	err := s.db.WithContext(ctx).
		Where("blockable_id = ?", blockableID).
		Order("created_dt asc").
		Find(&sets).Error
	for i := range sets {
		sets[i].RuleIDs = decodeCSV(sets[i].RuleIDsRaw)
	}
	return sets, err
}

// GetChangeSet fetches a single change-set by id, used by the committer to
// load the batch a deferred task names.
func (s *Store) GetChangeSet(ctx context.Context, id string) (*ballotmodels.ChangeSet, error) {
	var cs ballotmodels.ChangeSet
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&cs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cs.RuleIDs = decodeCSV(cs.RuleIDsRaw)
	return &cs, nil
}

// DeleteChangeSet removes a change-set once the committer has fully applied
// it.
func (s *Store) DeleteChangeSet(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&ballotmodels.ChangeSet{}).Error
}

// GetRule fetches a single rule by id, used by the committer to re-read a
// rule's state before/after a commit attempt.
func (s *Store) GetRule(ctx context.Context, id string) (*ballotmodels.Rule, error) {
	var r ballotmodels.Rule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &r, err
}

// HasFlaggedBundleMember reports whether any blockable belonging to
// bundleID is flagged. This backs the bundle-with-flagged-child voting
// precondition that rejects a vote outright when a sibling is already
// flagged; it is a non-ancestor scan and must run outside the voting
// transaction.
func (s *Store) HasFlaggedBundleMember(ctx context.Context, bundleID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ballotmodels.Blockable{}).
		Where("bundle_id = ? AND flagged = ?", bundleID, true).
		Count(&count).Error
	return count > 0, err
}
