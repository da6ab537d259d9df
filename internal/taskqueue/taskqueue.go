// Package taskqueue is the deferred-task facility used by the change-set
// committer and by the ballot box's post-commit hooks. It generalizes the
// buffered webhook queue and per-intent dedup map pattern found in
// services/escrow-gateway/webhook_queue.go and services/payoutd/processor.go
// into a durable, per-key-serialized retry queue: a task's key acts as a
// lightweight in-process mutex, so within one process at most one commit
// runs at a time for a given blockable.
package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrPermanentFailure, when returned (or wrapped) by a Handler, tells the
// queue to drop the task rather than retry it: structural violations and
// irrecoverable API responses fall in this category.
var ErrPermanentFailure = errors.New("taskqueue: permanent failure")

// Permanent wraps err so errors.Is(_, ErrPermanentFailure) reports true,
// while preserving the original error for logging.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
func (p *permanentError) Is(target error) bool { return target == ErrPermanentFailure }

// Task is a single unit of deferred work.
type Task struct {
	ID      string
	Queue   string
	Key     string // concurrency key: at most one in-flight task per key
	Payload []byte
	Attempt int
}

// Handler processes one task. Returning an error (other than one wrapping
// ErrPermanentFailure) causes the queue to reschedule the task with
// exponential backoff.
type Handler func(ctx context.Context, task Task) error

// Store is the persistence contract the queue needs: a durable table of
// pending tasks, so a process restart does not lose undelivered work.
type Store interface {
	EnqueueTask(ctx context.Context, t PersistedTask) error
	DueTasks(ctx context.Context, queue string, now time.Time, limit int) ([]PersistedTask, error)
	UpdateTask(ctx context.Context, t PersistedTask) error
	DeleteTask(ctx context.Context, id string) error
}

// PersistedTask is the durable row backing a Task between delivery
// attempts.
type PersistedTask struct {
	ID        string
	Queue     string
	Key       string
	Payload   []byte
	Attempt   int
	NotBefore time.Time
	CreatedDT time.Time
}

// Queue runs registered handlers against due tasks, serializing delivery
// per concurrency key and retrying transient failures with backoff.
type Queue struct {
	store    Store
	log      *slog.Logger
	handlers map[string]Handler
	nowFn    func() time.Time

	mu      sync.Mutex
	leased  map[string]bool // keys currently being processed
	backoff func() backoff.BackOff
}

// New constructs a Queue. backoffFactory, if nil, defaults to a capped
// exponential backoff (500ms initial, the library's default 1.5x
// multiplier, 5 minute max).
func New(s Store, log *slog.Logger, backoffFactory func() backoff.BackOff) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if backoffFactory == nil {
		backoffFactory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Minute
			b.MaxElapsedTime = 0 // retried indefinitely; dropped only on permanent failure
			return b
		}
	}
	return &Queue{
		store:    s,
		log:      log,
		handlers: map[string]Handler{},
		nowFn:    time.Now,
		leased:   map[string]bool{},
		backoff:  backoffFactory,
	}
}

// Register installs the handler invoked for tasks on the named queue.
func (q *Queue) Register(queue string, h Handler) {
	q.handlers[queue] = h
}

// Defer persists a task for later delivery. It is intended to be called
// from a store.Tx.OnCommit hook so the task is only ever enqueued once the
// triggering transaction has actually committed.
func (q *Queue) Defer(ctx context.Context, queue, key string, payload []byte) error {
	return q.store.EnqueueTask(ctx, PersistedTask{
		ID:        uuid.NewString(),
		Queue:     queue,
		Key:       key,
		Payload:   payload,
		NotBefore: q.nowFn(),
		CreatedDT: q.nowFn(),
	})
}

// PollOnce pulls up to limit due tasks for queue and attempts delivery,
// skipping (not dropping) any whose key is already leased to an in-flight
// delivery elsewhere in this process. Callers run this on a ticker. The
// lease is in-process only: two processes polling the same store can
// deliver the same task concurrently, and nothing in the durable store
// prevents that; the losing process's UpdateTask/DeleteTask is then a
// no-op race, and is_committed on the underlying Rule is the idempotency
// token that keeps a duplicate commit from being applied twice.
func (q *Queue) PollOnce(ctx context.Context, queueName string, limit int) {
	handler, ok := q.handlers[queueName]
	if !ok {
		return
	}
	due, err := q.store.DueTasks(ctx, queueName, q.nowFn(), limit)
	if err != nil {
		q.log.ErrorContext(ctx, "taskqueue: list due tasks failed", slog.String("queue", queueName), slog.String("error", err.Error()))
		return
	}
	for _, pt := range due {
		if !q.tryLease(pt.Key) {
			continue
		}
		go q.deliver(ctx, queueName, handler, pt)
	}
}

func (q *Queue) tryLease(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.leased[key] {
		return false
	}
	q.leased[key] = true
	return true
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, key)
}

func (q *Queue) deliver(ctx context.Context, queueName string, handler Handler, pt PersistedTask) {
	defer q.release(pt.Key)

	task := Task{ID: pt.ID, Queue: pt.Queue, Key: pt.Key, Payload: pt.Payload, Attempt: pt.Attempt}
	err := handler(ctx, task)
	if err == nil {
		if derr := q.store.DeleteTask(ctx, pt.ID); derr != nil {
			q.log.ErrorContext(ctx, "taskqueue: delete completed task failed", slog.String("id", pt.ID), slog.String("error", derr.Error()))
		}
		return
	}

	if errors.Is(err, ErrPermanentFailure) {
		q.log.ErrorContext(ctx, "taskqueue: permanent failure, dropping task",
			slog.String("queue", queueName), slog.String("key", pt.Key), slog.String("error", err.Error()))
		if derr := q.store.DeleteTask(ctx, pt.ID); derr != nil {
			q.log.ErrorContext(ctx, "taskqueue: delete dropped task failed", slog.String("id", pt.ID), slog.String("error", derr.Error()))
		}
		return
	}

	b := q.backoff()
	for i := 0; i < pt.Attempt; i++ {
		b.NextBackOff()
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = 5 * time.Minute
	}
	pt.Attempt++
	pt.NotBefore = q.nowFn().Add(delay)
	q.log.WarnContext(ctx, "taskqueue: transient failure, rescheduling",
		slog.String("queue", queueName), slog.String("key", pt.Key),
		slog.Int("attempt", pt.Attempt), slog.Duration("delay", delay),
		slog.String("error", err.Error()))
	if uerr := q.store.UpdateTask(ctx, pt); uerr != nil {
		q.log.ErrorContext(ctx, "taskqueue: update task failed", slog.String("id", pt.ID), slog.String("error", uerr.Error()))
	}
}
