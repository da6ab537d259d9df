package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ballotd/internal/taskqueue"
)

// taskRow is the durable gorm row backing one taskqueue.PersistedTask.
type taskRow struct {
	ID        string `gorm:"column:id;primaryKey"`
	Queue     string `gorm:"column:queue;index"`
	Key       string `gorm:"column:key"`
	Payload   []byte `gorm:"column:payload"`
	Attempt   int    `gorm:"column:attempt"`
	NotBefore time.Time `gorm:"column:not_before;index"`
	CreatedDT time.Time `gorm:"column:created_dt"`
}

func (taskRow) TableName() string { return "change_set_tasks" }

func (t taskRow) toPersisted() taskqueue.PersistedTask {
	return taskqueue.PersistedTask{
		ID: t.ID, Queue: t.Queue, Key: t.Key, Payload: t.Payload,
		Attempt: t.Attempt, NotBefore: t.NotBefore, CreatedDT: t.CreatedDT,
	}
}

func fromPersisted(t taskqueue.PersistedTask) taskRow {
	return taskRow{
		ID: t.ID, Queue: t.Queue, Key: t.Key, Payload: t.Payload,
		Attempt: t.Attempt, NotBefore: t.NotBefore, CreatedDT: t.CreatedDT,
	}
}

// TaskStore adapts *Store to taskqueue.Store, so the queue's durable table
// lives alongside the rest of the engine's entities in the same Postgres
// database.
type TaskStore struct {
	store *Store
}

// NewTaskStore wraps s as a taskqueue.Store.
func NewTaskStore(s *Store) *TaskStore {
	return &TaskStore{store: s}
}

func (ts *TaskStore) EnqueueTask(ctx context.Context, t taskqueue.PersistedTask) error {
	return ts.store.db.WithContext(ctx).Create(fromPersisted(t)).Error
}

// DueTasks returns up to limit tasks on queue whose NotBefore has elapsed,
// oldest first. Several tasks in one result set may share a concurrency
// key: the committer relies on the taskqueue's in-process lease, not on
// this query, to serialize per-key delivery.
func (ts *TaskStore) DueTasks(ctx context.Context, queue string, now time.Time, limit int) ([]taskqueue.PersistedTask, error) {
	var rows []taskRow
	err := ts.store.db.WithContext(ctx).
		Where("queue = ? AND not_before <= ?", queue, now).
		Order("created_dt ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]taskqueue.PersistedTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPersisted())
	}
	return out, nil
}

func (ts *TaskStore) UpdateTask(ctx context.Context, t taskqueue.PersistedTask) error {
	return ts.store.db.WithContext(ctx).Save(fromPersisted(t)).Error
}

func (ts *TaskStore) DeleteTask(ctx context.Context, id string) error {
	err := ts.store.db.WithContext(ctx).Delete(&taskRow{}, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
