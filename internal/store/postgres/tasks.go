package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

func (q *querier) CreateTask(ctx context.Context, task *types.Task) error {
	if task.State == "" {
		task.State = types.TaskNotStarted
	}
	task.Updated = q.now().UTC()
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO tasks (id, state, updated, deadline) VALUES ($1, $2, $3, $4)`,
		task.ID, task.State, task.Updated, task.Deadline)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (q *querier) CreateCommitTask(ctx context.Context, task *types.CommitTask) error {
	if err := q.CreateTask(ctx, &task.Task); err != nil {
		return err
	}
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO commit_tasks (id, publish_id, commit_mode) VALUES ($1, $2, $3)`,
		task.ID, task.PublishID, task.CommitMode)
	if err != nil {
		return fmt.Errorf("create commit task %s: %w", task.ID, err)
	}
	return nil
}

func (q *querier) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	var task types.Task
	err := sqlx.GetContext(ctx, q.ext, &task,
		`SELECT id, state, updated, deadline FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

func (q *querier) GetCommitTask(ctx context.Context, id uuid.UUID) (*types.CommitTask, error) {
	var task types.CommitTask
	err := sqlx.GetContext(ctx, q.ext, &task,
		`SELECT t.id, t.state, t.updated, t.deadline, c.publish_id, c.commit_mode
		 FROM tasks t JOIN commit_tasks c ON c.id = t.id
		 WHERE t.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commit task %s: %w", id, err)
	}
	return &task, nil
}

func (q *querier) SetTaskState(ctx context.Context, id uuid.UUID, state types.TaskState) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE tasks SET state = $2, updated = $3 WHERE id = $1`,
		id, state, q.now().UTC())
	if err != nil {
		return fmt.Errorf("set task %s state: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetTaskForUpdate loads the task under FOR UPDATE; the lock lives until
// the surrounding transaction ends.
func (t *pgTx) GetTaskForUpdate(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	var task types.Task
	err := sqlx.GetContext(ctx, t.ext, &task,
		`SELECT id, state, updated, deadline FROM tasks WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task %s: %w", id, err)
	}
	return &task, nil
}
