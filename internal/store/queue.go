package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

// queueRepo implements QueueRepo on the batch_queue table. (owner,
// task_id) is the primary key, so a task is queued at most once per owner.
type queueRepo struct {
	db  *sql.DB
	seq *sequences
}

// ownedBy matches the rows of owner and the unowned rows.
func ownedBy(owner string) *entsql.Predicate {
	if owner == "" {
		return entsql.EQ("owner", "")
	}
	return entsql.In("owner", owner, "")
}

func (r *queueRepo) Add(ctx context.Context, owner string, taskID int) (bool, error) {
	// A re-enqueue burns a position; order only needs to be increasing.
	pos, err := r.seq.Next(ctx, seqBatchQueue)
	if err != nil {
		return false, err
	}
	query, args := builder().
		Insert("batch_queue").
		Columns("owner", "task_id", "position", "enqueued_at").
		Values(owner, taskID, pos, time.Now().Unix()).
		OnConflict(
			entsql.ConflictColumns("owner", "task_id"),
			entsql.DoNothing(),
		).
		Query()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("enqueue task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue task %d: %w", taskID, err)
	}
	return n == 1, nil
}

func (r *queueRepo) List(ctx context.Context, owner string) ([]QueueEntry, error) {
	query, args := builder().
		Select("owner", "task_id", "enqueued_at").
		From(entsql.Table("batch_queue")).
		Where(ownedBy(owner)).
		OrderBy("position", "task_id").
		Query()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var (
			e  QueueEntry
			at int64
		)
		if err := rows.Scan(&e.Owner, &e.TaskID, &at); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.EnqueuedAt = time.Unix(at, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *queueRepo) Remove(ctx context.Context, owner string, taskIDs ...int) error {
	if len(taskIDs) == 0 {
		return nil
	}
	query, args := builder().
		Delete("batch_queue").
		Where(entsql.And(ownedBy(owner), entsql.InInts("task_id", taskIDs...))).
		Query()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("remove queued tasks: %w", err)
	}
	return nil
}

func (r *queueRepo) Discard(ctx context.Context, owner string) error {
	query, args := builder().
		Delete("batch_queue").
		Where(ownedBy(owner)).
		Query()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("discard queue: %w", err)
	}
	return nil
}

func (r *queueRepo) Clear(ctx context.Context) error {
	query, args := builder().Delete("batch_queue").Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
