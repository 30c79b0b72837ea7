package postgres

import (
	"context"
	"fmt"
	"time"
)

// FixTimestamps backfills null updated columns with the current time.
func (q *querier) FixTimestamps(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	var total int64
	for _, table := range []string{"tasks", "publishes"} {
		res, err := q.ext.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET updated = $1 WHERE updated IS NULL`, table), now)
		if err != nil {
			return total, fmt.Errorf("fix %s timestamps: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// FixAbandoned fails tasks and publishes stuck in a non-terminal state
// longer than the publish timeout.
func (q *querier) FixAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now().UTC()
	cutoff := now.Add(-olderThan)
	var total int64

	res, err := q.ext.ExecContext(ctx,
		`UPDATE tasks SET state = 'FAILED', updated = $1
		 WHERE state NOT IN ('COMPLETE', 'FAILED') AND updated < $2`, now, cutoff)
	if err != nil {
		return total, fmt.Errorf("fail abandoned tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = q.ext.ExecContext(ctx,
		`UPDATE publishes SET state = 'FAILED', updated = $1
		 WHERE state NOT IN ('COMMITTED', 'FAILED') AND updated < $2`, now, cutoff)
	if err != nil {
		return total, fmt.Errorf("fail abandoned publishes: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}

// CleanOldData deletes terminal tasks and publishes past the retention
// horizon. Items and commit task rows cascade.
func (q *querier) CleanOldData(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.now().UTC().Add(-olderThan)
	var total int64

	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN ('COMPLETE', 'FAILED') AND updated < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("clean old tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = q.ext.ExecContext(ctx,
		`DELETE FROM publishes WHERE state IN ('COMMITTED', 'FAILED') AND updated < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("clean old publishes: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}
