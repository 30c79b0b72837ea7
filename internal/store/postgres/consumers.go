package postgres

import (
	"context"
	"fmt"
	"time"
)

// UpsertConsumer inserts the consumer row or refreshes its last_alive;
// the same statement serves registration and heartbeat.
func (q *querier) UpsertConsumer(ctx context.Context, id string) error {
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO dramatiq_consumers (id, last_alive) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET last_alive = EXCLUDED.last_alive`,
		id, q.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert consumer %s: %w", id, err)
	}
	return nil
}

func (q *querier) DeleteConsumer(ctx context.Context, id string) error {
	_, err := q.ext.ExecContext(ctx,
		`DELETE FROM dramatiq_consumers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete consumer %s: %w", id, err)
	}
	return nil
}

// DeleteDeadConsumers evicts consumers whose last heartbeat is older than
// the keepalive timeout.
func (q *querier) DeleteDeadConsumers(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM dramatiq_consumers WHERE last_alive < $1`,
		q.now().UTC().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("delete dead consumers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
