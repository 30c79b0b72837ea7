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

// UpsertMessage inserts the message or, when the id exists, replaces its
// body and queue and clears the consumer claim (retries re-enqueue the
// same id this way). A NOTIFY is raised on the store's channel; inside a
// transaction the notification is delivered at commit, which is what
// makes "enqueue on successful request" race-free.
func (q *querier) UpsertMessage(ctx context.Context, msg *types.Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO dramatiq_messages (id, queue, actor, consumer_id, body, enqueued_at, eta)
		 VALUES ($1, $2, $3, NULL, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET queue = EXCLUDED.queue,
		     actor = EXCLUDED.actor,
		     body = EXCLUDED.body,
		     eta = EXCLUDED.eta,
		     consumer_id = NULL`,
		msg.ID, msg.Queue, msg.Actor, msg.Body, msg.EnqueuedAt, msg.ETA)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return q.notify(ctx, msg.Queue)
}

func (q *querier) notify(ctx context.Context, payload string) error {
	if q.channel == "" {
		return nil
	}
	if _, err := q.ext.ExecContext(ctx, `SELECT pg_notify($1, $2)`, q.channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", q.channel, err)
	}
	return nil
}

func (q *querier) GetMessage(ctx context.Context, id uuid.UUID) (*types.Message, error) {
	var msg types.Message
	err := sqlx.GetContext(ctx, q.ext, &msg,
		`SELECT id, queue, actor, consumer_id, body, enqueued_at, eta
		 FROM dramatiq_messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &msg, nil
}

// ClaimMessage stamps the oldest unclaimed row in the queue with
// consumerID and returns it. SKIP LOCKED keeps concurrent claimers from
// blocking on or double-claiming the same row.
func (q *querier) ClaimMessage(ctx context.Context, queue, consumerID string) (*types.Message, error) {
	var msg types.Message
	err := sqlx.GetContext(ctx, q.ext, &msg,
		`UPDATE dramatiq_messages SET consumer_id = $2
		 WHERE id = (
		     SELECT id FROM dramatiq_messages
		     WHERE queue = $1 AND consumer_id IS NULL
		     ORDER BY enqueued_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id, queue, actor, consumer_id, body, enqueued_at, eta`,
		queue, consumerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim message from %s: %w", queue, err)
	}
	return &msg, nil
}

// AckMessage deletes the row. Rows still carrying an ETA are deliberately
// left alone: a delayed copy is acked by promotion, not deletion.
func (q *querier) AckMessage(ctx context.Context, id uuid.UUID) error {
	_, err := q.ext.ExecContext(ctx,
		`DELETE FROM dramatiq_messages WHERE id = $1 AND eta IS NULL`, id)
	if err != nil {
		return fmt.Errorf("ack message %s: %w", id, err)
	}
	return nil
}

func (q *querier) ReleaseMessage(ctx context.Context, id uuid.UUID) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE dramatiq_messages SET consumer_id = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release message %s: %w", id, err)
	}
	return nil
}

// PromoteMessage moves a delayed row onto its base queue in one write:
// claim and ETA are cleared together so exactly one base-queue copy
// exists after the ETA passes.
func (q *querier) PromoteMessage(ctx context.Context, id uuid.UUID, queue string) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE dramatiq_messages SET queue = $2, consumer_id = NULL, eta = NULL WHERE id = $1`,
		id, queue)
	if err != nil {
		return fmt.Errorf("promote message %s: %w", id, err)
	}
	return q.notify(ctx, queue)
}

// ReclaimLostMessages clears the claim of messages whose consumer row no
// longer exists, returning them to the unclaimed pool.
func (q *querier) ReclaimLostMessages(ctx context.Context) (int64, error) {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE dramatiq_messages SET consumer_id = NULL
		 WHERE id IN (
		     SELECT m.id FROM dramatiq_messages m
		     WHERE m.consumer_id IS NOT NULL
		       AND NOT EXISTS (SELECT 1 FROM dramatiq_consumers c WHERE c.id = m.consumer_id)
		     FOR UPDATE SKIP LOCKED)`)
	if err != nil {
		return 0, fmt.Errorf("reclaim lost messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
