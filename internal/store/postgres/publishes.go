package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

func (q *querier) CreatePublish(ctx context.Context, env string) (*types.Publish, error) {
	pub := &types.Publish{
		ID:      uuid.New(),
		Env:     env,
		State:   types.PublishPending,
		Updated: q.now().UTC(),
	}
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO publishes (id, env, state, updated) VALUES ($1, $2, $3, $4)`,
		pub.ID, pub.Env, pub.State, pub.Updated)
	if err != nil {
		return nil, fmt.Errorf("create publish: %w", err)
	}
	return pub, nil
}

func (q *querier) GetPublish(ctx context.Context, id uuid.UUID) (*types.Publish, error) {
	var pub types.Publish
	err := sqlx.GetContext(ctx, q.ext, &pub,
		`SELECT id, env, state, updated FROM publishes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get publish %s: %w", id, err)
	}
	return &pub, nil
}

func (q *querier) SetPublishState(ctx context.Context, id uuid.UUID, state types.PublishState) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE publishes SET state = $2, updated = $3 WHERE id = $1`,
		id, state, q.now().UTC())
	if err != nil {
		return fmt.Errorf("set publish %s state: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *querier) AddItems(ctx context.Context, publishID uuid.UUID, items []types.Item) error {
	if len(items) == 0 {
		return nil
	}
	now := q.now().UTC()
	for i := range items {
		items[i].ID = uuid.New()
		items[i].PublishID = publishID
		items[i].Updated = now
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext,
		`INSERT INTO items (id, publish_id, web_uri, object_key, content_type, link_to, updated)
		 VALUES (:id, :publish_id, :web_uri, :object_key, :content_type, :link_to, :updated)`,
		items)
	if err != nil {
		return fmt.Errorf("add items to publish %s: %w", publishID, err)
	}
	_, err = q.ext.ExecContext(ctx,
		`UPDATE publishes SET updated = $2 WHERE id = $1`, publishID, now)
	if err != nil {
		return fmt.Errorf("touch publish %s: %w", publishID, err)
	}
	return nil
}

func (q *querier) CountItems(ctx context.Context, publishID uuid.UUID) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q.ext, &count,
		`SELECT count(*) FROM items WHERE publish_id = $1`, publishID)
	if err != nil {
		return 0, fmt.Errorf("count items of publish %s: %w", publishID, err)
	}
	return count, nil
}

// LoadPublishItems streams items ordered so that entry-point basenames
// sort after everything else, then by web_uri for a stable order.
func (q *querier) LoadPublishItems(ctx context.Context, publishID uuid.UUID, entryPoints []string, batchSize int, fn func([]types.Item) error) error {
	rows, err := q.ext.QueryxContext(ctx,
		`SELECT id, publish_id, web_uri, object_key, content_type, link_to, updated
		 FROM items
		 WHERE publish_id = $1
		 ORDER BY (CASE WHEN regexp_replace(web_uri, '.*/', '') = ANY($2) THEN 1 ELSE 0 END), web_uri`,
		publishID, pq.Array(entryPoints))
	if err != nil {
		return fmt.Errorf("load items of publish %s: %w", publishID, err)
	}
	defer rows.Close()

	batch := make([]types.Item, 0, batchSize)
	for rows.Next() {
		var item types.Item
		if err := rows.StructScan(&item); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		batch = append(batch, item)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate items of publish %s: %w", publishID, err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
