package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/cdnpub/pubgate/internal/types"
	"github.com/jmoiron/sqlx"
)

// UpsertPublishedPaths records that the given URIs were committed for an
// environment. Idempotent on (env, web_uri).
func (q *querier) UpsertPublishedPaths(ctx context.Context, env string, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	now := q.now().UTC()
	rows := make([]types.PublishedPath, 0, len(uris))
	for _, uri := range uris {
		rows = append(rows, types.PublishedPath{Env: env, WebURI: uri, Updated: now})
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext,
		`INSERT INTO published_paths (env, web_uri, updated)
		 VALUES (:env, :web_uri, :updated)
		 ON CONFLICT (env, web_uri) DO UPDATE SET updated = EXCLUDED.updated`,
		rows)
	if err != nil {
		return fmt.Errorf("upsert published paths for %s: %w", env, err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListPublishedPaths returns every recorded path for the environment with
// the given literal prefix. An empty prefix lists everything.
func (q *querier) ListPublishedPaths(ctx context.Context, env, prefix string) ([]string, error) {
	var uris []string
	err := sqlx.SelectContext(ctx, q.ext, &uris,
		`SELECT web_uri FROM published_paths
		 WHERE env = $1 AND web_uri LIKE $2
		 ORDER BY web_uri`,
		env, likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list published paths for %s: %w", env, err)
	}
	return uris, nil
}
