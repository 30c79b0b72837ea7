package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

// ping completes its task row, proving the whole enqueue-deliver-store
// round trip works. The worker healthcheck endpoint enqueues it.
func (w *Workers) ping(ctx context.Context, _ json.RawMessage) error {
	id, ok := broker.MessageIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("ping: no message id in context")
	}
	if err := w.store.SetTaskState(ctx, id, types.TaskComplete); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	logx.FromContext(ctx).Debug("pong")
	return nil
}

// AutoindexArgs name the repository entry points a commit observed.
type AutoindexArgs struct {
	Env   string   `json:"env"`
	Paths []string `json:"paths"`
}

// autoindexPartial records which repositories changed so their listings
// can be reindexed. The index build itself happens elsewhere; this
// actor's log line is the handoff.
func (w *Workers) autoindexPartial(ctx context.Context, raw json.RawMessage) error {
	var args AutoindexArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("autoindex-partial: decode args: %w", err)
	}
	logx.FromContext(ctx).WithFields(map[string]any{
		"env":          args.Env,
		"entry_points": args.Paths,
	}).Info("repositories changed")
	return nil
}
