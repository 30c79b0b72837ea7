package worker

import (
	"context"
	"encoding/json"

	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
)

// janitor is the scheduled cleanup sweep: repair null timestamps, fail
// work stuck past the publish timeout, and delete terminal objects past
// the retention horizon. All three sweeps share one transaction.
func (w *Workers) janitor(ctx context.Context, _ json.RawMessage) error {
	var fixed, abandoned, cleaned int64
	err := w.store.RunInTransaction(ctx, func(tx store.Transaction) error {
		var err error
		if fixed, err = tx.FixTimestamps(ctx); err != nil {
			return err
		}
		if abandoned, err = tx.FixAbandoned(ctx, w.settings.PublishTimeout()); err != nil {
			return err
		}
		cleaned, err = tx.CleanOldData(ctx, w.settings.HistoryTimeout())
		return err
	})
	if err != nil {
		return err
	}
	logx.FromContext(ctx).WithFields(map[string]any{
		"timestamps_fixed": fixed,
		"abandoned_failed": abandoned,
		"old_deleted":      cleaned,
	}).Info("janitor sweep complete")
	return nil
}
