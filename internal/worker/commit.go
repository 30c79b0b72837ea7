package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

// CommitArgs drive one commit attempt. FromDate is the UTC instant
// stamped into every row written by this commit.
type CommitArgs struct {
	PublishID uuid.UUID `json:"publish_id"`
	Env       string    `json:"env"`
	FromDate  string    `json:"from_date"`
}

// commit executes the publish commit protocol: stream regular items
// into the external table in batches, write entry-point items last, and
// on any failure delete everything already written before marking the
// publish FAILED.
func (w *Workers) commit(ctx context.Context, raw json.RawMessage) error {
	var args CommitArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("commit: decode args: %w", err)
	}
	log := logx.FromContext(ctx).WithFields(map[string]any{
		"publish_id": args.PublishID,
		"env":        args.Env,
	})

	taskID, ok := broker.MessageIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("commit: no message id in context")
	}
	task, err := w.store.GetCommitTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("commit: load task %s: %w", taskID, err)
	}
	if task.State.Terminal() {
		log.Warnf("commit task already %s, skipping", task.State)
		return nil
	}
	phase1 := task.CommitMode == types.CommitPhase1
	if task.Deadline != nil && w.now().UTC().After(*task.Deadline) {
		log.Warn("commit task deadline exceeded")
		return w.failCommit(ctx, taskID, args.PublishID, phase1)
	}

	pub, err := w.store.GetPublish(ctx, args.PublishID)
	if err != nil {
		return fmt.Errorf("commit: load publish: %w", err)
	}
	// Phase1 commits run against a still-open publish; only the full
	// commit moves the publish through COMMITTING.
	wantState := types.PublishCommitting
	if phase1 {
		wantState = types.PublishPending
	}
	if pub.State != wantState {
		log.Warnf("publish in state %s, nothing to commit", pub.State)
		return nil
	}

	env := w.settings.Env(args.Env)
	if env == nil {
		log.Error("environment no longer configured, failing commit")
		return w.failCommit(ctx, taskID, args.PublishID, phase1)
	}
	writer, err := w.newItemWriter(ctx, env)
	if err != nil {
		return err
	}
	if err := w.store.SetTaskState(ctx, taskID, types.TaskInProgress); err != nil {
		return err
	}

	log.WithField("commit_mode", task.CommitMode).Info("commit started")

	total, err := w.store.CountItems(ctx, args.PublishID)
	if err != nil {
		return err
	}
	prog := newProgress(log, total, w.now)

	// written collects every put issued so a failure can roll all of
	// them back; removed collects tombstoned web_uris for the cache
	// flush. Entry-point items are deferred past the last regular
	// batch; the edge must never see an entry point for a partially
	// written repository.
	var written []types.Item
	var removed []string
	var entryItems []types.Item

	writeErr := w.store.LoadPublishItems(ctx, args.PublishID, w.settings.EntryPointFiles, w.settings.BatchSize,
		func(batch []types.Item) error {
			regular := make([]types.Item, 0, len(batch))
			for _, it := range batch {
				if isEntryPoint(it.WebURI, w.settings.EntryPointFiles) {
					entryItems = append(entryItems, it)
					continue
				}
				regular = append(regular, it)
			}
			n, err := w.writeBatch(ctx, writer, args.FromDate, regular, &written, &removed)
			prog.add(n)
			return err
		})

	if writeErr == nil && !phase1 && len(entryItems) > 0 {
		// Entry points make the repository visible; confirm their blobs
		// actually landed in the bucket before the final write.
		writeErr = w.verifyEntryObjects(ctx, env, entryItems)
		if writeErr == nil {
			n, err := w.writeBatch(ctx, writer, args.FromDate, entryItems, &written, &removed)
			prog.add(n)
			writeErr = err
		}
	}
	prog.finish()

	if writeErr != nil {
		log.WithError(writeErr).Error("commit failed, rolling back")
		if len(written) > 0 {
			if err := writer.Delete(ctx, args.FromDate, written); err != nil {
				// Best effort: the table may retain rows from this
				// commit; operators recover from the log.
				log.WithError(err).WithField("rows", len(written)).
					Error("rollback incomplete")
			} else {
				batchesWritten.WithLabelValues("rollback").Inc()
			}
		}
		return w.failCommit(ctx, taskID, args.PublishID, phase1)
	}

	paths := make([]string, 0, len(written))
	for _, it := range written {
		paths = append(paths, it.WebURI)
	}
	err = w.store.RunInTransaction(ctx, func(tx store.Transaction) error {
		if len(paths) > 0 {
			if err := tx.UpsertPublishedPaths(ctx, args.Env, paths); err != nil {
				return err
			}
		}
		if !phase1 {
			if err := tx.SetPublishState(ctx, args.PublishID, types.PublishCommitted); err != nil {
				return err
			}
		}
		return tx.SetTaskState(ctx, taskID, types.TaskComplete)
	})
	if err != nil {
		return err
	}

	if phase1 {
		log.Info("phase1 commit complete, publish stays open for phase2")
		return nil
	}
	log.Info("commit complete")
	// Tombstoned paths carry no published-path rows, but their edge
	// cache entries are exactly the ones now stale.
	return w.afterCommit(ctx, args, append(paths, removed...), entryItems)
}

// verifyEntryObjects checks that every blob-backed entry-point item has
// its object in the environment bucket. Links and tombstones carry no
// blob; environments without a bucket skip the check.
func (w *Workers) verifyEntryObjects(ctx context.Context, env *config.Environment, items []types.Item) error {
	verifier, err := w.newVerifier(ctx, env)
	if err != nil {
		return err
	}
	if verifier == nil {
		return nil
	}
	for _, it := range items {
		if it.Tombstone() || it.ObjectKey == "" {
			continue
		}
		ok, err := verifier.Exists(ctx, it.ObjectKey)
		if err != nil {
			return fmt.Errorf("verify %s: %w", it.WebURI, err)
		}
		if !ok {
			return fmt.Errorf("entry point %s: object %s not in bucket", it.WebURI, it.ObjectKey)
		}
	}
	return nil
}

// writeBatch issues puts for regular items and deletes for tombstones,
// appending the puts to written for rollback and the tombstoned uris to
// removed for the cache flush. Returns the row count.
func (w *Workers) writeBatch(ctx context.Context, writer ItemWriter, fromDate string, batch []types.Item, written *[]types.Item, removed *[]string) (int, error) {
	var puts, dels []types.Item
	for _, it := range batch {
		if it.Tombstone() {
			dels = append(dels, it)
		} else {
			puts = append(puts, it)
		}
	}
	if len(puts) > 0 {
		if err := writer.Put(ctx, fromDate, puts); err != nil {
			return 0, err
		}
		*written = append(*written, puts...)
		batchesWritten.WithLabelValues("put").Inc()
	}
	if len(dels) > 0 {
		if err := writer.Delete(ctx, fromDate, dels); err != nil {
			return len(puts), err
		}
		for _, it := range dels {
			*removed = append(*removed, it.WebURI)
		}
		batchesWritten.WithLabelValues("delete").Inc()
	}
	return len(batch), nil
}

// failCommit records the terminal failure of a commit attempt. A failed
// phase1 fails only its task; the publish stays open and the client may
// retry.
func (w *Workers) failCommit(ctx context.Context, taskID, publishID uuid.UUID, phase1 bool) error {
	return w.store.RunInTransaction(ctx, func(tx store.Transaction) error {
		if !phase1 {
			if err := tx.SetPublishState(ctx, publishID, types.PublishFailed); err != nil {
				return err
			}
		}
		return tx.SetTaskState(ctx, taskID, types.TaskFailed)
	})
}

// afterCommit enqueues the follow-up work of a successful full commit:
// the cache flush for every committed path, and autoindex work for the
// repository entry points observed in the publish.
func (w *Workers) afterCommit(ctx context.Context, args CommitArgs, paths []string, entryItems []types.Item) error {
	flushID := uuid.New()
	deadline := w.now().UTC().Add(w.settings.TaskDeadline)
	err := w.store.RunInTransaction(ctx, func(tx store.Transaction) error {
		if err := tx.CreateTask(ctx, &types.Task{
			ID:       flushID,
			State:    types.TaskNotStarted,
			Deadline: &deadline,
		}); err != nil {
			return err
		}
		txCtx := broker.ContextWithTx(ctx, tx)
		return w.broker.EnqueueWithID(txCtx, flushID, ActorFlush,
			FlushArgs{Env: args.Env, Paths: paths}, 0)
	})
	if err != nil {
		return fmt.Errorf("enqueue cache flush: %w", err)
	}

	if len(entryItems) > 0 {
		entryPaths := make([]string, 0, len(entryItems))
		for _, it := range entryItems {
			if !it.Tombstone() {
				entryPaths = append(entryPaths, it.WebURI)
			}
		}
		if len(entryPaths) > 0 {
			if _, err := w.broker.Enqueue(ctx, ActorAutoindex,
				AutoindexArgs{Env: args.Env, Paths: entryPaths}, 0); err != nil {
				return fmt.Errorf("enqueue autoindex: %w", err)
			}
		}
	}
	return nil
}
