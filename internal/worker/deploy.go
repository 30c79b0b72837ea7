package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

// DeployArgs carry a validated CDN config blob for one environment.
type DeployArgs struct {
	Env      string          `json:"env"`
	FromDate string          `json:"from_date"`
	Config   json.RawMessage `json:"config"`
}

// DeployCompleteArgs finish a config deployment after the edge caches
// have aged out: flush the affected paths, then complete the task.
type DeployCompleteArgs struct {
	TaskID uuid.UUID `json:"task_id"`
	Env    string    `json:"env"`
	Paths  []string  `json:"paths"`
}

// deployConfig writes the config blob to the environment's config table,
// diffs the alias sets against the previous deployment, and schedules
// the delayed completion that flushes every affected published path.
func (w *Workers) deployConfig(ctx context.Context, raw json.RawMessage) error {
	var args DeployArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("deploy-config: decode args: %w", err)
	}
	taskID, ok := broker.MessageIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("deploy-config: no message id in context")
	}
	log := logx.FromContext(ctx).WithFields(map[string]any{
		"task_id": taskID,
		"env":     args.Env,
	})

	proceed := false
	err := w.store.RunInTransaction(ctx, func(tx store.Transaction) error {
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			log.Warnf("deploy task already %s, skipping", task.State)
			return nil
		}
		proceed = true
		return tx.SetTaskState(ctx, taskID, types.TaskInProgress)
	})
	if err != nil || !proceed {
		return err
	}

	env := w.settings.Env(args.Env)
	if env == nil {
		log.Error("environment no longer configured, failing deploy")
		return w.store.SetTaskState(ctx, taskID, types.TaskFailed)
	}
	cfgStore, err := w.newConfigStore(ctx, env)
	if err != nil {
		return err
	}

	prevBlob, err := cfgStore.GetConfig(ctx)
	if err != nil {
		return err
	}
	prev, err := parseCDNConfig(prevBlob)
	if err != nil {
		// A corrupt previous blob must not block deploying a good one.
		log.WithError(err).Warn("previous config unparsable, treating as empty")
		prev = &cdnConfig{}
	}
	next, err := parseCDNConfig(args.Config)
	if err != nil {
		log.WithError(err).Error("config blob unparsable, failing deploy")
		return w.store.SetTaskState(ctx, taskID, types.TaskFailed)
	}

	if err := cfgStore.PutConfig(ctx, args.FromDate, args.Config); err != nil {
		return err
	}
	log.Info("config deployed")

	flushSet, err := w.aliasFlushPaths(ctx, args.Env, prev, next)
	if err != nil {
		return err
	}
	if w.settings.CDNListingFlush {
		for listed := range next.Listing {
			flushSet = append(flushSet, strings.TrimSuffix(listed, "/")+"/listing")
		}
	}
	sort.Strings(flushSet)
	log.WithField("paths", len(flushSet)).Info("config flush scheduled")

	// The flush waits out the config cache TTL so edges reload the new
	// config before their content caches are purged.
	_, err = w.broker.Enqueue(ctx, ActorDeployComplete, DeployCompleteArgs{
		TaskID: taskID,
		Env:    args.Env,
		Paths:  flushSet,
	}, w.settings.ConfigCacheTTL())
	return err
}

// aliasFlushPaths collects the published paths affected by alias
// changes: everything under a changed src, plus everything under the
// new dest rewritten back to the src side.
func (w *Workers) aliasFlushPaths(ctx context.Context, envName string, prev, next *cdnConfig) ([]string, error) {
	prevDest := map[string]string{}
	for _, a := range prev.aliases() {
		prevDest[a.Src] = a.Dest
	}

	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, a := range next.aliases() {
		if dest, ok := prevDest[a.Src]; ok && dest == a.Dest {
			continue
		}
		excludes, err := compileExcludes(a.ExcludePaths)
		if err != nil {
			return nil, fmt.Errorf("alias %s: %w", a.Src, err)
		}

		srcPaths, err := w.store.ListPublishedPaths(ctx, envName, a.Src+"/")
		if err != nil {
			return nil, err
		}
		for _, p := range srcPaths {
			if !excluded(p, excludes) {
				add(p)
			}
		}

		// Content only ever published under the destination side, e.g.
		// kickstart trees, still needs its src-side cache entries
		// flushed.
		destPaths, err := w.store.ListPublishedPaths(ctx, envName, a.Dest+"/")
		if err != nil {
			return nil, err
		}
		for _, p := range destPaths {
			if !excluded(p, excludes) {
				add(a.Src + strings.TrimPrefix(p, a.Dest))
			}
		}
	}
	return out, nil
}

func compileExcludes(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad exclude_paths pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func excluded(path string, excludes []*regexp.Regexp) bool {
	for _, re := range excludes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// deployComplete runs after the config cache TTL: it flushes the
// affected paths and moves the deploy task to its terminal state.
func (w *Workers) deployComplete(ctx context.Context, raw json.RawMessage) error {
	var args DeployCompleteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("deploy-complete: decode args: %w", err)
	}
	log := logx.FromContext(ctx).WithFields(map[string]any{
		"task_id": args.TaskID,
		"env":     args.Env,
	})

	task, err := w.store.GetTask(ctx, args.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("deploy task vanished, nothing to complete")
			return nil
		}
		return err
	}
	if task.State.Terminal() {
		log.Warnf("deploy task already %s, skipping", task.State)
		return nil
	}
	if task.Deadline != nil && w.now().UTC().After(*task.Deadline) {
		log.Warn("deploy task deadline exceeded")
		return w.store.SetTaskState(ctx, args.TaskID, types.TaskFailed)
	}

	if err := w.flushPaths(ctx, args.Env, args.Paths); err != nil {
		return err
	}
	return w.store.SetTaskState(ctx, args.TaskID, types.TaskComplete)
}
