package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

// FlushArgs name the paths whose edge cache entries must be
// invalidated.
type FlushArgs struct {
	Env   string   `json:"env"`
	Paths []string `json:"paths"`
}

var ostreeRefPattern = regexp.MustCompile(`.*/ostree/repo/refs/heads/.*/(base|standard)$`)

// ttlForPath mirrors the edge cache configuration; the values must not
// drift from what the CDN actually caches for.
func ttlForPath(p string) string {
	switch {
	case strings.HasSuffix(p, "/repodata/repomd.xml") || strings.HasSuffix(p, "/"):
		return "4h"
	case strings.HasSuffix(p, "/PULP_MANIFEST") ||
		strings.HasSuffix(p, "/listing") ||
		strings.Contains(p, "/repodata/") ||
		ostreeRefPattern.MatchString(p):
		return "10m"
	}
	return "30d"
}

// flushURLs expands paths into the purge list: one URL per configured
// base, then one ARL per configured template with {path} and {ttl}
// filled in. A leading "/" on the input path is optional.
func flushURLs(env *config.Environment, paths []string) []string {
	var urls []string
	for _, p := range paths {
		rel := strings.TrimPrefix(p, "/")
		for _, base := range env.CacheFlushURLs {
			urls = append(urls, strings.TrimSuffix(base, "/")+"/"+rel)
		}
	}
	for _, p := range paths {
		rel := strings.TrimPrefix(p, "/")
		ttl := ttlForPath(p)
		for _, tmpl := range env.CacheFlushARLTemplates {
			arl := strings.ReplaceAll(tmpl, "{path}", rel)
			arl = strings.ReplaceAll(arl, "{ttl}", ttl)
			urls = append(urls, arl)
		}
	}
	return urls
}

// flush is the cache-flusher actor. The task row is locked for the
// state transition so concurrent attempts of the same task serialize.
func (w *Workers) flush(ctx context.Context, raw json.RawMessage) error {
	var args FlushArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("flush: decode args: %w", err)
	}
	taskID, ok := broker.MessageIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("flush: no message id in context")
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
			log.Warnf("flush task already %s, skipping", task.State)
			return nil
		}
		if task.Deadline != nil && w.now().UTC().After(*task.Deadline) {
			log.Warn("flush task deadline exceeded")
			return tx.SetTaskState(ctx, taskID, types.TaskFailed)
		}
		proceed = true
		return tx.SetTaskState(ctx, taskID, types.TaskInProgress)
	})
	if err != nil || !proceed {
		return err
	}

	if err := w.flushPaths(ctx, args.Env, args.Paths); err != nil {
		return err
	}
	return w.store.SetTaskState(ctx, taskID, types.TaskComplete)
}

// flushPaths expands the paths through the deployed aliases and calls
// the purge API. Environments with purging disabled skip the call.
func (w *Workers) flushPaths(ctx context.Context, envName string, paths []string) error {
	log := logx.FromContext(ctx).WithField("env", envName)
	env := w.settings.Env(envName)
	if env == nil {
		return fmt.Errorf("flush: unknown environment %q", envName)
	}
	if len(paths) == 0 {
		log.Info("nothing to flush")
		return nil
	}

	expanded := w.expandAliases(ctx, env, paths)
	urls := flushURLs(env, expanded)
	if !env.FastpurgeEnabled || len(urls) == 0 {
		log.WithField("urls", len(urls)).Info("cache flush skipped")
		return nil
	}
	return w.newPurgeClient(env).Purge(ctx, urls)
}

// expandAliases adds the alias-resolved variant of each path, so
// content reachable under both sides of an alias is flushed under both.
// A missing or unreadable config degrades to the original paths.
func (w *Workers) expandAliases(ctx context.Context, env *config.Environment, paths []string) []string {
	log := logx.FromContext(ctx)
	cfgStore, err := w.newConfigStore(ctx, env)
	if err != nil {
		log.WithError(err).Warn("config table unavailable, flushing unresolved paths")
		return paths
	}
	blob, err := cfgStore.GetConfig(ctx)
	if err != nil {
		log.WithError(err).Warn("config read failed, flushing unresolved paths")
		return paths
	}
	cfg, err := parseCDNConfig(blob)
	if err != nil {
		log.WithError(err).Warn("config unparsable, flushing unresolved paths")
		return paths
	}

	aliases := cfg.aliases()
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		add(p)
		add(resolveAliases(p, aliases))
	}
	return out
}
