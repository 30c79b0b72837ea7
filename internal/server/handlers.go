package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
	"github.com/cdnpub/pubgate/internal/worker"
)

// publishResponse is a Publish plus the links a client follows to feed
// and commit it.
type publishResponse struct {
	*types.Publish
	Links map[string]string `json:"links"`
}

func publishLinks(pub *types.Publish) map[string]string {
	base := path.Join("/", pub.Env, "publish", pub.ID.String())
	return map[string]string{
		"self":   base,
		"commit": base + "/commit",
	}
}

func (s *Server) createPublish(w http.ResponseWriter, r *http.Request) {
	env := envFromContext(r.Context())
	pub, err := s.store.CreatePublish(r.Context(), env.Name)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	logx.FromContext(r.Context()).WithFields(map[string]any{
		"publish_id": pub.ID,
		"env":        env.Name,
		"caller":     identityFromContext(r.Context()).Caller(),
	}).Info("created publish")
	respondJSON(w, http.StatusOK, publishResponse{Publish: pub, Links: publishLinks(pub)})
}

// loadPublish resolves the {publish_id} path segment. A publish is only
// visible through the environment it was created in.
func (s *Server) loadPublish(w http.ResponseWriter, r *http.Request) *types.Publish {
	id, err := uuid.Parse(chi.URLParam(r, "publish_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid publish id: %v", err)
		return nil
	}
	pub, err := s.store.GetPublish(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && pub.Env != envFromContext(r.Context()).Name) {
		respondError(w, http.StatusNotFound, "no publish %s", id)
		return nil
	}
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	return pub
}

func (s *Server) addItems(w http.ResponseWriter, r *http.Request) {
	pub := s.loadPublish(w, r)
	if pub == nil {
		return
	}
	if pub.State != types.PublishPending {
		respondError(w, http.StatusConflict, "publish %s in state %s, no further items accepted", pub.ID, pub.State)
		return
	}

	var items []types.Item
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		respondError(w, http.StatusBadRequest, "invalid items: %v", err)
		return
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid item: %v", err)
			return
		}
		// Index files are generated at commit time; clients must not
		// publish them directly.
		if path.Base(items[i].WebURI) == s.settings.AutoindexFilename {
			respondError(w, http.StatusBadRequest, "item %s: filename is reserved", items[i].WebURI)
			return
		}
	}
	if len(items) > 0 {
		if err := s.store.AddItems(r.Context(), pub.ID, items); err != nil {
			s.internalError(w, r, err)
			return
		}
	}
	logx.FromContext(r.Context()).WithFields(map[string]any{
		"publish_id": pub.ID,
		"items":      len(items),
	}).Info("added publish items")
	respondJSON(w, http.StatusOK, map[string]int{"items": len(items)})
}

func (s *Server) commitPublish(w http.ResponseWriter, r *http.Request) {
	pub := s.loadPublish(w, r)
	if pub == nil {
		return
	}
	mode, err := types.ParseCommitMode(r.URL.Query().Get("commit_mode"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if pub.State != types.PublishPending {
		respondError(w, http.StatusConflict, "publish %s in state %s cannot be committed", pub.ID, pub.State)
		return
	}

	env := envFromContext(r.Context())
	now := s.now().UTC()
	deadline := now.Add(s.settings.TaskDeadline)
	task := &types.CommitTask{
		Task: types.Task{
			ID:       uuid.New(),
			State:    types.TaskNotStarted,
			Deadline: &deadline,
		},
		PublishID:  pub.ID,
		CommitMode: mode,
	}
	err = s.store.RunInTransaction(r.Context(), func(tx store.Transaction) error {
		// A phase1 commit leaves the publish open: more items and a
		// later full commit are still accepted.
		if mode == types.CommitPhase2 {
			if err := tx.SetPublishState(r.Context(), pub.ID, types.PublishCommitting); err != nil {
				return err
			}
		}
		if err := tx.CreateCommitTask(r.Context(), task); err != nil {
			return err
		}
		txCtx := broker.ContextWithTx(r.Context(), tx)
		return s.broker.EnqueueWithID(txCtx, task.ID, worker.ActorCommit, worker.CommitArgs{
			PublishID: pub.ID,
			Env:       env.Name,
			FromDate:  now.Format(time.RFC3339),
		}, 0)
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	logx.FromContext(r.Context()).WithFields(map[string]any{
		"publish_id":  pub.ID,
		"task_id":     task.ID,
		"commit_mode": mode,
		"caller":      identityFromContext(r.Context()).Caller(),
	}).Info("committing publish")
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id: %v", err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no task %s", id)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// flushItem is one entry in a cdn-flush request body.
type flushItem struct {
	WebURI string `json:"web_uri"`
}

func (s *Server) cdnFlush(w http.ResponseWriter, r *http.Request) {
	var body []flushItem
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid flush request: %v", err)
		return
	}
	paths := make([]string, 0, len(body))
	for _, it := range body {
		uri, err := types.NormalizeURI(it.WebURI)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid flush path: %v", err)
			return
		}
		paths = append(paths, uri)
	}

	env := envFromContext(r.Context())
	task, err := s.enqueueTask(r, worker.ActorFlush, worker.FlushArgs{
		Env:   env.Name,
		Paths: paths,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) deployConfig(w http.ResponseWriter, r *http.Request) {
	var blob map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
		respondError(w, http.StatusBadRequest, "config must be a JSON object: %v", err)
		return
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	env := envFromContext(r.Context())
	task, err := s.enqueueTask(r, worker.ActorDeployConfig, worker.DeployArgs{
		Env:      env.Name,
		FromDate: s.now().UTC().Format(time.RFC3339),
		Config:   raw,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	logx.FromContext(r.Context()).WithFields(map[string]any{
		"task_id": task.ID,
		"env":     env.Name,
		"caller":  identityFromContext(r.Context()).Caller(),
	}).Info("deploying CDN configuration")
	respondJSON(w, http.StatusOK, task)
}

// enqueueTask creates a task row and its driving message in one
// transaction, sharing the task id.
func (s *Server) enqueueTask(r *http.Request, actor string, args any) (*types.Task, error) {
	deadline := s.now().UTC().Add(s.settings.TaskDeadline)
	task := &types.Task{
		ID:       uuid.New(),
		State:    types.TaskNotStarted,
		Deadline: &deadline,
	}
	err := s.store.RunInTransaction(r.Context(), func(tx store.Transaction) error {
		if err := tx.CreateTask(r.Context(), task); err != nil {
			return err
		}
		txCtx := broker.ContextWithTx(r.Context(), tx)
		return s.broker.EnqueueWithID(txCtx, task.ID, actor, args, 0)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"detail": "api is running"})
}

// healthcheckWorker verifies the background pipeline end to end: it
// enqueues a ping and reports the task a caller can poll for COMPLETE.
func (s *Server) healthcheckWorker(w http.ResponseWriter, r *http.Request) {
	task, err := s.enqueueTask(r, worker.ActorPing, nil)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"detail":  "ping enqueued",
		"task_id": task.ID,
	})
}

func (s *Server) whoami(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, identityFromContext(r.Context()))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logx.FromContext(r.Context()).WithError(err).Error("request failed")
	respondError(w, http.StatusInternalServerError, "%v", err)
}
