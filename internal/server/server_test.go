package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/store/storetest"
	"github.com/cdnpub/pubgate/internal/types"
	"github.com/cdnpub/pubgate/internal/worker"
)

type fixture struct {
	store    *storetest.MemoryStore
	settings *config.Settings
	handler  http.Handler
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings, err := config.Load("")
	require.NoError(t, err)
	settings.AddEnv(&config.Environment{Name: "test", Table: "my-table"})

	st := storetest.New()
	b := broker.New(st, settings)
	noop := func(ctx context.Context, args json.RawMessage) error { return nil }
	b.Register(worker.ActorCommit, noop, broker.Options{Queue: "commits"})
	for _, name := range []string{worker.ActorFlush, worker.ActorDeployConfig, worker.ActorPing} {
		b.Register(name, noop, broker.Options{Queue: "tasks"})
	}

	s := New(st, b, settings)
	f := &fixture{
		store:    st,
		settings: settings,
		clock:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	s.now = func() time.Time { return f.clock }
	f.handler = s.Router()
	return f
}

func callContextHeader(t *testing.T, roles ...string) string {
	t.Helper()
	raw, err := json.Marshal(Identity{
		Client: &ClientContext{Roles: roles, ServiceAccountID: "tester"},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func (f *fixture) do(t *testing.T, method, target, callCtx string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if callCtx != "" {
		req.Header.Set(f.settings.CallContextHeader, callCtx)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func blobItem(uri string) types.Item {
	return types.Item{WebURI: uri, ObjectKey: strings.Repeat("ab", 32)}
}

func TestCreatePublishRequiresRole(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/test/publish", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-publisher")

	rec = f.do(t, http.MethodPost, "/test/publish", callContextHeader(t, "other-publisher"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/test/publish", callContextHeader(t, "test-publisher"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMalformedCallContext(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/test/publish", "!!not-base64!!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	notJSON := base64.StdEncoding.EncodeToString([]byte("hello"))
	rec = f.do(t, http.MethodPost, "/test/publish", notJSON, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownEnvironment(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/nowhere/publish", callContextHeader(t, "nowhere-publisher"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "nowhere")
}

func TestPublishWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := callContextHeader(t, "test-publisher")

	rec := f.do(t, http.MethodPost, "/test/publish", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode[publishResponse](t, rec)
	require.Equal(t, types.PublishPending, created.State)
	require.Equal(t, "/test/publish/"+created.ID.String(), created.Links["self"])
	require.Equal(t, created.Links["self"]+"/commit", created.Links["commit"])

	items := []types.Item{
		blobItem("/content/a.rpm"),
		{WebURI: "/content/b.rpm", LinkTo: "/content/a.rpm"},
		{WebURI: "/content/gone.rpm", ObjectKey: "absent"},
	}
	rec = f.do(t, http.MethodPut, created.Links["self"], auth, items)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, created.Links["commit"], auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[types.Task](t, rec)
	require.Equal(t, types.TaskNotStarted, task.State)
	require.NotNil(t, task.Deadline)
	assert.Equal(t, f.clock.Add(f.settings.TaskDeadline), task.Deadline.UTC())

	pub, err := f.store.GetPublish(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PublishCommitting, pub.State)

	// The commit task and its driving message share an id.
	commitTask, err := f.store.GetCommitTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, commitTask.PublishID)
	assert.Equal(t, types.CommitPhase2, commitTask.CommitMode)

	msg, err := f.store.GetMessage(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "commits", msg.Queue)
	assert.Equal(t, worker.ActorCommit, msg.Actor)

	rec = f.do(t, http.MethodGet, "/task/"+task.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	polled := decode[types.Task](t, rec)
	assert.Equal(t, task.ID, polled.ID)
}

func TestAddItemsValidation(t *testing.T) {
	f := newFixture(t)
	auth := callContextHeader(t, "test-publisher")

	rec := f.do(t, http.MethodPost, "/test/publish", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode[publishResponse](t, rec)

	rec = f.do(t, http.MethodPut, created.Links["self"], auth, []types.Item{
		{WebURI: "/x", ObjectKey: "not-a-sha"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, created.Links["self"], auth, []types.Item{
		blobItem("/repo/" + f.settings.AutoindexFilename),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reserved")

	rec = f.do(t, http.MethodPut, "/test/publish/"+uuid.NewString(), auth, []types.Item{blobItem("/x")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddItemsConflictAfterCommit(t *testing.T) {
	f := newFixture(t)
	auth := callContextHeader(t, "test-publisher")

	created := decode[publishResponse](t, f.do(t, http.MethodPost, "/test/publish", auth, nil))
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, created.Links["commit"], auth, nil).Code)

	rec := f.do(t, http.MethodPut, created.Links["self"], auth, []types.Item{blobItem("/late")})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// A second commit is rejected too.
	rec = f.do(t, http.MethodPost, created.Links["commit"], auth, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCommitModeValidation(t *testing.T) {
	f := newFixture(t)
	auth := callContextHeader(t, "test-publisher")
	created := decode[publishResponse](t, f.do(t, http.MethodPost, "/test/publish", auth, nil))

	rec := f.do(t, http.MethodPost, created.Links["commit"]+"?commit_mode=bogus", auth, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, created.Links["commit"]+"?commit_mode=phase1", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[types.Task](t, rec)
	commitTask, err := f.store.GetCommitTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CommitPhase1, commitTask.CommitMode)
}

func TestPhase1CommitLeavesPublishOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := callContextHeader(t, "test-publisher")

	created := decode[publishResponse](t, f.do(t, http.MethodPost, "/test/publish", auth, nil))
	rec := f.do(t, http.MethodPut, created.Links["self"], auth, []types.Item{blobItem("/content/a.rpm")})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, created.Links["commit"]+"?commit_mode=phase1", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A phase1 commit pre-publishes content without closing the publish:
	// more items and the final full commit still go through.
	pub, err := f.store.GetPublish(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PublishPending, pub.State)

	rec = f.do(t, http.MethodPut, created.Links["self"], auth, []types.Item{blobItem("/content/b.rpm")})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, created.Links["commit"], auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pub, err = f.store.GetPublish(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PublishCommitting, pub.State)
}

func TestCdnFlushCreatesTask(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/test/cdn-flush", callContextHeader(t, "test-publisher"),
		[]flushItem{{WebURI: "/a"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	auth := callContextHeader(t, "test-cdn-flusher")
	rec = f.do(t, http.MethodPost, "/test/cdn-flush", auth,
		[]flushItem{{WebURI: "content/a.rpm"}, {WebURI: "/content/b.rpm"}})
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[types.Task](t, rec)

	msg, err := f.store.GetMessage(context.Background(), task.ID)
	require.NoError(t, err)
	body, err := msg.DecodeBody()
	require.NoError(t, err)
	var args worker.FlushArgs
	require.NoError(t, json.Unmarshal(body.Args, &args))
	assert.Equal(t, []string{"/content/a.rpm", "/content/b.rpm"}, args.Paths)
	assert.Equal(t, "test", args.Env)

	rec = f.do(t, http.MethodPost, "/test/cdn-flush", auth, []flushItem{{WebURI: ""}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployConfig(t *testing.T) {
	f := newFixture(t)
	auth := callContextHeader(t, "test-config-deployer")

	req := httptest.NewRequest(http.MethodPost, "/test/deploy-config", strings.NewReader("[1,2]"))
	req.Header.Set(f.settings.CallContextHeader, auth)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	blob := map[string]any{
		"origin_alias": []map[string]string{{"src": "/o", "dest": "/c"}},
	}
	rec = f.do(t, http.MethodPost, "/test/deploy-config", auth, blob)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[types.Task](t, rec)

	msg, err := f.store.GetMessage(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ActorDeployConfig, msg.Actor)
	body, err := msg.DecodeBody()
	require.NoError(t, err)
	var args worker.DeployArgs
	require.NoError(t, json.Unmarshal(body.Args, &args))
	assert.Equal(t, "2026-08-24T12:00:00Z", args.FromDate)
	assert.Contains(t, string(args.Config), "origin_alias")
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/task/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/task/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWhoami(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/whoami", callContextHeader(t, "test-publisher"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[Identity](t, rec)
	require.NotNil(t, id.Client)
	assert.Equal(t, "tester", id.Client.ServiceAccountID)
	assert.Equal(t, []string{"test-publisher"}, id.Client.Roles)

	rec = f.do(t, http.MethodGet, "/whoami", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	anon := decode[Identity](t, rec)
	assert.Nil(t, anon.Client)
}

func TestHealthchecks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthcheck", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthcheck-worker", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	taskID, err := uuid.Parse(out["task_id"].(string))
	require.NoError(t, err)

	msg, err := f.store.GetMessage(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, worker.ActorPing, msg.Actor)
	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskNotStarted, task.State)
}

func TestRequestIDEcho(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/healthcheck", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
