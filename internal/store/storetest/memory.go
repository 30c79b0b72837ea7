// Package storetest provides an in-memory store.Storage for tests of the
// broker, consumers and workers. Semantics mirror the postgres
// implementation; transactional rollback is not simulated.
package storetest

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

type commitInfo struct {
	publishID uuid.UUID
	mode      types.CommitMode
}

// MemoryStore implements store.Storage in memory.
//
// A zero Updated time models a NULL updated column. The clock is
// injectable through SetNow so janitor and scheduler tests can freeze
// time.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	wake        func(queue string)
	publishes   map[uuid.UUID]*types.Publish
	items       map[uuid.UUID][]types.Item
	tasks       map[uuid.UUID]*types.Task
	commitTasks map[uuid.UUID]commitInfo
	messages    map[uuid.UUID]*types.Message
	consumers   map[string]time.Time
	paths       map[string]map[string]time.Time
}

// New returns an empty store.
func New() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		publishes:   map[uuid.UUID]*types.Publish{},
		items:       map[uuid.UUID][]types.Item{},
		tasks:       map[uuid.UUID]*types.Task{},
		commitTasks: map[uuid.UUID]commitInfo{},
		messages:    map[uuid.UUID]*types.Message{},
		consumers:   map[string]time.Time{},
		paths:       map[string]map[string]time.Time{},
	}
}

// SetNow overrides the clock.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetWakeFunc registers a hook invoked after every message upsert or
// promotion, standing in for the database NOTIFY.
func (m *MemoryStore) SetWakeFunc(fn func(queue string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wake = fn
}

func (m *MemoryStore) signal(queue string) {
	if m.wake != nil {
		go m.wake(queue)
	}
}

// --- publishes ---

func (m *MemoryStore) CreatePublish(_ context.Context, env string) (*types.Publish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub := &types.Publish{ID: uuid.New(), Env: env, State: types.PublishPending, Updated: m.now().UTC()}
	m.publishes[pub.ID] = pub
	return clonePublish(pub), nil
}

// SeedPublish inserts a publish row verbatim; used by tests.
func (m *MemoryStore) SeedPublish(pub *types.Publish) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes[pub.ID] = clonePublish(pub)
}

func (m *MemoryStore) GetPublish(_ context.Context, id uuid.UUID) (*types.Publish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.publishes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePublish(pub), nil
}

func (m *MemoryStore) SetPublishState(_ context.Context, id uuid.UUID, state types.PublishState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.publishes[id]
	if !ok {
		return store.ErrNotFound
	}
	pub.State = state
	pub.Updated = m.now().UTC()
	return nil
}

func (m *MemoryStore) AddItems(_ context.Context, publishID uuid.UUID, items []types.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.publishes[publishID]
	if !ok {
		return store.ErrNotFound
	}
	now := m.now().UTC()
	for _, item := range items {
		item.ID = uuid.New()
		item.PublishID = publishID
		item.Updated = now
		m.items[publishID] = append(m.items[publishID], item)
	}
	pub.Updated = now
	return nil
}

func (m *MemoryStore) CountItems(_ context.Context, publishID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[publishID]), nil
}

func (m *MemoryStore) LoadPublishItems(_ context.Context, publishID uuid.UUID, entryPoints []string, batchSize int, fn func([]types.Item) error) error {
	m.mu.Lock()
	items := append([]types.Item(nil), m.items[publishID]...)
	m.mu.Unlock()

	isEntryPoint := func(uri string) bool {
		base := path.Base(uri)
		for _, name := range entryPoints {
			if base == name {
				return true
			}
		}
		return false
	}
	sort.SliceStable(items, func(i, j int) bool {
		ei, ej := isEntryPoint(items[i].WebURI), isEntryPoint(items[j].WebURI)
		if ei != ej {
			return !ei
		}
		return items[i].WebURI < items[j].WebURI
	})

	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// --- tasks ---

func (m *MemoryStore) CreateTask(_ context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.State == "" {
		task.State = types.TaskNotStarted
	}
	task.Updated = m.now().UTC()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// SeedTask inserts a task row verbatim; used by tests.
func (m *MemoryStore) SeedTask(task *types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = cloneTask(task)
}

func (m *MemoryStore) CreateCommitTask(ctx context.Context, task *types.CommitTask) error {
	if err := m.CreateTask(ctx, &task.Task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitTasks[task.ID] = commitInfo{publishID: task.PublishID, mode: task.CommitMode}
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *MemoryStore) GetTaskForUpdate(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	return m.GetTask(ctx, id)
}

func (m *MemoryStore) GetCommitTask(_ context.Context, id uuid.UUID) (*types.CommitTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	info, ok := m.commitTasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &types.CommitTask{Task: *cloneTask(task), PublishID: info.publishID, CommitMode: info.mode}, nil
}

func (m *MemoryStore) SetTaskState(_ context.Context, id uuid.UUID, state types.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.State = state
	task.Updated = m.now().UTC()
	return nil
}

// --- published paths ---

func (m *MemoryStore) UpsertPublishedPaths(_ context.Context, env string, uris []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paths[env] == nil {
		m.paths[env] = map[string]time.Time{}
	}
	now := m.now().UTC()
	for _, uri := range uris {
		m.paths[env][uri] = now
	}
	return nil
}

func (m *MemoryStore) ListPublishedPaths(_ context.Context, env, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uris []string
	for uri := range m.paths[env] {
		if strings.HasPrefix(uri, prefix) {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	return uris, nil
}

// --- messages ---

func (m *MemoryStore) UpsertMessage(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = m.now().UTC()
	}
	stored := cloneMessage(msg)
	stored.ConsumerID = nil
	m.messages[msg.ID] = stored
	queue := msg.Queue
	m.mu.Unlock()
	m.signal(queue)
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) ClaimMessage(_ context.Context, queue, consumerID string) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *types.Message
	for _, msg := range m.messages {
		if msg.Queue != queue || msg.ConsumerID != nil {
			continue
		}
		if oldest == nil || msg.EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = msg
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	claimed := consumerID
	oldest.ConsumerID = &claimed
	return cloneMessage(oldest), nil
}

// ForceClaim stamps a message with an arbitrary consumer id; used by
// tests simulating a crashed consumer.
func (m *MemoryStore) ForceClaim(id uuid.UUID, consumerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		msg.ConsumerID = &consumerID
	}
}

func (m *MemoryStore) AckMessage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok && msg.ETA == nil {
		delete(m.messages, id)
	}
	return nil
}

func (m *MemoryStore) ReleaseMessage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		msg.ConsumerID = nil
	}
	return nil
}

func (m *MemoryStore) PromoteMessage(_ context.Context, id uuid.UUID, queue string) error {
	m.mu.Lock()
	msg, ok := m.messages[id]
	if ok {
		msg.Queue = queue
		msg.ConsumerID = nil
		msg.ETA = nil
	}
	m.mu.Unlock()
	if ok {
		m.signal(queue)
	}
	return nil
}

func (m *MemoryStore) ReclaimLostMessages(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.ConsumerID == nil {
			continue
		}
		if _, alive := m.consumers[*msg.ConsumerID]; !alive {
			msg.ConsumerID = nil
			n++
		}
	}
	return n, nil
}

// MessageCount returns the number of stored messages; used by tests.
func (m *MemoryStore) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// MessagesOnQueue returns the ids of messages on a queue; used by tests.
func (m *MemoryStore) MessagesOnQueue(queue string) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, msg := range m.messages {
		if msg.Queue == queue {
			ids = append(ids, id)
		}
	}
	return ids
}

// --- consumers ---

func (m *MemoryStore) UpsertConsumer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[id] = m.now().UTC()
	return nil
}

func (m *MemoryStore) DeleteConsumer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, id)
	return nil
}

func (m *MemoryStore) DeleteDeadConsumers(_ context.Context, timeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-timeout)
	var n int64
	for id, lastAlive := range m.consumers {
		if lastAlive.Before(cutoff) {
			delete(m.consumers, id)
			n++
		}
	}
	return n, nil
}

// ConsumerIDs returns the live consumer ids; used by tests.
func (m *MemoryStore) ConsumerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- janitor ---

func (m *MemoryStore) FixTimestamps(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var n int64
	for _, task := range m.tasks {
		if task.Updated.IsZero() {
			task.Updated = now
			n++
		}
	}
	for _, pub := range m.publishes {
		if pub.Updated.IsZero() {
			pub.Updated = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FixAbandoned(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, task := range m.tasks {
		if !task.State.Terminal() && !task.Updated.IsZero() && task.Updated.Before(cutoff) {
			task.State = types.TaskFailed
			task.Updated = now
			n++
		}
	}
	for _, pub := range m.publishes {
		if !pub.State.Terminal() && !pub.Updated.IsZero() && pub.Updated.Before(cutoff) {
			pub.State = types.PublishFailed
			pub.Updated = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CleanOldData(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-olderThan)
	var n int64
	for id, task := range m.tasks {
		if task.State.Terminal() && task.Updated.Before(cutoff) {
			delete(m.tasks, id)
			delete(m.commitTasks, id)
			n++
		}
	}
	for id, pub := range m.publishes {
		if pub.State.Terminal() && pub.Updated.Before(cutoff) {
			delete(m.publishes, id)
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// --- lifecycle ---

func (m *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx store.Transaction) error) error {
	return fn(m)
}

func (m *MemoryStore) Ready(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func clonePublish(p *types.Publish) *types.Publish {
	c := *p
	return &c
}

func cloneTask(t *types.Task) *types.Task {
	c := *t
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	return &c
}

func cloneMessage(msg *types.Message) *types.Message {
	c := *msg
	if msg.ConsumerID != nil {
		id := *msg.ConsumerID
		c.ConsumerID = &id
	}
	if msg.ETA != nil {
		eta := *msg.ETA
		c.ETA = &eta
	}
	c.Body = append([]byte(nil), msg.Body...)
	return &c
}
