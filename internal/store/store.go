// Package store defines the data-access boundary for the gateway's
// relational state: publishes, items, tasks, queue messages, consumers
// and published paths.
//
// The concrete implementation lives in the postgres sub-package. This
// package holds the interface and sentinel errors so that consumers
// (broker, workers, HTTP handlers) depend on the interface and tests can
// substitute the in-memory store from the storetest sub-package.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cdnpub/pubgate/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the set of operations available both on the Storage handle
// (each call in its own short transaction) and inside RunInTransaction.
//
// No business logic lives here beyond what the data invariants require:
// claim and reclaim queries take row locks that skip already-locked rows
// so concurrent consumers neither block each other nor double-claim.
type Querier interface {
	// Publishes
	CreatePublish(ctx context.Context, env string) (*types.Publish, error)
	GetPublish(ctx context.Context, id uuid.UUID) (*types.Publish, error)
	SetPublishState(ctx context.Context, id uuid.UUID, state types.PublishState) error
	AddItems(ctx context.Context, publishID uuid.UUID, items []types.Item) error
	CountItems(ctx context.Context, publishID uuid.UUID) (int, error)
	// LoadPublishItems streams the publish's items in committable order:
	// items whose basename is in entryPoints sort after all others. The
	// callback receives slices of at most batchSize items.
	LoadPublishItems(ctx context.Context, publishID uuid.UUID, entryPoints []string, batchSize int, fn func([]types.Item) error) error

	// Tasks
	CreateTask(ctx context.Context, task *types.Task) error
	CreateCommitTask(ctx context.Context, task *types.CommitTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error)
	GetCommitTask(ctx context.Context, id uuid.UUID) (*types.CommitTask, error)
	SetTaskState(ctx context.Context, id uuid.UUID, state types.TaskState) error

	// Published paths
	UpsertPublishedPaths(ctx context.Context, env string, uris []string) error
	ListPublishedPaths(ctx context.Context, env, prefix string) ([]string, error)

	// Messages
	UpsertMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*types.Message, error)
	// ClaimMessage locks the oldest unclaimed row in the queue, stamps it
	// with consumerID and returns it; ErrNotFound when the queue is empty.
	ClaimMessage(ctx context.Context, queue, consumerID string) (*types.Message, error)
	// AckMessage deletes the row. Rows still carrying an ETA are left in
	// place: the real execution has not happened yet.
	AckMessage(ctx context.Context, id uuid.UUID) error
	// ReleaseMessage clears the consumer claim, returning the row to the
	// unclaimed pool.
	ReleaseMessage(ctx context.Context, id uuid.UUID) error
	// PromoteMessage moves a delayed row whose ETA has passed onto the
	// given base queue, clearing claim and ETA in one write so exactly
	// one base-queue copy exists afterwards.
	PromoteMessage(ctx context.Context, id uuid.UUID, queue string) error
	// ReclaimLostMessages clears the claim of every message whose
	// consumer row no longer exists.
	ReclaimLostMessages(ctx context.Context) (int64, error)

	// Consumers
	UpsertConsumer(ctx context.Context, id string) error
	DeleteConsumer(ctx context.Context, id string) error
	DeleteDeadConsumers(ctx context.Context, timeout time.Duration) (int64, error)

	// Janitor sweeps
	FixTimestamps(ctx context.Context) (int64, error)
	FixAbandoned(ctx context.Context, olderThan time.Duration) (int64, error)
	CleanOldData(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Transaction is the operation set available inside RunInTransaction.
type Transaction interface {
	Querier

	// GetTaskForUpdate loads a task under a row lock held until the
	// surrounding transaction ends.
	GetTaskForUpdate(ctx context.Context, id uuid.UUID) (*types.Task, error)
}

// Storage is the interface satisfied by *postgres.Store.
type Storage interface {
	Querier

	// RunInTransaction runs fn inside a single database transaction,
	// committing on nil return and rolling back on error or panic.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ready verifies the schema is usable (the consumers table exists).
	// Worker startup blocks on this.
	Ready(ctx context.Context) error

	Close() error
}
