// Package worker holds the actor implementations: the publish commit,
// the cache flusher, the deploy-config pipeline, the janitor and the
// ping probe. Actors receive their arguments as JSON and find their
// task row through the delivering message's id.
package worker

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cdnpub/pubgate/internal/awsutil"
	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/fastpurge"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

// Actor names, shared with the HTTP layer which enqueues them.
const (
	ActorCommit         = "commit"
	ActorFlush          = "flush"
	ActorDeployConfig   = "deploy-config"
	ActorDeployComplete = "deploy-complete"
	ActorAutoindex      = "autoindex-partial"
	ActorJanitor        = "janitor"
	ActorPing           = "ping"
)

var batchesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pubgate_commit_batches_total",
	Help: "Batches written to the external table, by kind.",
}, []string{"kind"})

// ItemWriter writes item rows into an environment's metadata table.
type ItemWriter interface {
	Put(ctx context.Context, fromDate string, items []types.Item) error
	Delete(ctx context.Context, fromDate string, items []types.Item) error
}

// ConfigStore reads and writes an environment's CDN config blob.
type ConfigStore interface {
	PutConfig(ctx context.Context, fromDate string, blob json.RawMessage) error
	GetConfig(ctx context.Context) (json.RawMessage, error)
}

// ObjectVerifier reports whether a blob exists in the environment's
// bucket.
type ObjectVerifier interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Workers wires the actors to their dependencies. The client
// constructors are swappable so tests run against fakes.
type Workers struct {
	store    store.Storage
	broker   *broker.Broker
	settings *config.Settings

	newItemWriter  func(ctx context.Context, env *config.Environment) (ItemWriter, error)
	newConfigStore func(ctx context.Context, env *config.Environment) (ConfigStore, error)
	newVerifier    func(ctx context.Context, env *config.Environment) (ObjectVerifier, error)
	newPurgeClient func(env *config.Environment) fastpurge.Client
	now            func() time.Time
}

// New builds the production wiring: DynamoDB-backed writers per
// environment profile and the EdgeGrid purge client.
func New(st store.Storage, b *broker.Broker, settings *config.Settings, factory *awsutil.Factory) *Workers {
	var poolMu sync.Mutex
	s3Pools := map[string]*awsutil.Pool[*s3.Client]{}
	return &Workers{
		store:    st,
		broker:   b,
		settings: settings,
		newItemWriter: func(ctx context.Context, env *config.Environment) (ItemWriter, error) {
			api, err := factory.DynamoDB(ctx, env.AWSProfile)
			if err != nil {
				return nil, err
			}
			return awsutil.NewTableWriter(api, env.Table, settings.BatchSize), nil
		},
		newConfigStore: func(ctx context.Context, env *config.Environment) (ConfigStore, error) {
			api, err := factory.DynamoDB(ctx, env.AWSProfile)
			if err != nil {
				return nil, err
			}
			return awsutil.NewConfigTable(api, env.ConfigTable), nil
		},
		newVerifier: func(ctx context.Context, env *config.Environment) (ObjectVerifier, error) {
			if env.Bucket == "" {
				return nil, nil
			}
			poolMu.Lock()
			pool, ok := s3Pools[env.AWSProfile]
			if !ok {
				pool = factory.S3Pool(settings.S3PoolSize, env.AWSProfile)
				s3Pools[env.AWSProfile] = pool
			}
			poolMu.Unlock()
			return awsutil.NewObjectChecker(pool, env.Bucket), nil
		},
		newPurgeClient: func(env *config.Environment) fastpurge.Client {
			return fastpurge.New(env)
		},
		now: time.Now,
	}
}

// Register declares every actor. Commits run on their own queue so a
// long-running commit never starves flushes and deploys.
func (w *Workers) Register() {
	w.broker.Register(ActorCommit, w.commit, broker.Options{Queue: "commits"})
	w.broker.Register(ActorFlush, w.flush, broker.Options{Queue: "tasks"})
	w.broker.Register(ActorDeployConfig, w.deployConfig, broker.Options{Queue: "tasks"})
	w.broker.Register(ActorDeployComplete, w.deployComplete, broker.Options{Queue: "tasks"})
	w.broker.Register(ActorAutoindex, w.autoindexPartial, broker.Options{Queue: "tasks"})
	w.broker.Register(ActorJanitor, w.janitor, broker.Options{Queue: "tasks", Scheduled: true})
	w.broker.Register(ActorPing, w.ping, broker.Options{Queue: "tasks", StoreResults: true})
}

func isEntryPoint(uri string, names []string) bool {
	base := path.Base(uri)
	for _, name := range names {
		if base == name {
			return true
		}
	}
	return false
}
