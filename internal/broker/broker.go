// Package broker owns the durable message queue's producing side: actor
// registration, enqueueing with correlation-id propagation, delayed
// delivery, and the scheduler messages that keep periodic actors running.
//
// The broker never holds queue state in memory; the relational store is
// the single source of truth. Enqueues made while a store transaction is
// bound to the context (ContextWithTx) participate in that transaction,
// so a message becomes claimable exactly when the caller commits.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

var enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pubgate_messages_enqueued_total",
	Help: "Messages enqueued, by actor.",
}, []string{"actor"})

// ActorFunc is the body of an actor. Args is the raw JSON args payload
// from the message body.
type ActorFunc func(ctx context.Context, args json.RawMessage) error

// Options configure delivery for one actor. Zero values fall back to the
// process-wide settings.
type Options struct {
	Queue        string
	TimeLimit    time.Duration
	MaxRetries   int
	MaxBackoff   time.Duration
	Scheduled    bool
	StoreResults bool
}

// Actor is one registered unit of background work.
type Actor struct {
	Name string
	Fn   ActorFunc
	Opts Options
}

// Queue returns the actor's base queue.
func (a *Actor) Queue() string { return a.Opts.Queue }

// Invoker runs an actor body; middlewares wrap it.
type Invoker func(ctx context.Context, actor *Actor, args json.RawMessage) error

// Middleware wraps actor invocation. Middlewares are registered at
// startup and held in a fixed list; the concrete actor is the tail of
// the chain.
type Middleware func(next Invoker) Invoker

// DelayedQueue names the delayed variant of a base queue.
func DelayedQueue(queue string) string { return queue + ".delayed" }

// Broker registers actors and enqueues durable messages for them.
type Broker struct {
	store      store.Storage
	settings   *config.Settings
	id         uuid.UUID
	actors     map[string]*Actor
	queues     []string
	middleware []Middleware
	now        func() time.Time
}

// New creates a broker with a fresh process id.
func New(st store.Storage, settings *config.Settings) *Broker {
	return &Broker{
		store:    st,
		settings: settings,
		id:       uuid.New(),
		actors:   map[string]*Actor{},
		now:      time.Now,
	}
}

// SetNow overrides the clock; used by tests.
func (b *Broker) SetNow(now func() time.Time) { b.now = now }

// UUID is the broker's process-unique id; consumer ids derive from it.
func (b *Broker) UUID() uuid.UUID { return b.id }

// Use appends a middleware. Must be called before consumers start.
func (b *Broker) Use(mw Middleware) { b.middleware = append(b.middleware, mw) }

// Register declares an actor. Duplicate names and scheduled actors
// without a cron rule are programming errors and panic at boot.
func (b *Broker) Register(name string, fn ActorFunc, opts Options) *Actor {
	if _, dup := b.actors[name]; dup {
		panic(fmt.Sprintf("actor %q registered twice", name))
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = b.settings.MaxRetries
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = b.settings.MaxBackoff
	}
	if opts.TimeLimit == 0 {
		opts.TimeLimit = b.settings.TimeLimit
	}

	actor := &Actor{Name: name, Fn: fn, Opts: opts}
	if opts.Scheduled {
		actor.Fn = b.scheduled(actor, fn)
	}
	b.actors[name] = actor

	seen := false
	for _, q := range b.queues {
		if q == opts.Queue {
			seen = true
			break
		}
	}
	if !seen {
		b.queues = append(b.queues, opts.Queue)
	}
	return actor
}

// Actor looks up a registered actor.
func (b *Broker) Actor(name string) (*Actor, bool) {
	actor, ok := b.actors[name]
	return actor, ok
}

// Queues returns the base queues in declaration order. The first queue's
// consumer becomes the master consumer of the process.
func (b *Broker) Queues() []string { return b.queues }

// Invoke runs an actor through the middleware chain.
func (b *Broker) Invoke(ctx context.Context, actor *Actor, args json.RawMessage) error {
	invoke := func(ctx context.Context, actor *Actor, args json.RawMessage) error {
		return actor.Fn(ctx, args)
	}
	for i := len(b.middleware) - 1; i >= 0; i-- {
		invoke = b.middleware[i](invoke)
	}
	return invoke(ctx, actor, args)
}

type txKey struct{}

// ContextWithTx binds a store transaction to the context. Enqueues made
// with this context write into the transaction.
func ContextWithTx(ctx context.Context, tx store.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

type msgIDKey struct{}

// ContextWithMessageID records the id of the message being delivered.
// Task rows share their id with the message that drives them, so actors
// find their task through this.
func ContextWithMessageID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, msgIDKey{}, id)
}

// MessageIDFromContext returns the id of the message being delivered.
func MessageIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(msgIDKey{}).(uuid.UUID)
	return id, ok
}

func (b *Broker) querier(ctx context.Context) store.Querier {
	if tx, ok := ctx.Value(txKey{}).(store.Transaction); ok {
		return tx
	}
	return b.store
}

// Enqueue inserts a message for the named actor and wakes consumers. A
// non-zero delay queues the message on the delayed variant of the
// actor's queue with an ETA of now+delay.
func (b *Broker) Enqueue(ctx context.Context, actorName string, args any, delay time.Duration) (uuid.UUID, error) {
	id := uuid.New()
	return id, b.EnqueueWithID(ctx, id, actorName, args, delay)
}

// EnqueueWithID is Enqueue with a caller-chosen message id. Enqueueing an
// existing id replaces the message (merge-on-write).
func (b *Broker) EnqueueWithID(ctx context.Context, id uuid.UUID, actorName string, args any, delay time.Duration) error {
	actor, ok := b.actors[actorName]
	if !ok {
		return fmt.Errorf("enqueue: unknown actor %q", actorName)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal args: %w", actorName, err)
	}
	body := types.MessageBody{
		Args: raw,
		Options: types.MessageOptions{
			CorrelationID: logx.CorrelationID(ctx),
			MaxRetries:    actor.Opts.MaxRetries,
			MaxBackoffMS:  actor.Opts.MaxBackoff.Milliseconds(),
			TimeLimitMS:   actor.Opts.TimeLimit.Milliseconds(),
		},
	}
	return b.put(ctx, id, actor, body, delay)
}

// Requeue re-enqueues a failed delivery under the same message id with
// the retry counter advanced, onto the delayed queue with the given
// backoff.
func (b *Broker) Requeue(ctx context.Context, msg *types.Message, body *types.MessageBody, backoff time.Duration) error {
	actor, ok := b.actors[msg.Actor]
	if !ok {
		return fmt.Errorf("requeue: unknown actor %q", msg.Actor)
	}
	next := *body
	next.Options.Retries++
	return b.put(ctx, msg.ID, actor, next, backoff)
}

func (b *Broker) put(ctx context.Context, id uuid.UUID, actor *Actor, body types.MessageBody, delay time.Duration) error {
	now := b.now().UTC()
	queue := actor.Opts.Queue
	var eta *time.Time
	if delay > 0 {
		queue = DelayedQueue(actor.Opts.Queue)
		at := now.Add(delay)
		eta = &at
		body.ETAMS = at.UnixMilli()
	}
	body.EnqueuedAt = now.UnixMilli()

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal body: %w", actor.Name, err)
	}
	msg := &types.Message{
		ID:         id,
		Queue:      queue,
		Actor:      actor.Name,
		Body:       encoded,
		EnqueuedAt: now,
		ETA:        eta,
	}
	if err := b.querier(ctx).UpsertMessage(ctx, msg); err != nil {
		return err
	}
	enqueuedTotal.WithLabelValues(actor.Name).Inc()
	logx.FromContext(ctx).WithFields(map[string]any{
		"message_id": id,
		"queue":      queue,
	}).Debugf("enqueued %s", actor.Name)
	return nil
}
