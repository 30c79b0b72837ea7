// Package consumer implements the competing-consumers side of the
// durable queue: each declared queue gets a consumer goroutine that
// claims messages, delivers them to their actor through the broker,
// and acknowledges, retries or drops them based on the outcome.
//
// Delayed queues get their own consumers which never execute actors;
// they promote ripe messages back onto the base queue and put
// not-yet-ripe ones back.
package consumer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_messages_processed_total",
		Help: "Delivered messages, by actor and outcome.",
	}, []string{"actor", "outcome"})

	inflightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pubgate_messages_inflight",
		Help: "Messages currently being processed, by queue.",
	}, []string{"queue"})
)

// State is a consumer's lifecycle phase.
type State int32

const (
	Starting State = iota
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// minBackoff is the first retry delay; each further retry doubles it up
// to the actor's max backoff, with jitter.
const minBackoff = 15 * time.Second

// idleWait bounds how long a consumer sleeps when its queue is empty
// and no notification arrives.
const idleWait = time.Second

// Consumer drains one queue. Base-queue consumers execute actors on a
// bounded worker pool; delayed-queue consumers only promote or put back.
type Consumer struct {
	id       string
	queue    string
	base     string // for delayed consumers, the queue promoted onto; else == queue
	delayed  bool
	store    store.Storage
	broker   *broker.Broker
	settings *config.Settings

	wake     chan struct{}
	workers  chan struct{}
	inflight atomic.Int64
	state    atomic.Int32
	wg       sync.WaitGroup
}

func newConsumer(st store.Storage, b *broker.Broker, settings *config.Settings, queue, base string, delayed bool) *Consumer {
	return &Consumer{
		id:       queue + "-" + b.UUID().String(),
		queue:    queue,
		base:     base,
		delayed:  delayed,
		store:    st,
		broker:   b,
		settings: settings,
		wake:     make(chan struct{}, 1),
		workers:  make(chan struct{}, settings.WorkerThreads),
	}
}

// ID is the consumer's registered identity, "<queue>-<broker uuid>".
func (c *Consumer) ID() string { return c.id }

// Queue is the queue this consumer drains.
func (c *Consumer) Queue() string { return c.queue }

// State reports the lifecycle phase.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Wake nudges the claim loop; extra nudges while one is pending are
// coalesced.
func (c *Consumer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run claims and processes messages until ctx is cancelled. It
// registers the consumer before claiming anything and deregisters on
// the way out, releasing all still-claimed messages to its successors.
func (c *Consumer) Run(ctx context.Context) error {
	log := logx.FromContext(ctx).WithField("consumer", c.id)

	c.state.Store(int32(Starting))
	if err := c.store.UpsertConsumer(ctx, c.id); err != nil {
		c.state.Store(int32(Closed))
		return err
	}
	c.state.Store(int32(Running))
	log.Info("consumer started")

	for ctx.Err() == nil {
		if c.inflight.Load() >= int64(c.settings.Prefetch) {
			c.pause(ctx)
			continue
		}
		msg, err := c.store.ClaimMessage(ctx, c.queue, c.id)
		if errors.Is(err, store.ErrNotFound) {
			c.pause(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Error("claim failed")
			c.pause(ctx)
			continue
		}
		c.dispatch(ctx, msg)
	}

	c.state.Store(int32(Closing))
	c.wg.Wait()

	// Deregistering lets the reclaim sweep hand our unfinished claims
	// to surviving consumers.
	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.DeleteConsumer(cleanup, c.id); err != nil {
		log.WithError(err).Warn("deregister failed")
	}
	c.state.Store(int32(Closed))
	log.Info("consumer stopped")
	return ctx.Err()
}

func (c *Consumer) pause(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timer.C:
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *types.Message) {
	if c.delayed {
		// Delayed messages are never executed here; ripe ones move to
		// the base queue, the rest go back until their ETA.
		c.handleDelayed(ctx, msg)
		return
	}

	c.inflight.Add(1)
	inflightGauge.WithLabelValues(c.queue).Inc()
	c.wg.Add(1)
	c.workers <- struct{}{}
	go func() {
		defer func() {
			<-c.workers
			inflightGauge.WithLabelValues(c.queue).Dec()
			c.inflight.Add(-1)
			c.Wake()
			c.wg.Done()
		}()
		c.deliver(ctx, msg)
	}()
}

func (c *Consumer) handleDelayed(ctx context.Context, msg *types.Message) {
	log := logx.FromContext(ctx).WithField("message_id", msg.ID)
	if msg.ETA != nil && msg.ETA.After(time.Now()) {
		if err := c.store.ReleaseMessage(ctx, msg.ID); err != nil {
			log.WithError(err).Error("release delayed message failed")
		}
		return
	}
	if err := c.store.PromoteMessage(ctx, msg.ID, c.base); err != nil {
		log.WithError(err).Error("promote delayed message failed")
		return
	}
	log.Debug("delayed message promoted")
	// Keep draining: more messages may have ripened behind this one.
	c.Wake()
}

func (c *Consumer) deliver(ctx context.Context, msg *types.Message) {
	body, err := msg.DecodeBody()
	if err != nil {
		logx.FromContext(ctx).WithError(err).WithField("message_id", msg.ID).
			Error("undecodable message dropped")
		c.drop(ctx, msg, "undecodable")
		return
	}

	mctx := broker.ContextWithMessageID(ctx, msg.ID)
	if body.Options.CorrelationID != "" {
		mctx = logx.WithCorrelationID(mctx, body.Options.CorrelationID)
	}
	log := logx.FromContext(mctx).WithFields(map[string]any{
		"message_id": msg.ID,
		"actor":      msg.Actor,
	})

	actor, ok := c.broker.Actor(msg.Actor)
	if !ok {
		log.Error("message for unregistered actor dropped")
		c.drop(ctx, msg, "unknown_actor")
		return
	}

	err = c.broker.Invoke(mctx, actor, body.Args)
	if err == nil {
		if ackErr := c.store.AckMessage(ctx, msg.ID); ackErr != nil {
			log.WithError(ackErr).Error("ack failed")
			return
		}
		processedTotal.WithLabelValues(msg.Actor, "ok").Inc()
		return
	}

	if body.Options.Retries >= body.Options.MaxRetries {
		// Terminal failure. The full body goes to the log so the
		// message can be replayed by hand if needed.
		log.WithError(err).WithField("body", string(msg.Body)).
			Error("message failed permanently")
		// A task row sharing the message id moves to FAILED with it.
		if serr := c.store.SetTaskState(ctx, msg.ID, types.TaskFailed); serr != nil && !errors.Is(serr, store.ErrNotFound) {
			log.WithError(serr).Error("failing task state failed")
		}
		c.drop(ctx, msg, "failed")
		return
	}

	delay := c.retryBackoff(body.Options)
	log.WithError(err).WithFields(map[string]any{
		"retry": body.Options.Retries + 1,
		"delay": delay.String(),
	}).Warn("message failed, retrying")
	if rqErr := c.broker.Requeue(ctx, msg, body, delay); rqErr != nil {
		log.WithError(rqErr).Error("requeue failed")
		return
	}
	processedTotal.WithLabelValues(msg.Actor, "retried").Inc()
}

func (c *Consumer) drop(ctx context.Context, msg *types.Message, outcome string) {
	if err := c.store.AckMessage(ctx, msg.ID); err != nil {
		logx.FromContext(ctx).WithError(err).WithField("message_id", msg.ID).
			Error("drop failed")
		return
	}
	processedTotal.WithLabelValues(msg.Actor, outcome).Inc()
}

// retryBackoff doubles per attempt from minBackoff up to the message's
// cap, then jitters into the upper half so synchronized failures spread
// out.
func (c *Consumer) retryBackoff(opts types.MessageOptions) time.Duration {
	max := time.Duration(opts.MaxBackoffMS) * time.Millisecond
	if max <= 0 {
		max = c.settings.MaxBackoff
	}
	delay := minBackoff << uint(opts.Retries)
	if delay <= 0 || delay > max {
		delay = max
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
