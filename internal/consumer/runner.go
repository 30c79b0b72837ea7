package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
)

var (
	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_messages_reclaimed_total",
		Help: "Messages released from dead consumers.",
	})
	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_consumers_evicted_total",
		Help: "Consumer registrations removed after missing heartbeats.",
	})
)

// Runner owns the consumers of one worker process: a base and a delayed
// consumer per declared queue, plus the heartbeat and maintenance loop.
type Runner struct {
	store    store.Storage
	broker   *broker.Broker
	settings *config.Settings
	notifier Notifier

	consumers []*Consumer
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewRunner builds consumers for every queue the broker declares. The
// notifier may be nil; consumers then rely on idle polling alone.
func NewRunner(st store.Storage, b *broker.Broker, settings *config.Settings, notifier Notifier) *Runner {
	r := &Runner{store: st, broker: b, settings: settings, notifier: notifier}
	for _, queue := range b.Queues() {
		r.consumers = append(r.consumers,
			newConsumer(st, b, settings, queue, queue, false),
			newConsumer(st, b, settings, broker.DelayedQueue(queue), queue, true),
		)
	}
	return r
}

// Consumers returns the runner's consumers in creation order.
func (r *Runner) Consumers() []*Consumer { return r.consumers }

// Healthy reports whether every consumer is in its running phase.
func (r *Runner) Healthy() bool {
	for _, c := range r.consumers {
		if c.State() != Running {
			return false
		}
	}
	return len(r.consumers) > 0
}

// Start launches all consumers plus the heartbeat and notification
// loops. It returns immediately; Stop shuts everything down.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, c := range r.consumers {
		c := c
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = c.Run(ctx)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.heartbeat(ctx)
	}()

	if r.notifier != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.fanout(ctx)
		}()
	}
}

// Stop cancels the consumers and blocks until in-flight deliveries
// drain and every consumer has deregistered.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// fanout routes queue notifications to the matching consumer. An empty
// queue name, sent after a listener reconnect, wakes everyone.
func (r *Runner) fanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case queue, ok := <-r.notifier.Notifications():
			if !ok {
				return
			}
			for _, c := range r.consumers {
				if queue == "" || c.Queue() == queue {
					c.Wake()
				}
			}
		}
	}
}

// heartbeat refreshes every consumer's registration, evicts
// registrations whose heartbeats stopped, and releases the messages
// dead consumers were holding. Every process sweeps; the sweeps are
// idempotent.
func (r *Runner) heartbeat(ctx context.Context) {
	log := logx.FromContext(ctx)
	ticker := time.NewTicker(r.settings.WorkerKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, c := range r.consumers {
			if c.State() != Running {
				continue
			}
			if err := r.store.UpsertConsumer(ctx, c.ID()); err != nil {
				log.WithError(err).WithField("consumer", c.ID()).Warn("heartbeat failed")
			}
		}

		evicted, err := r.store.DeleteDeadConsumers(ctx, r.settings.WorkerKeepaliveTimeout)
		if err != nil {
			log.WithError(err).Warn("dead consumer sweep failed")
			continue
		}
		if evicted > 0 {
			evictedTotal.Add(float64(evicted))
			log.WithField("count", evicted).Warn("evicted dead consumers")
		}
		reclaimed, err := r.store.ReclaimLostMessages(ctx)
		if err != nil {
			log.WithError(err).Warn("reclaim sweep failed")
			continue
		}
		if reclaimed > 0 {
			reclaimedTotal.Add(float64(reclaimed))
			log.WithField("count", reclaimed).Info("reclaimed lost messages")
			for _, c := range r.consumers {
				c.Wake()
			}
		}
	}
}
