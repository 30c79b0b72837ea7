package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/store/storetest"
	"github.com/cdnpub/pubgate/internal/types"
)

func typesOptions(retries int, maxBackoff time.Duration) types.MessageOptions {
	return types.MessageOptions{Retries: retries, MaxBackoffMS: maxBackoff.Milliseconds()}
}

type fixture struct {
	store    *storetest.MemoryStore
	broker   *broker.Broker
	settings *config.Settings
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings, err := config.Load("")
	require.NoError(t, err)
	st := storetest.New()
	b := broker.New(st, settings)
	b.Use(broker.Recovery())
	return &fixture{store: st, broker: b, settings: settings}
}

// start wires the in-memory store's wake hook to the runner so enqueues
// wake consumers like NOTIFY does in production.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	notifier, send := NewChanNotifier()
	f.store.SetWakeFunc(send)
	f.runner = NewRunner(f.store, f.broker, f.settings, notifier)
	f.runner.Start(context.Background())
	t.Cleanup(func() {
		f.runner.Stop()
		notifier.Close()
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDeliverAndAck(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int64
	var gotArg atomic.Value
	f.broker.Register("record", func(_ context.Context, args json.RawMessage) error {
		var payload struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return err
		}
		gotArg.Store(payload.Value)
		calls.Add(1)
		return nil
	}, broker.Options{Queue: "tasks"})
	f.start(t)

	_, err := f.broker.Enqueue(context.Background(), "record", map[string]string{"value": "hello"}, 0)
	require.NoError(t, err)

	waitFor(t, func() bool { return calls.Load() == 1 }, "actor never invoked")
	waitFor(t, func() bool { return f.store.MessageCount() == 0 }, "message never acked")
	assert.Equal(t, "hello", gotArg.Load())
}

func TestFailureRetriesOnDelayedQueue(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int64
	f.broker.Register("flaky", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("transient")
	}, broker.Options{Queue: "tasks"})
	f.start(t)

	id, err := f.broker.Enqueue(context.Background(), "flaky", nil, 0)
	require.NoError(t, err)

	waitFor(t, func() bool { return calls.Load() == 1 }, "actor never invoked")
	waitFor(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), id)
		return err == nil && msg.Queue == broker.DelayedQueue("tasks") && msg.ETA != nil
	}, "failed message never reached the delayed queue")

	msg, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	body, err := msg.DecodeBody()
	require.NoError(t, err)
	assert.Equal(t, 1, body.Options.Retries)
	// Backoff doubles from 15s and is jittered into the upper half.
	assert.GreaterOrEqual(t, time.Until(*msg.ETA), 7*time.Second)
}

func TestExhaustedRetriesDropMessage(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int64
	f.broker.Register("doomed", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("permanent")
	}, broker.Options{Queue: "tasks", MaxRetries: 2})

	// Seed a message already at its retry ceiling before consumers
	// start; its next delivery fails permanently.
	msgID, err := f.broker.Enqueue(context.Background(), "doomed", nil, 0)
	require.NoError(t, err)
	msg, err := f.store.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	body, err := msg.DecodeBody()
	require.NoError(t, err)
	body.Options.Retries = 2
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	msg.Body = raw
	require.NoError(t, f.store.UpsertMessage(context.Background(), msg))

	f.start(t)

	waitFor(t, func() bool { return f.store.MessageCount() == 0 }, "message never dropped")
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestDelayedMessagePromotedAfterETA(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int64
	f.broker.Register("later", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}, broker.Options{Queue: "tasks"})
	f.start(t)

	_, err := f.broker.Enqueue(context.Background(), "later", nil, 150*time.Millisecond)
	require.NoError(t, err)

	// Not yet ripe: nothing delivered while the ETA is in the future.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())

	waitFor(t, func() bool { return calls.Load() == 1 }, "delayed message never delivered")
	waitFor(t, func() bool { return f.store.MessageCount() == 0 }, "promoted message never acked")
}

func TestPanickingActorIsRetriedNotFatal(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int64
	f.broker.Register("panics", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		panic("boom")
	}, broker.Options{Queue: "tasks"})
	f.start(t)

	id, err := f.broker.Enqueue(context.Background(), "panics", nil, 0)
	require.NoError(t, err)

	waitFor(t, func() bool { return calls.Load() == 1 }, "actor never invoked")
	waitFor(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), id)
		return err == nil && msg.Queue == broker.DelayedQueue("tasks")
	}, "panicking delivery not requeued")
}

func TestLostMessageRecovery(t *testing.T) {
	f := newFixture(t)
	f.settings.WorkerKeepaliveInterval = 50 * time.Millisecond
	f.settings.WorkerKeepaliveTimeout = 200 * time.Millisecond

	var calls atomic.Int64
	f.broker.Register("work", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}, broker.Options{Queue: "tasks"})

	// A message claimed by a consumer that died without deregistering.
	id, err := f.broker.Enqueue(context.Background(), "work", nil, 0)
	require.NoError(t, err)
	dead := "tasks-00000000-0000-0000-0000-00000000dead"
	require.NoError(t, f.store.UpsertConsumer(context.Background(), dead))
	f.store.ForceClaim(id, dead)

	f.start(t)

	// The live process keeps heartbeating while the dead registration
	// ages out; the reclaim sweep then frees the claim and the message
	// gets delivered.
	waitFor(t, func() bool { return calls.Load() == 1 }, "lost message never recovered")
	waitFor(t, func() bool { return f.store.MessageCount() == 0 }, "recovered message never acked")
	assert.NotContains(t, f.store.ConsumerIDs(), dead)
}

func TestRunnerHealthAndShutdown(t *testing.T) {
	f := newFixture(t)
	f.broker.Register("noop", func(context.Context, json.RawMessage) error { return nil },
		broker.Options{Queue: "tasks"})

	notifier, send := NewChanNotifier()
	f.store.SetWakeFunc(send)
	runner := NewRunner(f.store, f.broker, f.settings, notifier)
	assert.False(t, runner.Healthy())

	runner.Start(context.Background())
	waitFor(t, runner.Healthy, "runner never became healthy")

	// Base and delayed consumers registered for every queue.
	waitFor(t, func() bool { return len(f.store.ConsumerIDs()) == 2 }, "consumers never registered")

	runner.Stop()
	notifier.Close()
	assert.False(t, runner.Healthy())
	assert.Empty(t, f.store.ConsumerIDs())
}

func TestRetryBackoffBounds(t *testing.T) {
	f := newFixture(t)
	c := newConsumer(f.store, f.broker, f.settings, "tasks", "tasks", false)

	for retries := 0; retries < 10; retries++ {
		d := c.retryBackoff(typesOptions(retries, 5*time.Minute))
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
	// First retry stays in [7.5s, 15s].
	d := c.retryBackoff(typesOptions(0, 5*time.Minute))
	assert.GreaterOrEqual(t, d, minBackoff/2)
	assert.LessOrEqual(t, d, minBackoff)
}
