package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cdnpub/pubgate/internal/logx"
)

// schedulerNamespace seeds the deterministic ids of scheduler messages.
var schedulerNamespace = uuid.MustParse("8c9d7b3a-0f64-4f6e-9f0c-2b1a5d8e4c70")

// SchedulerID derives the stable message id for a scheduled actor, so
// exactly one scheduler message per actor exists regardless of how many
// processes boot concurrently.
func SchedulerID(queue, actor string) uuid.UUID {
	return uuid.NewSHA1(schedulerNamespace, []byte(queue+"/"+actor))
}

// schedulerArgs is the body of a scheduler message.
type schedulerArgs struct {
	LastRun time.Time `json:"last_run"`
}

// defaultLookback bounds the cron window of a first invocation.
const defaultLookback = 30 * time.Minute

// scheduled wraps an actor body in the cron driver: the wrapper decides
// whether the cron rule fired in (last_run, now], invokes the body if so,
// and re-enqueues itself either way.
func (b *Broker) scheduled(actor *Actor, fn ActorFunc) ActorFunc {
	rule, ok := b.settings.CronRule(actor.Name)
	if !ok {
		panic(fmt.Sprintf("scheduled actor %q has no cron_%s setting", actor.Name, actor.Name))
	}
	schedule, err := cron.ParseStandard(rule)
	if err != nil {
		panic(fmt.Sprintf("scheduled actor %q: bad cron rule %q: %v", actor.Name, rule, err))
	}

	return func(ctx context.Context, args json.RawMessage) error {
		now := b.now().UTC()

		var sched schedulerArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &sched); err != nil {
				return fmt.Errorf("scheduler %s: decode args: %w", actor.Name, err)
			}
		}
		lastRun := sched.LastRun.UTC()
		if sched.LastRun.IsZero() {
			lastRun = now.Add(-defaultLookback)
		}

		// The window is (last_run, now]: an activation landing exactly
		// on last_run already counted in the previous invocation, while
		// a tie at now counts as fired.
		next := schedule.Next(lastRun)
		if !next.After(now) {
			if err := fn(ctx, args); err != nil {
				// The reschedule below still runs; a failing sweep must
				// not stall the schedule.
				logx.FromContext(ctx).WithError(err).Errorf("scheduled actor %s failed", actor.Name)
			}
		} else {
			logx.FromContext(ctx).Debugf("scheduled actor %s: no fire in window (next %s)", actor.Name, next)
		}

		return b.EnqueueWithID(ctx, SchedulerID(actor.Opts.Queue, actor.Name),
			actor.Name, schedulerArgs{LastRun: now}, b.settings.SchedulerInterval())
	}
}

// Boot upserts the scheduler message of every scheduled actor. Safe to
// run from any number of processes: the deterministic id deduplicates
// concurrent boot-ups, and surviving messages are simply replaced.
func (b *Broker) Boot(ctx context.Context) error {
	for _, actor := range b.actors {
		if !actor.Opts.Scheduled {
			continue
		}
		id := SchedulerID(actor.Opts.Queue, actor.Name)
		if err := b.EnqueueWithID(ctx, id, actor.Name, schedulerArgs{}, b.settings.SchedulerDelay()); err != nil {
			return fmt.Errorf("boot scheduler for %s: %w", actor.Name, err)
		}
		logx.FromContext(ctx).WithField("message_id", id).Infof("scheduled actor %s booted", actor.Name)
	}
	return nil
}
