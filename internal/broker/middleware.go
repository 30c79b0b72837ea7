package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cdnpub/pubgate/internal/logx"
)

// Logging tags the context with the actor name and logs invocation
// outcome with duration. Registered first so every other middleware and
// the body log with the actor field.
func Logging() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, actor *Actor, args json.RawMessage) error {
			ctx = logx.WithActor(ctx, actor.Name)
			start := time.Now()
			err := next(ctx, actor, args)
			entry := logx.FromContext(ctx).WithField("duration", time.Since(start).String())
			if err != nil {
				entry.WithError(err).Warnf("actor %s failed", actor.Name)
			} else {
				entry.Debugf("actor %s finished", actor.Name)
			}
			return err
		}
	}
}

// Recovery converts a panicking actor into an error so one bad message
// cannot take down the worker pool.
func Recovery() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, actor *Actor, args json.RawMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", actor.Name, r)
				}
			}()
			return next(ctx, actor, args)
		}
	}
}

// TimeLimit enforces the actor's hard execution budget through context
// cancellation. Running I/O is not preempted; the budget must sit
// comfortably above the slowest expected commit.
func TimeLimit() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, actor *Actor, args json.RawMessage) error {
			if actor.Opts.TimeLimit <= 0 {
				return next(ctx, actor, args)
			}
			ctx, cancel := context.WithTimeout(ctx, actor.Opts.TimeLimit)
			defer cancel()
			return next(ctx, actor, args)
		}
	}
}
