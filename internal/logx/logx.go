// Package logx configures structured logging and carries the correlation
// id through contexts so every log line and downstream enqueue made on
// behalf of one request shares a request_id field.
package logx

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	actorKey
)

// Setup applies the configured level and format to the global logger.
func Setup(level, format string) {
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// WithActor returns a context tagging log lines with the running actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the actor name carried by ctx, or "".
func Actor(ctx context.Context) string {
	name, _ := ctx.Value(actorKey).(string)
	return name
}

// FromContext returns a log entry annotated with the request_id and actor
// fields found in ctx. Safe to call with a bare context.
func FromContext(ctx context.Context) *log.Entry {
	entry := log.NewEntry(log.StandardLogger())
	if id := CorrelationID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	if actor := Actor(ctx); actor != "" {
		entry = entry.WithField("actor", actor)
	}
	return entry
}
