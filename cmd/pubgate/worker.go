package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cdnpub/pubgate/internal/awsutil"
	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/consumer"
	"github.com/cdnpub/pubgate/internal/db"
	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/store/postgres"
	"github.com/cdnpub/pubgate/internal/worker"
)

// readyTimeout bounds how long a booting worker waits for the schema.
// Migrations run from a separate process; a fresh deployment's workers
// may come up first.
const readyTimeout = 2 * time.Minute

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pool, err := db.Open(ctx, settings.DBURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st := postgres.New(pool, settings.NotifyChannel)
		if err := waitReady(ctx, st); err != nil {
			return err
		}

		b := broker.New(st, settings)
		b.Use(broker.Logging())
		b.Use(broker.Recovery())
		b.Use(broker.TimeLimit())
		worker.New(st, b, settings, awsutil.NewFactory()).Register()
		if err := b.Boot(ctx); err != nil {
			return err
		}

		notifier, err := consumer.Listen(ctx, settings.DBURL, settings.NotifyChannel)
		if err != nil {
			// Consumers fall back to idle polling.
			log.WithError(err).Warn("queue listener unavailable")
			notifier = nil
		}

		runner := consumer.NewRunner(st, b, settings, notifier)
		runner.Start(ctx)
		log.WithField("queues", b.Queues()).Info("worker running")

		<-ctx.Done()
		log.Info("shutting down worker")
		runner.Stop()
		if notifier != nil {
			_ = notifier.Close()
		}
		return nil
	},
}

// waitReady polls until the schema is usable or the budget runs out.
func waitReady(ctx context.Context, st store.Storage) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = readyTimeout
	return backoff.Retry(func() error {
		if err := st.Ready(ctx); err != nil {
			log.WithError(err).Info("waiting for database schema")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}
