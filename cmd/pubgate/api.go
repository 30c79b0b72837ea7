package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cdnpub/pubgate/internal/awsutil"
	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/db"
	"github.com/cdnpub/pubgate/internal/server"
	"github.com/cdnpub/pubgate/internal/store/postgres"
	"github.com/cdnpub/pubgate/internal/worker"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP gateway",
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

		// The API enqueues work but never consumes it; actors are
		// registered so enqueues resolve their queues and options.
		b := broker.New(st, settings)
		worker.New(st, b, settings, awsutil.NewFactory()).Register()

		httpSrv := &http.Server{
			Addr:              settings.HTTPAddr,
			Handler:           server.New(st, b, settings).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		log.WithField("addr", settings.HTTPAddr).Info("api listening")

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		log.Info("shutting down api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	},
}
