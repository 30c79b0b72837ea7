// Command pubgate runs the CDN publishing gateway: the HTTP API, the
// background worker, and the schema migration tool.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "pubgate",
	Short:         "CDN publishing gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default $PUBGATE_CONFIG)")
	rootCmd.AddCommand(apiCmd, workerCmd, migrateCmd)
}

// loadSettings reads the configuration and applies the logging setup
// before anything else runs.
func loadSettings() (*config.Settings, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("PUBGATE_CONFIG")
	}
	settings, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logx.Setup(settings.LogLevel, settings.LogFormat)
	return settings, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("pubgate failed")
		os.Exit(1)
	}
}
