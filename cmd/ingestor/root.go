// Package ingestor wires the cobra/viper CLI for the bulk-scan envelope
// ingestion service, adapted from the teacher's root command shape.
package ingestor

import (
	"context"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hmcts/bulk-scan-processor/internal/build"
)

var log = logging.Logger("cmd/ingestor")

const shortDescription = `bulk-scan-processor ingests signed scanned-document archives from per-jurisdiction blob containers`

var (
	cfgFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:     "bulk-scan-processor",
		Short:   shortDescription,
		Version: build.Version,
	}
)

// ExecuteContext runs the root command.
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func init() {
	cobra.OnInitialize(initLogging, initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "logging level")

	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("BSP")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		cobra.CheckErr(viper.ReadInConfig())
		return
	}

	viper.SetConfigName("bulk-scan-processor")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	// Config file is optional: flags/env can fully populate the config.
	_ = viper.ReadInConfig()
}

func initLogging() {
	if logLevel != "" {
		ll, err := logging.LevelFromString(logLevel)
		cobra.CheckErr(err)
		logging.SetAllLoggers(ll)
		return
	}

	logging.SetAllLoggers(logging.LevelError)
	logging.SetLogLevel("cmd/ingestor", "info")
	logging.SetLogLevel("ingestion", "info")
	logging.SetLogLevel("uploader", "info")
	logging.SetLogLevel("sweeper", "info")
	logging.SetLogLevel("notify", "info")
	logging.SetLogLevel("store", "info")
	logging.SetLogLevel("scheduler", "warn")
}
