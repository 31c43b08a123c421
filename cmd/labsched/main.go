package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/testfarm/labsched/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "labsched",
	Short: "Test-lab job scheduler and multinode coordinator",
	Long: `labsched matches queued test jobs onto lab devices, reserves device
groups atomically for multinode jobs, and arbitrates cross-device barriers and
messages while pipelines run. Device pipelines themselves are executed by an
external dispatcher reached through the dispatch gateway.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(newServeCmd())
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("labsched command failed")
	}
}
