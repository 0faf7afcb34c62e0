package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"relay.dev/relay"
)

var runFlags struct {
	dataDir  string
	logLevel string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the bus and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBus()
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.dataDir, "data-dir", defaultDataDir(), "directory holding all bus state")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
}

func defaultDataDir() string {
	if cache, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cache, "relayd")
	}
	return ".relayd"
}

func runBus() error {
	level, err := zerolog.ParseLevel(runFlags.logLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	if err := os.MkdirAll(runFlags.dataDir, 0755); err != nil {
		return err
	}
	if err := redirectLogOutput(runFlags.dataDir); err != nil {
		log.Error().Err(err).Msg("could not set up daemon log file, skipping")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus, err := relay.Open(relay.Options{DataDir: runFlags.dataDir})
	if err != nil {
		return err
	}

	log.Info().Str("data_dir", runFlags.dataDir).Msg("relayd serving")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return bus.Close()
}

// redirectLogOutput sends the global logger to the console and a log
// file in the data directory.
func redirectLogOutput(dataDir string) error {
	logPath := filepath.Join(dataDir, "relayd.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	}
	log.Logger = log.Output(io.MultiWriter(consoleWriter, f))
	return nil
}
