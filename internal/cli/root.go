// Package cli implements the opensnipping command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/b1tank/opensnipping/capture"
	"github.com/b1tank/opensnipping/internal/config"
	"github.com/b1tank/opensnipping/internal/logging"
)

var (
	flagVerbose bool
	flagFake    bool
)

var rootCmd = &cobra.Command{
	Use:   "opensnipping",
	Short: "Screen capture and recording tool",
	Long:  `opensnipping records the screen and takes screenshots through the desktop portal, encoding with ffmpeg.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagFake, "fake-backend", false, "Use the deterministic fake backend instead of the platform one")
}

// setup builds the shared capture stack from config and flags.
func setup() (*capture.Orchestrator, config.Config, error) {
	store, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	settings := store.Settings()

	level := settings.LogLevel
	if flagVerbose {
		level = "debug"
	}
	logger, err := logging.New(level, os.Stderr)
	if err != nil {
		return nil, settings, err
	}

	var backend capture.Backend
	if flagFake {
		backend = capture.NewFakeBackend()
	} else {
		backend, err = capture.NewPlatformBackend(logger, capture.PlatformOptions{
			FFmpegPath: settings.FFmpegPath,
			Tokens:     store,
		})
		if err != nil {
			return nil, settings, err
		}
	}

	bus := capture.NewBus(logger)
	return capture.NewOrchestrator(logger, backend, bus), settings, nil
}
