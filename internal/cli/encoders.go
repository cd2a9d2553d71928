package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/b1tank/opensnipping/internal/config"
	"github.com/b1tank/opensnipping/internal/logging"
	"github.com/b1tank/opensnipping/pipeline"
)

var encodersCmd = &cobra.Command{
	Use:   "encoders",
	Short: "Probe and print the H.264 encoder that would be used",
	RunE:  runEncoders,
}

func init() {
	rootCmd.AddCommand(encodersCmd)
}

func runEncoders(cmd *cobra.Command, args []string) error {
	store, err := config.Load()
	if err != nil {
		return err
	}
	settings := store.Settings()

	level := settings.LogLevel
	if flagVerbose {
		level = "debug"
	}
	logger, err := logging.New(level, os.Stderr)
	if err != nil {
		return err
	}

	plan, err := pipeline.SelectEncoder(settings.FFmpegPath, logger)
	if err != nil {
		return err
	}

	mode := "software"
	if plan.Hardware {
		mode = "hardware"
	}
	fmt.Printf("%s (%s)\n", plan.Label, mode)
	return nil
}
