package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/b1tank/opensnipping/capture"
)

var (
	shotOutput string
	shotWindow bool
	shotRegion bool
)

var shotCmd = &cobra.Command{
	Use:   "shot",
	Short: "Take a screenshot",
	RunE:  runShot,
}

func init() {
	shotCmd.Flags().StringVarP(&shotOutput, "output", "o", "", "Move the screenshot to this path instead of leaving it in the temp dir")
	shotCmd.Flags().BoolVar(&shotWindow, "window", false, "Capture a single window")
	shotCmd.Flags().BoolVar(&shotRegion, "region", false, "Capture a region picked in the portal dialog")
	rootCmd.AddCommand(shotCmd)
}

func runShot(cmd *cobra.Command, args []string) error {
	orch, settings, err := setup()
	if err != nil {
		return err
	}
	defer orch.Close()

	cfg := capture.DefaultConfig()
	cfg.IncludeCursor = settings.IncludeCursor
	// Screenshots still need a valid recording config; the output path is
	// replaced by the temp artifact path internally.
	cfg.OutputPath = capture.ScreenshotTempPath()

	if shotWindow {
		cfg.Source = capture.SourceWindow
	}
	if shotRegion {
		cfg.Source = capture.SourceRegion
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.TakeScreenshot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("take screenshot: %w", err)
	}

	path := result.Path
	if shotOutput != "" {
		dest := shotOutput
		if !filepath.IsAbs(dest) {
			if dest, err = filepath.Abs(dest); err != nil {
				return err
			}
		}
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("move screenshot: %w", err)
		}
		path = dest
	}

	fmt.Printf("Saved %s (%dx%d)\n", path, result.Width, result.Height)
	return nil
}
