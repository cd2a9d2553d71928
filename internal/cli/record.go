package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/b1tank/opensnipping/capture"
)

var (
	recordOutput    string
	recordFPS       int
	recordContainer string
	recordWindow    bool
	recordNoCursor  bool
	recordSystemAud bool
	recordMicAud    bool
	recordDuration  time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the screen to a video file",
	Long:  `record negotiates a capture source through the desktop portal and records it until interrupted (Ctrl-C) or until --duration elapses.`,
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "Output file path (default ~/Videos/opensnipping_<timestamp>.<container>)")
	recordCmd.Flags().IntVar(&recordFPS, "fps", 0, "Frames per second (1-60, default from config)")
	recordCmd.Flags().StringVar(&recordContainer, "container", "", "Container format: mp4 or mkv (default from config)")
	recordCmd.Flags().BoolVar(&recordWindow, "window", false, "Record a single window instead of a screen")
	recordCmd.Flags().BoolVar(&recordNoCursor, "no-cursor", false, "Hide the cursor in the recording")
	recordCmd.Flags().BoolVar(&recordSystemAud, "system-audio", false, "Record system audio")
	recordCmd.Flags().BoolVar(&recordMicAud, "mic", false, "Record the microphone")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "Stop automatically after this long (0 records until interrupted)")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	orch, settings, err := setup()
	if err != nil {
		return err
	}
	defer orch.Close()

	cfg := capture.DefaultConfig()
	cfg.FPS = settings.DefaultFPS
	cfg.Container = capture.ContainerFormat(settings.DefaultContainer)
	cfg.IncludeCursor = settings.IncludeCursor

	if recordWindow {
		cfg.Source = capture.SourceWindow
	}
	if recordFPS != 0 {
		cfg.FPS = recordFPS
	}
	if recordContainer != "" {
		cfg.Container = capture.ContainerFormat(recordContainer)
	}
	if recordNoCursor {
		cfg.IncludeCursor = false
	}
	cfg.Audio = capture.AudioConfig{System: recordSystemAud, Mic: recordMicAud}

	cfg.OutputPath = recordOutput
	if cfg.OutputPath == "" {
		cfg.OutputPath, err = defaultRecordingPath(cfg.Container)
		if err != nil {
			return err
		}
	} else if !filepath.IsAbs(cfg.OutputPath) {
		abs, absErr := filepath.Abs(cfg.OutputPath)
		if absErr != nil {
			return absErr
		}
		cfg.OutputPath = abs
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := orch.Events().Subscribe()
	defer unsubscribe()
	go printEvents(events)

	if _, err := orch.StartCapture(ctx, cfg); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if err := orch.StartRecordingVideo(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	fmt.Printf("Recording to %s (Ctrl-C to stop)\n", cfg.OutputPath)

	if recordDuration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(recordDuration):
		}
	} else {
		<-ctx.Done()
	}
	stop()

	result, err := orch.StopRecordingVideo(context.Background())
	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}

	fmt.Printf("Saved %s (%s, %dx%d)\n",
		result.Path,
		(time.Duration(result.DurationMS) * time.Millisecond).Round(time.Second),
		result.Width, result.Height,
	)
	return nil
}

func defaultRecordingPath(container capture.ContainerFormat) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "Videos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("opensnipping_%s.%s", time.Now().Format("2006-01-02_15-04-05"), container)
	return filepath.Join(dir, name), nil
}

func printEvents(events <-chan capture.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case capture.PermissionNeededEvent:
			fmt.Printf("Waiting for %s permission...\n", e.Kind)
		case capture.ProgressEvent:
			fmt.Printf("\rRecording %s ", (time.Duration(e.DurationMS) * time.Millisecond).Round(time.Second))
		case capture.ErrorEvent:
			fmt.Fprintf(os.Stderr, "\nerror (%s): %s\n", e.Err.Code, e.Err.Message)
		}
	}
}
