package capture

import (
	"fmt"
	"os"
	"path/filepath"
)

// CaptureSource identifies what kind of source a capture targets.
type CaptureSource string

const (
	SourceScreen  CaptureSource = "screen"
	SourceMonitor CaptureSource = "monitor"
	SourceWindow  CaptureSource = "window"
	SourceRegion  CaptureSource = "region"
)

// ContainerFormat is the output container for recordings.
type ContainerFormat string

const (
	ContainerMP4 ContainerFormat = "mp4"
	ContainerMKV ContainerFormat = "mkv"
)

const (
	minFrameRate = 1
	maxFrameRate = 60
)

// AudioConfig selects audio sources for a recording. The flags combine
// freely: none, either one, or both.
type AudioConfig struct {
	System bool
	Mic    bool
}

// CaptureConfig describes one requested capture. It is constructed per
// request, validated once, and never mutated afterwards.
type CaptureConfig struct {
	Source        CaptureSource
	FPS           int
	IncludeCursor bool
	Audio         AudioConfig
	Container     ContainerFormat
	OutputPath    string
}

// DefaultConfig returns the baseline configuration: full screen, 30 fps,
// cursor embedded, no audio, mp4 container. The output path must still be
// filled in by the caller.
func DefaultConfig() CaptureConfig {
	return CaptureConfig{
		Source:        SourceScreen,
		FPS:           30,
		IncludeCursor: true,
		Container:     ContainerMP4,
	}
}

// Validate checks the config before it may enter the pipeline. It is pure,
// fails on the first violation, and returns an invalid_config CaptureError.
// A config that fails validation never reaches a backend.
func (c CaptureConfig) Validate() error {
	switch c.Source {
	case SourceScreen, SourceMonitor, SourceWindow, SourceRegion:
	case "":
		return invalidConfig("source", "capture source is required")
	default:
		return invalidConfig("source", fmt.Sprintf("unknown capture source %q", c.Source))
	}

	if c.FPS < minFrameRate || c.FPS > maxFrameRate {
		return invalidConfig("fps", fmt.Sprintf("fps must be between %d and %d, got %d", minFrameRate, maxFrameRate, c.FPS))
	}

	if c.OutputPath == "" {
		return invalidConfig("output_path", "output path cannot be empty")
	}
	if !filepath.IsAbs(c.OutputPath) {
		return invalidConfig("output_path", fmt.Sprintf("output path must be absolute, got %q", c.OutputPath))
	}
	dir := filepath.Dir(c.OutputPath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return invalidConfig("output_path", fmt.Sprintf("output directory %q does not exist", dir))
	}

	switch c.Container {
	case ContainerMP4, ContainerMKV:
	case "":
		return invalidConfig("container", "container format is required")
	default:
		return invalidConfig("container", fmt.Sprintf("unsupported container format %q", c.Container))
	}

	return nil
}

func invalidConfig(field, message string) *CaptureError {
	return &CaptureError{
		Code:    CodeInvalidConfig,
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}
