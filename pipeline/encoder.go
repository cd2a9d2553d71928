package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const encoderProbeTimeout = 5 * time.Second

// ErrEncoderUnavailable is returned when no H.264 encoder, hardware or
// software, can be probed successfully.
var ErrEncoderUnavailable = errors.New("no usable h264 encoder found")

// EncoderPlan describes one way to drive ffmpeg's H.264 encoding,
// including the device args and filter chain a hardware path needs.
type EncoderPlan struct {
	Label       string
	Codec       string
	Hardware    bool
	GlobalArgs  []string
	VideoFilter string
	CodecArgs   []string
}

// SelectEncoder probes hardware H.264 encoders in preference order and
// falls back to libx264. It returns ErrEncoderUnavailable when even the
// software path cannot be used.
func SelectEncoder(ffmpegPath string, logger *slog.Logger) (EncoderPlan, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return EncoderPlan{}, fmt.Errorf("%w: ffmpeg not found at %q", ErrEncoderUnavailable, ffmpegPath)
	}

	available, err := ffmpegEncoderSet(ffmpegPath)
	if err != nil {
		logger.Debug("ffmpeg encoder list unavailable", "error", err)
	}

	for _, candidate := range hardwareEncoderCandidates() {
		if len(available) > 0 {
			if _, ok := available[candidate.Codec]; !ok {
				continue
			}
		}
		if err := probeEncoder(ffmpegPath, candidate); err == nil {
			logger.Info("video encoder selected", "encoder", candidate.Label, "hardware", true)
			return candidate, nil
		} else {
			logger.Debug("encoder probe failed", "encoder", candidate.Label, "error", err)
		}
	}

	software := softwareEncoderPlan()
	if len(available) > 0 {
		if _, ok := available[software.Codec]; !ok {
			return EncoderPlan{}, fmt.Errorf("%w: libx264 missing from ffmpeg build", ErrEncoderUnavailable)
		}
	}
	if err := probeEncoder(ffmpegPath, software); err != nil {
		return EncoderPlan{}, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	logger.Info("video encoder selected", "encoder", software.Label, "hardware", false)
	return software, nil
}

func ffmpegEncoderSet(ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}

	encoders := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		// format is usually: " V..... h264_nvenc ...", where fields[0] is flags and fields[1] is encoder name.
		if strings.Contains(fields[0], "V") {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders, nil
}

func probeEncoder(ffmpegPath string, plan EncoderPlan) error {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-nostdin",
	}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an",
		"-frames:v", "8",
		"-r", "30",
	)
	if strings.TrimSpace(plan.VideoFilter) != "" {
		args = append(args, "-vf", plan.VideoFilter)
	}
	args = append(args, plan.CodecArgs...)
	args = append(args, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("probe failed: %w: %s", err, tailString(strings.TrimSpace(stderr.String()), 240))
	}
	return nil
}

func hardwareEncoderCandidates() []EncoderPlan {
	var candidates []EncoderPlan

	devices, err := filepath.Glob("/dev/dri/renderD*")
	if err == nil {
		for _, dev := range devices {
			label := fmt.Sprintf("h264_vaapi (%s)", dev)
			candidates = append(candidates, hardwareEncoderPlan("h264_vaapi", label, []string{"-vaapi_device", dev}, "format=nv12,hwupload"))
		}
	}

	candidates = append(candidates,
		hardwareEncoderPlan("h264_nvenc", "h264_nvenc", nil, "format=yuv420p"),
		hardwareEncoderPlan("h264_qsv", "h264_qsv", nil, "format=nv12"),
	)
	return candidates
}

func hardwareEncoderPlan(codec, label string, globalArgs []string, filter string) EncoderPlan {
	return EncoderPlan{
		Label:       label,
		Codec:       codec,
		Hardware:    true,
		GlobalArgs:  append([]string(nil), globalArgs...),
		VideoFilter: filter,
		CodecArgs: []string{
			"-c:v", codec,
			"-b:v", "8000k",
			"-maxrate", "10000k",
			"-bufsize", "20000k",
		},
	}
}

func softwareEncoderPlan() EncoderPlan {
	return EncoderPlan{
		Label:    "libx264",
		Codec:    "libx264",
		Hardware: false,
		CodecArgs: []string{
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
		},
	}
}

func tailString(input string, max int) string {
	if input == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[len(input)-max:]
}
