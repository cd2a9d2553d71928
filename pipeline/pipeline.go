// Package pipeline drives an ffmpeg child process that encodes raw video
// frames into a local recording file. Frames are relayed from a capture
// source into ffmpeg's stdin; pausing gates the relay so paused wall time
// never appears in the output.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultStopTimeout    = 10 * time.Second
	defaultVideoQueueSize = 2048
	bytesPerPixel         = 4
)

// Container is the output file format.
type Container string

const (
	ContainerMP4 Container = "mp4"
	ContainerMKV Container = "mkv"
)

// AudioOptions selects which PulseAudio sources are mixed into the
// recording.
type AudioOptions struct {
	System bool
	Mic    bool
}

// systemAudioSource resolves to the monitor of the default sink, which is
// what the desktop is currently playing.
const (
	systemAudioSource = "@DEFAULT_MONITOR@"
	micAudioSource    = "default"
)

type Options struct {
	FFmpegPath string
	// Source delivers raw frames in PixelFormat. The pipeline takes
	// ownership and closes it on Stop and on teardown.
	Source      io.ReadCloser
	PixelFormat string
	Width       uint32
	Height      uint32
	FPS         uint32
	Container   Container
	Audio       AudioOptions
	OutputPath  string
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Result summarizes a finished recording.
type Result struct {
	Path       string
	DurationMS uint64
	Width      uint32
	Height     uint32
}

// Recording is one live encoding session.
type Recording struct {
	opts    Options
	logger  *slog.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *lockedBuffer
	started time.Time

	paused   atomic.Bool
	stopping atomic.Bool

	ffmpegDone chan error
	relayDone  chan struct{}
	faults     chan error

	closeOnce sync.Once
}

// Start selects an encoder, launches ffmpeg and begins relaying frames.
func Start(opts Options) (*Recording, error) {
	if opts.Source == nil {
		return nil, errors.New("nil frame source")
	}
	if opts.Width == 0 || opts.Height == 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", opts.Width, opts.Height)
	}
	if opts.FPS == 0 {
		opts.FPS = 30
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	plan, err := SelectEncoder(opts.FFmpegPath, logger)
	if err != nil {
		_ = opts.Source.Close()
		return nil, err
	}

	args := buildArgs(opts, plan)
	logger.Debug("starting ffmpeg", "args", strings.Join(args, " "))

	stderrBuf := &lockedBuffer{}
	cmd := exec.Command(opts.FFmpegPath, args...)
	cmd.Stderr = stderrBuf

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = opts.Source.Close()
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = opts.Source.Close()
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	r := &Recording{
		opts:       opts,
		logger:     logger,
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderrBuf,
		started:    time.Now(),
		ffmpegDone: make(chan error, 1),
		relayDone:  make(chan struct{}),
		faults:     make(chan error, 1),
	}

	go r.relayFrames()
	go r.waitFFmpeg()

	return r, nil
}

// Pause stops forwarding frames. Idempotent.
func (r *Recording) Pause() {
	r.paused.Store(true)
}

// Resume restarts frame forwarding. Idempotent.
func (r *Recording) Resume() {
	r.paused.Store(false)
}

// Paused reports whether the relay is currently gated.
func (r *Recording) Paused() bool {
	return r.paused.Load()
}

// Faults delivers at most one asynchronous pipeline failure, such as
// ffmpeg dying mid-recording. The channel is closed once the encoder
// process has exited, so receivers always unblock.
func (r *Recording) Faults() <-chan error {
	return r.faults
}

// Stop drains the relay, lets ffmpeg finalize the container and returns
// the finished recording. The reported duration is wall clock time from
// Start to Stop, pauses included.
func (r *Recording) Stop() (Result, error) {
	r.stopping.Store(true)
	elapsed := time.Since(r.started)

	// Closing the source unblocks the relay's read; the relay then closes
	// ffmpeg's stdin, which makes ffmpeg flush and write the trailer.
	_ = r.opts.Source.Close()

	select {
	case <-r.relayDone:
	case <-time.After(r.opts.StopTimeout):
		_ = r.stdin.Close()
	}

	var waitErr error
	select {
	case waitErr = <-r.ffmpegDone:
	case <-time.After(r.opts.StopTimeout):
		_ = r.cmd.Process.Kill()
		waitErr = fmt.Errorf("ffmpeg did not finalize within %s", r.opts.StopTimeout)
	}

	result := Result{
		Path:       r.opts.OutputPath,
		DurationMS: uint64(elapsed.Milliseconds()),
		Width:      r.opts.Width,
		Height:     r.opts.Height,
	}

	if waitErr != nil {
		return result, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, r.stderr.Tail(300))
	}
	if _, err := os.Stat(r.opts.OutputPath); err != nil {
		return result, fmt.Errorf("recording file missing: %w", err)
	}
	return result, nil
}

// Abort kills the encoder without finalizing and removes the partial file.
func (r *Recording) Abort() {
	r.closeOnce.Do(func() {
		r.stopping.Store(true)
		_ = r.opts.Source.Close()
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		<-r.ffmpegDone
		_ = os.Remove(r.opts.OutputPath)
	})
}

func (r *Recording) relayFrames() {
	defer close(r.relayDone)
	defer r.stdin.Close()

	frameSize := int(r.opts.Width) * int(r.opts.Height) * bytesPerPixel
	frame := make([]byte, frameSize)

	for {
		// Whole frames only, so a paused gap never splits a frame.
		if _, err := io.ReadFull(r.opts.Source, frame); err != nil {
			return
		}
		if r.paused.Load() {
			continue
		}
		if _, err := r.stdin.Write(frame); err != nil {
			return
		}
	}
}

func (r *Recording) waitFFmpeg() {
	defer close(r.faults)

	err := r.cmd.Wait()
	r.ffmpegDone <- err

	if r.stopping.Load() {
		return
	}

	fault := fmt.Errorf("ffmpeg exited unexpectedly: %s", r.stderr.Tail(300))
	if err != nil {
		fault = fmt.Errorf("ffmpeg exited unexpectedly: %w: %s", err, r.stderr.Tail(300))
	}
	select {
	case r.faults <- fault:
	default:
	}
}

func buildArgs(opts Options, plan EncoderPlan) []string {
	fpsArg := strconv.FormatUint(uint64(opts.FPS), 10)

	args := []string{"-y"}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-thread_queue_size", strconv.Itoa(defaultVideoQueueSize),
		"-f", "rawvideo",
		"-pix_fmt", strings.ToLower(opts.PixelFormat),
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-r", fpsArg,
		"-i", "pipe:0",
	)

	audioInputs := 0
	if opts.Audio.System {
		args = append(args, "-f", "pulse", "-i", systemAudioSource)
		audioInputs++
	}
	if opts.Audio.Mic {
		args = append(args, "-f", "pulse", "-i", micAudioSource)
		audioInputs++
	}

	args = append(args, "-map", "0:v:0")
	switch audioInputs {
	case 0:
		args = append(args, "-an")
	case 1:
		args = append(args, "-map", "1:a:0")
	default:
		args = append(args,
			"-filter_complex", "[1:a][2:a]amix=inputs=2:duration=longest[aout]",
			"-map", "[aout]",
		)
	}

	args = append(args, "-r", fpsArg)
	if strings.TrimSpace(plan.VideoFilter) != "" {
		args = append(args, "-vf", plan.VideoFilter)
	}
	args = append(args, plan.CodecArgs...)

	if audioInputs > 0 {
		switch opts.Container {
		case ContainerMKV:
			args = append(args, "-c:a", "libopus", "-b:a", "128k")
		default:
			args = append(args, "-c:a", "aac", "-b:a", "160k")
		}
		args = append(args, "-ar", "48000", "-ac", "2")
	}

	switch opts.Container {
	case ContainerMKV:
		args = append(args, "-f", "matroska")
	default:
		args = append(args, "-movflags", "+faststart", "-f", "mp4")
	}

	args = append(args, opts.OutputPath)
	return args
}
