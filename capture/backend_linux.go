//go:build linux && cgo

package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"syscall"

	"github.com/disintegration/imaging"

	"github.com/b1tank/opensnipping/internal/pipewire"
	"github.com/b1tank/opensnipping/pipeline"
	"github.com/b1tank/opensnipping/portal"
)

// linuxBackend captures through xdg-desktop-portal and PipeWire and encodes
// with an ffmpeg child process. One backend owns at most one portal session
// and one recording pipeline at a time.
type linuxBackend struct {
	logger     *slog.Logger
	ffmpegPath string
	tokens     TokenStore

	mu      sync.Mutex
	session *portal.Session
	remote  int
	rec     *pipeline.Recording

	faults chan error
}

// NewPlatformBackend returns the native capture backend for this platform.
func NewPlatformBackend(logger *slog.Logger, opts PlatformOptions) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &linuxBackend{
		logger:     logger,
		ffmpegPath: ffmpegPath,
		tokens:     opts.Tokens,
		remote:     -1,
		faults:     make(chan error, 1),
	}, nil
}

func (b *linuxBackend) RequestSelection(ctx context.Context, config CaptureConfig) (*SelectionResult, error) {
	if !pipewire.IsAvailable() {
		return nil, fmt.Errorf("%w: pipewire library not available", ErrNoSource)
	}

	session, err := portal.CreateSession(ctx)
	if err != nil {
		return nil, b.portalError(ctx, "create session", err)
	}

	sourceTypes := portal.SourceTypeMonitor
	if config.Source == SourceWindow {
		sourceTypes = portal.SourceTypeWindow
	}
	cursorMode := portal.CursorModeHidden
	if config.IncludeCursor {
		cursorMode = portal.CursorModeEmbedded
	}

	selectOpts := &portal.SelectSourcesOptions{
		Types:      sourceTypes,
		CursorMode: cursorMode,
	}
	if b.tokens != nil {
		selectOpts.PersistMode = portal.PersistModePersistent
		selectOpts.RestoreToken = b.tokens.RestoreToken()
	}

	if err := session.SelectSources(ctx, selectOpts); err != nil {
		_ = session.Close()
		return nil, b.portalError(ctx, "select sources", err)
	}

	result, err := session.Start(ctx, "")
	if err != nil {
		_ = session.Close()
		return nil, b.portalError(ctx, "start session", err)
	}

	if b.tokens != nil && result.RestoreToken != "" {
		if err := b.tokens.SaveRestoreToken(result.RestoreToken); err != nil {
			b.logger.Warn("could not persist restore token", "error", err)
		}
	}

	if len(result.Streams) == 0 {
		_ = session.Close()
		return nil, fmt.Errorf("%w: portal granted no streams", ErrNoSource)
	}
	stream := result.Streams[0]

	fd, err := session.OpenPipeWireRemote()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: open pipewire remote: %v", ErrPortal, err)
	}

	b.mu.Lock()
	prevSession, prevRemote := b.session, b.remote
	b.session = session
	b.remote = fd
	b.mu.Unlock()

	// A leftover session from an earlier negotiation must not dangle.
	if prevRemote >= 0 {
		_ = syscall.Close(prevRemote)
	}
	if prevSession != nil {
		_ = prevSession.Close()
	}

	return &SelectionResult{
		NodeID:       stream.NodeID,
		StreamFD:     fd,
		Width:        uint32(stream.Size[0]),
		Height:       uint32(stream.Size[1]),
		RestoreToken: result.RestoreToken,
	}, nil
}

// portalError classifies a failed portal call. A cancelled context means
// the caller withdrew the request; a portal-side cancel means the user
// dismissed the picker.
func (b *linuxBackend) portalError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrCancelled, op)
	}
	if errors.Is(err, portal.ErrCancelled) {
		return fmt.Errorf("%w: user dismissed the source picker", ErrPermissionDenied)
	}
	return fmt.Errorf("%w: %s: %v", ErrPortal, op, err)
}

func (b *linuxBackend) CancelSelection() error {
	b.mu.Lock()
	session := b.session
	remote := b.remote
	b.session = nil
	b.remote = -1
	b.mu.Unlock()

	if remote >= 0 {
		_ = syscall.Close(remote)
	}
	if session != nil {
		return session.Close()
	}
	return nil
}

func (b *linuxBackend) CaptureScreenshot(ctx context.Context, selection *SelectionResult, outputPath string) (*ScreenshotResult, error) {
	if selection == nil || selection.StreamFD < 0 {
		return nil, fmt.Errorf("%w: no negotiated stream", ErrNoSource)
	}
	width, height := selection.Width, selection.Height
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: stream reported no geometry", ErrNoSource)
	}

	stream, err := pipewire.NewStream(selection.StreamFD, selection.NodeID, width, height, 30)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipeline, err)
	}
	defer stream.Close()
	stream.Start()

	frame := make([]byte, int(width)*int(height)*4)
	readDone := make(chan error, 1)
	go func() {
		_, readErr := io.ReadFull(stream, frame)
		readDone <- readErr
	}()

	select {
	case <-ctx.Done():
		_ = stream.Close()
		return nil, fmt.Errorf("%w: screenshot", ErrCancelled)
	case err := <-readDone:
		if err != nil {
			return nil, fmt.Errorf("%w: read frame: %v", ErrPipeline, err)
		}
	}

	img := frameToImage(frame, int(width), int(height))
	if err := imaging.Save(img, outputPath); err != nil {
		return nil, fmt.Errorf("%w: save screenshot: %v", ErrIO, err)
	}

	return &ScreenshotResult{Path: outputPath, Width: width, Height: height}, nil
}

// frameToImage converts one BGRx frame into an NRGBA image.
func frameToImage(frame []byte, width, height int) *image.NRGBA {
	img := imaging.New(width, height, color.NRGBA{})
	for i := 0; i+3 < len(frame) && i/4 < width*height; i += 4 {
		o := i // NRGBA is also 4 bytes per pixel
		img.Pix[o] = frame[i+2]
		img.Pix[o+1] = frame[i+1]
		img.Pix[o+2] = frame[i]
		img.Pix[o+3] = 0xff
	}
	return img
}

func (b *linuxBackend) StartRecording(ctx context.Context, selection *SelectionResult, config CaptureConfig) error {
	if selection == nil || selection.StreamFD < 0 {
		return fmt.Errorf("%w: no negotiated stream", ErrNoSource)
	}

	b.mu.Lock()
	if b.rec != nil {
		b.mu.Unlock()
		return ErrAlreadyRecording
	}
	b.mu.Unlock()

	stream, err := pipewire.NewStream(selection.StreamFD, selection.NodeID, selection.Width, selection.Height, uint32(config.FPS))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPipeline, err)
	}
	stream.Start()

	container := pipeline.ContainerMP4
	if config.Container == ContainerMKV {
		container = pipeline.ContainerMKV
	}

	rec, err := pipeline.Start(pipeline.Options{
		FFmpegPath:  b.ffmpegPath,
		Source:      stream,
		PixelFormat: pipewire.PixelFormat,
		Width:       selection.Width,
		Height:      selection.Height,
		FPS:         uint32(config.FPS),
		Container:   container,
		Audio:       pipeline.AudioOptions{System: config.Audio.System, Mic: config.Audio.Mic},
		OutputPath:  config.OutputPath,
		Logger:      b.logger,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrEncoderUnavailable) {
			return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrPipeline, err)
	}

	b.mu.Lock()
	b.rec = rec
	b.mu.Unlock()

	go b.forwardFaults(rec)
	return nil
}

// forwardFaults relays one pipeline failure to the backend fault channel,
// unless the recording was already replaced or stopped. A faulted pipeline
// is torn down completely: the frame stream, the portal session and the
// partial output file are all released here.
func (b *linuxBackend) forwardFaults(rec *pipeline.Recording) {
	err, ok := <-rec.Faults()
	if !ok || err == nil {
		return
	}

	b.mu.Lock()
	current := b.rec == rec
	if current {
		b.rec = nil
	}
	b.mu.Unlock()
	if !current {
		return
	}

	rec.Abort()
	_ = b.CancelSelection()

	select {
	case b.faults <- fmt.Errorf("%w: %v", ErrPipeline, err):
	default:
	}
}

func (b *linuxBackend) PauseRecording() error {
	b.mu.Lock()
	rec := b.rec
	b.mu.Unlock()
	if rec == nil {
		return ErrNoRecording
	}
	rec.Pause()
	return nil
}

func (b *linuxBackend) ResumeRecording() error {
	b.mu.Lock()
	rec := b.rec
	b.mu.Unlock()
	if rec == nil {
		return ErrNoRecording
	}
	rec.Resume()
	return nil
}

func (b *linuxBackend) StopRecording(ctx context.Context) (*RecordingResult, error) {
	b.mu.Lock()
	rec := b.rec
	b.rec = nil
	b.mu.Unlock()
	if rec == nil {
		return nil, ErrNoRecording
	}

	result, err := rec.Stop()
	_ = b.CancelSelection()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipeline, err)
	}

	return &RecordingResult{
		Path:       result.Path,
		DurationMS: result.DurationMS,
		Width:      result.Width,
		Height:     result.Height,
	}, nil
}

func (b *linuxBackend) Faults() <-chan error {
	return b.faults
}

var _ Backend = (*linuxBackend)(nil)
