package capture

import (
	"context"
	"errors"
)

// Sentinel errors returned by backends. Backends wrap them with detail via
// fmt.Errorf("%w: ..."); the orchestrator maps them onto ErrorCodes.
var (
	ErrPermissionDenied   = errors.New("capture permission denied")
	ErrPortal             = errors.New("portal error")
	ErrNoSource           = errors.New("no capture source available")
	ErrEncoderUnavailable = errors.New("no suitable encoder available")
	ErrPipeline           = errors.New("pipeline error")
	ErrIO                 = errors.New("i/o error")
	ErrNotSupported       = errors.New("capture backend is not implemented on this platform")
	ErrCancelled          = errors.New("capture request was cancelled")
	ErrNoRecording        = errors.New("no recording in progress")
	ErrAlreadyRecording   = errors.New("recording already in progress")
)

// SelectionResult is the outcome of one permissioned session negotiation.
// It is owned by the orchestrator for the duration of a single capture
// session and discarded when the session ends or errors out.
type SelectionResult struct {
	// NodeID identifies the negotiated stream (PipeWire node on Linux).
	NodeID uint32 `json:"node_id"`
	// StreamFD is the raw stream handle, or a negative value when the
	// backend did not hand one out.
	StreamFD int `json:"stream_fd"`
	// Width and Height are zero when the broker did not report a size.
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	// RestoreToken, when non-empty, allows re-acquiring this session
	// without prompting the user again.
	RestoreToken string `json:"-"`
}

// ScreenshotResult is the terminal artifact of a screenshot capture.
type ScreenshotResult struct {
	Path   string `json:"path"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// RecordingResult is the terminal artifact of a recording session.
type RecordingResult struct {
	Path       string `json:"path"`
	DurationMS uint64 `json:"duration_ms"`
	Width      uint32 `json:"width"`
	Height     uint32 `json:"height"`
}

// Backend is the capability interface over OS capture implementations.
// Implementations exclusively own their session and pipeline objects; no
// state is shared across backend instances.
//
// RequestSelection may block on an interactive picker; it honors ctx
// cancellation by resolving with ErrCancelled and releasing any partially
// acquired session resources. PauseRecording and ResumeRecording are
// idempotent when the pipeline is already in the requested sub-state and
// fail with ErrNoRecording when no pipeline exists.
type Backend interface {
	RequestSelection(ctx context.Context, config CaptureConfig) (*SelectionResult, error)
	CancelSelection() error
	CaptureScreenshot(ctx context.Context, selection *SelectionResult, outputPath string) (*ScreenshotResult, error)
	StartRecording(ctx context.Context, selection *SelectionResult, config CaptureConfig) error
	PauseRecording() error
	ResumeRecording() error
	StopRecording(ctx context.Context) (*RecordingResult, error)

	// Faults delivers pipeline failures that happen outside any call, such
	// as a mid-recording encoder crash. The channel is never closed.
	Faults() <-chan error
}

// TokenStore persists portal restore tokens across runs so a previously
// granted selection can be re-acquired without prompting the user again.
type TokenStore interface {
	RestoreToken() string
	SaveRestoreToken(token string) error
}

// PlatformOptions configures NewPlatformBackend.
type PlatformOptions struct {
	// FFmpegPath overrides the ffmpeg binary used for encoding. Empty
	// means "ffmpeg" from PATH.
	FFmpegPath string
	// Tokens, when non-nil, enables persistent portal sessions.
	Tokens TokenStore
}

// errorFrom maps a backend error onto the capture error taxonomy. Typed
// CaptureErrors pass through unchanged.
func errorFrom(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}

	code := CodeUnknown
	switch {
	case errors.Is(err, ErrPermissionDenied):
		code = CodePermissionDenied
	case errors.Is(err, ErrPortal), errors.Is(err, ErrNoSource):
		code = CodePortalError
	case errors.Is(err, ErrEncoderUnavailable):
		code = CodeEncoderUnavailable
	case errors.Is(err, ErrPipeline):
		code = CodePipelineError
	case errors.Is(err, ErrIO):
		code = CodeIOError
	}
	return &CaptureError{Code: code, Message: err.Error()}
}
