package capture

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
)

const (
	fakeNodeID uint32 = 42
	fakeWidth  uint32 = 1920
	fakeHeight uint32 = 1080
)

// placeholderColor fills fake screenshots (cornflower blue).
var placeholderColor = color.NRGBA{R: 100, G: 149, B: 237, A: 255}

// FakeBackend is a deterministic, OS-independent Backend used to exercise
// the orchestrator and state machine without portal, PipeWire or ffmpeg.
// Every error path of the real backend can be injected via FailWith, and
// call counters make interaction sequences assertable.
type FakeBackend struct {
	failWith atomic.Value // error or nil
	nodeID   atomic.Uint32

	recording atomic.Bool
	paused    atomic.Bool

	mu         sync.Mutex
	start      time.Time
	outputPath string

	selectionCalls atomic.Uint32
	cancelCalls    atomic.Uint32
	screenshots    atomic.Uint32
	startCalls     atomic.Uint32
	stopCalls      atomic.Uint32
	pauseCalls     atomic.Uint32
	resumeCalls    atomic.Uint32

	faults chan error
}

// NewFakeBackend returns a backend whose operations all succeed.
func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{faults: make(chan error, 1)}
	b.nodeID.Store(fakeNodeID)
	return b
}

// FailWith makes every subsequent operation fail with err. Pass nil to
// restore success. Typical values are the package sentinels wrapped with a
// message, e.g. fmt.Errorf("%w: user dismissed picker", ErrPermissionDenied).
func (b *FakeBackend) FailWith(err error) {
	if err == nil {
		b.failWith.Store(errSlot{})
		return
	}
	b.failWith.Store(errSlot{err: err})
}

type errSlot struct{ err error }

func (b *FakeBackend) injected() error {
	v, _ := b.failWith.Load().(errSlot)
	return v.err
}

// SetNodeID overrides the synthetic node ID returned by RequestSelection.
func (b *FakeBackend) SetNodeID(id uint32) { b.nodeID.Store(id) }

// InjectFault simulates a mid-flight pipeline failure, delivered through
// Faults like a real backend would.
func (b *FakeBackend) InjectFault(err error) {
	b.recording.Store(false)
	b.paused.Store(false)
	select {
	case b.faults <- err:
	default:
	}
}

func (b *FakeBackend) SelectionCalls() uint32  { return b.selectionCalls.Load() }
func (b *FakeBackend) CancelCalls() uint32     { return b.cancelCalls.Load() }
func (b *FakeBackend) ScreenshotCalls() uint32 { return b.screenshots.Load() }
func (b *FakeBackend) StartCalls() uint32      { return b.startCalls.Load() }
func (b *FakeBackend) StopCalls() uint32       { return b.stopCalls.Load() }
func (b *FakeBackend) PauseCalls() uint32      { return b.pauseCalls.Load() }
func (b *FakeBackend) ResumeCalls() uint32     { return b.resumeCalls.Load() }
func (b *FakeBackend) IsRecording() bool       { return b.recording.Load() }
func (b *FakeBackend) IsPaused() bool          { return b.paused.Load() }

func (b *FakeBackend) RequestSelection(ctx context.Context, _ CaptureConfig) (*SelectionResult, error) {
	b.selectionCalls.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := b.injected(); err != nil {
		return nil, err
	}

	return &SelectionResult{
		NodeID:   b.nodeID.Load(),
		StreamFD: -1,
		Width:    fakeWidth,
		Height:   fakeHeight,
	}, nil
}

func (b *FakeBackend) CancelSelection() error {
	b.cancelCalls.Add(1)
	return nil
}

func (b *FakeBackend) CaptureScreenshot(_ context.Context, selection *SelectionResult, outputPath string) (*ScreenshotResult, error) {
	b.screenshots.Add(1)

	if err := b.injected(); err != nil {
		return nil, err
	}

	width, height := selection.Width, selection.Height
	if width == 0 || height == 0 {
		width, height = 100, 100
	}

	img := imaging.New(int(width), int(height), placeholderColor)
	if err := imaging.Save(img, outputPath); err != nil {
		return nil, fmt.Errorf("%w: save placeholder: %v", ErrIO, err)
	}

	return &ScreenshotResult{Path: outputPath, Width: width, Height: height}, nil
}

func (b *FakeBackend) StartRecording(_ context.Context, _ *SelectionResult, config CaptureConfig) error {
	b.startCalls.Add(1)

	if err := b.injected(); err != nil {
		return err
	}
	if !b.recording.CompareAndSwap(false, true) {
		return ErrAlreadyRecording
	}

	b.mu.Lock()
	b.start = time.Now()
	b.outputPath = config.OutputPath
	b.mu.Unlock()
	return nil
}

func (b *FakeBackend) PauseRecording() error {
	b.pauseCalls.Add(1)

	if !b.recording.Load() {
		return ErrNoRecording
	}
	b.paused.Store(true)
	return nil
}

func (b *FakeBackend) ResumeRecording() error {
	b.resumeCalls.Add(1)

	if !b.recording.Load() {
		return ErrNoRecording
	}
	b.paused.Store(false)
	return nil
}

func (b *FakeBackend) StopRecording(_ context.Context) (*RecordingResult, error) {
	b.stopCalls.Add(1)

	if !b.recording.CompareAndSwap(true, false) {
		return nil, ErrNoRecording
	}
	b.paused.Store(false)

	b.mu.Lock()
	duration := time.Since(b.start)
	path := b.outputPath
	b.outputPath = ""
	b.mu.Unlock()

	return &RecordingResult{
		Path:       path,
		DurationMS: uint64(duration.Milliseconds()),
		Width:      fakeWidth,
		Height:     fakeHeight,
	}, nil
}

func (b *FakeBackend) Faults() <-chan error { return b.faults }

var _ Backend = (*FakeBackend)(nil)
