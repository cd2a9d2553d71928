package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const progressInterval = time.Second

// Orchestrator is the facade between the control surface and the capture
// machinery. It validates configs, drives the state machine, invokes the
// backend, and emits lifecycle events. At most one capture session exists
// at a time; a request arriving while another operation is in flight is
// rejected rather than queued.
type Orchestrator struct {
	logger  *slog.Logger
	backend Backend
	sm      *StateMachine
	bus     *Bus

	// inflight serializes transitions: only one operation may be between
	// its state-machine entry and exit at any time. The state lock itself
	// is never held across blocking backend calls.
	inflight sync.Mutex
	busy     bool

	// session slot, exclusively owned by the current capture session.
	slotMu    sync.Mutex
	config    *CaptureConfig
	selection *SelectionResult
	cancel    context.CancelFunc

	progressStop chan struct{}
	recordStart  time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewOrchestrator wires the facade. The backend's fault channel is watched
// for mid-flight pipeline failures for the orchestrator's whole lifetime.
func NewOrchestrator(logger *slog.Logger, backend Backend, bus *Bus) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		logger:  logger,
		backend: backend,
		sm:      NewStateMachine(),
		bus:     bus,
		closed:  make(chan struct{}),
	}
	go o.watchFaults()
	return o
}

// Close stops background watchers. It does not stop an active recording.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

// State returns the current capture state.
func (o *Orchestrator) State() CaptureState { return o.sm.State() }

// LastError returns the most recent capture error, if the machine is in the
// error state.
func (o *Orchestrator) LastError() *CaptureError { return o.sm.LastError() }

// Events exposes the bus for subscribers.
func (o *Orchestrator) Events() *Bus { return o.bus }

func (o *Orchestrator) acquire(op string) error {
	o.inflight.Lock()
	defer o.inflight.Unlock()
	if o.busy {
		return &CaptureError{
			Code:    CodeInvalidConfig,
			Message: fmt.Sprintf("%s rejected: another operation is in flight", op),
		}
	}
	o.busy = true
	return nil
}

func (o *Orchestrator) release() {
	o.inflight.Lock()
	o.busy = false
	o.inflight.Unlock()
}

func (o *Orchestrator) emitChange(ch Change) {
	if ch.NoOp() {
		return
	}
	o.logger.Debug("state transition", "from", ch.Previous, "to", ch.State)
	o.bus.Publish(StateChangedEvent{State: ch.State, Previous: ch.Previous})
}

func (o *Orchestrator) fail(err error) *CaptureError {
	ce := errorFrom(err)
	o.emitChange(o.sm.SetError(ce))
	o.bus.Publish(ErrorEvent{Err: *ce})
	o.logger.Error("capture error", "code", ce.Code, "message", ce.Message)
	return ce
}

// StartCapture validates config, negotiates a session with the backend and
// moves Idle -> Selecting -> Recording. The interactive picker may block;
// cancellation via CancelCapture resolves to Idle without an error event.
func (o *Orchestrator) StartCapture(ctx context.Context, config CaptureConfig) (CaptureState, error) {
	if err := o.acquire("start_capture"); err != nil {
		return o.sm.State(), err
	}
	defer o.release()

	if err := config.Validate(); err != nil {
		return StateError, o.fail(err)
	}

	ch, err := o.sm.StartSelecting()
	if err != nil {
		return o.sm.State(), err
	}
	o.emitChange(ch)
	o.bus.Publish(PermissionNeededEvent{Kind: PermissionScreen})

	selCtx, cancel := context.WithCancel(ctx)
	o.slotMu.Lock()
	o.config = &config
	o.cancel = cancel
	o.slotMu.Unlock()

	selection, err := o.backend.RequestSelection(selCtx, config)
	cancel()

	o.slotMu.Lock()
	o.cancel = nil
	o.slotMu.Unlock()

	if err != nil {
		o.clearSlot()
		if errors.Is(err, ErrCancelled) {
			// Explicit cancel resolves to Idle, never Error, and emits no
			// error event.
			ch, _ := o.sm.CancelSelection()
			o.emitChange(ch)
			return StateIdle, err
		}
		return StateError, o.fail(err)
	}

	o.slotMu.Lock()
	o.selection = selection
	o.slotMu.Unlock()

	o.bus.Publish(SelectionCompleteEvent{Selection: *selection})

	ch, err = o.sm.BeginRecording()
	if err != nil {
		return o.sm.State(), err
	}
	o.emitChange(ch)
	return ch.State, nil
}

// CancelCapture cancels an in-flight selection, or resolves a settled
// Selecting state back to Idle. It is allowed while another operation is in
// flight, since that is exactly when it is needed.
func (o *Orchestrator) CancelCapture() error {
	o.slotMu.Lock()
	cancel := o.cancel
	o.slotMu.Unlock()

	if cancel != nil {
		cancel()
		return o.backend.CancelSelection()
	}

	ch, err := o.sm.CancelSelection()
	if err != nil {
		return err
	}
	o.clearSlot()
	_ = o.backend.CancelSelection()
	o.emitChange(ch)
	return nil
}

// TakeScreenshot negotiates a session and captures exactly one frame. The
// flow passes through Selecting and returns to Idle without ever entering
// Recording.
func (o *Orchestrator) TakeScreenshot(ctx context.Context, config CaptureConfig) (*ScreenshotResult, error) {
	if err := o.acquire("take_screenshot"); err != nil {
		return nil, err
	}
	defer o.release()

	if err := config.Validate(); err != nil {
		// Validator rejections never alter state.
		ce := errorFrom(err)
		o.bus.Publish(ErrorEvent{Err: *ce})
		o.logger.Error("capture error", "code", ce.Code, "message", ce.Message)
		return nil, ce
	}

	ch, err := o.sm.StartSelecting()
	if err != nil {
		return nil, err
	}
	o.emitChange(ch)
	o.bus.Publish(PermissionNeededEvent{Kind: PermissionScreen})

	selCtx, cancel := context.WithCancel(ctx)
	o.slotMu.Lock()
	o.cancel = cancel
	o.slotMu.Unlock()

	selection, err := o.backend.RequestSelection(selCtx, config)
	cancel()

	o.slotMu.Lock()
	o.cancel = nil
	o.slotMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrCancelled) {
			ch, _ := o.sm.CancelSelection()
			o.emitChange(ch)
			return nil, err
		}
		return nil, o.fail(err)
	}

	outputPath := ScreenshotTempPath()
	result, err := o.backend.CaptureScreenshot(ctx, selection, outputPath)
	_ = o.backend.CancelSelection() // one-shot session, release it either way
	if err != nil {
		return nil, o.fail(err)
	}

	o.bus.Publish(ScreenshotCompleteEvent{
		Path:   result.Path,
		Width:  result.Width,
		Height: result.Height,
	})

	ch, err = o.sm.CancelSelection()
	if err != nil {
		return nil, err
	}
	o.emitChange(ch)
	return result, nil
}

// StartRecordingVideo starts the backend pipeline for the session selected
// by StartCapture. The state machine is already in Recording at this point;
// the call binds the pipeline to it.
func (o *Orchestrator) StartRecordingVideo(ctx context.Context) error {
	if err := o.acquire("start_recording_video"); err != nil {
		return err
	}
	defer o.release()

	o.slotMu.Lock()
	config, selection := o.config, o.selection
	o.slotMu.Unlock()

	if config == nil || selection == nil {
		return &CaptureError{
			Code:    CodeInvalidConfig,
			Message: "no capture session: call start_capture first",
		}
	}

	if err := o.backend.StartRecording(ctx, selection, *config); err != nil {
		return o.fail(err)
	}

	stop := make(chan struct{})
	start := time.Now()
	o.slotMu.Lock()
	o.recordStart = start
	o.progressStop = stop
	o.slotMu.Unlock()
	go o.progressLoop(stop, start)

	o.bus.Publish(RecordingStartedEvent{OutputPath: config.OutputPath})
	o.logger.Info("recording started", "output", config.OutputPath)
	return nil
}

// StopRecordingVideo drains and finalizes the pipeline, then walks the
// machine through Finalizing back to Idle.
func (o *Orchestrator) StopRecordingVideo(ctx context.Context) (*RecordingResult, error) {
	if err := o.acquire("stop_recording_video"); err != nil {
		return nil, err
	}
	defer o.release()

	// Stop is only defined while a recording exists; anything else is
	// rejected without touching the machine.
	if s := o.sm.State(); s != StateRecording && s != StatePaused {
		return nil, &TransitionError{From: s, To: StateFinalizing}
	}

	o.stopProgress()

	result, err := o.backend.StopRecording(ctx)
	if err != nil {
		if errors.Is(err, ErrNoRecording) {
			return nil, &TransitionError{From: o.sm.State(), To: StateFinalizing}
		}
		return nil, o.fail(err)
	}

	if ch, err := o.sm.Stop(); err == nil {
		o.emitChange(ch)
	}
	if ch, err := o.sm.FinalizeComplete(); err == nil {
		o.emitChange(ch)
	}
	o.clearSlot()

	o.bus.Publish(RecordingStoppedEvent{
		Path:       result.Path,
		DurationMS: result.DurationMS,
		Width:      result.Width,
		Height:     result.Height,
	})
	o.logger.Info("recording stopped", "path", result.Path, "duration_ms", result.DurationMS)
	return result, nil
}

// PauseRecordingVideo suspends dataflow. Pausing while already paused is a
// no-op: no state change, no error.
func (o *Orchestrator) PauseRecordingVideo() error {
	if err := o.acquire("pause_recording_video"); err != nil {
		return err
	}
	defer o.release()

	ch, err := o.sm.Pause()
	if err != nil {
		return err
	}
	if err := o.backend.PauseRecording(); err != nil {
		return o.fail(err)
	}
	o.emitChange(ch)
	return nil
}

// ResumeRecordingVideo restarts dataflow from the same pipeline instance.
func (o *Orchestrator) ResumeRecordingVideo() error {
	if err := o.acquire("resume_recording_video"); err != nil {
		return err
	}
	defer o.release()

	ch, err := o.sm.Resume()
	if err != nil {
		return err
	}
	if err := o.backend.ResumeRecording(); err != nil {
		return o.fail(err)
	}
	o.emitChange(ch)
	return nil
}

// FinalizeComplete acknowledges that the artifact is written
// (Finalizing -> Idle). StopRecordingVideo performs this walk itself; the
// command exists for control surfaces that drive the machine stepwise.
func (o *Orchestrator) FinalizeComplete() error {
	if err := o.acquire("finalize_complete"); err != nil {
		return err
	}
	defer o.release()

	ch, err := o.sm.FinalizeComplete()
	if err != nil {
		return err
	}
	o.clearSlot()
	o.emitChange(ch)
	return nil
}

// ResetError is the explicit recovery action out of the error state.
func (o *Orchestrator) ResetError() error {
	if err := o.acquire("reset_error"); err != nil {
		return err
	}
	defer o.release()

	o.stopProgress()
	ch, err := o.sm.Reset()
	if err != nil {
		return err
	}
	o.clearSlot()
	o.emitChange(ch)
	return nil
}

func (o *Orchestrator) clearSlot() {
	o.slotMu.Lock()
	o.config = nil
	o.selection = nil
	o.slotMu.Unlock()
}

func (o *Orchestrator) stopProgress() {
	o.slotMu.Lock()
	defer o.slotMu.Unlock()
	if o.progressStop != nil {
		close(o.progressStop)
		o.progressStop = nil
	}
}

func (o *Orchestrator) progressLoop(stop <-chan struct{}, start time.Time) {
	t := time.NewTicker(progressInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-o.closed:
			return
		case <-t.C:
			if o.sm.State() != StateRecording {
				continue
			}
			o.bus.Publish(ProgressEvent{DurationMS: uint64(time.Since(start).Milliseconds())})
		}
	}
}

func (o *Orchestrator) watchFaults() {
	for {
		select {
		case <-o.closed:
			return
		case err := <-o.backend.Faults():
			if err == nil {
				continue
			}
			o.stopProgress()
			o.fail(fmt.Errorf("%w: %v", ErrPipeline, err))
		}
	}
}

// ScreenshotTempPath returns a unique path for a screenshot artifact in the
// OS temp dir, of the form opensnipping-<uuid>.png.
func ScreenshotTempPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("opensnipping-%s.png", uuid.NewString()))
}
