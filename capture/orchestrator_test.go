package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *FakeBackend) {
	t.Helper()
	backend := NewFakeBackend()
	orch := NewOrchestrator(discardLogger(), backend, NewBus(discardLogger()))
	t.Cleanup(orch.Close)
	return orch, backend
}

func recordingConfig(t *testing.T) CaptureConfig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "out.mp4")
	return cfg
}

// drainEvents collects everything currently queued on the channel.
func drainEvents(events <-chan Event) []Event {
	var got []Event
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
			return got
		}
	}
}

func waitForState(t *testing.T, orch *Orchestrator, want CaptureState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if orch.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", orch.State(), want)
}

func TestStartCaptureHappyPath(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	state, err := orch.StartCapture(context.Background(), recordingConfig(t))
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if state != StateRecording {
		t.Fatalf("state = %s, want %s", state, StateRecording)
	}
	if backend.SelectionCalls() != 1 {
		t.Fatalf("selection calls = %d, want 1", backend.SelectionCalls())
	}

	got := drainEvents(events)
	var changes []StateChangedEvent
	var sawPermission, sawSelection bool
	for _, ev := range got {
		switch e := ev.(type) {
		case StateChangedEvent:
			changes = append(changes, e)
		case PermissionNeededEvent:
			if len(changes) != 1 {
				t.Errorf("permission_needed after %d state changes, want 1", len(changes))
			}
			sawPermission = true
		case SelectionCompleteEvent:
			if e.Selection.NodeID != 42 {
				t.Errorf("selection node = %d, want 42", e.Selection.NodeID)
			}
			sawSelection = true
		}
	}
	if !sawPermission || !sawSelection {
		t.Fatalf("missing events: permission=%v selection=%v", sawPermission, sawSelection)
	}
	if len(changes) != 2 {
		t.Fatalf("state changes = %d, want 2 (idle->selecting, selecting->recording)", len(changes))
	}
	if changes[0].Previous != StateIdle || changes[0].State != StateSelecting {
		t.Errorf("first change = %s -> %s", changes[0].Previous, changes[0].State)
	}
	if changes[1].Previous != StateSelecting || changes[1].State != StateRecording {
		t.Errorf("second change = %s -> %s", changes[1].Previous, changes[1].State)
	}
}

func TestStartCaptureInvalidConfig(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	cfg := recordingConfig(t)
	cfg.FPS = 0

	_, err := orch.StartCapture(context.Background(), cfg)
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Code != CodeInvalidConfig {
		t.Fatalf("err = %v, want invalid_config CaptureError", err)
	}
	if orch.State() != StateError {
		t.Fatalf("state = %s, want %s", orch.State(), StateError)
	}
	if backend.SelectionCalls() != 0 {
		t.Fatal("invalid config reached the backend")
	}

	var sawError bool
	for _, ev := range drainEvents(events) {
		if e, ok := ev.(ErrorEvent); ok {
			sawError = true
			if e.Err.Code != CodeInvalidConfig {
				t.Errorf("error event code = %s", e.Err.Code)
			}
		}
	}
	if !sawError {
		t.Fatal("no error event emitted")
	}

	if err := orch.ResetError(); err != nil {
		t.Fatalf("ResetError: %v", err)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state after reset = %s", orch.State())
	}
	if orch.LastError() != nil {
		t.Fatalf("LastError survived reset: %v", orch.LastError())
	}
}

func TestRecordPauseResumeStop(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	cfg := recordingConfig(t)
	ctx := context.Background()

	if _, err := orch.StartCapture(ctx, cfg); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := orch.StartRecordingVideo(ctx); err != nil {
		t.Fatalf("StartRecordingVideo: %v", err)
	}
	if backend.StartCalls() != 1 {
		t.Fatalf("start calls = %d, want 1", backend.StartCalls())
	}

	if err := orch.PauseRecordingVideo(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if orch.State() != StatePaused {
		t.Fatalf("state = %s, want %s", orch.State(), StatePaused)
	}

	// Pausing while paused is a no-op: no error, no extra state event.
	drainEvents(events)
	if err := orch.PauseRecordingVideo(); err != nil {
		t.Fatalf("double pause: %v", err)
	}
	if extra := drainEvents(events); len(extra) != 0 {
		t.Fatalf("double pause emitted %d events", len(extra))
	}

	if err := orch.ResumeRecordingVideo(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if orch.State() != StateRecording {
		t.Fatalf("state = %s, want %s", orch.State(), StateRecording)
	}

	result, err := orch.StopRecordingVideo(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Path != cfg.OutputPath {
		t.Errorf("path = %q, want %q", result.Path, cfg.OutputPath)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state after stop = %s, want %s", orch.State(), StateIdle)
	}

	var sawStopped bool
	var finalChanges []StateChangedEvent
	for _, ev := range drainEvents(events) {
		switch e := ev.(type) {
		case RecordingStoppedEvent:
			sawStopped = true
			if e.Path != cfg.OutputPath {
				t.Errorf("stopped path = %q", e.Path)
			}
		case StateChangedEvent:
			finalChanges = append(finalChanges, e)
		}
	}
	if !sawStopped {
		t.Fatal("no recording_stopped event")
	}
	// resume, recording->finalizing, finalizing->idle
	if len(finalChanges) != 3 {
		t.Fatalf("state changes after pause = %d, want 3", len(finalChanges))
	}
	if finalChanges[1].State != StateFinalizing || finalChanges[2].State != StateIdle {
		t.Fatalf("finalization walk = %s, %s", finalChanges[1].State, finalChanges[2].State)
	}
}

func TestStopRecordingVideoWithoutRecording(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	_, err := orch.StopRecordingVideo(context.Background())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if te.From != StateIdle || te.To != StateFinalizing {
		t.Fatalf("rejection reports %s -> %s", te.From, te.To)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state after rejected stop = %s, want idle", orch.State())
	}
	if orch.LastError() != nil {
		t.Fatalf("rejected stop recorded an error: %v", orch.LastError())
	}
	if backend.StopCalls() != 0 {
		t.Fatal("rejected stop reached the backend")
	}
	if got := drainEvents(events); len(got) != 0 {
		t.Fatalf("rejected stop emitted %d events", len(got))
	}
}

func TestTakeScreenshotInvalidConfigKeepsState(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	cfg := recordingConfig(t)
	cfg.FPS = 0

	_, err := orch.TakeScreenshot(context.Background(), cfg)
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Code != CodeInvalidConfig {
		t.Fatalf("err = %v, want invalid_config", err)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state after validator rejection = %s, want idle", orch.State())
	}
	if backend.SelectionCalls() != 0 {
		t.Fatal("invalid config reached the backend")
	}

	var sawError bool
	for _, ev := range drainEvents(events) {
		switch ev.(type) {
		case ErrorEvent:
			sawError = true
		case StateChangedEvent:
			t.Fatal("validator rejection emitted a state change")
		}
	}
	if !sawError {
		t.Fatal("no error event emitted")
	}

	// The machine is untouched, so the next valid request succeeds.
	result, err := orch.TakeScreenshot(context.Background(), recordingConfig(t))
	if err != nil {
		t.Fatalf("screenshot after rejection: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(result.Path) })
}

func TestStartRecordingVideoWithoutSession(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	err := orch.StartRecordingVideo(context.Background())
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Code != CodeInvalidConfig {
		t.Fatalf("err = %v, want invalid_config", err)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state = %s, want idle", orch.State())
	}
}

func TestTakeScreenshot(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	cfg := recordingConfig(t)
	cfg.Source = SourceRegion

	result, err := orch.TakeScreenshot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("TakeScreenshot: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(result.Path) })

	if orch.State() != StateIdle {
		t.Fatalf("state = %s, want idle", orch.State())
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if filepath.Dir(result.Path) != filepath.Clean(os.TempDir()) {
		t.Errorf("artifact outside temp dir: %q", result.Path)
	}
	if backend.ScreenshotCalls() != 1 {
		t.Fatalf("screenshot calls = %d, want 1", backend.ScreenshotCalls())
	}

	var shots, recStarted, recStopped int
	for _, ev := range drainEvents(events) {
		switch ev.(type) {
		case ScreenshotCompleteEvent:
			shots++
		case RecordingStartedEvent:
			recStarted++
		case RecordingStoppedEvent:
			recStopped++
		}
	}
	if shots != 1 {
		t.Fatalf("screenshot_complete events = %d, want 1", shots)
	}
	if recStarted != 0 || recStopped != 0 {
		t.Fatal("screenshot flow emitted recording events")
	}
}

// blockingBackend holds RequestSelection open until its context is
// cancelled, standing in for a real interactive picker.
type blockingBackend struct {
	*FakeBackend
	entered chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		FakeBackend: NewFakeBackend(),
		entered:     make(chan struct{}),
	}
}

func (b *blockingBackend) RequestSelection(ctx context.Context, _ CaptureConfig) (*SelectionResult, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, fmt.Errorf("%w: picker dismissed", ErrCancelled)
}

func TestCancelDuringSelection(t *testing.T) {
	backend := newBlockingBackend()
	orch := NewOrchestrator(discardLogger(), backend, NewBus(discardLogger()))
	defer orch.Close()

	events, cancel := orch.Events().Subscribe()
	defer cancel()

	type outcome struct {
		state CaptureState
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		state, err := orch.StartCapture(context.Background(), recordingConfig(t))
		done <- outcome{state, err}
	}()

	<-backend.entered
	if orch.State() != StateSelecting {
		t.Fatalf("state = %s, want selecting", orch.State())
	}

	if err := orch.CancelCapture(); err != nil {
		t.Fatalf("CancelCapture: %v", err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StartCapture never returned after cancel")
	}

	if !errors.Is(out.err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", out.err)
	}
	if out.state != StateIdle {
		t.Fatalf("resolved state = %s, want idle", out.state)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state = %s, want idle", orch.State())
	}
	if orch.LastError() != nil {
		t.Fatalf("cancel recorded an error: %v", orch.LastError())
	}

	for _, ev := range drainEvents(events) {
		if _, ok := ev.(ErrorEvent); ok {
			t.Fatal("explicit cancel emitted an error event")
		}
	}
}

func TestOperationRejectedWhileInFlight(t *testing.T) {
	backend := newBlockingBackend()
	orch := NewOrchestrator(discardLogger(), backend, NewBus(discardLogger()))
	defer orch.Close()

	go func() {
		_, _ = orch.StartCapture(context.Background(), recordingConfig(t))
	}()
	<-backend.entered

	_, err := orch.TakeScreenshot(context.Background(), recordingConfig(t))
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CaptureError", err)
	}

	_ = orch.CancelCapture()
	waitForState(t, orch, StateIdle)
}

func TestEncoderUnavailableThenReset(t *testing.T) {
	orch, backend := newTestOrchestrator(t)

	ctx := context.Background()
	if _, err := orch.StartCapture(ctx, recordingConfig(t)); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	backend.FailWith(fmt.Errorf("%w: no h264 encoder", ErrEncoderUnavailable))
	err := orch.StartRecordingVideo(ctx)
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Code != CodeEncoderUnavailable {
		t.Fatalf("err = %v, want encoder_unavailable", err)
	}
	if orch.State() != StateError {
		t.Fatalf("state = %s, want error", orch.State())
	}

	if err := orch.ResetError(); err != nil {
		t.Fatalf("ResetError: %v", err)
	}
	if orch.State() != StateIdle {
		t.Fatalf("state = %s, want idle", orch.State())
	}
}

func TestMidRecordingFaultMovesToError(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	events, cancel := orch.Events().Subscribe()
	defer cancel()

	ctx := context.Background()
	if _, err := orch.StartCapture(ctx, recordingConfig(t)); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := orch.StartRecordingVideo(ctx); err != nil {
		t.Fatalf("StartRecordingVideo: %v", err)
	}

	backend.InjectFault(errors.New("ffmpeg exited unexpectedly"))
	waitForState(t, orch, StateError)

	if ce := orch.LastError(); ce == nil || ce.Code != CodePipelineError {
		t.Fatalf("LastError = %v, want pipeline_error", ce)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range drainEvents(events) {
			if e, ok := ev.(ErrorEvent); ok {
				if e.Err.Code != CodePipelineError {
					t.Fatalf("error event code = %s", e.Err.Code)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no error event after fault")
}

func TestScreenshotTempPath(t *testing.T) {
	a, b := ScreenshotTempPath(), ScreenshotTempPath()
	if a == b {
		t.Fatal("temp paths are not unique")
	}
	if filepath.Ext(a) != ".png" {
		t.Fatalf("ext = %q, want .png", filepath.Ext(a))
	}
	if filepath.Dir(a) != filepath.Clean(os.TempDir()) {
		t.Fatalf("dir = %q, want temp dir", filepath.Dir(a))
	}
}
