package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "image/png"
)

func TestFakeBackendSelection(t *testing.T) {
	b := NewFakeBackend()

	sel, err := b.RequestSelection(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("RequestSelection: %v", err)
	}
	if sel.NodeID != 42 {
		t.Errorf("node id = %d, want 42", sel.NodeID)
	}
	if sel.Width != 1920 || sel.Height != 1080 {
		t.Errorf("geometry = %dx%d, want 1920x1080", sel.Width, sel.Height)
	}
	if sel.StreamFD >= 0 {
		t.Errorf("stream fd = %d, want negative", sel.StreamFD)
	}
	if b.SelectionCalls() != 1 {
		t.Errorf("selection calls = %d, want 1", b.SelectionCalls())
	}
}

func TestFakeBackendSelectionHonorsCancelledContext(t *testing.T) {
	b := NewFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.RequestSelection(ctx, DefaultConfig())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestFakeBackendScreenshotWritesPlaceholder(t *testing.T) {
	b := NewFakeBackend()
	path := filepath.Join(t.TempDir(), "shot.png")

	sel := &SelectionResult{NodeID: 42, StreamFD: -1, Width: 64, Height: 48}
	result, err := b.CaptureScreenshot(context.Background(), sel, path)
	if err != nil {
		t.Fatalf("CaptureScreenshot: %v", err)
	}
	if result.Path != path || result.Width != 64 || result.Height != 48 {
		t.Fatalf("result = %+v", result)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 64 || bounds.Dy() != 48 {
		t.Fatalf("artifact size = %dx%d", bounds.Dx(), bounds.Dy())
	}

	r, g, bl, _ := img.At(10, 10).RGBA()
	if r>>8 != 100 || g>>8 != 149 || bl>>8 != 237 {
		t.Fatalf("placeholder pixel = (%d,%d,%d), want (100,149,237)", r>>8, g>>8, bl>>8)
	}
}

func TestFakeBackendRecordingRoundTrip(t *testing.T) {
	b := NewFakeBackend()
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "rec.mp4")
	sel := &SelectionResult{NodeID: 42, StreamFD: -1, Width: 1920, Height: 1080}

	if err := b.StartRecording(context.Background(), sel, cfg); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !b.IsRecording() {
		t.Fatal("not recording after start")
	}
	if err := b.StartRecording(context.Background(), sel, cfg); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second start err = %v, want ErrAlreadyRecording", err)
	}

	if err := b.PauseRecording(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := b.PauseRecording(); err != nil {
		t.Fatalf("pause while paused must be idempotent: %v", err)
	}
	if !b.IsPaused() {
		t.Fatal("not paused")
	}
	if err := b.ResumeRecording(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if b.IsPaused() {
		t.Fatal("still paused after resume")
	}

	time.Sleep(10 * time.Millisecond)
	result, err := b.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if result.Path != cfg.OutputPath {
		t.Errorf("path = %q, want %q", result.Path, cfg.OutputPath)
	}
	if result.DurationMS == 0 {
		t.Error("duration = 0, want elapsed wall clock")
	}
	if b.IsRecording() {
		t.Error("still recording after stop")
	}
}

func TestFakeBackendPauseWithoutRecording(t *testing.T) {
	b := NewFakeBackend()
	if err := b.PauseRecording(); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("pause err = %v, want ErrNoRecording", err)
	}
	if err := b.ResumeRecording(); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("resume err = %v, want ErrNoRecording", err)
	}
	if _, err := b.StopRecording(context.Background()); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("stop err = %v, want ErrNoRecording", err)
	}
}

func TestFakeBackendInjectedFailure(t *testing.T) {
	b := NewFakeBackend()
	b.FailWith(fmt.Errorf("%w: user dismissed picker", ErrPermissionDenied))

	if _, err := b.RequestSelection(context.Background(), DefaultConfig()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}

	b.FailWith(nil)
	if _, err := b.RequestSelection(context.Background(), DefaultConfig()); err != nil {
		t.Fatalf("after clearing failure: %v", err)
	}
}

func TestFakeBackendFaultDelivery(t *testing.T) {
	b := NewFakeBackend()
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "rec.mp4")
	sel := &SelectionResult{NodeID: 42, StreamFD: -1}

	if err := b.StartRecording(context.Background(), sel, cfg); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	boom := errors.New("encoder crashed")
	b.InjectFault(boom)

	select {
	case err := <-b.Faults():
		if !errors.Is(err, boom) {
			t.Fatalf("fault = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("fault never delivered")
	}

	if b.IsRecording() {
		t.Fatal("still recording after fault")
	}
}
