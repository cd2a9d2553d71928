package capture

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(discardLogger())
	events, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(StateChangedEvent{State: StateSelecting, Previous: StateIdle})

	ev := <-events
	sc, ok := ev.(StateChangedEvent)
	if !ok {
		t.Fatalf("got %T, want StateChangedEvent", ev)
	}
	if sc.Previous != StateIdle || sc.State != StateSelecting {
		t.Fatalf("change = %s -> %s", sc.Previous, sc.State)
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(discardLogger())
	events, cancel := bus.Subscribe()

	cancel()
	cancel() // second call must be safe

	if _, ok := <-events; ok {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(ProgressEvent{DurationMS: 1000})
}

func TestBusDropsOldestOnOverflow(t *testing.T) {
	bus := NewBus(discardLogger())
	events, cancel := bus.Subscribe()
	defer cancel()

	total := defaultSubscriberQueue + 10
	for i := 0; i < total; i++ {
		bus.Publish(ProgressEvent{DurationMS: uint64(i)})
	}

	var got []uint64
	for {
		select {
		case ev := <-events:
			got = append(got, ev.(ProgressEvent).DurationMS)
			continue
		default:
		}
		break
	}

	if len(got) != defaultSubscriberQueue {
		t.Fatalf("drained %d events, want %d", len(got), defaultSubscriberQueue)
	}
	if got[0] == 0 {
		t.Fatal("oldest event survived an overflow")
	}
	if got[len(got)-1] != uint64(total-1) {
		t.Fatalf("newest event = %d, want %d", got[len(got)-1], total-1)
	}
}

func TestBusDoesNotBlockWithoutReaders(t *testing.T) {
	bus := NewBus(discardLogger())
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSubscriberQueue*3; i++ {
			bus.Publish(ProgressEvent{DurationMS: uint64(i)})
		}
	}()
	<-done
}

func TestEventNames(t *testing.T) {
	cases := map[string]Event{
		"capture:state_changed":       StateChangedEvent{},
		"capture:permission_needed":   PermissionNeededEvent{},
		"capture:progress":            ProgressEvent{},
		"capture:error":               ErrorEvent{},
		"capture:selection_complete":  SelectionCompleteEvent{},
		"capture:screenshot_complete": ScreenshotCompleteEvent{},
		"capture:recording_started":   RecordingStartedEvent{},
		"capture:recording_stopped":   RecordingStoppedEvent{},
	}
	for want, ev := range cases {
		if ev.EventName() != want {
			t.Errorf("%T.EventName() = %q, want %q", ev, ev.EventName(), want)
		}
	}
}
