package capture

import (
	"log/slog"
	"sync"
)

// Event is one outward notification toward the control surface. Delivery is
// one-way: the core never blocks waiting for a consumer.
type Event interface {
	EventName() string
}

// PermissionKind identifies which permission an interactive prompt is about.
type PermissionKind string

const (
	PermissionScreen      PermissionKind = "screen"
	PermissionMicrophone  PermissionKind = "microphone"
	PermissionSystemAudio PermissionKind = "system_audio"
)

type StateChangedEvent struct {
	State    CaptureState `json:"state"`
	Previous CaptureState `json:"previous"`
}

type PermissionNeededEvent struct {
	Kind PermissionKind `json:"kind"`
}

type ProgressEvent struct {
	DurationMS uint64 `json:"duration_ms"`
}

type ErrorEvent struct {
	Err CaptureError `json:"error"`
}

type SelectionCompleteEvent struct {
	Selection SelectionResult `json:"selection"`
}

type ScreenshotCompleteEvent struct {
	Path   string `json:"path"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

type RecordingStartedEvent struct {
	OutputPath string `json:"output_path"`
}

type RecordingStoppedEvent struct {
	Path       string `json:"path"`
	DurationMS uint64 `json:"duration_ms"`
	Width      uint32 `json:"width"`
	Height     uint32 `json:"height"`
}

func (StateChangedEvent) EventName() string       { return "capture:state_changed" }
func (PermissionNeededEvent) EventName() string   { return "capture:permission_needed" }
func (ProgressEvent) EventName() string           { return "capture:progress" }
func (ErrorEvent) EventName() string              { return "capture:error" }
func (SelectionCompleteEvent) EventName() string  { return "capture:selection_complete" }
func (ScreenshotCompleteEvent) EventName() string { return "capture:screenshot_complete" }
func (RecordingStartedEvent) EventName() string   { return "capture:recording_started" }
func (RecordingStoppedEvent) EventName() string   { return "capture:recording_stopped" }

const defaultSubscriberQueue = 64

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: when a subscriber queue is full the oldest event is dropped to
// keep the publish path low-latency.
type Bus struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a consumer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, defaultSubscriberQueue)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: drop oldest so the newest fact wins.
		select {
		case <-sub.ch:
			sub.dropped++
			b.logger.Debug("event queue full, dropped oldest",
				"event", ev.EventName(), "dropped_total", sub.dropped)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}
