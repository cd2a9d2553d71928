package capture

import (
	"fmt"
	"sync"
)

// CaptureState is the lifecycle state of the single capture session. Exactly
// one StateMachine exists per running application and it is the sole
// authority on which operations are currently legal.
type CaptureState string

const (
	StateIdle       CaptureState = "idle"
	StateSelecting  CaptureState = "selecting"
	StateRecording  CaptureState = "recording"
	StatePaused     CaptureState = "paused"
	StateFinalizing CaptureState = "finalizing"
	StateError      CaptureState = "error"
)

// ErrorCode tags a CaptureError with its failure class.
type ErrorCode string

const (
	CodePermissionDenied   ErrorCode = "permission_denied"
	CodePortalError        ErrorCode = "portal_error"
	CodeEncoderUnavailable ErrorCode = "encoder_unavailable"
	CodePipelineError      ErrorCode = "pipeline_error"
	CodeIOError            ErrorCode = "io_error"
	CodeInvalidConfig      ErrorCode = "invalid_config"
	CodeUnknown            ErrorCode = "unknown"
)

// CaptureError is created at the failure site and propagated unchanged to
// the state machine and then to the external boundary.
type CaptureError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransitionError reports a rejected state transition. The state machine is
// left unchanged when one is returned.
type TransitionError struct {
	From CaptureState
	To   CaptureState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Change describes one accepted transition. Previous == State means the
// request was a same-state no-op and no notification should be emitted.
type Change struct {
	Previous CaptureState
	State    CaptureState
}

// NoOp reports whether the transition left the state unchanged.
func (c Change) NoOp() bool { return c.Previous == c.State }

// StateMachine validates and performs capture lifecycle transitions. It is
// safe for concurrent use; callers must not hold its lock across blocking
// backend operations (they cannot, the lock is internal).
type StateMachine struct {
	mu        sync.Mutex
	state     CaptureState
	lastError *CaptureError
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// State returns the current state.
func (m *StateMachine) State() CaptureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error recorded by the most recent SetError, or nil
// once a transition out of the error state has cleared it.
func (m *StateMachine) LastError() *CaptureError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// validTransition holds every legal (from, to) pair. Same-state requests are
// accepted as no-ops without consulting the table.
var validTransition = map[CaptureState][]CaptureState{
	StateIdle:       {StateSelecting, StateError},
	StateSelecting:  {StateRecording, StateIdle, StateError},
	StateRecording:  {StatePaused, StateFinalizing, StateError},
	StatePaused:     {StateRecording, StateFinalizing, StateError},
	StateFinalizing: {StateIdle, StateError},
	StateError:      {StateIdle},
}

func (m *StateMachine) transition(to CaptureState) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from != to {
		ok := false
		for _, next := range validTransition[from] {
			if next == to {
				ok = true
				break
			}
		}
		if !ok {
			return Change{Previous: from, State: from}, &TransitionError{From: from, To: to}
		}
	}

	m.state = to
	if to != StateError {
		m.lastError = nil
	}
	return Change{Previous: from, State: to}, nil
}

// StartSelecting begins a capture request (Idle -> Selecting).
func (m *StateMachine) StartSelecting() (Change, error) {
	return m.transition(StateSelecting)
}

// CancelSelection resolves an explicit cancel back to Idle.
func (m *StateMachine) CancelSelection() (Change, error) {
	return m.transition(StateIdle)
}

// BeginRecording follows a successful selection (Selecting -> Recording).
func (m *StateMachine) BeginRecording() (Change, error) {
	return m.transition(StateRecording)
}

// Pause suspends an active recording (Recording -> Paused).
func (m *StateMachine) Pause() (Change, error) {
	return m.transition(StatePaused)
}

// Resume restarts a paused recording (Paused -> Recording).
func (m *StateMachine) Resume() (Change, error) {
	return m.transition(StateRecording)
}

// Stop begins finalization (Recording/Paused -> Finalizing).
func (m *StateMachine) Stop() (Change, error) {
	return m.transition(StateFinalizing)
}

// FinalizeComplete returns to Idle once the artifact is written.
func (m *StateMachine) FinalizeComplete() (Change, error) {
	return m.transition(StateIdle)
}

// Reset recovers from the error state (Error -> Idle).
func (m *StateMachine) Reset() (Change, error) {
	return m.transition(StateIdle)
}

// SetError forces the machine into the error state from anywhere and records
// the error. It never fails.
func (m *StateMachine) SetError(err *CaptureError) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = StateError
	m.lastError = err
	return Change{Previous: from, State: StateError}
}
