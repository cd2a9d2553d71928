// Package portal negotiates screen capture sessions with the desktop's
// permission broker via the org.freedesktop.portal.ScreenCast interface.
// Session creation, source selection and the interactive Start call are all
// asynchronous portal requests; each blocks until the corresponding
// Response signal arrives or the context is cancelled.
package portal

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/b1tank/opensnipping/internal/apis"
	"github.com/b1tank/opensnipping/internal/convert"
	"github.com/b1tank/opensnipping/internal/request"
	"github.com/b1tank/opensnipping/internal/session"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

// ErrCancelled is returned when the user dismisses the picker or the
// request is cancelled portal-side.
var ErrCancelled = errors.New("portal request was cancelled")

func getUint32Property(property string) (uint32, error) {
	value, err := apis.GetProperty(interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func GetAvailableSourceTypes() (uint32, error) {
	return getUint32Property("AvailableSourceTypes")
}

func GetAvailableCursorModes() (uint32, error) {
	return getUint32Property("AvailableCursorModes")
}

func GetVersion() (uint32, error) {
	return getUint32Property("version")
}

// Stream is one granted capture stream as reported by the Start response.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// Session is one live screencast portal session.
type Session struct {
	Path dbus.ObjectPath
}

type SelectSourcesOptions struct {
	Types      uint32
	Multiple   bool
	CursorMode uint32
	// RestoreToken re-acquires a previously granted session without
	// prompting. A stale token is ignored by the portal, which then falls
	// back to the interactive picker.
	RestoreToken string
	PersistMode  uint32
}

// StartResult carries the granted streams plus the restore token issued
// when a persist mode was requested.
type StartResult struct {
	Streams      []Stream
	RestoreToken string
}

// CreateSession opens a new screencast session.
func CreateSession(ctx context.Context) (*Session, error) {
	data := map[string]dbus.Variant{
		"session_handle_token": session.GenerateToken(),
	}

	result, err := apis.Call(createSessionName, data)
	if err != nil {
		return nil, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("CreateSession returned unexpected type %T", result)
	}

	status, results, err := request.OnSignalResponse(ctx, requestPath)
	if err != nil {
		return nil, err
	} else if status >= request.Cancelled {
		return nil, ErrCancelled
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	sessionPath, ok := sessionHandle.Value().(string)
	if !ok {
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", sessionHandle.Value())
	}
	return &Session{Path: dbus.ObjectPath(sessionPath)}, nil
}

// SelectSources declares what the session wants to capture. With a monitor
// or window type this primes the picker shown by Start.
func (s *Session) SelectSources(ctx context.Context, options *SelectSourcesOptions) error {
	data := map[string]dbus.Variant{}
	if options != nil {
		if options.Types != 0 {
			data["types"] = convert.FromUint32(options.Types)
		}
		if options.Multiple {
			data["multiple"] = convert.FromBool(options.Multiple)
		}
		if options.CursorMode != 0 {
			data["cursor_mode"] = convert.FromUint32(options.CursorMode)
		}
		if options.RestoreToken != "" {
			data["restore_token"] = convert.FromString(options.RestoreToken)
		}
		if options.PersistMode != 0 {
			data["persist_mode"] = convert.FromUint32(options.PersistMode)
		}
	}

	result, err := apis.Call(selectSourcesName, s.Path, data)
	if err != nil {
		return err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return fmt.Errorf("SelectSources returned unexpected type %T", result)
	}

	status, _, err := request.OnSignalResponse(ctx, requestPath)
	if err != nil {
		return err
	} else if status >= request.Cancelled {
		return ErrCancelled
	}

	return nil
}

// Start shows the interactive picker and blocks until the user resolves it.
func (s *Session) Start(ctx context.Context, parentWindow string) (*StartResult, error) {
	data := map[string]dbus.Variant{}

	result, err := apis.Call(startName, s.Path, parentWindow, data)
	if err != nil {
		return nil, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("Start returned unexpected type %T", result)
	}

	status, results, err := request.OnSignalResponse(ctx, requestPath)
	if err != nil {
		return nil, err
	} else if status >= request.Cancelled {
		return nil, ErrCancelled
	}

	out := &StartResult{}

	if token, ok := results["restore_token"]; ok {
		if t, ok := token.Value().(string); ok {
			out.RestoreToken = t
		}
	}

	streamVariant, ok := results["streams"]
	if !ok {
		return out, nil
	}

	var rawStreams [][]any
	if rs, ok := streamVariant.Value().([][]any); ok {
		rawStreams = rs
	} else if rs, ok := streamVariant.Value().([]any); ok {
		rawStreams = make([][]any, len(rs))
		for i, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams[i] = s
			}
		}
	} else {
		return out, nil
	}

	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}

		if nodeID, ok := streamSlice[0].(uint32); ok {
			stream.NodeID = nodeID
		}

		if props, ok := streamSlice[1].(map[string]dbus.Variant); ok {
			if pos, ok := props["position"]; ok {
				if position, ok := parseInt32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := parseInt32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if sourceType, ok := props["source_type"]; ok {
				if parsedType, ok := sourceType.Value().(uint32); ok {
					stream.SourceType = parsedType
				}
			}
			if mappingID, ok := props["mapping_id"]; ok {
				if parsedID, ok := mappingID.Value().(string); ok {
					stream.MappingID = parsedID
				}
			}
			if id, ok := props["id"]; ok {
				if parsedID, ok := id.Value().(string); ok {
					stream.ID = parsedID
				}
			}
		}

		out.Streams = append(out.Streams, stream)
	}

	return out, nil
}

// OpenPipeWireRemote returns a file descriptor connected to the PipeWire
// daemon with access scoped to this session's streams.
func (s *Session) OpenPipeWireRemote() (int, error) {
	data := map[string]dbus.Variant{}

	conn, err := dbus.SessionBus()
	if err != nil {
		return -1, err
	}

	obj := conn.Object(apis.ObjectName, apis.ObjectPath)
	call := obj.Call(openPipeWireRemote, 0, s.Path, data)
	if call.Err != nil {
		return -1, call.Err
	}

	var fd int
	err = call.Store(&fd)
	return fd, err
}

// OpenPipeWireRemoteFile wraps the remote fd in an *os.File so it is closed
// by the runtime if the caller leaks it.
func (s *Session) OpenPipeWireRemoteFile() (*os.File, error) {
	fd, err := s.OpenPipeWireRemote()
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "pipewire"), nil
}

// Close releases the session and its streams.
func (s *Session) Close() error {
	return session.Close(s.Path)
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}
