// Package request handles org.freedesktop.portal.Request objects: every
// asynchronous portal method hands back a Request path whose Response
// signal carries the actual result.
package request

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/b1tank/opensnipping/internal/apis"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	closeCallName  = interfaceName + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

// Close asks the portal to abort an in-flight request. The portal answers
// the pending Response signal with a cancelled status.
func Close(path dbus.ObjectPath) error {
	return apis.CallOnObject(path, closeCallName)
}

// OnSignalResponse blocks until the Request at path emits its Response
// signal, or ctx is cancelled. On cancellation the request is closed on the
// portal side and ctx's error is returned, so interactive pickers can be
// dismissed programmatically.
func OnSignalResponse(ctx context.Context, path dbus.ObjectPath) (ResponseStatus, map[string]dbus.Variant, error) {
	signal, remove, err := apis.ListenOnSignal(path, interfaceName, responseMember)
	if err != nil {
		return Ended, nil, err
	}
	defer remove()

	select {
	case <-ctx.Done():
		_ = Close(path)
		return Cancelled, nil, ctx.Err()
	case response, ok := <-signal:
		if !ok || len(response.Body) != 2 {
			return Ended, nil, ErrUnexpectedResponse
		}

		status, ok := response.Body[0].(ResponseStatus)
		if !ok {
			return Ended, nil, ErrUnexpectedResponse
		}
		results, ok := response.Body[1].(map[string]dbus.Variant)
		if !ok {
			return Ended, nil, ErrUnexpectedResponse
		}
		return status, results, nil
	}
}
