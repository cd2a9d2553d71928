// Package apis holds the low-level dbus plumbing for talking to
// xdg-desktop-portal: method calls on the desktop portal object, property
// reads, and signal subscriptions.
package apis

import (
	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

// Call invokes a method on the portal desktop object and stores its single
// return value.
func Call(callName string, args ...any) (any, error) {
	call, err := callOnObject(ObjectPath, callName, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = call.Store(&result)
	return result, err
}

// CallOnObject invokes a method on an arbitrary portal-owned object path,
// discarding the result. Used for Request.Close and Session.Close.
func CallOnObject(path dbus.ObjectPath, callName string, args ...any) error {
	_, err := callOnObject(path, callName, args...)
	return err
}

func callOnObject(path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(ObjectName, path)
	call := obj.Call(callName, 0, args...)
	return call, call.Err
}

// GetProperty reads one property from the portal desktop object.
func GetProperty(interfaceName, property string) (any, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(ObjectName, ObjectPath)
	call := obj.Call(PropertiesGetName, 0, interfaceName, property)
	if call.Err != nil {
		return nil, call.Err
	}

	var value any
	err = call.Store(&value)
	return value, err
}

// ListenOnSignal subscribes to one signal on the given object path. The
// returned remove func must be called when the caller is done; it detaches
// the match rule and the channel.
func ListenOnSignal(path dbus.ObjectPath, iface, signalName string) (chan *dbus.Signal, func(), error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		path = ObjectPath
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(signalName),
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, err
	}

	signal := make(chan *dbus.Signal, 1)
	conn.Signal(signal)

	remove := func() {
		_ = conn.RemoveMatchSignal(opts...)
		conn.RemoveSignal(signal)
	}
	return signal, remove, nil
}
