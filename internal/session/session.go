// Package session handles org.freedesktop.portal.Session objects and the
// handle tokens the portal derives object paths from.
package session

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/b1tank/opensnipping/internal/apis"
	"github.com/b1tank/opensnipping/internal/convert"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closeCallName = interfaceName + ".Close"
)

// Close releases a portal session. The compositor tears down the associated
// stream once the session is gone.
func Close(path dbus.ObjectPath) error {
	return apis.CallOnObject(path, closeCallName)
}

// GenerateToken builds a random session handle token. The portal only
// accepts tokens that are valid dbus path elements.
func GenerateToken() dbus.Variant {
	str := strings.Builder{}
	str.WriteString("opensnipping")
	a, _ := rand.Int(rand.Reader, big.NewInt(1<<16))
	str.WriteString(strconv.FormatUint(a.Uint64(), 16))
	return convert.FromString(str.String())
}
