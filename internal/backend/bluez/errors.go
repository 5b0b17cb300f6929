package bluez

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blebind/internal/backend"
)

// ErrDeviceUnknown is returned when BlueZ has no object for the address; the device must
// be discovered by a scan first
var ErrDeviceUnknown = errors.New("device unknown to bluez")

// normalizeError maps BlueZ D-Bus error names to backend sentinel errors
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var derr dbus.Error
	if !errors.As(err, &derr) {
		var pderr *dbus.Error
		if !errors.As(err, &pderr) {
			return err
		}
		derr = *pderr
	}
	switch derr.Name {
	case "org.bluez.Error.NotReady":
		return fmt.Errorf("%w: %v", backend.ErrBluetoothOff, err)
	case "org.bluez.Error.NotConnected":
		return fmt.Errorf("%w: %v", backend.ErrNotConnected, err)
	case "org.bluez.Error.AlreadyConnected":
		return fmt.Errorf("%w: %v", backend.ErrAlreadyConnected, err)
	case "org.freedesktop.DBus.Error.UnknownObject", "org.freedesktop.DBus.Error.UnknownMethod":
		return fmt.Errorf("%w: %v", ErrDeviceUnknown, err)
	default:
		return err
	}
}
