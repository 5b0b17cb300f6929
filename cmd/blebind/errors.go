package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/dispatch"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/client"
)

// FormatUserError turns errors into messages for the terminal
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case peripheral.IsBindFailure(err, peripheral.InvalidHandle):
		return fmt.Sprintf("the device handle is no longer valid, reconnect and try again (%v)", err)
	case peripheral.IsBindFailure(err, peripheral.UnsupportedPlatformAPI):
		return fmt.Sprintf("this backend cannot attach a delegate to the device (%v)", err)
	case peripheral.IsBindFailure(err, peripheral.TypeMismatch):
		return fmt.Sprintf("internal error: %v", err)
	case errors.Is(err, backend.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable"
	case errors.Is(err, backend.ErrUnsupported):
		return fmt.Sprintf("%v (try --backend sim)", err)
	case errors.Is(err, client.ErrAmbiguous):
		return fmt.Sprintf("%v; select one by handle, e.g. @0x000c", err)
	case errors.Is(err, peripheral.ErrConnectionLost),
		errors.Is(err, dispatch.ErrDisconnected),
		errors.Is(err, backend.ErrNotConnected):
		return fmt.Sprintf("device disconnected: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("operation timed out: %v", err)
	default:
		return err.Error()
	}
}
