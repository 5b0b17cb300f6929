//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blebind/internal/backend"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble on %s", backend.ErrUnsupported, runtime.GOOS)
}
