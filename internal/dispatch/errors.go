package dispatch

import (
	"errors"
	"fmt"
)

// Dispatcher errors
var (
	// ErrRequestPending is returned when a request of the same kind is already outstanding for an attribute
	ErrRequestPending = errors.New("request already pending")
	// ErrNotifyStarted is returned when notifications are started twice for one characteristic
	ErrNotifyStarted = errors.New("characteristic notifications already started")
	// ErrNotifyNotStarted is returned when stopping notifications that were never started
	ErrNotifyNotStarted = errors.New("characteristic notifications never started")
	// ErrDisconnected fails every request still pending when the dispatcher is closed
	ErrDisconnected = errors.New("peripheral disconnected")
)

// OperationError wraps an error reported by the platform for a single GATT operation.
// Handle is zero for peripheral-wide operations such as service discovery.
type OperationError struct {
	Op     string
	Handle uint16
	Err    error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e.Handle == 0 {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s 0x%04x: %v", e.Op, e.Handle, e.Err)
}

// Unwrap returns the platform error
func (e *OperationError) Unwrap() error {
	return e.Err
}
