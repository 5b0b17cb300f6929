package peripheral

import (
	"errors"
	"fmt"
)

// BindFailure represents the specific kind of delegate assignment failure
type BindFailure string

const (
	// InvalidHandle means the peripheral handle is nil or no longer alive in the platform stack
	InvalidHandle BindFailure = "invalid_handle"
	// UnsupportedPlatformAPI means the handle exposes no mutable delegate slot on this platform version
	UnsupportedPlatformAPI BindFailure = "unsupported_platform_api"
	// TypeMismatch means the delegate object does not implement the Delegate capability set
	TypeMismatch BindFailure = "type_mismatch"
)

// BindError is returned when a delegate cannot be assigned to a peripheral.
// All bind errors are recoverable; none are retried by this package.
type BindError struct {
	Kind BindFailure
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *BindError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare BindError values by Kind
func (e *BindError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*BindError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Unwrap returns the underlying cause, if any
func (e *BindError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for bind failures
var (
	ErrInvalidHandle          = &BindError{Kind: InvalidHandle}
	ErrUnsupportedPlatformAPI = &BindError{Kind: UnsupportedPlatformAPI}
	ErrTypeMismatch           = &BindError{Kind: TypeMismatch}
)

// IsBindFailure reports whether err is a BindError of the given kind
func IsBindFailure(err error, kind BindFailure) bool {
	var berr *BindError
	if errors.As(err, &berr) {
		return berr.Kind == kind
	}
	return false
}

// NewBindError creates a BindError. Backends return it from DelegateSlot.SetDelegate to
// report a specific failure kind.
func NewBindError(kind BindFailure, cause error, format string, args ...interface{}) *BindError {
	return &BindError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ErrConnectionLost is the disconnect cause backends report when the platform drops the
// link without being asked to.
var ErrConnectionLost = errors.New("connection lost")
