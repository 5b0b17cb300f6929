package peripheral

import (
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
)

// Binder assigns delegates to peripheral handles.
type Binder interface {
	AssignPeripheralDelegate(delegate interface{}, p Handle) error
}

// DelegateBinder installs a caller-supplied delegate on a peripheral handle through the
// handle's DelegateSlot. It keeps no reference to the handle or the delegate after a call
// returns and performs no locking: callers invoke it on whatever goroutine the owning
// backend requires for mutating peripheral state.
type DelegateBinder struct {
	logger *logrus.Logger
}

// NewDelegateBinder creates a binder that logs through the given logger
func NewDelegateBinder(logger *logrus.Logger) *DelegateBinder {
	if logger == nil {
		logger = logrus.New()
	}
	return &DelegateBinder{logger: logger}
}

var defaultBinder = NewDelegateBinder(nil)

// AssignPeripheralDelegate binds delegate to p using a package-level binder.
// A nil delegate clears the association.
func AssignPeripheralDelegate(delegate interface{}, p Handle) error {
	return defaultBinder.AssignPeripheralDelegate(delegate, p)
}

// Bind is the statically typed form of AssignPeripheralDelegate.
func (b *DelegateBinder) Bind(d Delegate, p Handle) error {
	return b.AssignPeripheralDelegate(d, p)
}

// Clear removes any delegate association from p.
func (b *DelegateBinder) Clear(p Handle) error {
	return b.AssignPeripheralDelegate(nil, p)
}

// AssignPeripheralDelegate binds delegate to p. delegate must implement Delegate or be nil
// to clear the association. A typed nil clears only when its type implements Delegate.
//
// Failures leave p untouched, except for the read-back check, which runs after the
// platform accepted the write:
//   - nil or dead handle: InvalidHandle
//   - delegate without the Delegate method set: TypeMismatch
//   - handle without a settable slot, a failing or panicking setter, or a slot that
//     does not return what was written: UnsupportedPlatformAPI
func (b *DelegateBinder) AssignPeripheralDelegate(delegate interface{}, p Handle) (err error) {
	if isNil(p) {
		return b.fail(NewBindError(InvalidHandle, nil, "peripheral handle is nil"), p, delegate)
	}

	if v, ok := p.(Validator); ok && !v.Valid() {
		return b.fail(NewBindError(InvalidHandle, nil, "peripheral %q is no longer valid", p.Identifier()), p, delegate)
	}

	var d Delegate
	if delegate != nil {
		var ok bool
		if d, ok = delegate.(Delegate); !ok {
			return b.fail(NewBindError(TypeMismatch, nil, "%T does not implement the peripheral delegate callbacks", delegate), p, delegate)
		}
		if isNil(d) {
			d = nil
		}
	}

	slot, ok := p.(DelegateSlot)
	if !ok {
		return b.fail(NewBindError(UnsupportedPlatformAPI, nil, "%T exposes no settable delegate", p), p, delegate)
	}

	if err := setDelegate(slot, d); err != nil {
		return b.fail(err, p, delegate)
	}

	if !sameDelegate(slot.Delegate(), d) {
		return b.fail(NewBindError(UnsupportedPlatformAPI, nil, "peripheral %q did not retain the delegate assignment", p.Identifier()), p, delegate)
	}

	b.logger.WithFields(logrus.Fields{
		"peripheral": p.Identifier(),
		"delegate":   fmt.Sprintf("%T", delegate),
		"cleared":    d == nil,
	}).Debug("Peripheral delegate assigned")

	return nil
}

// setDelegate calls the backend setter and converts errors and panics into BindErrors
func setDelegate(slot DelegateSlot, d Delegate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewBindError(UnsupportedPlatformAPI, fmt.Errorf("panic: %v", r), "delegate setter failed")
		}
	}()

	if serr := slot.SetDelegate(d); serr != nil {
		if berr, ok := serr.(*BindError); ok {
			return berr
		}
		return NewBindError(UnsupportedPlatformAPI, serr, "delegate setter failed")
	}
	return nil
}

func (b *DelegateBinder) fail(err error, p Handle, delegate interface{}) error {
	fields := logrus.Fields{
		"delegate": fmt.Sprintf("%T", delegate),
		"error":    err,
	}
	if !isNil(p) {
		fields["peripheral"] = p.Identifier()
	}
	b.logger.WithFields(fields).Warn("Failed to assign peripheral delegate")
	return err
}

// isNil reports whether v is nil or an interface holding a nil pointer-like value
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// sameDelegate reports whether a and b are the same delegate. Reference kinds compare by
// identity, everything else with reflect.DeepEqual.
func sameDelegate(a, b Delegate) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	default:
		return reflect.DeepEqual(a, b)
	}
}
