// Package peripheral defines the platform-neutral view of a remote BLE peripheral
// and the binder that attaches a callback delegate to it.
//
// The package provides:
//   - The Peripheral command surface shared by every backend
//   - The Delegate capability set receiving asynchronous platform callbacks
//   - DelegateBinder, which installs a delegate on a handle exposing a settable slot
//   - Structured bind errors (invalid handle, unsupported platform API, type mismatch)
//   - UUID and characteristic property helpers
package peripheral
