// Package backend connects platform BLE stacks to the platform-neutral peripheral model.
// Each backend hands out peripherals whose delegate slot can be assigned through
// peripheral.DelegateBinder.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
)

// Backend errors. Platform error messages are normalized to these so callers can match
// them with errors.Is regardless of the stack in use.
var (
	ErrUnknownBackend   = errors.New("unknown backend")
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrNotConnected     = errors.New("device not connected")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrUnsupported      = errors.New("backend not supported on this platform")
)

// Backend connects to peripherals of one platform stack
type Backend interface {
	Name() string
	Connect(ctx context.Context, address string) (peripheral.Peripheral, error)
	Disconnect(p peripheral.Peripheral) error
}

// Factory creates a backend from configuration
type Factory func(cfg *config.Config, logger *logrus.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name, replacing any previous registration
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Names returns the registered backend names, sorted
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the factory registered under name
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	return factory, ok
}

// New creates the backend registered under name
func New(name string, cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, Names())
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return factory(cfg, logger)
}
