// Package bluez is the Linux backend. It talks to the BlueZ daemon over the system D-Bus,
// reads the GATT tree from the object manager, and turns PropertiesChanged signals into
// delegate callbacks.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/groutine"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
)

// Name is the registry name of the BlueZ backend
const Name = "bluez"

// DefaultAdapter is the HCI adapter used when none is configured
const DefaultAdapter = "hci0"

const disconnectTimeout = 10 * time.Second

func init() {
	backend.Register(Name, func(cfg *config.Config, logger *logrus.Logger) (backend.Backend, error) {
		return New(DefaultAdapter, cfg, logger), nil
	})
}

// Backend connects to devices BlueZ already knows about (from a previous scan or pairing)
type Backend struct {
	adapter string
	cfg     *config.Config
	logger  *logrus.Logger
	dial    func() (bus, error)

	mu          sync.Mutex
	bus         bus
	peripherals map[dbus.ObjectPath]*Peripheral
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend for adapter. The system bus is opened on first Connect.
func New(adapter string, cfg *config.Config, logger *logrus.Logger) *Backend {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{
		adapter:     adapter,
		cfg:         cfg,
		logger:      logger,
		dial:        func() (bus, error) { return dialSystemBus() },
		peripherals: make(map[dbus.ObjectPath]*Peripheral),
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) connection() (bus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil {
		return b.bus, nil
	}
	conn, err := b.dial()
	if err != nil {
		return nil, err
	}
	b.bus = conn
	groutine.Go(context.Background(), "bluez-signals", func(context.Context) {
		b.routeSignals(conn.Signals())
	})
	return conn, nil
}

// routeSignals hands every signal to the peripheral whose object subtree it came from
func (b *Backend) routeSignals(signals <-chan *dbus.Signal) {
	for sig := range signals {
		path := sig.Path
		if sig.Name == objectManager+".InterfacesRemoved" && len(sig.Body) > 0 {
			if removed, ok := sig.Body[0].(dbus.ObjectPath); ok {
				path = removed
			}
		}

		b.mu.Lock()
		var target *Peripheral
		for _, p := range b.peripherals {
			if p.owns(path) {
				target = p
				break
			}
		}
		b.mu.Unlock()

		if target != nil {
			target.handleSignal(sig)
		}
	}
}

// Connect asks BlueZ to connect to address and returns the device handle
func (b *Backend) Connect(ctx context.Context, address string) (peripheral.Peripheral, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}

	if _, has := ctx.Deadline(); !has && b.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		defer cancel()
	}

	path := devicePath(b.adapter, address)
	b.logger.WithFields(logrus.Fields{
		"address": address,
		"path":    path,
	}).Info("Connecting to BLE device...")

	if err := conn.Call(ctx, path, deviceInterface+".Connect").Err; err != nil {
		err = normalizeError(err)
		b.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to connect BLE device")
		return nil, fmt.Errorf("failed to connect to device with address \"%s\": %w", address, err)
	}

	var alias dbus.Variant
	name := ""
	if err := conn.Call(ctx, path, propertiesGet, deviceInterface, "Alias").Store(&alias); err == nil {
		name, _ = alias.Value().(string)
	}

	p := newPeripheral(conn, path, address, name, b.logger)
	b.mu.Lock()
	b.peripherals[path] = p
	b.mu.Unlock()

	b.logger.WithField("address", address).Info("BLE device connected successfully")
	return p, nil
}

// Disconnect asks BlueZ to drop the connection and invalidates the handle
func (b *Backend) Disconnect(prph peripheral.Peripheral) error {
	p, ok := prph.(*Peripheral)
	if !ok {
		return fmt.Errorf("not a bluez peripheral: %T", prph)
	}

	b.mu.Lock()
	_, known := b.peripherals[p.path]
	delete(b.peripherals, p.path)
	b.mu.Unlock()
	if !known {
		return nil
	}

	p.invalidate(nil)
	timeout := b.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = disconnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.bus.Call(ctx, p.path, deviceInterface+".Disconnect").Err; err != nil {
		return fmt.Errorf("failed to disconnect: %w", normalizeError(err))
	}
	b.logger.WithField("address", p.id).Info("BLE device disconnected")
	return nil
}

// Close releases the system bus connection
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for path, p := range b.peripherals {
		p.invalidate(fmt.Errorf("%w: backend closed", peripheral.ErrConnectionLost))
		delete(b.peripherals, path)
	}
	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	return err
}
