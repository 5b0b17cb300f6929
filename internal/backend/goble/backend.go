// Package goble is the go-ble backend. It dials peripherals through ble.Device and adapts
// the blocking ble.Client API to delegate callbacks.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/groutine"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
)

// Name is the registry name of the go-ble backend
const Name = "goble"

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

func init() {
	backend.Register(Name, func(cfg *config.Config, logger *logrus.Logger) (backend.Backend, error) {
		return New(cfg, logger), nil
	})
}

// Backend dials peripherals with go-ble
type Backend struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu     sync.Mutex
	device ble.Device
	conns  map[*Peripheral]gattClient
}

var _ backend.Backend = (*Backend)(nil)

// New creates a go-ble backend. The HCI/CoreBluetooth device is opened on first Connect.
func New(cfg *config.Config, logger *logrus.Logger) *Backend {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{cfg: cfg, logger: logger, conns: make(map[*Peripheral]gattClient)}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) openDevice() (ble.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device != nil {
		return b.device, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		b.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	b.device = dev
	return dev, nil
}

// Connect dials address and returns a peripheral whose services are not yet discovered
func (b *Backend) Connect(ctx context.Context, address string) (peripheral.Peripheral, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := b.openDevice()
	if err != nil {
		return nil, err
	}

	connCtx := ctx
	if _, has := ctx.Deadline(); !has && b.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		defer cancel()
	}

	b.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": b.cfg.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address \"%s\": %w", address, NormalizeError(err))
	}

	p := newPeripheral(address, client, b.logger)

	b.mu.Lock()
	b.conns[p] = client
	b.mu.Unlock()

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-disconnect-monitor", func(context.Context) {
			<-dc.Disconnected()
			b.logger.WithField("address", address).Warn("Platform reported disconnection")
			b.forget(p, fmt.Errorf("%w: %s", peripheral.ErrConnectionLost, address))
		})
	} else {
		b.logger.Debug("Client does not support Disconnected() channel")
	}

	b.logger.WithField("address", address).Info("BLE device connected successfully")
	return p, nil
}

// Disconnect cancels the connection and invalidates the peripheral handle
func (b *Backend) Disconnect(prph peripheral.Peripheral) error {
	p, ok := prph.(*Peripheral)
	if !ok {
		return fmt.Errorf("not a go-ble peripheral: %T", prph)
	}

	b.mu.Lock()
	client, ok := b.conns[p]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	b.forget(p, nil)

	if err := client.CancelConnection(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", NormalizeError(err))
	}
	b.logger.WithField("address", p.Identifier()).Info("BLE device disconnected")
	return nil
}

func (b *Backend) forget(p *Peripheral, cause error) {
	p.invalidate(cause)
	b.mu.Lock()
	delete(b.conns, p)
	b.mu.Unlock()
}
