//go:build darwin

package corebluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JuulLabs-OSS/cbgo"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
)

func init() {
	backend.Register(Name, func(cfg *config.Config, logger *logrus.Logger) (backend.Backend, error) {
		return New(cfg, logger), nil
	})
}

// Backend connects through a CBCentralManager. Peripherals are found by scanning and
// matched on their CoreBluetooth identifier or advertised local name.
type Backend struct {
	cbgo.CentralManagerDelegateBase

	cfg    *config.Config
	logger *logrus.Logger

	once sync.Once
	cm   cbgo.CentralManager

	mu        sync.Mutex
	poweredOn chan struct{}
	found     map[string]chan cbgo.Peripheral
	pending   map[string]chan error
	conns     map[string]*Peripheral
}

var _ backend.Backend = (*Backend)(nil)

// New creates a CoreBluetooth backend. The central manager is created on first Connect.
func New(cfg *config.Config, logger *logrus.Logger) *Backend {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{
		cfg:       cfg,
		logger:    logger,
		poweredOn: make(chan struct{}),
		found:     make(map[string]chan cbgo.Peripheral),
		pending:   make(map[string]chan error),
		conns:     make(map[string]*Peripheral),
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) manager() cbgo.CentralManager {
	b.once.Do(func() {
		b.cm = cbgo.NewCentralManager(nil)
		b.cm.SetDelegate(b)
	})
	return b.cm
}

// Connect scans for address, connects and returns the peripheral
func (b *Backend) Connect(ctx context.Context, address string) (peripheral.Peripheral, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	if _, has := ctx.Deadline(); !has && b.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		defer cancel()
	}

	cm := b.manager()
	select {
	case <-b.poweredOn:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", backend.ErrBluetoothOff, ctx.Err())
	}

	key := strings.ToLower(address)
	foundCh := make(chan cbgo.Peripheral, 1)
	b.mu.Lock()
	b.found[key] = foundCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.found, key)
		b.mu.Unlock()
	}()

	b.logger.WithField("address", address).Info("Scanning for BLE device...")
	cm.Scan(nil, &cbgo.CentralManagerScanOpts{AllowDuplicates: false})

	var prph cbgo.Peripheral
	select {
	case prph = <-foundCh:
		cm.StopScan()
	case <-ctx.Done():
		cm.StopScan()
		return nil, fmt.Errorf("device %q not found: %w", address, ctx.Err())
	}

	id := prph.Identifier().String()
	done := make(chan error, 1)
	b.mu.Lock()
	b.pending[id] = done
	b.mu.Unlock()

	cm.Connect(prph, nil)

	select {
	case err := <-done:
		if err != nil {
			b.logger.WithFields(logrus.Fields{"address": address, "error": err}).Error("Failed to connect")
			return nil, fmt.Errorf("failed to connect to device with address \"%s\": %w", address, err)
		}
	case <-ctx.Done():
		cm.CancelConnect(prph)
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to connect to device with address \"%s\": %w", address, ctx.Err())
	}

	p := newPeripheral(prph, b.logger)
	b.mu.Lock()
	b.conns[id] = p
	b.mu.Unlock()

	b.logger.WithField("address", address).Info("BLE device connected successfully")
	return p, nil
}

// Disconnect cancels the connection and invalidates the handle
func (b *Backend) Disconnect(prph peripheral.Peripheral) error {
	p, ok := prph.(*Peripheral)
	if !ok {
		return fmt.Errorf("not a CoreBluetooth peripheral: %T", prph)
	}
	b.mu.Lock()
	_, ok = b.conns[p.id]
	delete(b.conns, p.id)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	p.invalidate(nil)
	b.manager().CancelConnect(p.prph)
	return nil
}

func (b *Backend) CentralManagerDidUpdateState(cmgr cbgo.CentralManager) {
	state := cmgr.State()
	b.logger.WithField("state", state).Debug("Central manager state changed")
	if state == cbgo.ManagerStatePoweredOn {
		b.mu.Lock()
		select {
		case <-b.poweredOn:
		default:
			close(b.poweredOn)
		}
		b.mu.Unlock()
	}
}

func (b *Backend) DidDiscoverPeripheral(_ cbgo.CentralManager, prph cbgo.Peripheral, adv cbgo.AdvFields, rssi int) {
	id := strings.ToLower(prph.Identifier().String())
	name := strings.ToLower(adv.LocalName)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{id, name} {
		if ch, ok := b.found[key]; ok && key != "" {
			select {
			case ch <- prph:
			default:
			}
			return
		}
	}
}

func (b *Backend) DidConnectPeripheral(_ cbgo.CentralManager, prph cbgo.Peripheral) {
	b.complete(prph.Identifier().String(), nil)
}

func (b *Backend) DidFailToConnectPeripheral(_ cbgo.CentralManager, prph cbgo.Peripheral, err error) {
	if err == nil {
		err = backend.ErrNotConnected
	}
	b.complete(prph.Identifier().String(), err)
}

func (b *Backend) DidDisconnectPeripheral(_ cbgo.CentralManager, prph cbgo.Peripheral, err error) {
	id := prph.Identifier().String()
	b.mu.Lock()
	p, ok := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()
	if ok {
		cause := peripheral.ErrConnectionLost
		if err != nil {
			cause = fmt.Errorf("%w: %w", peripheral.ErrConnectionLost, err)
		}
		p.invalidate(cause)
		b.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Platform reported disconnection")
	}
}

func (b *Backend) complete(id string, err error) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		ch <- err
	}
}
