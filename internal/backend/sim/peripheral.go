package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/peripheral"
)

// Op names a peripheral command for fault injection
type Op string

const (
	OpDiscoverServices        Op = "discover_services"
	OpDiscoverCharacteristics Op = "discover_characteristics"
	OpDiscoverDescriptors     Op = "discover_descriptors"
	OpReadCharacteristic      Op = "read_characteristic"
	OpReadDescriptor          Op = "read_descriptor"
	OpWriteCharacteristic     Op = "write_characteristic"
	OpWriteDescriptor         Op = "write_descriptor"
	OpSetNotify               Op = "set_notify"
	OpReadRSSI                Op = "read_rssi"
)

var (
	// ErrDropResponse, when injected as a fault, swallows the command: no callback is delivered
	ErrDropResponse = errors.New("response dropped")

	ErrReadNotPermitted   = errors.New("read not permitted")
	ErrWriteNotPermitted  = errors.New("write not permitted")
	ErrNotifyNotSupported = errors.New("characteristic does not support notifications")
	ErrNotSubscribed      = errors.New("characteristic is not notifying")
	ErrUnknownAttribute   = errors.New("unknown attribute")
)

const (
	defaultMTU          = 185
	maxAttributeLength  = 512
	attHeaderLength     = 3
	cccdUUID            = "2902"
	cccdNotifyEnabled   = 0x01
	cccdIndicateEnabled = 0x02
)

// Peripheral is a simulated peripheral handle. Commands are answered asynchronously on the
// stack's event goroutine, and each callback goes to whatever delegate is bound at the
// moment it is delivered.
type Peripheral struct {
	stack  *Stack
	logger *logrus.Logger

	id       string
	mtu      int
	all      []*Service
	chars    map[uint16]*Characteristic
	descs    map[uint16]*Descriptor
	services map[uint16]*Service

	destroyed atomic.Bool

	mu         sync.RWMutex
	name       string
	rssi       int
	delegate   peripheral.Delegate
	discovered []*Service
	faults     map[Op]error
	link       *peripheral.Link
}

var (
	_ peripheral.Peripheral   = (*Peripheral)(nil)
	_ peripheral.DelegateSlot = (*Peripheral)(nil)
	_ peripheral.Validator    = (*Peripheral)(nil)

	_ peripheral.DisconnectNotifier = (*Peripheral)(nil)
)

func newPeripheral(stack *Stack, cfg PeripheralConfig) *Peripheral {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}
	p := &Peripheral{
		stack:    stack,
		logger:   stack.logger,
		id:       cfg.ID,
		name:     cfg.Name,
		rssi:     cfg.RSSI,
		mtu:      mtu,
		all:      buildServices(cfg.Services),
		chars:    make(map[uint16]*Characteristic),
		descs:    make(map[uint16]*Descriptor),
		services: make(map[uint16]*Service),
		faults:   make(map[Op]error),
		link:     &peripheral.Link{},
	}
	for _, svc := range p.all {
		p.services[svc.handle] = svc
		for _, c := range svc.characteristics {
			p.chars[c.handle] = c
			for _, d := range c.descriptors {
				p.descs[d.handle] = d
			}
		}
	}
	return p
}

func (p *Peripheral) Identifier() string { return p.id }

func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// Valid reports whether the peripheral is still known to its stack
func (p *Peripheral) Valid() bool {
	return !p.destroyed.Load()
}

// Disconnected is closed when the current connection ends
func (p *Peripheral) Disconnected() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link.Disconnected()
}

// DisconnectCause returns why the current connection ended
func (p *Peripheral) DisconnectCause() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link.DisconnectCause()
}

// connect starts a new connection unless the current one is still open
func (p *Peripheral) connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.link.Disconnected():
		p.link = &peripheral.Link{}
	default:
	}
}

func (p *Peripheral) endLink(cause error) {
	p.mu.RLock()
	link := p.link
	p.mu.RUnlock()
	link.End(cause)
}

// Delegate returns the currently bound delegate
func (p *Peripheral) Delegate() peripheral.Delegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

// SetDelegate replaces the bound delegate. Nil clears it.
func (p *Peripheral) SetDelegate(d peripheral.Delegate) error {
	if p.destroyed.Load() {
		return peripheral.NewBindError(peripheral.InvalidHandle, nil, "peripheral %q was destroyed", p.id)
	}
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
	return nil
}

// SetFault makes every subsequent op fail with err. A nil err removes the fault;
// ErrDropResponse suppresses the callback instead.
func (p *Peripheral) SetFault(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.faults, op)
		return
	}
	p.faults[op] = err
}

func (p *Peripheral) fault(op Op) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.faults[op]
}

// deliver queues fn for the event goroutine. fn runs only if a delegate is bound at
// delivery time.
func (p *Peripheral) deliver(op Op, event string, fn func(d peripheral.Delegate)) {
	if p.destroyed.Load() {
		p.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"op":         op,
		}).Debug("Command on destroyed peripheral ignored")
		return
	}
	p.stack.post(func() {
		if p.destroyed.Load() {
			return
		}
		d := p.Delegate()
		if d == nil {
			p.logger.WithFields(logrus.Fields{
				"peripheral": p.id,
				"event":      event,
			}).Debug("No delegate bound, event dropped")
			return
		}
		fn(d)
	})
}

// Services returns the services found by the last DiscoverServices
func (p *Peripheral) Services() []peripheral.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.discovered == nil {
		return nil
	}
	out := make([]peripheral.Service, len(p.discovered))
	for i, s := range p.discovered {
		out[i] = s
	}
	return out
}

func (p *Peripheral) DiscoverServices(uuids []string) {
	err := p.fault(OpDiscoverServices)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	p.deliver(OpDiscoverServices, "did discover services", func(d peripheral.Delegate) {
		if err == nil {
			found := make([]*Service, 0, len(p.all))
			for _, svc := range p.all {
				if matchUUID(uuids, svc.uuid) {
					found = append(found, svc)
				}
			}
			p.mu.Lock()
			p.discovered = found
			p.mu.Unlock()
		}
		d.DidDiscoverServices(p, err)
	})
}

func (p *Peripheral) DiscoverCharacteristics(uuids []string, svc peripheral.Service) {
	err := p.fault(OpDiscoverCharacteristics)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	s, ok := p.services[svc.Handle()]
	if err == nil && !ok {
		err = fmt.Errorf("%w: service 0x%04x", ErrUnknownAttribute, svc.Handle())
	}
	p.deliver(OpDiscoverCharacteristics, "did discover characteristics", func(d peripheral.Delegate) {
		if s == nil {
			d.DidDiscoverCharacteristics(p, svc, err)
			return
		}
		d.DidDiscoverCharacteristics(p, s, err)
	})
}

func (p *Peripheral) DiscoverDescriptors(chr peripheral.Characteristic) {
	err := p.fault(OpDiscoverDescriptors)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	if _, ok := p.chars[chr.Handle()]; err == nil && !ok {
		err = fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
	}
	p.deliver(OpDiscoverDescriptors, "did discover descriptors", func(d peripheral.Delegate) {
		d.DidDiscoverDescriptors(p, chr, err)
	})
}

func (p *Peripheral) ReadCharacteristic(chr peripheral.Characteristic) {
	err := p.fault(OpReadCharacteristic)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	c, ok := p.chars[chr.Handle()]
	switch {
	case err != nil:
	case !ok:
		err = fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
	case !c.props.Has(peripheral.PropRead):
		err = ErrReadNotPermitted
	}
	p.deliver(OpReadCharacteristic, "did update value for characteristic", func(d peripheral.Delegate) {
		if err != nil {
			d.DidUpdateValueForCharacteristic(p, chr, nil, err)
			return
		}
		d.DidUpdateValueForCharacteristic(p, c, c.Value(), nil)
	})
}

func (p *Peripheral) ReadDescriptor(dsc peripheral.Descriptor) {
	err := p.fault(OpReadDescriptor)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	ds, ok := p.descs[dsc.Handle()]
	if err == nil && !ok {
		err = fmt.Errorf("%w: descriptor 0x%04x", ErrUnknownAttribute, dsc.Handle())
	}
	p.deliver(OpReadDescriptor, "did update value for descriptor", func(d peripheral.Delegate) {
		if err != nil {
			d.DidUpdateValueForDescriptor(p, dsc, nil, err)
			return
		}
		d.DidUpdateValueForDescriptor(p, ds, ds.Value(), nil)
	})
}

// WriteCharacteristic stores data. Writes without response get no completion callback.
func (p *Peripheral) WriteCharacteristic(data []byte, chr peripheral.Characteristic, wt peripheral.WriteType) {
	err := p.fault(OpWriteCharacteristic)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	c, ok := p.chars[chr.Handle()]
	required := peripheral.PropWrite
	if wt == peripheral.WithoutResponse {
		required = peripheral.PropWriteWithoutResponse
	}
	switch {
	case err != nil:
	case !ok:
		err = fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
	case !c.props.Has(required):
		err = ErrWriteNotPermitted
	case len(data) > p.MaximumWriteValueLength(wt):
		err = fmt.Errorf("value length %d exceeds maximum %d", len(data), p.MaximumWriteValueLength(wt))
	default:
		c.setValue(data)
	}

	if wt == peripheral.WithoutResponse {
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"peripheral": p.id,
				"handle":     fmt.Sprintf("0x%04x", chr.Handle()),
				"error":      err,
			}).Debug("Write without response failed")
		}
		return
	}
	p.deliver(OpWriteCharacteristic, "did write value for characteristic", func(d peripheral.Delegate) {
		d.DidWriteValueForCharacteristic(p, chr, err)
	})
}

func (p *Peripheral) WriteDescriptor(data []byte, dsc peripheral.Descriptor) {
	err := p.fault(OpWriteDescriptor)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	ds, ok := p.descs[dsc.Handle()]
	switch {
	case err != nil:
	case !ok:
		err = fmt.Errorf("%w: descriptor 0x%04x", ErrUnknownAttribute, dsc.Handle())
	case ds.uuid == cccdUUID:
		// client configuration must go through SetNotify
		err = ErrWriteNotPermitted
	default:
		ds.setValue(data)
	}
	p.deliver(OpWriteDescriptor, "did write value for descriptor", func(d peripheral.Delegate) {
		d.DidWriteValueForDescriptor(p, dsc, err)
	})
}

func (p *Peripheral) SetNotify(enabled bool, chr peripheral.Characteristic) {
	err := p.fault(OpSetNotify)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	c, ok := p.chars[chr.Handle()]
	switch {
	case err != nil:
	case !ok:
		err = fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
	case !c.props.CanSubscribe():
		err = ErrNotifyNotSupported
	default:
		c.setNotifying(enabled)
		cccd := []byte{0x00, 0x00}
		if enabled {
			cccd[0] = cccdNotifyEnabled
			if !c.props.Has(peripheral.PropNotify) {
				cccd[0] = cccdIndicateEnabled
			}
		}
		for _, ds := range c.descriptors {
			if ds.uuid == cccdUUID {
				ds.setValue(cccd)
			}
		}
	}
	p.deliver(OpSetNotify, "did update notification state", func(d peripheral.Delegate) {
		d.DidUpdateNotificationState(p, chr, err)
	})
}

func (p *Peripheral) ReadRSSI() {
	err := p.fault(OpReadRSSI)
	if errors.Is(err, ErrDropResponse) {
		return
	}
	p.deliver(OpReadRSSI, "did read RSSI", func(d peripheral.Delegate) {
		p.mu.RLock()
		rssi := p.rssi
		p.mu.RUnlock()
		if err != nil {
			rssi = 0
		}
		d.DidReadRSSI(p, rssi, err)
	})
}

// MaximumWriteValueLength mirrors ATT limits: MTU minus the 3-byte header without response,
// the attribute maximum with response.
func (p *Peripheral) MaximumWriteValueLength(wt peripheral.WriteType) int {
	if wt == peripheral.WithResponse {
		return maxAttributeLength
	}
	return p.mtu - attHeaderLength
}

// ----------------------------
// Device-side controls
// ----------------------------

// Characteristic returns the first characteristic with the given UUID, nil if none
func (p *Peripheral) Characteristic(uuid string) *Characteristic {
	uuid = peripheral.NormalizeUUID(uuid)
	for _, svc := range p.all {
		for _, c := range svc.characteristics {
			if c.uuid == uuid {
				return c
			}
		}
	}
	return nil
}

// Notify pushes a value update for a subscribed characteristic
func (p *Peripheral) Notify(uuid string, data []byte) error {
	c := p.Characteristic(uuid)
	if c == nil {
		return fmt.Errorf("%w: characteristic %s", ErrUnknownAttribute, uuid)
	}
	if !c.Notifying() {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, uuid)
	}
	value := append([]byte{}, data...)
	c.setValue(value)
	p.deliver("notify", "did update value for characteristic", func(d peripheral.Delegate) {
		d.DidUpdateValueForCharacteristic(p, c, value, nil)
	})
	return nil
}

// SetName renames the device and reports the change
func (p *Peripheral) SetName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	p.deliver("set_name", "did update name", func(d peripheral.Delegate) {
		d.DidUpdateName(p)
	})
}

// SetRSSI changes the value reported by ReadRSSI
func (p *Peripheral) SetRSSI(rssi int) {
	p.mu.Lock()
	p.rssi = rssi
	p.mu.Unlock()
}

// InvalidateServices drops the given services from the discovered set and reports them
// as modified, the way a service-changed indication would
func (p *Peripheral) InvalidateServices(uuids ...string) {
	uuids = peripheral.NormalizeUUIDs(uuids)

	p.mu.Lock()
	var invalidated []peripheral.Service
	kept := p.discovered[:0:0]
	for _, svc := range p.discovered {
		if matchUUID(uuids, svc.uuid) {
			invalidated = append(invalidated, svc)
			continue
		}
		kept = append(kept, svc)
	}
	p.discovered = kept
	p.mu.Unlock()

	p.deliver("invalidate_services", "did modify services", func(d peripheral.Delegate) {
		d.DidModifyServices(p, invalidated)
	})
}

// matchUUID reports whether uuid is in filter. An empty filter matches everything.
func matchUUID(filter []string, uuid string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == uuid {
			return true
		}
	}
	return false
}
