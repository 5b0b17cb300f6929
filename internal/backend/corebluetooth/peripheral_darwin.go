//go:build darwin

package corebluetooth

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JuulLabs-OSS/cbgo"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/peripheral"
)

// Peripheral wraps a CBPeripheral. The platform delegate slot is set once, through cbgo's
// official setter, to a forwarding delegate; SetDelegate swaps the target it forwards to.
type Peripheral struct {
	prph   cbgo.Peripheral
	id     string
	logger *logrus.Logger

	services *handleRegistry[cbgo.Service]
	chars    *handleRegistry[cbgo.Characteristic]
	descs    *handleRegistry[cbgo.Descriptor]

	alive atomic.Bool
	link  peripheral.Link

	mu       sync.RWMutex
	delegate peripheral.Delegate
}

var (
	_ peripheral.Peripheral   = (*Peripheral)(nil)
	_ peripheral.DelegateSlot = (*Peripheral)(nil)
	_ peripheral.Validator    = (*Peripheral)(nil)

	_ peripheral.DisconnectNotifier = (*Peripheral)(nil)
)

func newPeripheral(prph cbgo.Peripheral, logger *logrus.Logger) *Peripheral {
	p := &Peripheral{
		prph:     prph,
		id:       prph.Identifier().String(),
		logger:   logger,
		services: newHandleRegistry[cbgo.Service](),
		chars:    newHandleRegistry[cbgo.Characteristic](),
		descs:    newHandleRegistry[cbgo.Descriptor](),
	}
	p.alive.Store(true)
	prph.SetDelegate(&forwarder{p: p})
	return p
}

func (p *Peripheral) Identifier() string { return p.id }
func (p *Peripheral) Name() string       { return p.prph.Name() }
func (p *Peripheral) Valid() bool        { return p.alive.Load() }

func (p *Peripheral) Delegate() peripheral.Delegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

func (p *Peripheral) SetDelegate(d peripheral.Delegate) error {
	if !p.alive.Load() {
		return peripheral.NewBindError(peripheral.InvalidHandle, nil, "peripheral %s is disconnected", p.id)
	}
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
	return nil
}

// Disconnected is closed once CoreBluetooth drops the connection or Disconnect is called
func (p *Peripheral) Disconnected() <-chan struct{} { return p.link.Disconnected() }

// DisconnectCause is nil after a requested disconnect
func (p *Peripheral) DisconnectCause() error { return p.link.DisconnectCause() }

func (p *Peripheral) invalidate(cause error) {
	p.alive.Store(false)
	p.link.End(cause)
}

func (p *Peripheral) wrapService(svc cbgo.Service) *Service {
	return &Service{p: p, svc: svc}
}

func (p *Peripheral) wrapCharacteristic(chr cbgo.Characteristic) *Characteristic {
	return &Characteristic{p: p, chr: chr}
}

func (p *Peripheral) wrapDescriptor(dsc cbgo.Descriptor) *Descriptor {
	return &Descriptor{p: p, dsc: dsc}
}

func (p *Peripheral) Services() []peripheral.Service {
	svcs := p.prph.Services()
	out := make([]peripheral.Service, len(svcs))
	for i, s := range svcs {
		out[i] = p.wrapService(s)
	}
	return out
}

func (p *Peripheral) DiscoverServices(uuids []string) {
	p.prph.DiscoverServices(parseUUIDs(uuids))
}

func (p *Peripheral) DiscoverCharacteristics(uuids []string, svc peripheral.Service) {
	s, err := p.service(svc)
	if err != nil {
		p.reject("discover characteristics", err)
		return
	}
	p.prph.DiscoverCharacteristics(parseUUIDs(uuids), s)
}

func (p *Peripheral) DiscoverDescriptors(chr peripheral.Characteristic) {
	c, err := p.characteristic(chr)
	if err != nil {
		p.reject("discover descriptors", err)
		return
	}
	p.prph.DiscoverDescriptors(c)
}

func (p *Peripheral) ReadCharacteristic(chr peripheral.Characteristic) {
	c, err := p.characteristic(chr)
	if err != nil {
		p.reject("read characteristic", err)
		return
	}
	p.prph.ReadCharacteristic(c)
}

func (p *Peripheral) ReadDescriptor(dsc peripheral.Descriptor) {
	d, err := p.descriptor(dsc)
	if err != nil {
		p.reject("read descriptor", err)
		return
	}
	p.prph.ReadDescriptor(d)
}

func (p *Peripheral) WriteCharacteristic(data []byte, chr peripheral.Characteristic, wt peripheral.WriteType) {
	c, err := p.characteristic(chr)
	if err != nil {
		p.reject("write characteristic", err)
		return
	}
	p.prph.WriteCharacteristic(data, c, wt == peripheral.WithResponse)
}

func (p *Peripheral) WriteDescriptor(data []byte, dsc peripheral.Descriptor) {
	d, err := p.descriptor(dsc)
	if err != nil {
		p.reject("write descriptor", err)
		return
	}
	p.prph.WriteDescriptor(data, d)
}

func (p *Peripheral) SetNotify(enabled bool, chr peripheral.Characteristic) {
	c, err := p.characteristic(chr)
	if err != nil {
		p.reject("set notify", err)
		return
	}
	p.prph.SetNotify(enabled, c)
}

func (p *Peripheral) ReadRSSI() {
	p.prph.ReadRSSI()
}

func (p *Peripheral) MaximumWriteValueLength(wt peripheral.WriteType) int {
	return p.prph.MaximumWriteValueLength(wt == peripheral.WithResponse)
}

// reject logs commands on attributes CoreBluetooth never handed out; the platform would
// raise an exception for them
func (p *Peripheral) reject(op string, err error) {
	p.logger.WithFields(logrus.Fields{
		"peripheral": p.id,
		"op":         op,
		"error":      err,
	}).Error("Command rejected")
}

func (p *Peripheral) service(svc peripheral.Service) (cbgo.Service, error) {
	if s, ok := svc.(*Service); ok {
		return s.svc, nil
	}
	if s, ok := p.services.lookup(svc.Handle()); ok {
		return s, nil
	}
	return cbgo.Service{}, fmt.Errorf("unknown service 0x%04x", svc.Handle())
}

func (p *Peripheral) characteristic(chr peripheral.Characteristic) (cbgo.Characteristic, error) {
	if c, ok := chr.(*Characteristic); ok {
		return c.chr, nil
	}
	if c, ok := p.chars.lookup(chr.Handle()); ok {
		return c, nil
	}
	return cbgo.Characteristic{}, fmt.Errorf("unknown characteristic 0x%04x", chr.Handle())
}

func (p *Peripheral) descriptor(dsc peripheral.Descriptor) (cbgo.Descriptor, error) {
	if d, ok := dsc.(*Descriptor); ok {
		return d.dsc, nil
	}
	if d, ok := p.descs.lookup(dsc.Handle()); ok {
		return d, nil
	}
	return cbgo.Descriptor{}, fmt.Errorf("unknown descriptor 0x%04x", dsc.Handle())
}

// forwarder is the object CoreBluetooth calls back. Each callback is forwarded to the
// delegate bound at delivery time.
type forwarder struct {
	cbgo.PeripheralDelegateBase
	p *Peripheral
}

func (f *forwarder) target() peripheral.Delegate {
	if !f.p.alive.Load() {
		return nil
	}
	return f.p.Delegate()
}

func (f *forwarder) DidDiscoverServices(_ cbgo.Peripheral, err error) {
	if d := f.target(); d != nil {
		d.DidDiscoverServices(f.p, err)
	}
}

func (f *forwarder) DidDiscoverCharacteristics(_ cbgo.Peripheral, svc cbgo.Service, err error) {
	if d := f.target(); d != nil {
		d.DidDiscoverCharacteristics(f.p, f.p.wrapService(svc), err)
	}
}

func (f *forwarder) DidDiscoverDescriptors(_ cbgo.Peripheral, chr cbgo.Characteristic, err error) {
	if d := f.target(); d != nil {
		d.DidDiscoverDescriptors(f.p, f.p.wrapCharacteristic(chr), err)
	}
}

func (f *forwarder) DidUpdateValueForCharacteristic(_ cbgo.Peripheral, chr cbgo.Characteristic, err error) {
	if d := f.target(); d != nil {
		var value []byte
		if err == nil {
			value = chr.Value()
		}
		d.DidUpdateValueForCharacteristic(f.p, f.p.wrapCharacteristic(chr), value, err)
	}
}

func (f *forwarder) DidUpdateValueForDescriptor(_ cbgo.Peripheral, dsc cbgo.Descriptor, err error) {
	if d := f.target(); d != nil {
		var value []byte
		if err == nil {
			value = dsc.Value()
		}
		d.DidUpdateValueForDescriptor(f.p, f.p.wrapDescriptor(dsc), value, err)
	}
}

func (f *forwarder) DidWriteValueForCharacteristic(_ cbgo.Peripheral, chr cbgo.Characteristic, err error) {
	if d := f.target(); d != nil {
		d.DidWriteValueForCharacteristic(f.p, f.p.wrapCharacteristic(chr), err)
	}
}

func (f *forwarder) DidWriteValueForDescriptor(_ cbgo.Peripheral, dsc cbgo.Descriptor, err error) {
	if d := f.target(); d != nil {
		d.DidWriteValueForDescriptor(f.p, f.p.wrapDescriptor(dsc), err)
	}
}

func (f *forwarder) DidUpdateNotificationState(_ cbgo.Peripheral, chr cbgo.Characteristic, err error) {
	if d := f.target(); d != nil {
		d.DidUpdateNotificationState(f.p, f.p.wrapCharacteristic(chr), err)
	}
}

func (f *forwarder) DidReadRSSI(_ cbgo.Peripheral, rssi int, err error) {
	if d := f.target(); d != nil {
		d.DidReadRSSI(f.p, rssi, err)
	}
}

func (f *forwarder) DidUpdateName(_ cbgo.Peripheral) {
	if d := f.target(); d != nil {
		d.DidUpdateName(f.p)
	}
}

func (f *forwarder) DidModifyServices(_ cbgo.Peripheral, invalidated []cbgo.Service) {
	if d := f.target(); d != nil {
		svcs := make([]peripheral.Service, len(invalidated))
		for i, s := range invalidated {
			svcs[i] = f.p.wrapService(s)
		}
		d.DidModifyServices(f.p, svcs)
	}
}

func (f *forwarder) IsReadyToSendWriteWithoutResponse(_ cbgo.Peripheral) {
	if d := f.target(); d != nil {
		d.IsReadyToSendWriteWithoutResponse(f.p)
	}
}
