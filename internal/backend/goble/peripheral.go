package goble

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/groutine"
	"github.com/srg/blebind/internal/peripheral"
)

// ErrUnknownAttribute is reported for attributes that did not come from this peripheral
var ErrUnknownAttribute = errors.New("unknown attribute")

const (
	defaultATTMTU      = 23
	maxAttributeLength = 512
	attHeaderLength    = 3
)

// gattClient is the part of ble.Client the adapter drives
type gattClient interface {
	Name() string
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	ReadRSSI() int
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Peripheral adapts a blocking go-ble client to the callback model. Commands run in order
// on a per-peripheral worker goroutine, which also delivers their results to the delegate
// bound at that moment.
type Peripheral struct {
	client gattClient
	id     string
	logger *logrus.Logger
	worker *groutine.Queue
	mtu    int

	alive atomic.Bool
	link  peripheral.Link

	mu       sync.RWMutex
	name     string
	delegate peripheral.Delegate
	services []*Service
	svcIndex map[uint16]*Service
	chrIndex map[uint16]*Characteristic
	dscIndex map[uint16]*Descriptor
	handles  *handles
}

var (
	_ peripheral.Peripheral   = (*Peripheral)(nil)
	_ peripheral.DelegateSlot = (*Peripheral)(nil)
	_ peripheral.Validator    = (*Peripheral)(nil)

	_ peripheral.DisconnectNotifier = (*Peripheral)(nil)
)

func newPeripheral(id string, client gattClient, logger *logrus.Logger) *Peripheral {
	p := &Peripheral{
		client:   client,
		id:       id,
		logger:   logger,
		mtu:      defaultATTMTU,
		name:     client.Name(),
		svcIndex: make(map[uint16]*Service),
		chrIndex: make(map[uint16]*Characteristic),
		dscIndex: make(map[uint16]*Descriptor),
		handles:  newHandles(),
	}
	if c, ok := client.(interface{ Conn() ble.Conn }); ok && c.Conn() != nil {
		if mtu := c.Conn().TxMTU(); mtu > 0 {
			p.mtu = mtu
		}
	}
	p.alive.Store(true)
	p.worker = groutine.NewQueue("goble-peripheral-"+id, func(r interface{}) {
		logger.WithFields(logrus.Fields{
			"peripheral": id,
			"panic":      r,
		}).Error("Peripheral worker recovered from panic")
	})
	return p
}

func (p *Peripheral) Identifier() string { return p.id }

func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// Valid reports whether the connection is still up
func (p *Peripheral) Valid() bool { return p.alive.Load() }

func (p *Peripheral) Delegate() peripheral.Delegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

func (p *Peripheral) SetDelegate(d peripheral.Delegate) error {
	if !p.alive.Load() {
		return peripheral.NewBindError(peripheral.InvalidHandle, nil, "peripheral %q is disconnected", p.id)
	}
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
	return nil
}

// Disconnected is closed once the connection is gone
func (p *Peripheral) Disconnected() <-chan struct{} { return p.link.Disconnected() }

// DisconnectCause is nil after a requested disconnect
func (p *Peripheral) DisconnectCause() error { return p.link.DisconnectCause() }

// invalidate marks the handle dead, stops the worker after queued work completes and
// ends the link with cause
func (p *Peripheral) invalidate(cause error) {
	if !p.alive.CompareAndSwap(true, false) {
		return
	}
	p.worker.Close()
	p.link.End(cause)
}

// run queues a blocking client call; done receives the current delegate, or is skipped
// when none is bound
func (p *Peripheral) run(event string, work func() func(d peripheral.Delegate)) {
	if !p.alive.Load() {
		p.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"event":      event,
		}).Debug("Command on disconnected peripheral ignored")
		return
	}
	p.worker.Post(func() {
		done := work()
		if done == nil {
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
		done(d)
	})
}

func (p *Peripheral) Services() []peripheral.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.services == nil {
		return nil
	}
	out := make([]peripheral.Service, len(p.services))
	for i, s := range p.services {
		out[i] = s
	}
	return out
}

func (p *Peripheral) DiscoverServices(uuids []string) {
	filter := parseUUIDs(uuids)
	p.run("did discover services", func() func(peripheral.Delegate) {
		svcs, err := p.client.DiscoverServices(filter)
		if err == nil {
			p.mu.Lock()
			p.services = p.services[:0:0]
			for _, s := range svcs {
				svc := &Service{svc: s, uuid: uuidString(s.UUID), primary: true}
				svc.handle = p.handles.assign(s.Handle)
				p.services = append(p.services, svc)
				p.svcIndex[svc.handle] = svc
			}
			p.mu.Unlock()
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidDiscoverServices(p, err) }
	})
}

func (p *Peripheral) DiscoverCharacteristics(uuids []string, svc peripheral.Service) {
	filter := parseUUIDs(uuids)
	p.run("did discover characteristics", func() func(peripheral.Delegate) {
		s, err := p.service(svc)
		if err == nil {
			var chars []*ble.Characteristic
			chars, err = p.client.DiscoverCharacteristics(filter, s.svc)
			if err == nil {
				p.mu.Lock()
				wrapped := make([]*Characteristic, 0, len(chars))
				for _, c := range chars {
					chr := &Characteristic{chr: c, uuid: uuidString(c.UUID), service: s, value: c.Value}
					chr.handle = p.handles.assign(c.ValueHandle)
					p.chrIndex[chr.handle] = chr
					wrapped = append(wrapped, chr)
				}
				p.mu.Unlock()

				s.mu.Lock()
				s.chars = wrapped
				s.mu.Unlock()
			}
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidDiscoverCharacteristics(p, svc, err) }
	})
}

func (p *Peripheral) DiscoverDescriptors(chr peripheral.Characteristic) {
	p.run("did discover descriptors", func() func(peripheral.Delegate) {
		c, err := p.characteristic(chr)
		if err == nil {
			var descs []*ble.Descriptor
			descs, err = p.client.DiscoverDescriptors(nil, c.chr)
			if err == nil {
				p.mu.Lock()
				wrapped := make([]*Descriptor, 0, len(descs))
				for _, ds := range descs {
					dsc := &Descriptor{dsc: ds, uuid: uuidString(ds.UUID), chr: c, value: ds.Value}
					dsc.handle = p.handles.assign(ds.Handle)
					p.dscIndex[dsc.handle] = dsc
					wrapped = append(wrapped, dsc)
				}
				p.mu.Unlock()

				c.mu.Lock()
				c.descs = wrapped
				c.mu.Unlock()
			}
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidDiscoverDescriptors(p, chr, err) }
	})
}

func (p *Peripheral) ReadCharacteristic(chr peripheral.Characteristic) {
	p.run("did update value for characteristic", func() func(peripheral.Delegate) {
		var value []byte
		c, err := p.characteristic(chr)
		if err == nil {
			value, err = p.client.ReadCharacteristic(c.chr)
			if err == nil {
				c.setValue(value)
			}
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidUpdateValueForCharacteristic(p, chr, value, err) }
	})
}

func (p *Peripheral) ReadDescriptor(dsc peripheral.Descriptor) {
	p.run("did update value for descriptor", func() func(peripheral.Delegate) {
		var value []byte
		ds, err := p.descriptor(dsc)
		if err == nil {
			value, err = p.client.ReadDescriptor(ds.dsc)
			if err == nil {
				ds.setValue(value)
			}
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidUpdateValueForDescriptor(p, dsc, value, err) }
	})
}

func (p *Peripheral) WriteCharacteristic(data []byte, chr peripheral.Characteristic, wt peripheral.WriteType) {
	value := append([]byte{}, data...)
	p.run("did write value for characteristic", func() func(peripheral.Delegate) {
		c, err := p.characteristic(chr)
		if err == nil {
			err = p.client.WriteCharacteristic(c.chr, value, wt == peripheral.WithoutResponse)
		}
		err = NormalizeError(err)
		if wt == peripheral.WithoutResponse {
			if err != nil {
				p.logger.WithFields(logrus.Fields{
					"peripheral": p.id,
					"handle":     fmt.Sprintf("0x%04x", chr.Handle()),
					"error":      err,
				}).Warn("Write without response failed")
			}
			return nil
		}
		return func(d peripheral.Delegate) { d.DidWriteValueForCharacteristic(p, chr, err) }
	})
}

func (p *Peripheral) WriteDescriptor(data []byte, dsc peripheral.Descriptor) {
	value := append([]byte{}, data...)
	p.run("did write value for descriptor", func() func(peripheral.Delegate) {
		ds, err := p.descriptor(dsc)
		if err == nil {
			err = p.client.WriteDescriptor(ds.dsc, value)
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidWriteValueForDescriptor(p, dsc, err) }
	})
}

// SetNotify subscribes through go-ble. Indications are used only when notify is not supported.
func (p *Peripheral) SetNotify(enabled bool, chr peripheral.Characteristic) {
	p.run("did update notification state", func() func(peripheral.Delegate) {
		c, err := p.characteristic(chr)
		if err == nil {
			ind := c.chr.Property&ble.CharNotify == 0 && c.chr.Property&ble.CharIndicate != 0
			if enabled {
				err = p.client.Subscribe(c.chr, ind, func(data []byte) {
					p.notification(c, data)
				})
			} else {
				err = p.client.Unsubscribe(c.chr, ind)
			}
			if err == nil {
				c.setNotifying(enabled)
			}
		}
		err = NormalizeError(err)
		return func(d peripheral.Delegate) { d.DidUpdateNotificationState(p, chr, err) }
	})
}

// notification runs on a go-ble goroutine; delivery is moved onto the worker
func (p *Peripheral) notification(c *Characteristic, data []byte) {
	value := append([]byte{}, data...)
	c.setValue(value)
	p.run("did update value for characteristic", func() func(peripheral.Delegate) {
		return func(d peripheral.Delegate) { d.DidUpdateValueForCharacteristic(p, c, value, nil) }
	})
}

func (p *Peripheral) ReadRSSI() {
	p.run("did read RSSI", func() func(peripheral.Delegate) {
		rssi := p.client.ReadRSSI()
		return func(d peripheral.Delegate) { d.DidReadRSSI(p, rssi, nil) }
	})
}

func (p *Peripheral) MaximumWriteValueLength(wt peripheral.WriteType) int {
	if wt == peripheral.WithResponse {
		return maxAttributeLength
	}
	return p.mtu - attHeaderLength
}

func (p *Peripheral) service(svc peripheral.Service) (*Service, error) {
	if s, ok := svc.(*Service); ok {
		return s, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.svcIndex[svc.Handle()]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: service 0x%04x", ErrUnknownAttribute, svc.Handle())
}

func (p *Peripheral) characteristic(chr peripheral.Characteristic) (*Characteristic, error) {
	if c, ok := chr.(*Characteristic); ok {
		return c, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.chrIndex[chr.Handle()]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
}

func (p *Peripheral) descriptor(dsc peripheral.Descriptor) (*Descriptor, error) {
	if ds, ok := dsc.(*Descriptor); ok {
		return ds, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ds, ok := p.dscIndex[dsc.Handle()]; ok {
		return ds, nil
	}
	return nil, fmt.Errorf("%w: descriptor 0x%04x", ErrUnknownAttribute, dsc.Handle())
}
