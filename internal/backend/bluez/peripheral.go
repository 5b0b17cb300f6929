package bluez

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/groutine"
	"github.com/srg/blebind/internal/peripheral"
)

// ErrUnknownAttribute is reported for attributes that did not come from this peripheral
var ErrUnknownAttribute = errors.New("unknown attribute")

const (
	defaultATTMTU         = 23
	maxAttributeLength    = 512
	attHeaderLength       = 3
	servicesResolvedWait  = 10 * time.Second
	servicesResolvedPoll  = 20 * time.Millisecond
	propertiesGet         = propertiesInterface + ".Get"
	getManagedObjectsCall = objectManager + ".GetManagedObjects"
)

// Peripheral is a connected BlueZ device. D-Bus calls and signal handling run on a
// per-device worker, which delivers results to the delegate bound at that moment.
type Peripheral struct {
	bus    bus
	path   dbus.ObjectPath
	id     string
	logger *logrus.Logger
	worker *groutine.Queue

	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool
	link   peripheral.Link

	mu         sync.RWMutex
	name       string
	mtu        int
	delegate   peripheral.Delegate
	discovered []*Service
	chars      map[dbus.ObjectPath]*Characteristic
	echo       map[dbus.ObjectPath][]byte
}

var (
	_ peripheral.Peripheral   = (*Peripheral)(nil)
	_ peripheral.DelegateSlot = (*Peripheral)(nil)
	_ peripheral.Validator    = (*Peripheral)(nil)

	_ peripheral.DisconnectNotifier = (*Peripheral)(nil)
)

func newPeripheral(b bus, path dbus.ObjectPath, id, name string, logger *logrus.Logger) *Peripheral {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peripheral{
		bus:    b,
		path:   path,
		id:     id,
		name:   name,
		mtu:    defaultATTMTU,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		chars:  make(map[dbus.ObjectPath]*Characteristic),
		echo:   make(map[dbus.ObjectPath][]byte),
	}
	p.alive.Store(true)
	p.worker = groutine.NewQueue("bluez-peripheral-"+id, func(r interface{}) {
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

func (p *Peripheral) Valid() bool { return p.alive.Load() }

func (p *Peripheral) Delegate() peripheral.Delegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

func (p *Peripheral) SetDelegate(d peripheral.Delegate) error {
	if !p.alive.Load() {
		return peripheral.NewBindError(peripheral.InvalidHandle, nil, "device %s is no longer connected", p.path)
	}
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
	return nil
}

// Disconnected is closed once the device is gone
func (p *Peripheral) Disconnected() <-chan struct{} { return p.link.Disconnected() }

// DisconnectCause is nil after a requested disconnect
func (p *Peripheral) DisconnectCause() error { return p.link.DisconnectCause() }

func (p *Peripheral) invalidate(cause error) {
	if !p.alive.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.worker.Close()
	p.link.End(cause)
}

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

func (p *Peripheral) call(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	return p.bus.Call(p.ctx, path, method, args...)
}

func (p *Peripheral) property(path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := p.call(path, propertiesGet, iface, name).Store(&v)
	return v, normalizeError(err)
}

// waitServicesResolved polls Device1.ServicesResolved; BlueZ resolves services on its own
// after connecting
func (p *Peripheral) waitServicesResolved() error {
	deadline := time.Now().Add(servicesResolvedWait)
	for {
		v, err := p.property(p.path, deviceInterface, "ServicesResolved")
		if err != nil {
			return err
		}
		if resolved, _ := v.Value().(bool); resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for services to resolve")
		}
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-time.After(servicesResolvedPoll):
		}
	}
}

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

// DiscoverServices waits for BlueZ to resolve services and reads the tree from the object
// manager
func (p *Peripheral) DiscoverServices(uuids []string) {
	filter := peripheral.NormalizeUUIDs(uuids)
	p.run("did discover services", func() func(peripheral.Delegate) {
		err := p.waitServicesResolved()
		if err == nil {
			var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
			if err = normalizeError(p.call("/", getManagedObjectsCall).Store(&objs)); err == nil {
				p.loadTree(objs, filter)
			}
		}
		return func(d peripheral.Delegate) { d.DidDiscoverServices(p, err) }
	})
}

func (p *Peripheral) loadTree(objs managedObjects, filter []string) {
	all := buildTree(objs, p.path)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.discovered = p.discovered[:0:0]
	p.chars = make(map[dbus.ObjectPath]*Characteristic)
	for _, svc := range all {
		if !matchUUID(filter, svc.uuid) {
			continue
		}
		p.discovered = append(p.discovered, svc)
		for _, c := range svc.chars {
			p.chars[c.path] = c
			if v, ok := objs[c.path][charInterface]["MTU"]; ok {
				if mtu, ok := v.Value().(uint16); ok && mtu > 0 {
					p.mtu = int(mtu)
				}
			}
		}
	}
}

// DiscoverCharacteristics reports the characteristics BlueZ already resolved
func (p *Peripheral) DiscoverCharacteristics(_ []string, svc peripheral.Service) {
	p.run("did discover characteristics", func() func(peripheral.Delegate) {
		var err error
		if _, ok := svc.(*Service); !ok {
			err = fmt.Errorf("%w: service 0x%04x", ErrUnknownAttribute, svc.Handle())
		}
		return func(d peripheral.Delegate) { d.DidDiscoverCharacteristics(p, svc, err) }
	})
}

// DiscoverDescriptors reports the descriptors BlueZ already resolved
func (p *Peripheral) DiscoverDescriptors(chr peripheral.Characteristic) {
	p.run("did discover descriptors", func() func(peripheral.Delegate) {
		var err error
		if _, ok := chr.(*Characteristic); !ok {
			err = fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
		}
		return func(d peripheral.Delegate) { d.DidDiscoverDescriptors(p, chr, err) }
	})
}

func (p *Peripheral) ReadCharacteristic(chr peripheral.Characteristic) {
	p.run("did update value for characteristic", func() func(peripheral.Delegate) {
		var value []byte
		c, ok := chr.(*Characteristic)
		err := fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
		if ok {
			err = normalizeError(p.call(c.path, charInterface+".ReadValue", map[string]dbus.Variant{}).Store(&value))
			if err == nil {
				c.setValue(value)
				if c.Notifying() {
					// BlueZ echoes the read as a Value property change
					p.mu.Lock()
					p.echo[c.path] = append([]byte{}, value...)
					p.mu.Unlock()
				}
			}
		}
		return func(d peripheral.Delegate) { d.DidUpdateValueForCharacteristic(p, chr, value, err) }
	})
}

func (p *Peripheral) ReadDescriptor(dsc peripheral.Descriptor) {
	p.run("did update value for descriptor", func() func(peripheral.Delegate) {
		var value []byte
		ds, ok := dsc.(*Descriptor)
		err := fmt.Errorf("%w: descriptor 0x%04x", ErrUnknownAttribute, dsc.Handle())
		if ok {
			err = normalizeError(p.call(ds.path, descInterface+".ReadValue", map[string]dbus.Variant{}).Store(&value))
			if err == nil {
				ds.setValue(value)
			}
		}
		return func(d peripheral.Delegate) { d.DidUpdateValueForDescriptor(p, dsc, value, err) }
	})
}

func (p *Peripheral) WriteCharacteristic(data []byte, chr peripheral.Characteristic, wt peripheral.WriteType) {
	value := append([]byte{}, data...)
	p.run("did write value for characteristic", func() func(peripheral.Delegate) {
		c, ok := chr.(*Characteristic)
		err := fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
		if ok {
			writeType := "request"
			if wt == peripheral.WithoutResponse {
				writeType = "command"
			}
			err = normalizeError(p.call(c.path, charInterface+".WriteValue", value, map[string]dbus.Variant{
				"type": dbus.MakeVariant(writeType),
			}).Err)
		}
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
		ds, ok := dsc.(*Descriptor)
		err := fmt.Errorf("%w: descriptor 0x%04x", ErrUnknownAttribute, dsc.Handle())
		if ok {
			err = normalizeError(p.call(ds.path, descInterface+".WriteValue", value, map[string]dbus.Variant{}).Err)
		}
		return func(d peripheral.Delegate) { d.DidWriteValueForDescriptor(p, dsc, err) }
	})
}

func (p *Peripheral) SetNotify(enabled bool, chr peripheral.Characteristic) {
	p.run("did update notification state", func() func(peripheral.Delegate) {
		c, ok := chr.(*Characteristic)
		err := fmt.Errorf("%w: characteristic 0x%04x", ErrUnknownAttribute, chr.Handle())
		if ok {
			method := charInterface + ".StopNotify"
			if enabled {
				method = charInterface + ".StartNotify"
			}
			err = normalizeError(p.call(c.path, method).Err)
			if err == nil {
				c.setNotifying(enabled)
			}
		}
		return func(d peripheral.Delegate) { d.DidUpdateNotificationState(p, chr, err) }
	})
}

// ReadRSSI reads Device1.RSSI, which BlueZ only populates while discovery is running
func (p *Peripheral) ReadRSSI() {
	p.run("did read RSSI", func() func(peripheral.Delegate) {
		var rssi int
		v, err := p.property(p.path, deviceInterface, "RSSI")
		if err == nil {
			r, ok := v.Value().(int16)
			if !ok {
				err = fmt.Errorf("RSSI not available")
			}
			rssi = int(r)
		}
		return func(d peripheral.Delegate) { d.DidReadRSSI(p, rssi, err) }
	})
}

func (p *Peripheral) MaximumWriteValueLength(wt peripheral.WriteType) int {
	if wt == peripheral.WithResponse {
		return maxAttributeLength
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mtu - attHeaderLength
}

// ----------------------------
// Signals
// ----------------------------

// owns reports whether a signal from path concerns this device
func (p *Peripheral) owns(path dbus.ObjectPath) bool {
	return path == p.path || strings.HasPrefix(string(path), string(p.path)+"/")
}

// handleSignal runs on the backend's signal goroutine; delivery moves onto the worker
func (p *Peripheral) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propertiesInterface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch iface {
		case deviceInterface:
			p.deviceChanged(changed)
		case charInterface:
			p.characteristicChanged(sig.Path, changed)
		}
	case objectManager + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		removed, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		for _, iface := range ifaces {
			if iface == serviceInterface {
				p.serviceRemoved(removed)
			}
		}
	}
}

func (p *Peripheral) deviceChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["Connected"]; ok {
		if connected, _ := v.Value().(bool); !connected {
			p.logger.WithField("peripheral", p.id).Warn("BlueZ reported disconnection")
			go p.invalidate(fmt.Errorf("%w: %s", peripheral.ErrConnectionLost, p.id))
			return
		}
	}

	name := stringProp(changed, "Alias")
	if name == "" {
		name = stringProp(changed, "Name")
	}
	if name == "" {
		return
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	p.run("did update name", func() func(peripheral.Delegate) {
		return func(d peripheral.Delegate) { d.DidUpdateName(p) }
	})
}

func (p *Peripheral) characteristicChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	value, _ := v.Value().([]byte)

	p.mu.Lock()
	c, known := p.chars[path]
	echo, isEcho := p.echo[path]
	if isEcho {
		delete(p.echo, path)
	}
	p.mu.Unlock()

	if !known || !c.Notifying() || (isEcho && bytes.Equal(echo, value)) {
		return
	}
	value = append([]byte{}, value...)
	c.setValue(value)
	p.run("did update value for characteristic", func() func(peripheral.Delegate) {
		return func(d peripheral.Delegate) { d.DidUpdateValueForCharacteristic(p, c, value, nil) }
	})
}

func (p *Peripheral) serviceRemoved(path dbus.ObjectPath) {
	p.mu.Lock()
	var invalidated []peripheral.Service
	kept := p.discovered[:0:0]
	for _, svc := range p.discovered {
		if svc.path == path {
			invalidated = append(invalidated, svc)
			for _, c := range svc.chars {
				delete(p.chars, c.path)
			}
			continue
		}
		kept = append(kept, svc)
	}
	p.discovered = kept
	p.mu.Unlock()

	if len(invalidated) == 0 {
		return
	}
	p.run("did modify services", func() func(peripheral.Delegate) {
		return func(d peripheral.Delegate) { d.DidModifyServices(p, invalidated) }
	})
}

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
