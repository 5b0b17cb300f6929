package bluez

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blebind/internal/peripheral"
)

// Service is a GATT service exported by BlueZ
type Service struct {
	path    dbus.ObjectPath
	uuid    string
	handle  uint16
	primary bool
	chars   []*Characteristic
}

func (s *Service) UUID() string   { return s.uuid }
func (s *Service) Handle() uint16 { return s.handle }
func (s *Service) Primary() bool  { return s.primary }

func (s *Service) Characteristics() []peripheral.Characteristic {
	out := make([]peripheral.Characteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out
}

// Characteristic is a GATT characteristic exported by BlueZ
type Characteristic struct {
	path    dbus.ObjectPath
	uuid    string
	handle  uint16
	props   peripheral.Property
	service *Service
	descs   []*Descriptor

	mu        sync.RWMutex
	value     []byte
	notifying bool
}

func (c *Characteristic) UUID() string                    { return c.uuid }
func (c *Characteristic) Handle() uint16                  { return c.handle }
func (c *Characteristic) Service() peripheral.Service     { return c.service }
func (c *Characteristic) Properties() peripheral.Property { return c.props }

func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *Characteristic) setValue(v []byte) {
	c.mu.Lock()
	c.value = append([]byte{}, v...)
	c.mu.Unlock()
}

func (c *Characteristic) Notifying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifying
}

func (c *Characteristic) setNotifying(on bool) {
	c.mu.Lock()
	c.notifying = on
	c.mu.Unlock()
}

func (c *Characteristic) Descriptors() []peripheral.Descriptor {
	out := make([]peripheral.Descriptor, len(c.descs))
	for i, d := range c.descs {
		out[i] = d
	}
	return out
}

// Descriptor is a GATT descriptor exported by BlueZ
type Descriptor struct {
	path   dbus.ObjectPath
	uuid   string
	handle uint16
	chr    *Characteristic

	mu    sync.RWMutex
	value []byte
}

func (d *Descriptor) UUID() string                              { return d.uuid }
func (d *Descriptor) Handle() uint16                            { return d.handle }
func (d *Descriptor) Characteristic() peripheral.Characteristic { return d.chr }

func (d *Descriptor) Value() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.value
}

func (d *Descriptor) setValue(v []byte) {
	d.mu.Lock()
	d.value = append([]byte{}, v...)
	d.mu.Unlock()
}
