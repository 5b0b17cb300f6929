//go:build darwin

package corebluetooth

import (
	"github.com/JuulLabs-OSS/cbgo"
	"github.com/srg/blebind/internal/peripheral"
)

// Service wraps a CBService
type Service struct {
	p   *Peripheral
	svc cbgo.Service
}

func (s *Service) UUID() string   { return peripheral.NormalizeUUID(s.svc.UUID().String()) }
func (s *Service) Handle() uint16 { return s.p.services.handle(s.svc) }
func (s *Service) Primary() bool  { return s.svc.IsPrimary() }

func (s *Service) Characteristics() []peripheral.Characteristic {
	chars := s.svc.Characteristics()
	out := make([]peripheral.Characteristic, len(chars))
	for i, c := range chars {
		out[i] = s.p.wrapCharacteristic(c)
	}
	return out
}

// Characteristic wraps a CBCharacteristic
type Characteristic struct {
	p   *Peripheral
	chr cbgo.Characteristic
}

func (c *Characteristic) UUID() string                { return peripheral.NormalizeUUID(c.chr.UUID().String()) }
func (c *Characteristic) Handle() uint16              { return c.p.chars.handle(c.chr) }
func (c *Characteristic) Service() peripheral.Service { return c.p.wrapService(c.chr.Service()) }
func (c *Characteristic) Value() []byte               { return c.chr.Value() }
func (c *Characteristic) Notifying() bool             { return c.chr.IsNotifying() }

// Properties uses the CBCharacteristicProperties bits, which match the GATT declaration
func (c *Characteristic) Properties() peripheral.Property {
	return peripheral.Property(uint8(c.chr.Properties()))
}

func (c *Characteristic) Descriptors() []peripheral.Descriptor {
	descs := c.chr.Descriptors()
	out := make([]peripheral.Descriptor, len(descs))
	for i, d := range descs {
		out[i] = c.p.wrapDescriptor(d)
	}
	return out
}

// Descriptor wraps a CBDescriptor
type Descriptor struct {
	p   *Peripheral
	dsc cbgo.Descriptor
}

func (d *Descriptor) UUID() string   { return peripheral.NormalizeUUID(d.dsc.UUID().String()) }
func (d *Descriptor) Handle() uint16 { return d.p.descs.handle(d.dsc) }
func (d *Descriptor) Value() []byte  { return d.dsc.Value() }

func (d *Descriptor) Characteristic() peripheral.Characteristic {
	return d.p.wrapCharacteristic(d.dsc.Characteristic())
}

func parseUUIDs(uuids []string) []cbgo.UUID {
	out := make([]cbgo.UUID, 0, len(uuids))
	for _, s := range uuids {
		if u, err := cbgo.ParseUUID(peripheral.FullUUID(s)); err == nil {
			out = append(out, u)
		}
	}
	return out
}
