package sim

import (
	"sync"

	"github.com/srg/blebind/internal/peripheral"
)

// Service is a simulated GATT service
type Service struct {
	uuid            string
	handle          uint16
	primary         bool
	characteristics []*Characteristic
}

func (s *Service) UUID() string   { return s.uuid }
func (s *Service) Handle() uint16 { return s.handle }
func (s *Service) Primary() bool  { return s.primary }

func (s *Service) Characteristics() []peripheral.Characteristic {
	out := make([]peripheral.Characteristic, len(s.characteristics))
	for i, c := range s.characteristics {
		out[i] = c
	}
	return out
}

// Characteristic is a simulated GATT characteristic. Handle is the value handle.
type Characteristic struct {
	uuid        string
	handle      uint16
	props       peripheral.Property
	service     *Service
	descriptors []*Descriptor

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
	if c.value == nil {
		return nil
	}
	return append([]byte{}, c.value...)
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
	out := make([]peripheral.Descriptor, len(c.descriptors))
	for i, d := range c.descriptors {
		out[i] = d
	}
	return out
}

// Descriptor is a simulated GATT descriptor
type Descriptor struct {
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
	if d.value == nil {
		return nil
	}
	return append([]byte{}, d.value...)
}

func (d *Descriptor) setValue(v []byte) {
	d.mu.Lock()
	d.value = append([]byte{}, v...)
	d.mu.Unlock()
}

// parseProperties applies the profile default of read,write,notify to an empty string
func parseProperties(props string) (peripheral.Property, error) {
	if props == "" {
		return peripheral.PropRead | peripheral.PropWrite | peripheral.PropNotify, nil
	}
	return peripheral.ParseProperties(props)
}

// buildServices lays out an attribute table the way a GATT server would: each service
// declaration is followed by its characteristic declarations, value handles and descriptors.
func buildServices(cfgs []ServiceConfig) []*Service {
	var next uint16 = 1
	services := make([]*Service, 0, len(cfgs))

	for _, sc := range cfgs {
		svc := &Service{
			uuid:    peripheral.NormalizeUUID(sc.UUID),
			handle:  next,
			primary: !sc.Secondary,
		}
		next++

		for _, cc := range sc.Characteristics {
			props, _ := parseProperties(cc.Properties) // validated by Profile.Validate
			next++                                     // characteristic declaration
			chr := &Characteristic{
				uuid:    peripheral.NormalizeUUID(cc.UUID),
				handle:  next,
				props:   props,
				service: svc,
			}
			chr.value, _ = decodeValue(cc.Value, cc.Hex)
			next++

			if props.CanSubscribe() && !hasDescriptor(cc.Descriptors, "2902") {
				chr.descriptors = append(chr.descriptors, &Descriptor{uuid: "2902", handle: next, chr: chr, value: []byte{0, 0}})
				next++
			}
			for _, dc := range cc.Descriptors {
				value, _ := decodeValue(dc.Value, dc.Hex)
				chr.descriptors = append(chr.descriptors, &Descriptor{
					uuid:   peripheral.NormalizeUUID(dc.UUID),
					handle: next,
					chr:    chr,
					value:  value,
				})
				next++
			}
			svc.characteristics = append(svc.characteristics, chr)
		}
		services = append(services, svc)
	}
	return services
}

func hasDescriptor(dcs []DescriptorConfig, uuid string) bool {
	for _, dc := range dcs {
		if peripheral.NormalizeUUID(dc.UUID) == uuid {
			return true
		}
	}
	return false
}
