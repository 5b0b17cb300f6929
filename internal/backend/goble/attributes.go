package goble

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blebind/internal/peripheral"
)

// Service wraps a go-ble service
type Service struct {
	svc     *ble.Service
	uuid    string
	handle  uint16
	mu      sync.RWMutex
	chars   []*Characteristic
	primary bool
}

func (s *Service) UUID() string   { return s.uuid }
func (s *Service) Handle() uint16 { return s.handle }
func (s *Service) Primary() bool  { return s.primary }

func (s *Service) Characteristics() []peripheral.Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]peripheral.Characteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out
}

// Characteristic wraps a go-ble characteristic. Handle is the value handle.
type Characteristic struct {
	chr     *ble.Characteristic
	uuid    string
	handle  uint16
	service *Service

	mu        sync.RWMutex
	descs     []*Descriptor
	value     []byte
	notifying bool
}

func (c *Characteristic) UUID() string                { return c.uuid }
func (c *Characteristic) Handle() uint16              { return c.handle }
func (c *Characteristic) Service() peripheral.Service { return c.service }

// Properties maps go-ble property bits, which share the GATT declaration layout
func (c *Characteristic) Properties() peripheral.Property {
	return peripheral.Property(c.chr.Property)
}

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
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]peripheral.Descriptor, len(c.descs))
	for i, d := range c.descs {
		out[i] = d
	}
	return out
}

// Descriptor wraps a go-ble descriptor
type Descriptor struct {
	dsc    *ble.Descriptor
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

// handles hands out attribute handles. go-ble on darwin leaves native handles unset, so
// zero handles are replaced by synthetic ones above the ATT range used by real servers.
type handles struct {
	next uint16
	used map[uint16]bool
}

func newHandles() *handles {
	return &handles{next: 0xF000, used: make(map[uint16]bool)}
}

func (h *handles) assign(native uint16) uint16 {
	if native != 0 && !h.used[native] {
		h.used[native] = true
		return native
	}
	for h.used[h.next] || h.next == 0 {
		h.next++
	}
	v := h.next
	h.used[v] = true
	h.next++
	return v
}

func uuidString(u ble.UUID) string {
	return peripheral.NormalizeUUID(u.String())
}

func parseUUIDs(uuids []string) []ble.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		if u, err := ble.Parse(peripheral.NormalizeUUID(s)); err == nil {
			out = append(out, u)
		}
	}
	return out
}
