package client

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/srg/blebind/internal/peripheral"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Lookup errors
var (
	ErrNotFound  = errors.New("attribute not found")
	ErrAmbiguous = errors.New("attribute uuid is ambiguous")
)

// Collection is the discovered GATT tree of a peripheral, ordered by handle. A collection
// is never modified once a Client publishes it, so it is safe for concurrent readers.
type Collection struct {
	services    *orderedmap.OrderedMap[uint16, peripheral.Service]
	chars       *orderedmap.OrderedMap[uint16, peripheral.Characteristic]
	descriptors map[uint16][]peripheral.Descriptor // by characteristic handle
}

func newCollection() *Collection {
	return &Collection{
		services:    orderedmap.New[uint16, peripheral.Service](),
		chars:       orderedmap.New[uint16, peripheral.Characteristic](),
		descriptors: make(map[uint16][]peripheral.Descriptor),
	}
}

func sortByHandle[T peripheral.Attribute](attrs []T) []T {
	sorted := make([]T, len(attrs))
	copy(sorted, attrs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Handle() < sorted[j].Handle() })
	return sorted
}

func (c *Collection) addService(svc peripheral.Service) {
	c.services.Set(svc.Handle(), svc)
}

func (c *Collection) addCharacteristic(chr peripheral.Characteristic, dscs []peripheral.Descriptor) {
	c.chars.Set(chr.Handle(), chr)
	c.descriptors[chr.Handle()] = sortByHandle(dscs)
}

// Services returns the services in handle order
func (c *Collection) Services() []peripheral.Service {
	out := make([]peripheral.Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristics returns every characteristic in handle order
func (c *Collection) Characteristics() []peripheral.Characteristic {
	out := make([]peripheral.Characteristic, 0, c.chars.Len())
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// CharacteristicsOf returns the characteristics of the service with handle svc, in handle order
func (c *Collection) CharacteristicsOf(svc uint16) []peripheral.Characteristic {
	var out []peripheral.Characteristic
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Service() != nil && pair.Value.Service().Handle() == svc {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Descriptors returns the descriptors of chr in handle order
func (c *Collection) Descriptors(chr peripheral.Characteristic) []peripheral.Descriptor {
	return c.descriptors[chr.Handle()]
}

// CharacteristicByHandle looks a characteristic up by its value handle
func (c *Collection) CharacteristicByHandle(h uint16) (peripheral.Characteristic, error) {
	chr, ok := c.chars.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: characteristic 0x%04x", ErrNotFound, h)
	}
	return chr, nil
}

// Characteristic resolves ref to a single characteristic. ref is either a UUID or a handle
// written as "@<n>" (decimal or 0x-prefixed hex). A UUID shared by several characteristics
// is rejected with ErrAmbiguous.
func (c *Collection) Characteristic(ref string) (peripheral.Characteristic, error) {
	if strings.HasPrefix(ref, "@") {
		h, err := strconv.ParseUint(ref[1:], 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid characteristic handle %q: %w", ref, err)
		}
		return c.CharacteristicByHandle(uint16(h))
	}

	uuid := peripheral.NormalizeUUID(ref)
	var matches []peripheral.Characteristic
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.UUID() == uuid {
			matches = append(matches, pair.Value)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: characteristic %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		handles := make([]string, len(matches))
		for i, m := range matches {
			handles[i] = fmt.Sprintf("@0x%04x", m.Handle())
		}
		return nil, fmt.Errorf("%w: characteristic %s matches handles %s", ErrAmbiguous, ref, strings.Join(handles, ", "))
	}
}

// Descriptor resolves the descriptor uuid of the characteristic ref
func (c *Collection) Descriptor(ref, uuid string) (peripheral.Descriptor, error) {
	chr, err := c.Characteristic(ref)
	if err != nil {
		return nil, err
	}
	want := peripheral.NormalizeUUID(uuid)
	for _, dsc := range c.descriptors[chr.Handle()] {
		if dsc.UUID() == want {
			return dsc, nil
		}
	}
	return nil, fmt.Errorf("%w: descriptor %s of characteristic %s", ErrNotFound, uuid, ref)
}

// without returns a copy of the collection minus the services in invalidated and their
// characteristics. The receiver is not modified.
func (c *Collection) without(invalidated []peripheral.Service) *Collection {
	gone := make(map[uint16]bool, len(invalidated))
	for _, svc := range invalidated {
		gone[svc.Handle()] = true
	}

	next := newCollection()
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		if !gone[pair.Key] {
			next.services.Set(pair.Key, pair.Value)
		}
	}
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		if s := pair.Value.Service(); s != nil && gone[s.Handle()] {
			continue
		}
		next.chars.Set(pair.Key, pair.Value)
		next.descriptors[pair.Key] = c.descriptors[pair.Key]
	}
	return next
}
