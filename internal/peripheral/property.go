package peripheral

import (
	"fmt"
	"strings"
)

// Property is the characteristic property bit set as defined by the Bluetooth Core Specification
type Property uint8

const (
	PropBroadcast                 Property = 0x01
	PropRead                      Property = 0x02
	PropWriteWithoutResponse      Property = 0x04
	PropWrite                     Property = 0x08
	PropNotify                    Property = 0x10
	PropIndicate                  Property = 0x20
	PropAuthenticatedSignedWrites Property = 0x40
	PropExtendedProperties        Property = 0x80
)

var propertyNames = []struct {
	prop Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticated-signed-writes"},
	{PropExtendedProperties, "extended-properties"},
}

// Has reports whether all bits of q are set
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanSubscribe reports whether the characteristic supports notify or indicate
func (p Property) CanSubscribe() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// Names returns the property names in bit order
func (p Property) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p&pn.prop != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

// String returns the comma-separated property names, e.g. "read,notify"
func (p Property) String() string {
	return strings.Join(p.Names(), ",")
}

// ParseProperties parses a comma-separated property list such as "read,write,notify".
// "write-nr" and "writenr" are accepted as aliases of write-without-response.
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		switch name {
		case "write-nr", "writenr", "write_without_response":
			name = "write-without-response"
		}

		found := false
		for _, pn := range propertyNames {
			if pn.name == name {
				p |= pn.prop
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property: %q", part)
		}
	}
	return p, nil
}
