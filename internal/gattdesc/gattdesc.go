// Package gattdesc decodes the values of the standard GATT descriptors (0x2900-0x2906) into
// typed values with a readable String form.
package gattdesc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/srg/blebind/internal/peripheral"
)

// Standard descriptor UUIDs in normalized form
const (
	ExtendedPropertiesUUID = "2900"
	UserDescriptionUUID    = "2901"
	ClientConfigUUID       = "2902"
	ServerConfigUUID       = "2903"
	PresentationFormatUUID = "2904"
	AggregateFormatUUID    = "2905"
	ValidRangeUUID         = "2906"
)

var names = map[string]string{
	ExtendedPropertiesUUID: "Characteristic Extended Properties",
	UserDescriptionUUID:    "Characteristic User Description",
	ClientConfigUUID:       "Client Characteristic Configuration",
	ServerConfigUUID:       "Server Characteristic Configuration",
	PresentationFormatUUID: "Characteristic Presentation Format",
	AggregateFormatUUID:    "Characteristic Aggregate Format",
	ValidRangeUUID:         "Valid Range",
}

// Name returns the descriptor's assigned name, empty for non-standard descriptors
func Name(uuid string) string {
	return names[peripheral.NormalizeUUID(uuid)]
}

// ExtendedProperties is the 0x2900 value
type ExtendedProperties struct {
	ReliableWrite       bool
	WritableAuxiliaries bool
}

func (e ExtendedProperties) String() string {
	return fmt.Sprintf("reliable-write=%s writable-auxiliaries=%s", onOff(e.ReliableWrite), onOff(e.WritableAuxiliaries))
}

// UserDescription is the 0x2901 value
type UserDescription string

func (u UserDescription) String() string { return fmt.Sprintf("%q", string(u)) }

// ClientConfig is the 0x2902 value
type ClientConfig struct {
	Notifications bool
	Indications   bool
}

func (c ClientConfig) String() string {
	return fmt.Sprintf("notifications=%s indications=%s", onOff(c.Notifications), onOff(c.Indications))
}

// ServerConfig is the 0x2903 value
type ServerConfig struct {
	Broadcasts bool
}

func (s ServerConfig) String() string { return "broadcasts=" + onOff(s.Broadcasts) }

// PresentationFormat is the 0x2904 value: Format(1) Exponent(1) Unit(2) Namespace(1) Description(2)
type PresentationFormat struct {
	Format      uint8
	Exponent    int8
	Unit        uint16
	Namespace   uint8
	Description uint16
}

func (p PresentationFormat) String() string {
	return fmt.Sprintf("format=%s exponent=%d unit=0x%04x namespace=0x%02x description=0x%04x",
		FormatName(p.Format), p.Exponent, p.Unit, p.Namespace, p.Description)
}

// AggregateFormat is the 0x2905 value: the presentation format descriptors it references,
// in the order given
type AggregateFormat []peripheral.Descriptor

func (a AggregateFormat) String() string {
	handles := make([]string, len(a))
	for i, d := range a {
		handles[i] = fmt.Sprintf("0x%04x", d.Handle())
	}
	return "formats=[" + strings.Join(handles, ",") + "]"
}

// ValidRange is the 0x2906 value, split evenly into minimum and maximum
type ValidRange struct {
	Min []byte
	Max []byte
}

func (v ValidRange) String() string {
	return fmt.Sprintf("min=%s max=%s", hex.EncodeToString(v.Min), hex.EncodeToString(v.Max))
}

var formatNames = map[uint8]string{
	0x01: "boolean", 0x02: "uint2", 0x03: "uint4", 0x04: "uint8", 0x05: "uint12",
	0x06: "uint16", 0x07: "uint24", 0x08: "uint32", 0x09: "uint48", 0x0a: "uint64",
	0x0b: "uint128", 0x0c: "sint8", 0x0d: "sint12", 0x0e: "sint16", 0x0f: "sint24",
	0x10: "sint32", 0x11: "sint48", 0x12: "sint64", 0x13: "sint128", 0x14: "float32",
	0x15: "float64", 0x16: "sfloat", 0x17: "float", 0x18: "duint16", 0x19: "utf8s",
	0x1a: "utf16s", 0x1b: "struct",
}

// FormatName returns the name of a presentation format type
func FormatName(format uint8) string {
	if name, ok := formatNames[format]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", format)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func fixedLength(name string, data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("invalid length for %s: expected %d, got %d", name, n, len(data))
	}
	return nil
}

// ParseExtendedProperties decodes 0x2900 (bit 0 reliable write, bit 1 writable auxiliaries)
func ParseExtendedProperties(data []byte) (ExtendedProperties, error) {
	if err := fixedLength("extended properties", data, 2); err != nil {
		return ExtendedProperties{}, err
	}
	v := binary.LittleEndian.Uint16(data)
	return ExtendedProperties{ReliableWrite: v&0x0001 != 0, WritableAuxiliaries: v&0x0002 != 0}, nil
}

// ParseUserDescription decodes 0x2901, dropping trailing NULs
func ParseUserDescription(data []byte) (UserDescription, error) {
	s := strings.TrimRight(string(data), "\x00")
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("invalid UTF-8 in user description")
	}
	return UserDescription(s), nil
}

// ParseClientConfig decodes 0x2902 (bit 0 notifications, bit 1 indications)
func ParseClientConfig(data []byte) (ClientConfig, error) {
	if err := fixedLength("client config", data, 2); err != nil {
		return ClientConfig{}, err
	}
	v := binary.LittleEndian.Uint16(data)
	return ClientConfig{Notifications: v&0x0001 != 0, Indications: v&0x0002 != 0}, nil
}

// ParseServerConfig decodes 0x2903 (bit 0 broadcasts)
func ParseServerConfig(data []byte) (ServerConfig, error) {
	if err := fixedLength("server config", data, 2); err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Broadcasts: binary.LittleEndian.Uint16(data)&0x0001 != 0}, nil
}

// ParsePresentationFormat decodes 0x2904
func ParsePresentationFormat(data []byte) (PresentationFormat, error) {
	if err := fixedLength("presentation format", data, 7); err != nil {
		return PresentationFormat{}, err
	}
	return PresentationFormat{
		Format:      data[0],
		Exponent:    int8(data[1]),
		Unit:        binary.LittleEndian.Uint16(data[2:4]),
		Namespace:   data[4],
		Description: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// ParseValidRange decodes 0x2906. An odd extra byte goes to the maximum.
func ParseValidRange(data []byte) (ValidRange, error) {
	if len(data) < 2 {
		return ValidRange{}, fmt.Errorf("invalid length for valid range: expected at least 2, got %d", len(data))
	}
	mid := len(data) / 2
	return ValidRange{
		Min: append([]byte(nil), data[:mid]...),
		Max: append([]byte(nil), data[mid:]...),
	}, nil
}

// ParseAggregateFormat decodes 0x2905, a list of little-endian presentation format handles,
// resolving each against siblings. Backends without native handles number descriptors in
// discovery order, so when no referenced handle matches, presentation formats are mapped
// by position instead.
func ParseAggregateFormat(data []byte, siblings []peripheral.Descriptor) (AggregateFormat, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("malformed aggregate format: odd length %d", len(data))
	}

	var formats []peripheral.Descriptor
	byHandle := make(map[uint16]peripheral.Descriptor)
	for _, d := range siblings {
		if peripheral.NormalizeUUID(d.UUID()) == PresentationFormatUUID {
			formats = append(formats, d)
			byHandle[d.Handle()] = d
		}
	}

	out := make(AggregateFormat, 0, len(data)/2)
	missing := 0
	for i := 0; i < len(data); i += 2 {
		h := binary.LittleEndian.Uint16(data[i : i+2])
		d, ok := byHandle[h]
		if !ok {
			missing++
		}
		out = append(out, d)
	}
	if missing == 0 {
		return out, nil
	}

	if missing != len(out) || len(formats) != len(out) {
		return nil, fmt.Errorf("aggregate format references %d presentation formats, %d discovered", len(out), len(formats))
	}
	return AggregateFormat(formats), nil
}

// Parse decodes a descriptor value by UUID. siblings are the other descriptors of the same
// characteristic (used by the aggregate format). Non-standard descriptors return (nil, nil),
// as does an empty value other than an empty aggregate.
func Parse(uuid string, data []byte, siblings []peripheral.Descriptor) (fmt.Stringer, error) {
	uuid = peripheral.NormalizeUUID(uuid)
	if len(data) == 0 && uuid != AggregateFormatUUID {
		return nil, nil
	}

	switch uuid {
	case ExtendedPropertiesUUID:
		return wrap[ExtendedProperties](ParseExtendedProperties(data))
	case UserDescriptionUUID:
		return wrap[UserDescription](ParseUserDescription(data))
	case ClientConfigUUID:
		return wrap[ClientConfig](ParseClientConfig(data))
	case ServerConfigUUID:
		return wrap[ServerConfig](ParseServerConfig(data))
	case PresentationFormatUUID:
		return wrap[PresentationFormat](ParsePresentationFormat(data))
	case AggregateFormatUUID:
		return wrap[AggregateFormat](ParseAggregateFormat(data, siblings))
	case ValidRangeUUID:
		return wrap[ValidRange](ParseValidRange(data))
	default:
		return nil, nil
	}
}

func wrap[T fmt.Stringer](v T, err error) (fmt.Stringer, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}
