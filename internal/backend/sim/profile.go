package sim

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DescriptorConfig describes a simulated descriptor
type DescriptorConfig struct {
	UUID  string `yaml:"uuid" json:"uuid"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"` // text value
	Hex   string `yaml:"hex,omitempty" json:"hex,omitempty"`     // hex value, wins over Value
}

// CharacteristicConfig describes a simulated characteristic
type CharacteristicConfig struct {
	UUID        string             `yaml:"uuid" json:"uuid"`
	Properties  string             `yaml:"properties,omitempty" json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       string             `yaml:"value,omitempty" json:"value,omitempty"`
	Hex         string             `yaml:"hex,omitempty" json:"hex,omitempty"`
	Descriptors []DescriptorConfig `yaml:"descriptors,omitempty" json:"descriptors,omitempty"`
}

// ServiceConfig describes a simulated service
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid" json:"uuid"`
	Secondary       bool                   `yaml:"secondary,omitempty" json:"secondary,omitempty"`
	Characteristics []CharacteristicConfig `yaml:"characteristics,omitempty" json:"characteristics,omitempty"`
}

// PeripheralConfig describes one simulated device
type PeripheralConfig struct {
	ID       string          `yaml:"id" json:"id"`
	Name     string          `yaml:"name,omitempty" json:"name,omitempty"`
	RSSI     int             `yaml:"rssi,omitempty" json:"rssi,omitempty"`
	MTU      int             `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	Services []ServiceConfig `yaml:"services" json:"services"`
}

// Profile is the set of devices a simulated stack knows about
type Profile struct {
	Peripherals []PeripheralConfig `yaml:"peripherals" json:"peripherals"`
}

// ParseProfile decodes a YAML (or JSON) device profile
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse device profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads and decodes a device profile file
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// Validate checks identifiers and property strings
func (p *Profile) Validate() error {
	seen := make(map[string]bool)
	for i, prph := range p.Peripherals {
		if prph.ID == "" {
			return fmt.Errorf("peripheral at index %d has no id", i)
		}
		if seen[prph.ID] {
			return fmt.Errorf("duplicate peripheral id %q", prph.ID)
		}
		seen[prph.ID] = true

		for _, svc := range prph.Services {
			if svc.UUID == "" {
				return fmt.Errorf("peripheral %q: service without uuid", prph.ID)
			}
			for _, chr := range svc.Characteristics {
				if chr.UUID == "" {
					return fmt.Errorf("peripheral %q: characteristic without uuid in service %s", prph.ID, svc.UUID)
				}
				if _, err := parseProperties(chr.Properties); err != nil {
					return fmt.Errorf("peripheral %q: characteristic %s: %w", prph.ID, chr.UUID, err)
				}
				if _, err := decodeValue(chr.Value, chr.Hex); err != nil {
					return fmt.Errorf("peripheral %q: characteristic %s: %w", prph.ID, chr.UUID, err)
				}
				for _, dsc := range chr.Descriptors {
					if _, err := decodeValue(dsc.Value, dsc.Hex); err != nil {
						return fmt.Errorf("peripheral %q: descriptor %s: %w", prph.ID, dsc.UUID, err)
					}
				}
			}
		}
	}
	return nil
}

// ProfileBuilder builds profiles fluently for tests and demos
type ProfileBuilder struct {
	profile Profile
}

// NewProfileBuilder creates an empty profile builder
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// WithPeripheral starts a new peripheral
func (b *ProfileBuilder) WithPeripheral(id, name string) *ProfileBuilder {
	b.profile.Peripherals = append(b.profile.Peripherals, PeripheralConfig{ID: id, Name: name, RSSI: -60})
	return b
}

// WithService adds a service to the last added peripheral
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	prph := b.lastPeripheral("WithService")
	prph.Services = append(prph.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	svc := b.lastService("WithCharacteristic")
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Hex:        hex.EncodeToString(value),
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic
func (b *ProfileBuilder) WithDescriptor(uuid string, value []byte) *ProfileBuilder {
	svc := b.lastService("WithDescriptor")
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	chr := &svc.Characteristics[len(svc.Characteristics)-1]
	chr.Descriptors = append(chr.Descriptors, DescriptorConfig{UUID: uuid, Hex: hex.EncodeToString(value)})
	return b
}

// Build returns the profile
func (b *ProfileBuilder) Build() *Profile {
	p := b.profile
	return &p
}

func (b *ProfileBuilder) lastPeripheral(caller string) *PeripheralConfig {
	if len(b.profile.Peripherals) == 0 {
		panic(caller + ": no peripheral added yet, call WithPeripheral first")
	}
	return &b.profile.Peripherals[len(b.profile.Peripherals)-1]
}

func (b *ProfileBuilder) lastService(caller string) *ServiceConfig {
	prph := b.lastPeripheral(caller)
	if len(prph.Services) == 0 {
		panic(caller + ": no service added yet, call WithService first")
	}
	return &prph.Services[len(prph.Services)-1]
}

// decodeValue returns the initial attribute value. Nil means no value is known yet.
func decodeValue(text, hexValue string) ([]byte, error) {
	if hexValue != "" {
		v, err := hex.DecodeString(hexValue)
		if err != nil {
			return nil, fmt.Errorf("invalid hex value %q: %w", hexValue, err)
		}
		return v, nil
	}
	if text != "" {
		return []byte(text), nil
	}
	return nil, nil
}
