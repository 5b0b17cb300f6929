package bluez

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blebind/internal/peripheral"
)

// devicePath returns the object path BlueZ uses for address on adapter
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

// parseHandle extracts the attribute handle BlueZ encodes in the last four hex digits of
// service, characteristic and descriptor object paths (e.g. .../service000c/char000d)
func parseHandle(path dbus.ObjectPath) (uint16, error) {
	s := string(path)
	if len(s) < 4 {
		return 0, fmt.Errorf("object path %q carries no handle", s)
	}
	v, err := strconv.ParseUint(s[len(s)-4:], 16, 16)
	if err != nil {
		return 0, fmt.Errorf("object path %q carries no handle: %w", s, err)
	}
	return uint16(v), nil
}

// childOf reports whether path is a direct child of parent whose last segment starts with kind
func childOf(path, parent dbus.ObjectPath, kind string) bool {
	prefix := string(parent) + "/" + kind
	if !strings.HasPrefix(string(path), prefix) {
		return false
	}
	return !strings.Contains(string(path)[len(parent)+1:], "/")
}

// flagsToProperty maps BlueZ characteristic flags to property bits. Flags without a
// property bit (encrypt-read, reliable-write, ...) are ignored.
func flagsToProperty(flags []string) peripheral.Property {
	var p peripheral.Property
	for _, f := range flags {
		if prop, err := peripheral.ParseProperties(f); err == nil {
			p |= prop
		}
	}
	return p
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

func bytesProp(props map[string]dbus.Variant, name string) []byte {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().([]byte); ok {
			return b
		}
	}
	return nil
}

func stringsProp(props map[string]dbus.Variant, name string) []string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().([]string); ok {
			return s
		}
	}
	return nil
}

// buildTree assembles the GATT tree of the device at dev, ordered by handle.
// Objects whose path carries no handle are skipped.
func buildTree(objs managedObjects, dev dbus.ObjectPath) []*Service {
	paths := make([]dbus.ObjectPath, 0, len(objs))
	for path := range objs {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	var services []*Service
	for _, sp := range paths {
		props, ok := objs[sp][serviceInterface]
		if !ok || !childOf(sp, dev, "service") {
			continue
		}
		h, err := parseHandle(sp)
		if err != nil {
			continue
		}
		svc := &Service{
			path:    sp,
			uuid:    peripheral.NormalizeUUID(stringProp(props, "UUID")),
			handle:  h,
			primary: boolProp(props, "Primary"),
		}

		for _, cp := range paths {
			cprops, ok := objs[cp][charInterface]
			if !ok || !childOf(cp, sp, "char") {
				continue
			}
			ch, err := parseHandle(cp)
			if err != nil {
				continue
			}
			chr := &Characteristic{
				path:      cp,
				uuid:      peripheral.NormalizeUUID(stringProp(cprops, "UUID")),
				handle:    ch,
				props:     flagsToProperty(stringsProp(cprops, "Flags")),
				service:   svc,
				value:     bytesProp(cprops, "Value"),
				notifying: boolProp(cprops, "Notifying"),
			}

			for _, dp := range paths {
				dprops, ok := objs[dp][descInterface]
				if !ok || !childOf(dp, cp, "desc") {
					continue
				}
				dh, err := parseHandle(dp)
				if err != nil {
					continue
				}
				chr.descs = append(chr.descs, &Descriptor{
					path:   dp,
					uuid:   peripheral.NormalizeUUID(stringProp(dprops, "UUID")),
					handle: dh,
					chr:    chr,
					value:  bytesProp(dprops, "Value"),
				})
			}
			sort.Slice(chr.descs, func(i, j int) bool { return chr.descs[i].handle < chr.descs[j].handle })
			svc.chars = append(svc.chars, chr)
		}
		sort.Slice(svc.chars, func(i, j int) bool { return svc.chars[i].handle < svc.chars[j].handle })
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].handle < services[j].handle })
	return services
}
