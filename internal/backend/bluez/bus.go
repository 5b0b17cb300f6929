package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus            = "org.bluez"
	adapterInterface    = "org.bluez.Adapter1"
	deviceInterface     = "org.bluez.Device1"
	serviceInterface    = "org.bluez.GattService1"
	charInterface       = "org.bluez.GattCharacteristic1"
	descInterface       = "org.bluez.GattDescriptor1"
	propertiesInterface = "org.freedesktop.DBus.Properties"
	objectManager       = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bus is the part of the system bus the backend talks to
type bus interface {
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call
	Signals() <-chan *dbus.Signal
	Close() error
}

// systemBus routes calls to org.bluez over a private system bus connection
type systemBus struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
}

func dialSystemBus() (*systemBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe to property changes: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManager),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe to object removal: %w", err)
	}

	b := &systemBus{conn: conn, signals: make(chan *dbus.Signal, 64)}
	conn.Signal(b.signals)
	return b, nil
}

func (b *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	return b.conn.Object(bluezBus, path).CallWithContext(ctx, method, 0, args...)
}

func (b *systemBus) Signals() <-chan *dbus.Signal {
	return b.signals
}

// Close closes the connection, which also closes the signal channel
func (b *systemBus) Close() error {
	return b.conn.Close()
}
