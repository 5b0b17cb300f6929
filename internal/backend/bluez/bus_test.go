package bluez

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

type callKey struct {
	path   dbus.ObjectPath
	method string
}

type recordedCall struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

// fakeBus answers calls from canned handlers and lets tests emit signals
type fakeBus struct {
	mu       sync.Mutex
	handlers map[callKey]func(args []interface{}) *dbus.Call
	calls    []recordedCall
	signals  chan *dbus.Signal
	closed   bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[callKey]func(args []interface{}) *dbus.Call),
		signals:  make(chan *dbus.Signal, 16),
	}
}

func (f *fakeBus) on(path dbus.ObjectPath, method string, fn func(args []interface{}) *dbus.Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[callKey{path, method}] = fn
}

func (f *fakeBus) reply(path dbus.ObjectPath, method string, body ...interface{}) {
	f.on(path, method, func([]interface{}) *dbus.Call { return &dbus.Call{Body: body} })
}

func (f *fakeBus) fail(path dbus.ObjectPath, method string, name string) {
	f.on(path, method, func([]interface{}) *dbus.Call {
		return &dbus.Call{Err: dbus.Error{Name: name, Body: []interface{}{"failed"}}}
	})
}

func (f *fakeBus) Call(_ context.Context, path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{path: path, method: method, args: args})
	h, ok := f.handlers[callKey{path, method}]
	f.mu.Unlock()
	if !ok {
		return &dbus.Call{Err: dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod", Body: []interface{}{method}}}
	}
	return h(args)
}

func (f *fakeBus) callsTo(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBus) Signals() <-chan *dbus.Signal { return f.signals }

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.signals)
	}
	return nil
}

func propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propertiesInterface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}
