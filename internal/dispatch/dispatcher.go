// Package dispatch turns the asynchronous delegate callbacks of a platform peripheral
// into blocking, context-aware GATT requests.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/peripheral"
)

// NotifyFunc receives characteristic notifications
type NotifyFunc func(chr peripheral.Characteristic, data []byte)

// Discriminator tells notifications apart from read responses when both may arrive for the
// same characteristic. It returns true when data is a notification.
type Discriminator func(data []byte) bool

// Options configures a Dispatcher
type Options struct {
	// RequestTimeout bounds requests whose context carries no deadline (0 = unbounded)
	RequestTimeout time.Duration

	OnNameChange       func(p peripheral.Peripheral)
	OnServicesModified func(p peripheral.Peripheral, invalidated []peripheral.Service)
}

type notifier struct {
	fn   NotifyFunc
	disc Discriminator
}

// Dispatcher implements peripheral.Delegate. Every request registers a pending slot keyed by
// attribute handle, issues the platform command, and waits for the matching callback.
// Platform commands and user callbacks always run without the lock held.
type Dispatcher struct {
	prph   peripheral.Peripheral
	logger *logrus.Logger
	opts   Options

	mu     sync.Mutex
	closed error

	services        requestTable[[]peripheral.Service]
	characteristics requestTable[[]peripheral.Characteristic]
	descriptors     requestTable[[]peripheral.Descriptor]
	charReads       requestTable[[]byte]
	charWrites      requestTable[struct{}]
	descReads       requestTable[[]byte]
	descWrites      requestTable[struct{}]
	notifyChanges   requestTable[struct{}]
	rssi            requestTable[int]

	notifiers map[uint16]notifier
}

var _ peripheral.Delegate = (*Dispatcher)(nil)

// New creates a dispatcher for prph. It does not bind itself; pass it to a
// peripheral.Binder to start receiving callbacks.
func New(prph peripheral.Peripheral, opts Options, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		prph:            prph,
		logger:          logger,
		opts:            opts,
		services:        make(requestTable[[]peripheral.Service]),
		characteristics: make(requestTable[[]peripheral.Characteristic]),
		descriptors:     make(requestTable[[]peripheral.Descriptor]),
		charReads:       make(requestTable[[]byte]),
		charWrites:      make(requestTable[struct{}]),
		descReads:       make(requestTable[[]byte]),
		descWrites:      make(requestTable[struct{}]),
		notifyChanges:   make(requestTable[struct{}]),
		rssi:            make(requestTable[int]),
		notifiers:       make(map[uint16]notifier),
	}
}

// Peripheral returns the peripheral this dispatcher issues commands to
func (d *Dispatcher) Peripheral() peripheral.Peripheral {
	return d.prph
}

// ----------------------------
// Requests
// ----------------------------

// call registers a request for handle h, issues the platform command and waits for its callback
func call[T any](ctx context.Context, d *Dispatcher, table requestTable[T], h uint16, op string, issue func()) (T, error) {
	var zero T

	d.mu.Lock()
	if d.closed != nil {
		err := d.closed
		d.mu.Unlock()
		return zero, err
	}
	r, ok := table.register(h)
	d.mu.Unlock()
	if !ok {
		return zero, &OperationError{Op: op, Handle: h, Err: ErrRequestPending}
	}
	defer func() {
		d.mu.Lock()
		table.drop(h, r)
		d.mu.Unlock()
	}()

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	issue()

	v, err := r.wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return zero, &OperationError{Op: op, Handle: h, Err: err}
	}
	return v, err
}

// lookup returns the pending request for h, nil if none
func lookup[T any](d *Dispatcher, table requestTable[T], h uint16) *request[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return table[h]
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, has := ctx.Deadline(); !has && d.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, d.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// DiscoverServices discovers the peripheral's services, filtered by uuids when non-empty
func (d *Dispatcher) DiscoverServices(ctx context.Context, uuids []string) ([]peripheral.Service, error) {
	return call(ctx, d, d.services, 0, "discover services", func() {
		d.prph.DiscoverServices(peripheral.NormalizeUUIDs(uuids))
	})
}

// DiscoverCharacteristics discovers all characteristics of svc
func (d *Dispatcher) DiscoverCharacteristics(ctx context.Context, svc peripheral.Service) ([]peripheral.Characteristic, error) {
	return call(ctx, d, d.characteristics, svc.Handle(), "discover characteristics for service", func() {
		d.prph.DiscoverCharacteristics(nil, svc)
	})
}

// DiscoverDescriptors discovers all descriptors of chr
func (d *Dispatcher) DiscoverDescriptors(ctx context.Context, chr peripheral.Characteristic) ([]peripheral.Descriptor, error) {
	return call(ctx, d, d.descriptors, chr.Handle(), "discover descriptors for characteristic", func() {
		d.prph.DiscoverDescriptors(chr)
	})
}

// ReadCharacteristic reads chr. With useCached, a value already known to the platform is
// returned without a round trip.
func (d *Dispatcher) ReadCharacteristic(ctx context.Context, chr peripheral.Characteristic, useCached bool) ([]byte, error) {
	if v := chr.Value(); v != nil && useCached {
		return v, nil
	}
	return call(ctx, d, d.charReads, chr.Handle(), "read characteristic", func() {
		d.prph.ReadCharacteristic(chr)
	})
}

// ReadDescriptor reads dsc, honoring useCached like ReadCharacteristic
func (d *Dispatcher) ReadDescriptor(ctx context.Context, dsc peripheral.Descriptor, useCached bool) ([]byte, error) {
	if v := dsc.Value(); v != nil && useCached {
		return v, nil
	}
	return call(ctx, d, d.descReads, dsc.Handle(), "read descriptor", func() {
		d.prph.ReadDescriptor(dsc)
	})
}

// WriteCharacteristic writes data to chr. Writes without response complete as soon as the
// command is issued; the platform reports no completion for them.
func (d *Dispatcher) WriteCharacteristic(ctx context.Context, chr peripheral.Characteristic, data []byte, wt peripheral.WriteType) error {
	if wt == peripheral.WithoutResponse {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed != nil {
			return closed
		}
		d.prph.WriteCharacteristic(data, chr, wt)
		return nil
	}

	_, err := call(ctx, d, d.charWrites, chr.Handle(), "write characteristic", func() {
		d.prph.WriteCharacteristic(data, chr, wt)
	})
	return err
}

// WriteDescriptor writes data to dsc
func (d *Dispatcher) WriteDescriptor(ctx context.Context, dsc peripheral.Descriptor, data []byte) error {
	_, err := call(ctx, d, d.descWrites, dsc.Handle(), "write descriptor", func() {
		d.prph.WriteDescriptor(data, dsc)
	})
	return err
}

// StartNotifications subscribes to chr. fn receives every value update classified as a
// notification; disc may be nil.
func (d *Dispatcher) StartNotifications(ctx context.Context, chr peripheral.Characteristic, fn NotifyFunc, disc Discriminator) error {
	if fn == nil {
		return fmt.Errorf("notification callback is required")
	}
	h := chr.Handle()

	d.mu.Lock()
	if _, exists := d.notifiers[h]; exists {
		d.mu.Unlock()
		return &OperationError{Op: "start notifications for characteristic", Handle: h, Err: ErrNotifyStarted}
	}
	d.notifiers[h] = notifier{fn: fn, disc: disc}
	d.mu.Unlock()

	_, err := call(ctx, d, d.notifyChanges, h, "update notification state for characteristic", func() {
		d.prph.SetNotify(true, chr)
	})
	if err != nil {
		d.mu.Lock()
		delete(d.notifiers, h)
		d.mu.Unlock()
		return err
	}
	return nil
}

// StopNotifications unsubscribes from chr
func (d *Dispatcher) StopNotifications(ctx context.Context, chr peripheral.Characteristic) error {
	h := chr.Handle()

	d.mu.Lock()
	_, exists := d.notifiers[h]
	d.mu.Unlock()
	if !exists {
		return &OperationError{Op: "stop notifications for characteristic", Handle: h, Err: ErrNotifyNotStarted}
	}

	if _, err := call(ctx, d, d.notifyChanges, h, "update notification state for characteristic", func() {
		d.prph.SetNotify(false, chr)
	}); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.notifiers, h)
	d.mu.Unlock()
	return nil
}

// ReadRSSI reads the current signal strength of the connection
func (d *Dispatcher) ReadRSSI(ctx context.Context) (int, error) {
	return call(ctx, d, d.rssi, 0, "read RSSI", func() {
		d.prph.ReadRSSI()
	})
}

// Pending returns the number of outstanding requests
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.services) + len(d.characteristics) + len(d.descriptors) +
		len(d.charReads) + len(d.charWrites) + len(d.descReads) + len(d.descWrites) +
		len(d.notifyChanges) + len(d.rssi)
}

// Close fails every pending request with ErrDisconnected (wrapping cause, if any) and drops
// notification registrations. Requests issued afterwards fail immediately. Safe to call twice.
func (d *Dispatcher) Close(cause error) {
	closedErr := ErrDisconnected
	if cause != nil {
		closedErr = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}

	d.mu.Lock()
	if d.closed != nil {
		d.mu.Unlock()
		return
	}
	d.closed = closedErr

	var pending []failer
	pending = append(pending, d.services.drain()...)
	pending = append(pending, d.characteristics.drain()...)
	pending = append(pending, d.descriptors.drain()...)
	pending = append(pending, d.charReads.drain()...)
	pending = append(pending, d.charWrites.drain()...)
	pending = append(pending, d.descReads.drain()...)
	pending = append(pending, d.descWrites.drain()...)
	pending = append(pending, d.notifyChanges.drain()...)
	pending = append(pending, d.rssi.drain()...)
	d.notifiers = make(map[uint16]notifier)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"peripheral": d.prph.Identifier(),
		"pending":    len(pending),
	}).Debug("Dispatcher closed")

	for _, r := range pending {
		r.fail(closedErr)
	}
}

// ----------------------------
// Delegate callbacks
// ----------------------------

func (d *Dispatcher) unexpected(event string, h uint16, err error) {
	d.logger.WithFields(logrus.Fields{
		"peripheral": d.prph.Identifier(),
		"event":      event,
		"handle":     fmt.Sprintf("0x%04x", h),
		"error":      err,
	}).Warn("Unexpected peripheral event")
}

// DidDiscoverServices completes DiscoverServices
func (d *Dispatcher) DidDiscoverServices(p peripheral.Peripheral, err error) {
	r := lookup(d, d.services, 0)
	if r == nil {
		d.logger.WithField("peripheral", p.Identifier()).Debug("Services discovered without a pending request")
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "discover services", Err: err})
		return
	}
	d.logger.WithField("peripheral", p.Identifier()).Debug("Services discovered")
	r.resolve(p.Services(), nil)
}

// DidDiscoverCharacteristics completes DiscoverCharacteristics
func (d *Dispatcher) DidDiscoverCharacteristics(p peripheral.Peripheral, svc peripheral.Service, err error) {
	h := svc.Handle()
	r := lookup(d, d.characteristics, h)
	if r == nil {
		d.logger.WithField("handle", h).Debug("Characteristics discovered without a pending request")
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "discover characteristics for service", Handle: h, Err: err})
		return
	}
	r.resolve(svc.Characteristics(), nil)
}

// DidDiscoverDescriptors completes DiscoverDescriptors
func (d *Dispatcher) DidDiscoverDescriptors(p peripheral.Peripheral, chr peripheral.Characteristic, err error) {
	h := chr.Handle()
	r := lookup(d, d.descriptors, h)
	if r == nil {
		d.unexpected("did discover descriptors", h, err)
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "discover descriptors for characteristic", Handle: h, Err: err})
		return
	}
	r.resolve(chr.Descriptors(), nil)
}

// DidUpdateValueForCharacteristic routes a value update to the notification callback or to
// the pending read. An error always belongs to a read. Without a pending read the update
// is a notification; with one, the discriminator (if any) decides.
func (d *Dispatcher) DidUpdateValueForCharacteristic(p peripheral.Peripheral, chr peripheral.Characteristic, value []byte, err error) {
	h := chr.Handle()

	d.mu.Lock()
	r := d.charReads[h]
	n, subscribed := d.notifiers[h]
	d.mu.Unlock()

	if err == nil && subscribed && (r == nil || (n.disc != nil && n.disc(value))) {
		n.fn(chr, append([]byte(nil), value...))
		return
	}

	if r == nil {
		d.unexpected("did update value for characteristic", h, err)
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "read characteristic", Handle: h, Err: err})
		return
	}
	r.resolve(append([]byte{}, value...), nil)
}

// DidUpdateValueForDescriptor completes ReadDescriptor
func (d *Dispatcher) DidUpdateValueForDescriptor(p peripheral.Peripheral, dsc peripheral.Descriptor, value []byte, err error) {
	h := dsc.Handle()
	r := lookup(d, d.descReads, h)
	if r == nil {
		d.unexpected("did update value for descriptor", h, err)
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "read descriptor", Handle: h, Err: err})
		return
	}
	r.resolve(append([]byte{}, value...), nil)
}

// DidWriteValueForCharacteristic completes WriteCharacteristic with response.
// Write-without-response confirmations are dropped silently.
func (d *Dispatcher) DidWriteValueForCharacteristic(p peripheral.Peripheral, chr peripheral.Characteristic, err error) {
	h := chr.Handle()
	r := lookup(d, d.charWrites, h)
	if r == nil {
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "write characteristic", Handle: h, Err: err})
		return
	}
	r.resolve(struct{}{}, nil)
}

// DidWriteValueForDescriptor completes WriteDescriptor
func (d *Dispatcher) DidWriteValueForDescriptor(p peripheral.Peripheral, dsc peripheral.Descriptor, err error) {
	h := dsc.Handle()
	r := lookup(d, d.descWrites, h)
	if r == nil {
		d.unexpected("did write value for descriptor", h, err)
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "write descriptor", Handle: h, Err: err})
		return
	}
	r.resolve(struct{}{}, nil)
}

// DidUpdateNotificationState completes StartNotifications and StopNotifications
func (d *Dispatcher) DidUpdateNotificationState(p peripheral.Peripheral, chr peripheral.Characteristic, err error) {
	h := chr.Handle()
	r := lookup(d, d.notifyChanges, h)
	if r == nil {
		d.unexpected("did update notification state", h, err)
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "update notification state for characteristic", Handle: h, Err: err})
		return
	}
	r.resolve(struct{}{}, nil)
}

// DidReadRSSI completes ReadRSSI
func (d *Dispatcher) DidReadRSSI(p peripheral.Peripheral, rssi int, err error) {
	r := lookup(d, d.rssi, 0)
	if r == nil {
		d.unexpected("did read RSSI", 0, err)
		return
	}
	if err != nil {
		r.fail(&OperationError{Op: "read RSSI", Err: err})
		return
	}
	r.resolve(rssi, nil)
}

// DidUpdateName forwards name changes to Options.OnNameChange
func (d *Dispatcher) DidUpdateName(p peripheral.Peripheral) {
	d.logger.WithFields(logrus.Fields{
		"peripheral": p.Identifier(),
		"name":       p.Name(),
	}).Debug("Peripheral name changed")
	if d.opts.OnNameChange != nil {
		d.opts.OnNameChange(p)
	}
}

// DidModifyServices forwards service invalidation to Options.OnServicesModified
func (d *Dispatcher) DidModifyServices(p peripheral.Peripheral, invalidated []peripheral.Service) {
	uuids := make([]string, 0, len(invalidated))
	for _, svc := range invalidated {
		uuids = append(uuids, svc.UUID())
	}
	d.logger.WithFields(logrus.Fields{
		"peripheral":  p.Identifier(),
		"invalidated": uuids,
	}).Debug("Peripheral services modified")
	if d.opts.OnServicesModified != nil {
		d.opts.OnServicesModified(p, invalidated)
	}
}

// IsReadyToSendWriteWithoutResponse is logged only
func (d *Dispatcher) IsReadyToSendWriteWithoutResponse(p peripheral.Peripheral) {
	d.logger.WithField("peripheral", p.Identifier()).Debug("Peripheral ready to send write without response")
}
