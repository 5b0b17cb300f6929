// Package client connects to a peripheral through a backend, binds a request dispatcher
// as its delegate and exposes blocking GATT operations.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/dispatch"
	"github.com/srg/blebind/internal/groutine"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
)

// ErrClosed is returned by operations on a disconnected client
var ErrClosed = errors.New("client disconnected")

// NotifyFunc receives notifications for a subscribed characteristic
type NotifyFunc func(chr peripheral.Characteristic, data []byte)

// Options configures a Client
type Options struct {
	Services       []string // Service filter for discovery, empty discovers everything
	UseCachedReads bool
	RequestTimeout time.Duration

	OnNameChange       func(name string)
	OnServicesModified func(invalidated []peripheral.Service)
	// OnDisconnect is called once when the platform drops the link. cause wraps
	// peripheral.ErrConnectionLost. It is not called for Disconnect.
	OnDisconnect func(cause error)
}

// OptionsFromConfig derives client options from application configuration
func OptionsFromConfig(cfg *config.Config) *Options {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Options{UseCachedReads: cfg.UseCachedReads, RequestTimeout: cfg.RequestTimeout}
}

// Client is a connected peripheral with its GATT tree discovered
type Client struct {
	backend backend.Backend
	prph    peripheral.Peripheral
	binder  *peripheral.DelegateBinder
	disp    *dispatch.Dispatcher
	opts    Options
	logger  *logrus.Logger

	done     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	gatt   *Collection
	closed bool
	lost   error
}

// Connect connects to address, binds the dispatcher to the peripheral and walks its GATT tree
func Connect(ctx context.Context, b backend.Backend, address string, opts *Options, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}

	prph, err := b.Connect(ctx, address)
	if err != nil {
		return nil, err
	}

	c := &Client{
		backend: b,
		prph:    prph,
		binder:  peripheral.NewDelegateBinder(logger),
		opts:    *opts,
		logger:  logger,
		gatt:    newCollection(),
		done:    make(chan struct{}),
	}
	c.disp = dispatch.New(prph, dispatch.Options{
		RequestTimeout:     opts.RequestTimeout,
		OnNameChange:       c.nameChanged,
		OnServicesModified: c.servicesModified,
	}, logger)

	if err := c.binder.Bind(c.disp, prph); err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to bind peripheral %s: %w", prph.Identifier(), err)
	}
	if n, ok := prph.(peripheral.DisconnectNotifier); ok {
		c.watchLink(n)
	}

	if err := c.discover(ctx); err != nil {
		c.abort()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"peripheral":      prph.Identifier(),
		"services":        len(c.gatt.Services()),
		"characteristics": len(c.gatt.Characteristics()),
	}).Info("GATT profile discovered")
	return c, nil
}

// discover walks services, characteristics and descriptors
func (c *Client) discover(ctx context.Context) error {
	svcs, err := c.disp.DiscoverServices(ctx, c.opts.Services)
	if err != nil {
		return err
	}

	gatt := newCollection()
	var chars []peripheral.Characteristic
	for _, svc := range sortByHandle(svcs) {
		gatt.addService(svc)
		found, err := c.disp.DiscoverCharacteristics(ctx, svc)
		if err != nil {
			return err
		}
		chars = append(chars, found...)
	}
	for _, chr := range sortByHandle(chars) {
		dscs, err := c.disp.DiscoverDescriptors(ctx, chr)
		if err != nil {
			return err
		}
		gatt.addCharacteristic(chr, dscs)
	}

	c.mu.Lock()
	c.gatt = gatt
	c.mu.Unlock()
	return nil
}

func (c *Client) abort() {
	c.stopWatch()
	c.disp.Close(nil)
	if err := c.binder.Clear(c.prph); err != nil && !peripheral.IsBindFailure(err, peripheral.InvalidHandle) {
		c.logger.WithField("error", err).Debug("Failed to clear delegate")
	}
	if err := c.backend.Disconnect(c.prph); err != nil {
		c.logger.WithField("error", err).Warn("Failed to disconnect after setup error")
	}
}

func (c *Client) nameChanged(p peripheral.Peripheral) {
	if c.opts.OnNameChange != nil {
		c.opts.OnNameChange(p.Name())
	}
}

// watchLink fails pending requests and notifies the caller when the platform drops the link
func (c *Client) watchLink(n peripheral.DisconnectNotifier) {
	groutine.Go(context.Background(), "client-link-"+c.prph.Identifier(), func(context.Context) {
		select {
		case <-n.Disconnected():
		case <-c.done:
			return
		}
		c.linkLost(n.DisconnectCause())
	})
}

func (c *Client) stopWatch() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) linkLost(cause error) {
	if cause == nil {
		cause = peripheral.ErrConnectionLost
	}
	c.mu.Lock()
	if c.closed || c.lost != nil {
		c.mu.Unlock()
		return
	}
	c.lost = cause
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peripheral": c.prph.Identifier(),
		"cause":      cause,
	}).Warn("Peripheral connection lost")

	c.disp.Close(cause)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(cause)
	}
}

// IsConnected reports whether the client is neither disconnected nor has lost its link
func (c *Client) IsConnected() bool {
	return c.check() == nil
}

func (c *Client) servicesModified(_ peripheral.Peripheral, invalidated []peripheral.Service) {
	c.mu.Lock()
	c.gatt = c.gatt.without(invalidated)
	c.mu.Unlock()
	if c.opts.OnServicesModified != nil {
		c.opts.OnServicesModified(invalidated)
	}
}

// Peripheral returns the underlying peripheral handle
func (c *Client) Peripheral() peripheral.Peripheral { return c.prph }

// GATT returns the discovered GATT tree
func (c *Client) GATT() *Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gatt
}

// Services returns the discovered services in handle order
func (c *Client) Services() []peripheral.Service {
	return c.GATT().Services()
}

// Rediscover walks the GATT tree again, e.g. after the peripheral reported modified services
func (c *Client) Rediscover(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.discover(ctx)
}

func (c *Client) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.lost != nil {
		return fmt.Errorf("%w: %w", dispatch.ErrDisconnected, c.lost)
	}
	return nil
}

func (c *Client) characteristic(ref string) (peripheral.Characteristic, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.GATT().Characteristic(ref)
}

// ReadGATTChar reads the characteristic ref (a UUID or "@handle")
func (c *Client) ReadGATTChar(ctx context.Context, ref string) ([]byte, error) {
	chr, err := c.characteristic(ref)
	if err != nil {
		return nil, err
	}
	return c.disp.ReadCharacteristic(ctx, chr, c.opts.UseCachedReads)
}

// WriteGATTChar writes data to the characteristic ref. A write without response is
// rejected when data exceeds the maximum write length.
func (c *Client) WriteGATTChar(ctx context.Context, ref string, data []byte, withResponse bool) error {
	chr, err := c.characteristic(ref)
	if err != nil {
		return err
	}
	wt := peripheral.WithResponse
	if !withResponse {
		wt = peripheral.WithoutResponse
		if limit := c.prph.MaximumWriteValueLength(wt); len(data) > limit {
			return fmt.Errorf("data length %d exceeds maximum write without response length %d", len(data), limit)
		}
	}
	return c.disp.WriteCharacteristic(ctx, chr, data, wt)
}

// ReadGATTDescriptor reads the descriptor uuid of characteristic ref
func (c *Client) ReadGATTDescriptor(ctx context.Context, ref, uuid string) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	dsc, err := c.GATT().Descriptor(ref, uuid)
	if err != nil {
		return nil, err
	}
	return c.disp.ReadDescriptor(ctx, dsc, c.opts.UseCachedReads)
}

// WriteGATTDescriptor writes data to the descriptor uuid of characteristic ref
func (c *Client) WriteGATTDescriptor(ctx context.Context, ref, uuid string, data []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	dsc, err := c.GATT().Descriptor(ref, uuid)
	if err != nil {
		return err
	}
	return c.disp.WriteDescriptor(ctx, dsc, data)
}

// StartNotify subscribes to the characteristic ref
func (c *Client) StartNotify(ctx context.Context, ref string, fn NotifyFunc) error {
	chr, err := c.characteristic(ref)
	if err != nil {
		return err
	}
	if !chr.Properties().CanSubscribe() {
		return fmt.Errorf("characteristic %s does not support notifications (properties: %s)", ref, chr.Properties())
	}
	if fn == nil {
		return fmt.Errorf("notification callback is required")
	}
	return c.disp.StartNotifications(ctx, chr, dispatch.NotifyFunc(fn), nil)
}

// StopNotify unsubscribes from the characteristic ref
func (c *Client) StopNotify(ctx context.Context, ref string) error {
	chr, err := c.characteristic(ref)
	if err != nil {
		return err
	}
	return c.disp.StopNotifications(ctx, chr)
}

// ReadRSSI reads the connection's signal strength
func (c *Client) ReadRSSI(ctx context.Context) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.disp.ReadRSSI(ctx)
}

// MTU returns the ATT MTU derived from the maximum write-without-response length
func (c *Client) MTU() int {
	return c.prph.MaximumWriteValueLength(peripheral.WithoutResponse) + 3
}

// Disconnect clears the delegate, fails pending requests and disconnects. Safe to call twice,
// and after the link was lost.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lost := c.lost
	c.mu.Unlock()
	c.stopWatch()

	if err := c.binder.Clear(c.prph); err != nil && !peripheral.IsBindFailure(err, peripheral.InvalidHandle) {
		c.logger.WithFields(logrus.Fields{
			"peripheral": c.prph.Identifier(),
			"error":      err,
		}).Warn("Failed to clear peripheral delegate")
	}
	c.disp.Close(nil)

	if err := c.backend.Disconnect(c.prph); err != nil {
		if lost == nil {
			return fmt.Errorf("failed to disconnect: %w", err)
		}
		c.logger.WithFields(logrus.Fields{
			"peripheral": c.prph.Identifier(),
			"error":      err,
		}).Debug("Backend disconnect after link loss failed")
	}
	c.logger.WithField("peripheral", c.prph.Identifier()).Info("Peripheral disconnected")
	return nil
}
