package sim

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
)

// Name is the registry name of the simulated backend
const Name = "sim"

// ErrPeripheralNotFound is returned by Connect for unknown addresses
var ErrPeripheralNotFound = errors.New("peripheral not found")

//go:embed default_profile.yaml
var defaultProfile []byte

func init() {
	backend.Register(Name, func(cfg *config.Config, logger *logrus.Logger) (backend.Backend, error) {
		var (
			profile *Profile
			err     error
		)
		if cfg.Profile != "" {
			profile, err = LoadProfile(cfg.Profile)
		} else {
			profile, err = DefaultProfile()
		}
		if err != nil {
			return nil, err
		}
		return New(profile, logger)
	})
}

// DefaultProfile returns the built-in demo device profile
func DefaultProfile() (*Profile, error) {
	return ParseProfile(defaultProfile)
}

// Backend connects to peripherals of a simulated stack
type Backend struct {
	stack  *Stack
	logger *logrus.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend over a fresh stack loaded with profile (nil for an empty stack)
func New(profile *Profile, logger *logrus.Logger) (*Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	stack := NewStack(logger)
	if profile != nil {
		if err := stack.Load(profile); err != nil {
			stack.Close()
			return nil, err
		}
	}
	return &Backend{stack: stack, logger: logger}, nil
}

func (b *Backend) Name() string { return Name }

// Stack exposes the device side of the simulation
func (b *Backend) Stack() *Stack { return b.stack }

// Connect returns the peripheral registered under address
func (b *Backend) Connect(ctx context.Context, address string) (peripheral.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := b.stack.Lookup(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeripheralNotFound, address)
	}
	p.connect()
	b.logger.WithFields(logrus.Fields{
		"peripheral": p.Identifier(),
		"name":       p.Name(),
	}).Debug("Connected to simulated peripheral")
	return p, nil
}

// Disconnect drops subscriptions and the delegate binding, then drains pending events
func (b *Backend) Disconnect(prph peripheral.Peripheral) error {
	p, ok := prph.(*Peripheral)
	if !ok {
		return fmt.Errorf("not a simulated peripheral: %T", prph)
	}
	for _, c := range p.chars {
		c.setNotifying(false)
	}
	p.mu.Lock()
	p.delegate = nil
	p.discovered = nil
	p.mu.Unlock()
	b.stack.Flush()
	p.endLink(nil)
	return nil
}

// Close stops the stack
func (b *Backend) Close() error {
	b.stack.Close()
	return nil
}
