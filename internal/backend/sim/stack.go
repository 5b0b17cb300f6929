// Package sim is an in-process BLE stack. It answers peripheral commands on a single event
// goroutine, the way a platform stack delivers delegate callbacks on its own queue, and
// lets tests drive the device side: notifications, renames, service changes and faults.
package sim

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/groutine"
	"github.com/srg/blebind/internal/peripheral"
)

// Stack owns simulated peripherals and their event queue
type Stack struct {
	logger      *logrus.Logger
	peripherals *hashmap.Map[string, *Peripheral]
	events      *groutine.Queue
}

// NewStack creates a stack and starts its event goroutine
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		logger:      logger,
		peripherals: hashmap.New[string, *Peripheral](),
		events: groutine.NewQueue("sim-stack-events", func(r interface{}) {
			logger.WithField("panic", r).Error("Delegate callback panicked")
		}),
	}
}

// Load adds every peripheral of profile
func (s *Stack) Load(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	for _, cfg := range profile.Peripherals {
		if _, err := s.AddPeripheral(cfg); err != nil {
			return err
		}
	}
	return nil
}

// AddPeripheral registers a peripheral. Identifiers must be unique among live peripherals.
func (s *Stack) AddPeripheral(cfg PeripheralConfig) (*Peripheral, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("peripheral id is required")
	}
	p := newPeripheral(s, cfg)
	if _, loaded := s.peripherals.GetOrInsert(cfg.ID, p); loaded {
		return nil, fmt.Errorf("peripheral %q already exists", cfg.ID)
	}
	s.logger.WithFields(logrus.Fields{
		"peripheral": cfg.ID,
		"name":       cfg.Name,
		"services":   len(p.all),
	}).Debug("Simulated peripheral added")
	return p, nil
}

// Lookup returns the live peripheral with the given identifier
func (s *Stack) Lookup(id string) (*Peripheral, bool) {
	return s.peripherals.Get(id)
}

// Peripherals returns the identifiers of all live peripherals
func (s *Stack) Peripherals() []string {
	ids := make([]string, 0, s.peripherals.Len())
	s.peripherals.Range(func(id string, _ *Peripheral) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Destroy removes a peripheral. Its handle stays reachable but reports itself invalid,
// refuses delegate assignment and stops delivering callbacks. An open connection ends
// with ErrConnectionLost.
func (s *Stack) Destroy(id string) bool {
	p, ok := s.peripherals.Get(id)
	if !ok {
		return false
	}
	p.destroyed.Store(true)
	s.peripherals.Del(id)
	p.endLink(fmt.Errorf("%w: peripheral %q destroyed", peripheral.ErrConnectionLost, id))
	s.logger.WithField("peripheral", id).Debug("Simulated peripheral destroyed")
	return true
}

func (s *Stack) post(fn func()) {
	s.events.Post(fn)
}

// Flush blocks until every queued event, including events queued by callbacks, has been
// delivered. Must not be called from a delegate callback.
func (s *Stack) Flush() {
	s.events.Flush()
}

// Close delivers the remaining events and stops the event goroutine
func (s *Stack) Close() {
	s.events.Close()
}
