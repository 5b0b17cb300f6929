package sim_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/srg/blebind/internal/backend/sim"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/stretchr/testify/suite"
)

// eventLog is a delegate that records the callbacks it receives
type eventLog struct {
	peripheral.DelegateBase

	mu     sync.Mutex
	events []string
	values map[uint16][]byte
	errs   []error
}

func newEventLog() *eventLog {
	return &eventLog{values: make(map[uint16][]byte)}
}

func (l *eventLog) record(event string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *eventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *eventLog) Value(h uint16) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values[h]
}

func (l *eventLog) DidDiscoverServices(p peripheral.Peripheral, err error) {
	l.record("services", err)
}

func (l *eventLog) DidUpdateValueForCharacteristic(p peripheral.Peripheral, chr peripheral.Characteristic, value []byte, err error) {
	l.mu.Lock()
	l.values[chr.Handle()] = value
	l.mu.Unlock()
	l.record("value", err)
}

func (l *eventLog) DidWriteValueForCharacteristic(p peripheral.Peripheral, chr peripheral.Characteristic, err error) {
	l.record("write", err)
}

func (l *eventLog) DidUpdateNotificationState(p peripheral.Peripheral, chr peripheral.Characteristic, err error) {
	l.record("notify-state", err)
}

func (l *eventLog) DidReadRSSI(p peripheral.Peripheral, rssi int, err error) {
	l.record("rssi", err)
}

func (l *eventLog) DidUpdateName(p peripheral.Peripheral) {
	l.record("name:"+p.Name(), nil)
}

func (l *eventLog) DidModifyServices(p peripheral.Peripheral, invalidated []peripheral.Service) {
	for _, svc := range invalidated {
		l.record("modified:"+svc.UUID(), nil)
	}
}

type SimStackTestSuite struct {
	suite.Suite
	stack *sim.Stack
	prph  *sim.Peripheral
}

func (suite *SimStackTestSuite) SetupTest() {
	suite.stack = sim.NewStack(nil)
	profile := sim.NewProfileBuilder().
		WithPeripheral("dev-1", "Thermo").
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", []byte{0x64}).
		WithService("1809").
		WithCharacteristic("2a1c", "read,write", []byte{0x01, 0x02}).
		WithDescriptor("2901", []byte("Temperature")).
		Build()
	suite.Require().NoError(suite.stack.Load(profile))

	var ok bool
	suite.prph, ok = suite.stack.Lookup("dev-1")
	suite.Require().True(ok, "loaded peripheral MUST be found")
}

func (suite *SimStackTestSuite) TearDownTest() {
	suite.stack.Close()
}

func (suite *SimStackTestSuite) discover() {
	suite.prph.DiscoverServices(nil)
	suite.stack.Flush()
}

func (suite *SimStackTestSuite) TestServicesDiscoveredCallbackReachesNewDelegateOnly() {
	// GOAL: After rebinding, platform callbacks arrive on the newly assigned delegate and never on the previous one
	//
	// TEST SCENARIO: bind first → bind second → discover services → only second sees the callback

	first, second := newEventLog(), newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(first, suite.prph))
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(second, suite.prph))

	suite.discover()

	suite.Empty(first.Events(), "previous delegate MUST NOT receive callbacks")
	suite.Equal([]string{"services"}, second.Events(), "new delegate MUST receive the services callback")
	suite.Len(suite.prph.Services(), 2)
}

func (suite *SimStackTestSuite) TestDelegateResolvedAtDeliveryTime() {
	// GOAL: A command issued before a rebind is answered to the delegate bound when the callback fires

	first, second := newEventLog(), newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(first, suite.prph))

	suite.stack.Flush()
	suite.prph.ReadRSSI()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(second, suite.prph))
	suite.stack.Flush()

	// The rebind may land before or after delivery; exactly one delegate sees the event
	suite.Equal(1, len(first.Events())+len(second.Events()), "callback MUST be delivered exactly once")
}

func (suite *SimStackTestSuite) TestClearedDelegateReceivesNothing() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(nil, suite.prph))

	suite.discover()

	suite.Empty(log.Events(), "cleared delegate MUST NOT receive callbacks")
	suite.Nil(suite.prph.Delegate())
}

func (suite *SimStackTestSuite) TestDestroyedPeripheralIsInvalidHandle() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))
	suite.Require().True(suite.stack.Destroy("dev-1"))

	err := peripheral.AssignPeripheralDelegate(newEventLog(), suite.prph)
	suite.ErrorIs(err, peripheral.ErrInvalidHandle, "destroyed handle MUST be rejected as invalid")
	suite.Same(log, suite.prph.Delegate(), "failed assignment MUST leave the previous delegate in place")

	suite.discover()
	suite.Empty(log.Events(), "destroyed peripheral MUST NOT deliver callbacks")

	_, ok := suite.stack.Lookup("dev-1")
	suite.False(ok)
	suite.False(suite.stack.Destroy("dev-1"), "second destroy MUST report nothing removed")
}

func (suite *SimStackTestSuite) TestSetDelegateOnDestroyedReturnsBindError() {
	suite.stack.Destroy("dev-1")

	err := suite.prph.SetDelegate(newEventLog())
	suite.True(peripheral.IsBindFailure(err, peripheral.InvalidHandle))
}

func (suite *SimStackTestSuite) TestReadWriteAndPermissions() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))
	suite.discover()

	battery := suite.prph.Characteristic("2a19")
	suite.Require().NotNil(battery)
	suite.prph.ReadCharacteristic(battery)
	suite.stack.Flush()
	suite.Equal([]byte{0x64}, log.Value(battery.Handle()))

	suite.prph.WriteCharacteristic([]byte{0x01}, battery, peripheral.WithResponse)
	suite.stack.Flush()
	errs := log.Errors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], sim.ErrWriteNotPermitted, "write to read-only characteristic MUST fail")

	temp := suite.prph.Characteristic("2a1c")
	suite.prph.WriteCharacteristic([]byte{0x07}, temp, peripheral.WithResponse)
	suite.stack.Flush()
	suite.Equal([]byte{0x07}, temp.Value(), "successful write MUST update the stored value")
}

func (suite *SimStackTestSuite) TestWriteWithoutResponseHasNoCallback() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))

	temp := suite.prph.Characteristic("2a1c")
	suite.prph.WriteCharacteristic([]byte{0x09}, temp, peripheral.WithoutResponse)
	suite.stack.Flush()

	suite.Empty(log.Events())
	suite.Equal([]byte{0x01, 0x02}, temp.Value(), "write without response MUST be refused when the property is missing")
}

func (suite *SimStackTestSuite) TestNotifyRequiresSubscription() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))

	suite.ErrorIs(suite.prph.Notify("2a19", []byte{0x50}), sim.ErrNotSubscribed)

	battery := suite.prph.Characteristic("2a19")
	suite.prph.SetNotify(true, battery)
	suite.stack.Flush()
	suite.True(battery.Notifying())

	suite.Require().NoError(suite.prph.Notify("2a19", []byte{0x50}))
	suite.stack.Flush()
	suite.Equal([]string{"notify-state", "value"}, log.Events())
	suite.Equal([]byte{0x50}, log.Value(battery.Handle()))

	var cccd peripheral.Descriptor
	for _, d := range battery.Descriptors() {
		if d.UUID() == "2902" {
			cccd = d
		}
	}
	suite.Require().NotNil(cccd, "notifiable characteristic MUST get a client configuration descriptor")
	suite.Equal([]byte{0x01, 0x00}, cccd.Value())
}

func (suite *SimStackTestSuite) TestFaultsAreDeliveredAndDropped() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))

	boom := errors.New("boom")
	suite.prph.SetFault(sim.OpReadRSSI, boom)
	suite.prph.ReadRSSI()
	suite.stack.Flush()
	suite.Require().Len(log.Errors(), 1)
	suite.ErrorIs(log.Errors()[0], boom)

	suite.prph.SetFault(sim.OpReadRSSI, sim.ErrDropResponse)
	suite.prph.ReadRSSI()
	suite.stack.Flush()
	suite.Len(log.Events(), 1, "dropped response MUST NOT produce a callback")

	suite.prph.SetFault(sim.OpReadRSSI, nil)
	suite.prph.ReadRSSI()
	suite.stack.Flush()
	suite.Len(log.Events(), 2)
}

func (suite *SimStackTestSuite) TestNameAndServiceChanges() {
	log := newEventLog()
	suite.Require().NoError(peripheral.AssignPeripheralDelegate(log, suite.prph))
	suite.discover()

	suite.prph.SetName("Thermo v2")
	suite.prph.InvalidateServices("1809")
	suite.stack.Flush()

	suite.Equal([]string{"services", "name:Thermo v2", "modified:1809"}, log.Events())
	suite.Len(suite.prph.Services(), 1)
}

func (suite *SimStackTestSuite) TestMaximumWriteValueLength() {
	suite.Equal(182, suite.prph.MaximumWriteValueLength(peripheral.WithoutResponse))
	suite.Equal(512, suite.prph.MaximumWriteValueLength(peripheral.WithResponse))
}

func (suite *SimStackTestSuite) TestDuplicatePeripheralRejected() {
	_, err := suite.stack.AddPeripheral(sim.PeripheralConfig{ID: "dev-1"})
	suite.Error(err)
	suite.ElementsMatch([]string{"dev-1"}, suite.stack.Peripherals())
}

func TestSimStackTestSuite(t *testing.T) {
	suite.Run(t, new(SimStackTestSuite))
}
