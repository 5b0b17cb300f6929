package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/backend/sim"
	"github.com/srg/blebind/internal/dispatch"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/internal/testutils"
	"github.com/srg/blebind/pkg/client"
	"github.com/srg/blebind/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// syncBuffer is a bytes.Buffer safe for writes from notification callbacks
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type CommandTestSuite struct {
	suite.Suite
	originalBackend func(string, *config.Config, *logrus.Logger) (backend.Backend, error)
}

func (suite *CommandTestSuite) SetupTest() {
	suite.originalBackend = newBackend
}

func (suite *CommandTestSuite) TearDownTest() {
	newBackend = suite.originalBackend
}

// ExecuteCommand runs a fresh command tree with args, returns stdout and error
func (suite *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := &syncBuffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs(append([]string{"--no-color", "--backend", "sim"}, args...))
	err := root.Execute()
	return out.String(), err
}

func (suite *CommandTestSuite) TestBackendsListsRegistered() {
	out, err := suite.ExecuteCommand("backends")
	suite.Require().NoError(err)

	suite.Contains(out, "* sim", "Selected backend MUST be marked")
	suite.Contains(out, "  goble")
	suite.Contains(out, "  bluez")
}

func (suite *CommandTestSuite) TestRead() {
	// GOAL: read prints characteristic and descriptor values from the simulated device
	//
	// TEST SCENARIO: read by UUID, by handle and a descriptor → expected bytes

	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"uuid as hex", []string{"read", "sim-hrm-01", "2a19", "--hex"}, "5a\n"},
		{"uuid raw", []string{"read", "sim-hrm-01", "2a29"}, "blebind"},
		{"full uuid", []string{"read", "sim-hrm-01", "00002a24-0000-1000-8000-00805f9b34fb"}, "SIM-HRM"},
		{"handle", []string{"read", "sim-hrm-01", "@0x0006", "--hex"}, "01\n"},
		{"descriptor", []string{"read", "sim-hrm-01", "2a19", "--desc", "2902", "--hex"}, "0000\n"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			out, err := suite.ExecuteCommand(tt.args...)
			suite.Require().NoError(err)
			suite.Equal(tt.expected, out)
		})
	}
}

func (suite *CommandTestSuite) TestReadErrors() {
	_, err := suite.ExecuteCommand("read", "sim-hrm-01", "2a37")
	suite.ErrorIs(err, sim.ErrReadNotPermitted, "Reading a notify-only characteristic MUST fail")

	_, err = suite.ExecuteCommand("read", "sim-hrm-01", "2a00")
	suite.ErrorIs(err, client.ErrNotFound)

	_, err = suite.ExecuteCommand("read", "missing", "2a19")
	suite.ErrorIs(err, sim.ErrPeripheralNotFound)
}

func (suite *CommandTestSuite) TestWrite() {
	out, err := suite.ExecuteCommand("write", "sim-uart-01", "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "hello")
	suite.Require().NoError(err)
	suite.Equal("Wrote 5 bytes\n", out)

	out, err = suite.ExecuteCommand("write", "sim-uart-01", "6e400002b5a3f393e0a9e50e24dcca9e", "01:02:ff", "--hex", "--no-response")
	suite.Require().NoError(err)
	suite.Equal("Wrote 3 bytes\n", out)

	out, err = suite.ExecuteCommand("write", "sim-uart-01", "6e400002b5a3f393e0a9e50e24dcca9e", "Console", "--desc", "2901")
	suite.Require().NoError(err)
	suite.Equal("Wrote 7 bytes\n", out)

	_, err = suite.ExecuteCommand("write", "sim-uart-01", "6e400002b5a3f393e0a9e50e24dcca9e", "zz", "--hex")
	suite.ErrorContains(err, "invalid hex data")

	_, err = suite.ExecuteCommand("write", "sim-hrm-01", "2a29", "x")
	suite.ErrorIs(err, sim.ErrWriteNotPermitted)
}

func (suite *CommandTestSuite) TestInspectTable() {
	out, err := suite.ExecuteCommand("inspect", "sim-hrm-01", "--read")
	suite.Require().NoError(err)

	suite.Contains(out, "Device sim-hrm-01 (Sim Heart Rate)")
	suite.Contains(out, "MTU 185")
	suite.Contains(out, "Service 180d [0x0001]")
	suite.Contains(out, "  Characteristic 2a37 [0x0003] notify\n")
	suite.Contains(out, "    Descriptor 2902 [0x0004] = 0000 (notifications=off indications=off)")
	suite.Contains(out, `Characteristic 2a29 [0x000d] read = "blebind"`)

	suite.Less(strings.Index(out, "Service 180d"), strings.Index(out, "Service 180f"), "Services MUST be printed in handle order")
	suite.Less(strings.Index(out, "Service 180f"), strings.Index(out, "Service 180a"))
}

func (suite *CommandTestSuite) TestInspectJSON() {
	out, err := suite.ExecuteCommand("inspect", "sim-hrm-01", "--read", "--hex", "--output", "json")
	suite.Require().NoError(err)

	var report inspectReport
	suite.Require().NoError(json.Unmarshal([]byte(out), &report))
	suite.Equal("sim-hrm-01", report.ID)
	suite.Equal(-58, report.RSSI)
	suite.Require().Len(report.Services, 3)

	battery := report.Services[1]
	suite.Equal("180f", battery.UUID)
	suite.Require().Len(battery.Characteristics, 1)
	suite.Equal("5a", battery.Characteristics[0].Value)
	suite.Equal("read,notify", battery.Characteristics[0].Properties)
	suite.Require().Len(battery.Characteristics[0].Descriptors, 1)
	cccd := battery.Characteristics[0].Descriptors[0]
	suite.Equal("Client Characteristic Configuration", cccd.Name)
	suite.Equal("notifications=off indications=off", cccd.Decoded)
}

func (suite *CommandTestSuite) TestInspectLayout() {
	// GOAL: The table layout lists every attribute in handle order, with the CCCD the stack adds ahead of configured descriptors
	//
	// TEST SCENARIO: inspect the UART device without reads → exact table

	out, err := suite.ExecuteCommand("inspect", "sim-uart-01")
	suite.Require().NoError(err)

	testutils.AssertText(suite.T(), `
Device sim-uart-01 (Sim UART)  RSSI -71 dBm  MTU 247
Service 6e400001b5a3f393e0a9e50e24dcca9e [0x0001]
  Characteristic 6e400002b5a3f393e0a9e50e24dcca9e [0x0003] write-without-response,write
    Descriptor 2901 [0x0004]
  Characteristic 6e400003b5a3f393e0a9e50e24dcca9e [0x0006] notify
    Descriptor 2902 [0x0007]
    Descriptor 2901 [0x0008]
`, out)
}

func (suite *CommandTestSuite) TestInspectJSONDocument() {
	out, err := suite.ExecuteCommand("inspect", "sim-uart-01", "--read", "--output", "json")
	suite.Require().NoError(err)

	testutils.AssertJSON(suite.T(), `{
  "id": "sim-uart-01",
  "name": "Sim UART",
  "rssi": -71,
  "mtu": 247,
  "services": [{
    "uuid": "6e400001b5a3f393e0a9e50e24dcca9e",
    "handle": 1,
    "primary": true,
    "characteristics": [
      {
        "uuid": "6e400002b5a3f393e0a9e50e24dcca9e",
        "handle": 3,
        "properties": "write-without-response,write",
        "descriptors": [{"uuid": "2901", "handle": 4, "value": "\"RX\"", "decoded": "\"RX\""}]
      },
      {
        "uuid": "6e400003b5a3f393e0a9e50e24dcca9e",
        "handle": 6,
        "properties": "notify",
        "descriptors": [
          {"uuid": "2902", "handle": 7, "name": "<<PRESENCE>>", "value": "0000"},
          {"uuid": "2901", "handle": 8, "value": "\"TX\""}
        ]
      }
    ]
  }]
}`, out)
}

func (suite *CommandTestSuite) TestEnvironmentOverridesOutputFormat() {
	suite.T().Setenv("BLEBIND_OUTPUT_FORMAT", "json")

	out, err := suite.ExecuteCommand("inspect", "sim-uart-01")
	suite.Require().NoError(err)
	suite.True(json.Valid([]byte(out)), "BLEBIND_OUTPUT_FORMAT MUST switch inspect to JSON")
	suite.Contains(out, `"mtu": 247`)
}

func (suite *CommandTestSuite) TestConfigFile() {
	// GOAL: A config file selects the sim backend and its device profile
	//
	// TEST SCENARIO: write profile + config → read from the profiled device → value from the profile

	dir := suite.T().TempDir()
	profilePath := filepath.Join(dir, "devices.yaml")
	suite.Require().NoError(os.WriteFile(profilePath, []byte(`
peripherals:
  - id: "bench-01"
    services:
      - uuid: "ffe0"
        characteristics:
          - uuid: "ffe1"
            properties: "read"
            value: "from-profile"
`), 0o600))

	configPath := filepath.Join(dir, "config.yaml")
	suite.Require().NoError(os.WriteFile(configPath, []byte(fmt.Sprintf("backend: sim\nprofile: %s\nlog_level: error\n", profilePath)), 0o600))

	root := newRootCmd()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs([]string{"--no-color", "--config", configPath, "read", "bench-01", "ffe1"})
	suite.Require().NoError(root.Execute())
	suite.Equal("from-profile", out.String())
}

func (suite *CommandTestSuite) TestInvalidConfiguration() {
	_, err := suite.ExecuteCommand("--output", "xml", "backends")
	suite.ErrorContains(err, "invalid output format")

	_, err = suite.ExecuteCommand("--backend", "nope", "read", "dev", "2a19")
	suite.ErrorIs(err, backend.ErrUnknownBackend)

	_, err = suite.ExecuteCommand("--config", filepath.Join(suite.T().TempDir(), "missing.yaml"), "backends")
	suite.ErrorContains(err, "failed to read config file")
}

func (suite *CommandTestSuite) TestSubscribe() {
	// GOAL: subscribe prints notifications and stops after --count
	//
	// TEST SCENARIO: start subscribe → wait for CCCD → device notifies twice → command exits → two hex lines

	b, err := sim.New(mustDefaultProfile(suite.T()), nil)
	suite.Require().NoError(err)
	newBackend = func(string, *config.Config, *logrus.Logger) (backend.Backend, error) { return b, nil }
	prph, ok := b.Stack().Lookup("sim-hrm-01")
	suite.Require().True(ok)

	out := &syncBuffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs([]string{"--no-color", "subscribe", "sim-hrm-01", "2a37", "--hex", "--count", "2", "--duration", "5s"})

	result := make(chan error, 1)
	go func() { result <- root.Execute() }()

	suite.Require().Eventually(func() bool {
		return prph.Characteristic("2a37").Notifying()
	}, 2*time.Second, 10*time.Millisecond, "subscribe MUST enable notifications")

	suite.Require().NoError(prph.Notify("2a37", []byte{0x00, 0x50}))
	suite.Require().NoError(prph.Notify("2a37", []byte{0x00, 0x51}))

	select {
	case err := <-result:
		suite.Require().NoError(err)
	case <-time.After(5 * time.Second):
		suite.FailNow("subscribe MUST exit after --count notifications")
	}
	suite.Equal("0050\n0051\n", out.String())
	suite.False(prph.Characteristic("2a37").Notifying(), "subscribe MUST unsubscribe on exit")
}

func (suite *CommandTestSuite) TestSubscribeEndsWhenDeviceDisappears() {
	// GOAL: A subscription ends with a connection-lost error when the device goes away
	//
	// TEST SCENARIO: start subscribe without limits → destroy device → command fails promptly

	b, err := sim.New(mustDefaultProfile(suite.T()), nil)
	suite.Require().NoError(err)
	newBackend = func(string, *config.Config, *logrus.Logger) (backend.Backend, error) { return b, nil }
	prph, ok := b.Stack().Lookup("sim-hrm-01")
	suite.Require().True(ok)

	root := newRootCmd()
	root.SetOut(&syncBuffer{})
	root.SetErr(&syncBuffer{})
	root.SetArgs([]string{"--no-color", "subscribe", "sim-hrm-01", "2a37", "--hex"})

	result := make(chan error, 1)
	go func() { result <- root.Execute() }()

	suite.Require().Eventually(func() bool {
		return prph.Characteristic("2a37").Notifying()
	}, 2*time.Second, 10*time.Millisecond)

	suite.Require().True(b.Stack().Destroy("sim-hrm-01"))

	select {
	case err := <-result:
		suite.Require().ErrorIs(err, peripheral.ErrConnectionLost)
		suite.Contains(FormatUserError(err), "device disconnected")
	case <-time.After(5 * time.Second):
		suite.FailNow("subscribe MUST exit when the device disappears")
	}
}

func (suite *CommandTestSuite) TestSubscribeRejectsPlainCharacteristic() {
	_, err := suite.ExecuteCommand("subscribe", "sim-hrm-01", "2a29", "--count", "1")
	suite.ErrorContains(err, "does not support notifications")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func mustDefaultProfile(t *testing.T) *sim.Profile {
	p, err := sim.DefaultProfile()
	require.NoError(t, err)
	return p
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"invalid handle", peripheral.NewBindError(peripheral.InvalidHandle, nil, "gone"), "no longer valid"},
		{"unsupported api", fmt.Errorf("bind: %w", peripheral.NewBindError(peripheral.UnsupportedPlatformAPI, nil, "fixed")), "cannot attach a delegate"},
		{"bluetooth off", fmt.Errorf("connect: %w", backend.ErrBluetoothOff), "Bluetooth is turned off"},
		{"ambiguous", fmt.Errorf("%w: ffe1", client.ErrAmbiguous), "select one by handle"},
		{"disconnected", fmt.Errorf("read: %w", dispatch.ErrDisconnected), "device disconnected"},
		{"connection lost", fmt.Errorf("subscribe: %w", peripheral.ErrConnectionLost), "device disconnected"},
		{"timeout", &dispatch.OperationError{Op: "read characteristic", Handle: 3, Err: context.DeadlineExceeded}, "timed out"},
		{"other", errors.New("plain failure"), "plain failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
	assert.Empty(t, FormatUserError(nil))
}

func TestParseData(t *testing.T) {
	data, err := parseData("01 02:0x03-ff", true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0xff}, data)

	data, err = parseData("text", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("text"), data)

	_, err = parseData("0g", true)
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, `"blebind"`, formatValue([]byte("blebind"), false))
	assert.Equal(t, "626c65", formatValue([]byte("ble"), true))
	assert.Equal(t, "0048", formatValue([]byte{0x00, 0x48}, false))
	assert.Equal(t, "", formatValue(nil, false))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
