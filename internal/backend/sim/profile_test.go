package sim_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/internal/backend/sim"
	"github.com/srg/blebind/internal/peripheral"
	"github.com/srg/blebind/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfile(t *testing.T) {
	data := []byte(`
peripherals:
  - id: dev-1
    name: Sensor
    mtu: 100
    services:
      - uuid: "0x180F"
        characteristics:
          - uuid: 2A19
            properties: read,notify
            hex: "64"
          - uuid: 2A1A
            value: "on"
`)
	p, err := sim.ParseProfile(data)
	require.NoError(t, err)
	require.Len(t, p.Peripherals, 1)
	assert.Equal(t, "Sensor", p.Peripherals[0].Name)
	assert.Equal(t, 100, p.Peripherals[0].MTU)

	stack := sim.NewStack(nil)
	defer stack.Close()
	require.NoError(t, stack.Load(p))

	prph, ok := stack.Lookup("dev-1")
	require.True(t, ok)
	assert.Equal(t, 97, prph.MaximumWriteValueLength(peripheral.WithoutResponse))

	battery := prph.Characteristic("2a19")
	require.NotNil(t, battery)
	assert.Equal(t, []byte{0x64}, battery.Value())

	// Empty properties default to read,write,notify
	other := prph.Characteristic("2a1a")
	require.NotNil(t, other)
	assert.Equal(t, "read,write,notify", other.Properties().String())
	assert.Equal(t, []byte("on"), other.Value())
}

func TestParseProfileErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing id",
			yaml:    "peripherals:\n  - name: x\n",
			wantErr: "has no id",
		},
		{
			name:    "duplicate id",
			yaml:    "peripherals:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate peripheral id",
		},
		{
			name:    "unknown property",
			yaml:    "peripherals:\n  - id: a\n    services:\n      - uuid: 180f\n        characteristics:\n          - uuid: 2a19\n            properties: fly\n",
			wantErr: "unknown characteristic property",
		},
		{
			name:    "bad hex",
			yaml:    "peripherals:\n  - id: a\n    services:\n      - uuid: 180f\n        characteristics:\n          - uuid: 2a19\n            hex: zz\n",
			wantErr: "invalid hex value",
		},
		{
			name:    "malformed yaml",
			yaml:    "peripherals: [",
			wantErr: "failed to parse device profile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sim.ParseProfile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProfileBuilderPanicsOutOfOrder(t *testing.T) {
	assert.Panics(t, func() { sim.NewProfileBuilder().WithService("180f") })
	assert.Panics(t, func() { sim.NewProfileBuilder().WithPeripheral("a", "").WithCharacteristic("2a19", "", nil) })
	assert.Panics(t, func() { sim.NewProfileBuilder().WithPeripheral("a", "").WithService("180f").WithDescriptor("2901", nil) })
}

func TestLoadProfileFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peripherals:\n  - id: file-dev\n"), 0o600))

	p, err := sim.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "file-dev", p.Peripherals[0].ID)

	_, err = sim.LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read device profile")
}

func TestBackendRegistered(t *testing.T) {
	assert.Contains(t, backend.Names(), sim.Name)

	b, err := backend.New(sim.Name, config.DefaultConfig(), nil)
	require.NoError(t, err)
	defer b.(*sim.Backend).Close()

	prph, err := b.Connect(context.Background(), "sim-hrm-01")
	require.NoError(t, err)
	assert.Equal(t, "Sim Heart Rate", prph.Name())

	_, err = b.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, sim.ErrPeripheralNotFound)

	require.NoError(t, b.Disconnect(prph))
}

func TestConnectHonorsCanceledContext(t *testing.T) {
	b, err := sim.New(nil, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Connect(ctx, "any")
	assert.ErrorIs(t, err, context.Canceled)
}
