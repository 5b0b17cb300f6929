package peripheral

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit UUID formats
		{name: "16-bit UUID lowercase", input: "2902", expected: "2902"},
		{name: "16-bit UUID uppercase", input: "2A19", expected: "2a19"},
		{name: "16-bit UUID with 0x prefix", input: "0x2902", expected: "2902"},
		{name: "16-bit UUID with 0X prefix", input: "0X2902", expected: "2902"},
		{name: "Surrounding whitespace", input: "  180d ", expected: "180d"},

		// Bluetooth SIG base UUID format (extracts 16-bit form)
		{name: "Full SIG UUID with dashes", input: "00002902-0000-1000-8000-00805f9b34fb", expected: "2902"},
		{name: "Full SIG UUID without dashes", input: "0000290200001000800000805f9b34fb", expected: "2902"},
		{name: "Full SIG UUID uppercase", input: "00002A37-0000-1000-8000-00805F9B34FB", expected: "2a37"},

		// Custom 128-bit UUIDs stay long
		{name: "Custom UUID - wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "Custom UUID - Nordic UART", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},

		// Edge cases
		{name: "Empty string", input: "", expected: ""},
		{name: "32-bit UUID", input: "12345678", expected: "12345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	input := []string{"2902", "0x180d", "0000-2a37-0000-1000-8000-00805f9b34fb", "6e400001-b5a3-f393-e0a9-e50e24dcca9e"}
	expected := []string{"2902", "180d", "2a37", "6e400001b5a3f393e0a9e50e24dcca9e"}

	assert.Equal(t, expected, NormalizeUUIDs(input))
	assert.Nil(t, NormalizeUUIDs(nil))
}

func TestFullUUID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "2a19", expected: "00002a19-0000-1000-8000-00805f9b34fb"},
		{input: "0x180F", expected: "0000180f-0000-1000-8000-00805f9b34fb"},
		{input: "12345678", expected: "12345678-0000-1000-8000-00805f9b34fb"},
		{input: "6E400001B5A3F393E0A9E50E24DCCA9E", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{input: "abc", expected: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, FullUUID(tt.input))
		})
	}
}

// Round trip through the long form must land on the same normalized value
func TestFullUUID_NormalizeRoundTrip(t *testing.T) {
	for _, u := range []string{"2902", "180d", "6e400001b5a3f393e0a9e50e24dcca9e"} {
		assert.Equal(t, u, NormalizeUUID(FullUUID(u)))
	}
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "2a19", ShortenUUID("2a19"))
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("2A19", "0x180f", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)
	assert.Equal(t, []string{"2a19", "180f", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)

	_, err = ValidateUUID()
	assert.Error(t, err)

	_, err = ValidateUUID("2a19", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")

	for _, bad := range []string{"zz19", "123", "0000290200001000800000805f9b34fb00"} {
		_, err = ValidateUUID(bad)
		assert.Error(t, err, bad)
		assert.True(t, strings.Contains(err.Error(), "invalid UUID format"))
	}
}
