package peripheral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperty_String(t *testing.T) {
	assert.Equal(t, "", Property(0).String())
	assert.Equal(t, "read", PropRead.String())
	assert.Equal(t, "read,notify", (PropRead | PropNotify).String())
	assert.Equal(t, "write-without-response,write,indicate", (PropIndicate | PropWrite | PropWriteWithoutResponse).String())
}

func TestParseProperties(t *testing.T) {
	tests := []struct {
		input    string
		expected Property
	}{
		{input: "", expected: 0},
		{input: "read", expected: PropRead},
		{input: "read,write,notify", expected: PropRead | PropWrite | PropNotify},
		{input: " READ , Indicate ", expected: PropRead | PropIndicate},
		{input: "write-nr", expected: PropWriteWithoutResponse},
		{input: "broadcast,authenticated-signed-writes,extended-properties", expected: PropBroadcast | PropAuthenticatedSignedWrites | PropExtendedProperties},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, err := ParseProperties(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p)
		})
	}

	_, err := ParseProperties("read,teleport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestProperty_Predicates(t *testing.T) {
	p := PropRead | PropNotify
	assert.True(t, p.Has(PropRead))
	assert.False(t, p.Has(PropRead|PropWrite))
	assert.True(t, p.CanSubscribe())
	assert.True(t, PropIndicate.CanSubscribe())
	assert.False(t, PropWrite.CanSubscribe())
}
