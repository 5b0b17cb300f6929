package corebluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleRegistry(t *testing.T) {
	r := newHandleRegistry[string]()

	assert.Equal(t, uint16(1), r.handle("svc"))
	assert.Equal(t, uint16(2), r.handle("chr"))
	assert.Equal(t, uint16(1), r.handle("svc"), "known objects MUST keep their handle")

	k, ok := r.lookup(2)
	assert.True(t, ok)
	assert.Equal(t, "chr", k)

	_, ok = r.lookup(9)
	assert.False(t, ok)

	r.reset()
	assert.Equal(t, uint16(1), r.handle("chr"), "reset MUST restart numbering")
}
