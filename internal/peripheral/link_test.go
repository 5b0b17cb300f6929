package peripheral_test

import (
	"errors"
	"testing"

	"github.com/srg/blebind/internal/peripheral"
	"github.com/stretchr/testify/assert"
)

func TestLink(t *testing.T) {
	var l peripheral.Link

	select {
	case <-l.Disconnected():
		t.Fatal("A new link MUST be open")
	default:
	}

	cause := errors.New("supervision timeout")
	assert.True(t, l.End(cause))
	assert.False(t, l.End(nil), "Only the first End MUST take effect")

	select {
	case <-l.Disconnected():
	default:
		t.Fatal("Disconnected MUST be closed after End")
	}
	assert.Same(t, cause, l.DisconnectCause())
}
