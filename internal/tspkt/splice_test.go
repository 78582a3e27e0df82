package tspkt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplicerShimsFirstPacketPerPID(t *testing.T) {
	var s Splicer
	in := append(packets(0x100, 2, 5), packets(0x101, 2, 9)...)
	in = AppendNull(in, 1)

	assert.Equal(t, in, s.Apply(in), "disarmed splicer must pass through")

	s.Arm()
	out := s.Apply(in)
	assert.True(t, IsAligned(out))
	assert.Len(t, out, len(in)+2*PacketSize)
	assert.Equal(t, 2, s.Shims())

	// First packet is the shim for 0x100 carrying the original counter.
	assert.Equal(t, uint16(0x100), PID(out))
	assert.Equal(t, byte(0x25), out[3])
	assert.Equal(t, byte(0x80), out[5])

	// A second batch does not shim already-seen PIDs.
	again := s.Apply(packets(0x100, 1, 7))
	assert.Len(t, again, PacketSize)
}
