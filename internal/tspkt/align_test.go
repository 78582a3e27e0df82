package tspkt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignerHoldsPartialPackets(t *testing.T) {
	src := packets(0x100, 5, 0)
	var a Aligner
	var out []byte
	// Feed in awkward chunk sizes.
	for _, n := range []int{1, 100, 187, 200, 50, 400} {
		if n > len(src) {
			n = len(src)
		}
		out = append(out, a.Push(src[:n])...)
		assert.True(t, IsAligned(out))
		src = src[n:]
	}
	out = append(out, a.Push(src)...)
	assert.Len(t, out, 5*PacketSize)
	assert.Equal(t, 0, a.Pending())
	assert.Zero(t, a.Dropped())
}

func TestAlignerResyncsAfterGarbage(t *testing.T) {
	src := append([]byte{0x00, 0x47, 0x11, 0x22}, packets(0x100, 3, 0)...)
	var a Aligner
	out := a.Push(src)
	assert.Len(t, out, 3*PacketSize)
	assert.True(t, IsAligned(out))
	assert.Equal(t, int64(4), a.Dropped())
}

func TestAlignerMidStreamLossOfSync(t *testing.T) {
	good := packets(0x100, 2, 0)
	src := append(append(append([]byte(nil), good...), 0xAA, 0xBB), packets(0x101, 2, 0)...)
	var a Aligner
	out := a.Push(src)
	assert.True(t, IsAligned(out))
	assert.Len(t, out, 4*PacketSize)
	assert.Equal(t, int64(2), a.Dropped())
}

func TestAlignerReset(t *testing.T) {
	var a Aligner
	a.Push(packets(0x100, 1, 0)[:100])
	assert.Equal(t, 100, a.Pending())
	a.Reset()
	assert.Equal(t, 0, a.Pending())
	out := a.Push(packets(0x100, 1, 0))
	assert.Len(t, out, PacketSize)
}
