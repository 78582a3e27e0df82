package tspkt

import "errors"

// ErrUnaligned is returned when a write is not a whole number of packets.
var ErrUnaligned = errors.New("tspkt: write is not packet aligned")

// Ring is the session tail buffer: a bounded, packet-aligned window over an
// unbounded byte stream addressed by absolute offsets. Eviction happens
// from the head in whole packets. Not safe for concurrent use.
type Ring struct {
	buf   []byte
	start int64
	end   int64
}

// NewRing returns a ring holding up to capacity bytes, rounded down to a
// whole number of packets and clamped to [1 packet, HardCapBytes].
func NewRing(capacity int) *Ring {
	if capacity > HardCapBytes {
		capacity = HardCapBytes
	}
	capacity -= capacity % PacketSize
	if capacity < PacketSize {
		capacity = PacketSize
	}
	return &Ring{buf: make([]byte, capacity)}
}

func (r *Ring) Cap() int     { return len(r.buf) }
func (r *Ring) Len() int     { return int(r.end - r.start) }
func (r *Ring) Start() int64 { return r.start }
func (r *Ring) End() int64   { return r.end }

// Write appends whole packets and returns how many bytes were evicted from
// the head to make room.
func (r *Ring) Write(p []byte) (evicted int64, err error) {
	if len(p)%PacketSize != 0 {
		return 0, ErrUnaligned
	}
	capacity := int64(len(r.buf))
	if int64(len(p)) > capacity {
		skip := int64(len(p)) - capacity
		r.end += skip
		p = p[skip:]
	}
	pos := int(r.end % capacity)
	n := copy(r.buf[pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.end += int64(len(p))
	if r.end-r.start > capacity {
		newStart := r.end - capacity
		evicted = newStart - r.start
		r.start = newStart
	}
	return evicted, nil
}

// ReadAt copies whole packets starting at absolute offset off into p and
// returns the byte count plus the offset to continue from. An offset that
// has already been evicted is advanced to the head; skipped reports how
// many bytes the reader lost that way.
func (r *Ring) ReadAt(off int64, p []byte) (n int, next int64, skipped int64) {
	if off < r.start {
		skipped = r.start - off
		off = r.start
	}
	avail := r.end - off
	if avail <= 0 {
		return 0, off, skipped
	}
	want := int64(len(p) - len(p)%PacketSize)
	if want > avail {
		want = avail
	}
	capacity := int64(len(r.buf))
	pos := int(off % capacity)
	c := copy(p[:want], r.buf[pos:])
	if int64(c) < want {
		copy(p[c:want], r.buf)
	}
	return int(want), off + want, skipped
}
