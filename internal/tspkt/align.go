package tspkt

import "bytes"

// Aligner turns an arbitrary byte stream into whole packets. Partial
// trailing bytes are held until the next Push; bytes that cannot start a
// packet are dropped and counted. Not safe for concurrent use.
type Aligner struct {
	pending []byte
	synced  bool
	dropped int64
}

// Push appends p and returns every complete packet now available. The
// returned slice is freshly allocated and owned by the caller.
func (a *Aligner) Push(p []byte) []byte {
	a.pending = append(a.pending, p...)
	buf := a.pending
	out := make([]byte, 0, len(buf)-len(buf)%PacketSize)
	i := 0
	for len(buf)-i >= PacketSize {
		if !a.synced || buf[i] != SyncByte {
			k := findSync(buf[i:])
			if k < 0 {
				a.dropped += int64(len(buf) - i)
				i = len(buf)
				a.synced = false
				break
			}
			a.dropped += int64(k)
			i += k
			a.synced = true
			if len(buf)-i < PacketSize {
				break
			}
		}
		out = append(out, buf[i:i+PacketSize]...)
		i += PacketSize
	}
	rest := buf[i:]
	if len(rest) > 0 && rest[0] != SyncByte {
		k := bytes.IndexByte(rest, SyncByte)
		if k < 0 {
			a.dropped += int64(len(rest))
			rest = rest[:0]
		} else {
			a.dropped += int64(k)
			rest = rest[k:]
		}
		a.synced = false
	}
	n := copy(a.pending, rest)
	a.pending = a.pending[:n]
	return out
}

// Reset discards held partial bytes, e.g. when the source is replaced.
func (a *Aligner) Reset() {
	a.pending = a.pending[:0]
	a.synced = false
}

// Pending is the number of bytes held back waiting for a full packet.
func (a *Aligner) Pending() int { return len(a.pending) }

// Dropped is the total number of bytes discarded while hunting for sync.
func (a *Aligner) Dropped() int64 { return a.dropped }

// findSync returns the first offset that holds a sync byte confirmed by the
// next packet's sync byte (when that packet is present), or -1.
func findSync(b []byte) int {
	off := 0
	for {
		k := bytes.IndexByte(b[off:], SyncByte)
		if k < 0 {
			return -1
		}
		k += off
		if k+PacketSize >= len(b) || b[k+PacketSize] == SyncByte {
			return k
		}
		off = k + 1
	}
}
