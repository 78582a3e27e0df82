package tspkt

// Splicer marks the first packet of every elementary PID after a source
// switch with a discontinuity shim, so decoders reset their clocks instead
// of treating the jump as corruption.
type Splicer struct {
	armed   bool
	seen    map[uint16]struct{}
	budget  int
	maxPIDs int
	shims   int
}

// spliceWindow bounds how many packets after a splice are inspected for
// first-seen PIDs.
const spliceWindow = 1024

// Arm prepares the splicer for a new source.
func (s *Splicer) Arm() {
	if s.maxPIDs == 0 {
		s.maxPIDs = 16
	}
	s.armed = true
	s.seen = make(map[uint16]struct{}, 8)
	s.budget = spliceWindow
}

// Armed reports whether shims are still being inserted.
func (s *Splicer) Armed() bool { return s.armed }

// Shims is the number of discontinuity packets inserted so far.
func (s *Splicer) Shims() int { return s.shims }

// Apply returns aligned with shims inserted where needed. aligned must be
// packet aligned; when the splicer is disarmed it is returned unchanged.
func (s *Splicer) Apply(aligned []byte) []byte {
	if !s.armed {
		return aligned
	}
	out := make([]byte, 0, len(aligned)+4*PacketSize)
	for i := 0; i+PacketSize <= len(aligned); i += PacketSize {
		pkt := aligned[i : i+PacketSize]
		if s.armed {
			pid := PID(pkt)
			if pid != NullPID && pid != 0 {
				if _, ok := s.seen[pid]; !ok && len(s.seen) < s.maxPIDs {
					shim := DiscontinuityPacket(pid, pkt[3]&0x0F)
					out = append(out, shim[:]...)
					s.seen[pid] = struct{}{}
					s.shims++
				}
			}
			s.budget--
			if s.budget <= 0 || len(s.seen) >= s.maxPIDs {
				s.armed = false
			}
		}
		out = append(out, pkt...)
	}
	return out
}
