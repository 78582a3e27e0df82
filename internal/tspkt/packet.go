// Package tspkt holds the MPEG-TS primitives the data plane relies on:
// packet constants, sync alignment, the packet-aligned tail ring, synthetic
// PSI/null packets, splice shims and real-time pacing.
package tspkt

const (
	PacketSize = 188
	SyncByte   = 0x47
	NullPID    = 0x1FFF

	// DefaultTailBytes is the default tail ring size (roughly 10-20 s of SD/HD TS).
	DefaultTailBytes = 8 << 20
	// HardCapBytes bounds any tail ring regardless of configuration.
	HardCapBytes = 32 << 20
	// DefaultBitrate is the null-injection rate when no bitrate has been observed.
	DefaultBitrate = 4_000_000
)

// Synthetic program layout. PIDs match the ffmpeg mpegts muxer defaults
// (mpegts_pmt_start_pid=0x1000, mpegts_start_pid=0x100) so synthetic PSI
// declares the same structure as real transcoder output.
const (
	pmtPID   = 0x1000
	videoPID = 0x0100
	audioPID = 0x0101
)

// PID returns the 13-bit PID of a packet. pkt must hold at least 3 bytes.
func PID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

// IsAligned reports whether b is a whole number of packets, each starting
// with the sync byte.
func IsAligned(b []byte) bool {
	if len(b)%PacketSize != 0 {
		return false
	}
	for i := 0; i < len(b); i += PacketSize {
		if b[i] != SyncByte {
			return false
		}
	}
	return true
}

// NullPacket returns a PID 0x1FFF stuffing packet.
func NullPacket() [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10 // payload only, cc=0
	for i := 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// AppendNull appends n null packets to dst.
func AppendNull(dst []byte, n int) []byte {
	null := NullPacket()
	for i := 0; i < n; i++ {
		dst = append(dst, null[:]...)
	}
	return dst
}

// crc32MPEG computes the MPEG-2 section CRC-32 (polynomial 0x04C11DB7,
// init 0xFFFFFFFF, MSB-first, no reflection, no final XOR). hash/crc32
// only implements the reflected variants.
func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

// PATPacket returns a PAT declaring program 1 at the synthetic PMT PID.
// cc is the continuity counter for PID 0.
func PATPacket(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = 0x40 // PUSI=1, PID 0
	pkt[2] = 0x00
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00 // pointer_field
	s := pkt[5:]
	s[0] = 0x00 // table_id
	s[1] = 0xB0
	s[2] = 0x0D // section_length
	s[3] = 0x00
	s[4] = 0x01 // transport_stream_id
	s[5] = 0xC1 // version 0, current_next
	s[6] = 0x00
	s[7] = 0x00
	s[8] = 0x00
	s[9] = 0x01 // program_number
	s[10] = byte(0xE0 | ((pmtPID >> 8) & 0x1F))
	s[11] = byte(pmtPID & 0xFF)
	crc := crc32MPEG(pkt[5:17])
	s[12] = byte(crc >> 24)
	s[13] = byte(crc >> 16)
	s[14] = byte(crc >> 8)
	s[15] = byte(crc)
	for i := 21; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// PMTPacket returns a PMT for program 1 declaring H264 video and AAC audio
// at the ffmpeg default PIDs. cc is the continuity counter for the PMT PID.
func PMTPacket(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = byte(0x40 | ((pmtPID >> 8) & 0x1F))
	pkt[2] = byte(pmtPID & 0xFF)
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00
	s := pkt[5:]
	s[0] = 0x02 // table_id
	s[1] = 0xB0
	s[2] = 0x17 // section_length
	s[3] = 0x00
	s[4] = 0x01 // program_number
	s[5] = 0xC1
	s[6] = 0x00
	s[7] = 0x00
	s[8] = byte(0xE0 | ((videoPID >> 8) & 0x1F)) // PCR PID
	s[9] = byte(videoPID & 0xFF)
	s[10] = 0xF0
	s[11] = 0x00
	s[12] = 0x1B // H264
	s[13] = byte(0xE0 | ((videoPID >> 8) & 0x1F))
	s[14] = byte(videoPID & 0xFF)
	s[15] = 0xF0
	s[16] = 0x00
	s[17] = 0x0F // AAC
	s[18] = byte(0xE0 | ((audioPID >> 8) & 0x1F))
	s[19] = byte(audioPID & 0xFF)
	s[20] = 0xF0
	s[21] = 0x00
	crc := crc32MPEG(pkt[5:27])
	s[22] = byte(crc >> 24)
	s[23] = byte(crc >> 16)
	s[24] = byte(crc >> 8)
	s[25] = byte(crc)
	for i := 31; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// DiscontinuityPacket returns an adaptation-only packet for pid with the
// discontinuity_indicator set. It reuses cc so the following payload packet
// carrying the same counter stays legal.
func DiscontinuityPacket(pid uint16, cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = byte((pid >> 8) & 0x1F)
	pkt[2] = byte(pid & 0xFF)
	pkt[3] = 0x20 | (cc & 0x0F)
	pkt[4] = 183
	pkt[5] = 0x80
	for i := 6; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// Outro builds the short "service unavailable" payload emitted when a
// session fails: PAT and PMT followed by the given number of null packets.
func Outro(nulls int) []byte {
	out := make([]byte, 0, (2+nulls)*PacketSize)
	pat := PATPacket(0)
	pmt := PMTPacket(0)
	out = append(out, pat[:]...)
	out = append(out, pmt[:]...)
	return AppendNull(out, nulls)
}
