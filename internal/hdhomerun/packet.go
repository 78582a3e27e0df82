// Package hdhomerun answers the native HDHomeRun discovery protocol on UDP
// 65001, which Plex and the HDHomeRun apps broadcast alongside SSDP.
//
// A frame is: type (uint16 BE), payload length (uint16 BE), payload of
// TLVs, then an IEEE CRC-32 over everything before it (little-endian).
package hdhomerun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	TypeDiscoverReq uint16 = 0x0002
	TypeDiscoverRpy uint16 = 0x0003
)

const (
	TagDeviceType uint8 = 0x01
	TagDeviceID   uint8 = 0x02
	TagTunerCount uint8 = 0x10
	TagLineupURL  uint8 = 0x27
	TagBaseURL    uint8 = 0x2A
	TagDeviceAuth uint8 = 0x2B
)

const (
	DeviceTypeTuner    uint32 = 0x00000001
	DeviceTypeWildcard uint32 = 0xFFFFFFFF
	DeviceIDWildcard   uint32 = 0xFFFFFFFF
)

const maxTLVLength = 0x7FFF

var (
	ErrShortFrame = errors.New("hdhomerun: frame too short")
	ErrCRC        = errors.New("hdhomerun: CRC mismatch")
)

// TLV is one tag-length-value item of a frame payload.
type TLV struct {
	Tag   uint8
	Value []byte
}

// Frame is a decoded packet.
type Frame struct {
	Type uint16
	TLVs []TLV
}

// Find returns the first TLV with tag.
func (f *Frame) Find(tag uint8) ([]byte, bool) {
	for _, t := range f.TLVs {
		if t.Tag == tag {
			return t.Value, true
		}
	}
	return nil, false
}

func (f *Frame) uint32Tag(tag uint8, def uint32) uint32 {
	if v, ok := f.Find(tag); ok && len(v) == 4 {
		return binary.BigEndian.Uint32(v)
	}
	return def
}

// Encode serializes f with its trailing CRC.
func (f *Frame) Encode() ([]byte, error) {
	var payload []byte
	for _, t := range f.TLVs {
		if len(t.Value) > maxTLVLength {
			return nil, fmt.Errorf("hdhomerun: tag 0x%02x value too long (%d)", t.Tag, len(t.Value))
		}
		payload = append(payload, t.Tag)
		payload = appendVarLen(payload, len(t.Value))
		payload = append(payload, t.Value...)
	}
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("hdhomerun: payload too long (%d)", len(payload))
	}
	buf := make([]byte, 4, 4+len(payload)+4)
	binary.BigEndian.PutUint16(buf[0:2], f.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	buf = append(buf, payload...)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// Decode parses and CRC-checks one frame.
func Decode(b []byte) (*Frame, error) {
	if len(b) < 8 {
		return nil, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < 4+n+4 {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, 4+n+4, len(b))
	}
	if got, want := binary.LittleEndian.Uint32(b[4+n:]), crc32.ChecksumIEEE(b[:4+n]); got != want {
		return nil, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrCRC, got, want)
	}
	f := &Frame{Type: binary.BigEndian.Uint16(b[0:2])}
	payload := b[4 : 4+n]
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, errors.New("hdhomerun: truncated TLV")
		}
		tag := payload[0]
		l, used, err := readVarLen(payload[1:])
		if err != nil {
			return nil, err
		}
		payload = payload[1+used:]
		if l > len(payload) {
			return nil, fmt.Errorf("hdhomerun: tag 0x%02x wants %d bytes, have %d", tag, l, len(payload))
		}
		f.TLVs = append(f.TLVs, TLV{Tag: tag, Value: append([]byte(nil), payload[:l]...)})
		payload = payload[l:]
	}
	return f, nil
}

// Lengths up to 127 take one byte; longer ones set the high bit and carry
// the remaining bits in a second byte.
func appendVarLen(b []byte, n int) []byte {
	if n <= 0x7F {
		return append(b, byte(n))
	}
	return append(b, byte(n&0x7F)|0x80, byte(n>>7))
}

func readVarLen(b []byte) (n, used int, err error) {
	if len(b) == 0 {
		return 0, 0, errors.New("hdhomerun: truncated TLV length")
	}
	n = int(b[0] & 0x7F)
	if b[0]&0x80 == 0 {
		return n, 1, nil
	}
	if len(b) < 2 {
		return 0, 0, errors.New("hdhomerun: truncated TLV length")
	}
	return n | int(b[1])<<7, 2, nil
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// cstr is a NUL-terminated string value.
func cstr(s string) []byte {
	return append([]byte(s), 0)
}

// DiscoverRequest builds the broadcast a client sends.
func DiscoverRequest(deviceType, deviceID uint32) *Frame {
	return &Frame{Type: TypeDiscoverReq, TLVs: []TLV{
		{Tag: TagDeviceType, Value: u32(deviceType)},
		{Tag: TagDeviceID, Value: u32(deviceID)},
	}}
}
