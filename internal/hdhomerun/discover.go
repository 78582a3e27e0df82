package hdhomerun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DiscoverPort is where clients broadcast discovery requests.
const DiscoverPort = 65001

// Responder answers discovery broadcasts for one device.
type Responder struct {
	DeviceID   string // 8 hex digits
	DeviceAuth string
	BaseURL    string
	Tuners     func() int
	Addr       string // empty means ":65001"
	Log        zerolog.Logger
}

func (r *Responder) id() (uint32, error) {
	n, err := strconv.ParseUint(r.DeviceID, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %w", r.DeviceID, err)
	}
	return uint32(n), nil
}

// Reply builds the answer to req, or reports false when req is not a
// discovery request addressed to this device.
func (r *Responder) Reply(req *Frame) (*Frame, bool) {
	if req.Type != TypeDiscoverReq {
		return nil, false
	}
	id, err := r.id()
	if err != nil {
		return nil, false
	}
	if t := req.uint32Tag(TagDeviceType, DeviceTypeWildcard); t != DeviceTypeWildcard && t != DeviceTypeTuner {
		return nil, false
	}
	if d := req.uint32Tag(TagDeviceID, DeviceIDWildcard); d != DeviceIDWildcard && d != id {
		return nil, false
	}
	tuners := 0
	if r.Tuners != nil {
		tuners = min(max(r.Tuners(), 0), 0xFF)
	}
	base := strings.TrimRight(r.BaseURL, "/")
	rpy := &Frame{Type: TypeDiscoverRpy, TLVs: []TLV{
		{Tag: TagDeviceType, Value: u32(DeviceTypeTuner)},
		{Tag: TagDeviceID, Value: u32(id)},
		{Tag: TagTunerCount, Value: []byte{byte(tuners)}},
	}}
	if base != "" {
		rpy.TLVs = append(rpy.TLVs,
			TLV{Tag: TagBaseURL, Value: cstr(base)},
			TLV{Tag: TagLineupURL, Value: cstr(base + "/lineup.json")},
		)
	}
	if r.DeviceAuth != "" {
		rpy.TLVs = append(rpy.TLVs, TLV{Tag: TagDeviceAuth, Value: cstr(r.DeviceAuth)})
	}
	return rpy, true
}

// Run serves discovery until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	if _, err := r.id(); err != nil {
		return err
	}
	addr := r.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", DiscoverPort)
	}
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("hdhomerun discovery listen %s: %w", addr, err)
	}
	r.Log.Info().Str("addr", conn.LocalAddr().String()).Msg("HDHomeRun discovery listening")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.serve(conn)
	}()
	<-ctx.Done()
	err = conn.Close()
	wg.Wait()
	return err
}

func (r *Responder) serve(conn net.PacketConn) {
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.Log.Debug().Err(err).Msg("discovery read")
			continue
		}
		req, err := Decode(buf[:n])
		if err != nil {
			r.Log.Debug().Err(err).Str("from", from.String()).Msg("discovery: bad frame")
			continue
		}
		rpy, ok := r.Reply(req)
		if !ok {
			continue
		}
		out, err := rpy.Encode()
		if err != nil {
			r.Log.Warn().Err(err).Msg("discovery: encode reply")
			continue
		}
		if _, err := conn.WriteTo(out, from); err != nil {
			r.Log.Debug().Err(err).Str("to", from.String()).Msg("discovery: write reply")
			continue
		}
		r.Log.Debug().Str("to", from.String()).Msg("discovery: answered")
	}
}
