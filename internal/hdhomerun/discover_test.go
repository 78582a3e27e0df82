package hdhomerun

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_roundTrip(t *testing.T) {
	long := strings.Repeat("x", 300)
	in := &Frame{Type: TypeDiscoverRpy, TLVs: []TLV{
		{Tag: TagDeviceID, Value: u32(0x1053C0CA)},
		{Tag: TagBaseURL, Value: cstr(long)},
		{Tag: TagTunerCount, Value: []byte{}},
	}}
	b, err := in.Encode()
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeDiscoverRpy, out.Type)
	require.Len(t, out.TLVs, 3)
	v, ok := out.Find(TagBaseURL)
	require.True(t, ok)
	assert.Equal(t, long+"\x00", string(v))
	assert.Empty(t, out.TLVs[2].Value)
}

func TestVarLen(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 300, maxTLVLength} {
		b := appendVarLen(nil, n)
		got, used, err := readVarLen(b)
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, len(b), used)
	}
	assert.Equal(t, []byte{0xAC, 0x02}, appendVarLen(nil, 300))
}

func TestDecode_rejectsDamage(t *testing.T) {
	b, err := DiscoverRequest(DeviceTypeTuner, DeviceIDWildcard).Encode()
	require.NoError(t, err)

	_, err = Decode(b[:6])
	assert.ErrorIs(t, err, ErrShortFrame)

	bad := bytes.Clone(b)
	bad[5] ^= 0xFF
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrCRC)
}

func TestResponder_Reply(t *testing.T) {
	r := &Responder{DeviceID: "1053C0CA", DeviceAuth: "auth", BaseURL: "http://10.0.0.5:8080/", Tuners: func() int { return 4 }}
	tests := []struct {
		name string
		req  *Frame
		ok   bool
	}{
		{"wildcard", DiscoverRequest(DeviceTypeWildcard, DeviceIDWildcard), true},
		{"tuner type", DiscoverRequest(DeviceTypeTuner, DeviceIDWildcard), true},
		{"our id", DiscoverRequest(DeviceTypeTuner, 0x1053C0CA), true},
		{"other id", DiscoverRequest(DeviceTypeTuner, 0x12345678), false},
		{"storage type", DiscoverRequest(0x00000005, DeviceIDWildcard), false},
		{"reply frame", &Frame{Type: TypeDiscoverRpy}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpy, ok := r.Reply(tt.req)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, uint32(0x1053C0CA), rpy.uint32Tag(TagDeviceID, 0))
			n, _ := rpy.Find(TagTunerCount)
			assert.Equal(t, []byte{4}, n)
			base, _ := rpy.Find(TagBaseURL)
			assert.Equal(t, "http://10.0.0.5:8080\x00", string(base))
			lineup, _ := rpy.Find(TagLineupURL)
			assert.Equal(t, "http://10.0.0.5:8080/lineup.json\x00", string(lineup))
		})
	}
}

func TestResponder_Run(t *testing.T) {
	r := &Responder{DeviceID: "1053C0CA", BaseURL: "http://10.0.0.5:8080", Tuners: func() int { return 2 }, Addr: "127.0.0.1:0", Log: zerolog.Nop()}

	// Run binds its own socket; exercise serve directly to learn the port.
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.serve(conn)
	}()
	defer func() {
		conn.Close()
		<-done
	}()

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	req, err := DiscoverRequest(DeviceTypeTuner, DeviceIDWildcard).Encode()
	require.NoError(t, err)
	_, err = client.WriteTo([]byte("junk"), conn.LocalAddr())
	require.NoError(t, err)
	_, err = client.WriteTo(req, conn.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)
	rpy, err := Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, TypeDiscoverRpy, rpy.Type)
	assert.Equal(t, uint32(0x1053C0CA), rpy.uint32Tag(TagDeviceID, 0))
}

func TestResponder_RunStopsOnCancel(t *testing.T) {
	r := &Responder{DeviceID: "1053C0CA", Addr: "127.0.0.1:0", Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestResponder_badDeviceID(t *testing.T) {
	r := &Responder{DeviceID: "nothex", Log: zerolog.Nop()}
	assert.Error(t, r.Run(context.Background()))
}
