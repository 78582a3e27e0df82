package tuner

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func testAdvertiser() *Advertiser {
	return &Advertiser{
		Device: Device{DeviceID: "1234ABCD", BaseURL: "http://10.0.0.5:8080"},
		Log:    zerolog.Nop(),
	}
}

func mSearch(st string) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 1\r\n" +
		"ST: " + st + "\r\n" +
		"\r\n")
}

func TestAdvertiser_notifyMessages(t *testing.T) {
	a := testAdvertiser()
	alive := a.notifyMessages("ssdp:alive")
	require.Len(t, alive, 3)
	for _, m := range alive {
		assert.True(t, strings.HasPrefix(m, "NOTIFY * HTTP/1.1\r\n"))
		assert.Contains(t, m, "HOST: 239.255.255.250:1900\r\n")
		assert.Contains(t, m, "LOCATION: http://10.0.0.5:8080/discover.json\r\n")
		assert.Contains(t, m, "NTS: ssdp:alive\r\n")
		assert.True(t, strings.HasSuffix(m, "\r\n\r\n"))
	}
	assert.Contains(t, alive[2], "NT: "+ssdpDeviceType+"\r\n")
	assert.Contains(t, alive[2], "USN: uuid:"+a.Device.UUID()+"::"+ssdpDeviceType+"\r\n")

	for _, m := range a.notifyMessages("ssdp:byebye") {
		assert.Contains(t, m, "NTS: ssdp:byebye\r\n")
		assert.NotContains(t, m, "LOCATION:")
	}
}

func TestAdvertiser_matchSearch(t *testing.T) {
	a := testAdvertiser()
	tests := []struct {
		name   string
		pkt    []byte
		wantST string
		wantOK bool
	}{
		{"all", mSearch("ssdp:all"), ssdpDeviceType, true},
		{"root", mSearch("upnp:rootdevice"), "upnp:rootdevice", true},
		{"media server", mSearch(ssdpDeviceType), ssdpDeviceType, true},
		{"our uuid", mSearch("uuid:" + a.Device.UUID()), "uuid:" + a.Device.UUID(), true},
		{"other device", mSearch("urn:schemas-upnp-org:device:InternetGatewayDevice:1"), "", false},
		{"notify", []byte(a.notifyMessages("ssdp:alive")[0]), "", false},
		{"garbage", []byte("hello"), "", false},
		{"no MAN", []byte("M-SEARCH * HTTP/1.1\r\nST: ssdp:all\r\n\r\n"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := a.matchSearch(tt.pkt)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantST, st)
		})
	}
}

func TestAdvertiser_answersSearchUnicast(t *testing.T) {
	a := testAdvertiser()
	srv, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.serve(srv)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	_, err = client.WriteTo(mSearch("ssdp:all"), srv.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, resp, "ST: "+ssdpDeviceType+"\r\n")
	assert.Contains(t, resp, "LOCATION: http://10.0.0.5:8080/discover.json\r\n")
	assert.Contains(t, resp, "USN: uuid:"+a.Device.UUID()+"::"+ssdpDeviceType+"\r\n")
}

func TestAdvertiser_disabledWithoutBaseURL(t *testing.T) {
	a := &Advertiser{Log: zerolog.Nop()}
	assert.NoError(t, a.Run(t.Context()))
}
