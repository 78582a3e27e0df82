package tuner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/snapetech/hdhrbridge/internal/metrics"
)

const (
	ssdpDeviceType     = "urn:schemas-upnp-org:device:MediaServer:1"
	ssdpPort           = 1900
	ssdpMaxAge         = 1800
	ssdpServer         = "Linux/5.x UPnP/1.0 hdhr-bridge/1.0"
	DefaultSSDPNotify  = 30 * time.Second
	ssdpReadBufferSize = 2048
)

var ssdpGroup = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: ssdpPort}

// Advertiser announces the device on the SSDP multicast group and answers
// M-SEARCH queries. Run at most one per process.
type Advertiser struct {
	Device   Device
	Interval time.Duration // NOTIFY alive period; 0 means DefaultSSDPNotify
	Addr     string        // listen address; empty means ":1900"
	Log      zerolog.Logger
}

func (a *Advertiser) location() string {
	return a.Device.baseURL(nil) + "/discover.json"
}

// Run listens until ctx is done, then sends ssdp:byebye. A BaseURL is
// required because LOCATION must be reachable by Plex.
func (a *Advertiser) Run(ctx context.Context) error {
	if a.Device.BaseURL == "" {
		a.Log.Warn().Msg("SSDP disabled: no base URL to advertise")
		return nil
	}
	addr := a.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", ssdpPort)
	}
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("ssdp listen %s: %w", addr, err)
	}
	pc := ipv4.NewPacketConn(conn)
	joined := a.joinGroup(pc)
	_ = pc.SetMulticastTTL(2)
	_ = pc.SetMulticastLoopback(true)
	a.Log.Info().Str("addr", addr).Int("interfaces", joined).Str("location", a.location()).Msg("SSDP advertiser listening")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.serve(conn)
	}()

	interval := a.Interval
	if interval <= 0 {
		interval = DefaultSSDPNotify
	}
	a.notify(conn, "ssdp:alive")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.notify(conn, "ssdp:alive")
		case <-ctx.Done():
			a.notify(conn, "ssdp:byebye")
			err := conn.Close()
			wg.Wait()
			return err
		}
	}
}

func (a *Advertiser) joinGroup(pc *ipv4.PacketConn) int {
	ifaces, err := net.Interfaces()
	if err != nil {
		a.Log.Warn().Err(err).Msg("SSDP: list interfaces")
		return 0
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, ssdpGroup); err != nil {
			a.Log.Debug().Err(err).Str("interface", ifi.Name).Msg("SSDP: join group")
			continue
		}
		joined++
	}
	return joined
}

// serve answers M-SEARCH until conn is closed.
func (a *Advertiser) serve(conn net.PacketConn) {
	buf := make([]byte, ssdpReadBufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.Log.Debug().Err(err).Msg("SSDP read")
			continue
		}
		st, ok := a.matchSearch(buf[:n])
		if !ok {
			continue
		}
		if _, err := conn.WriteTo([]byte(a.searchResponse(st)), from); err != nil {
			a.Log.Debug().Err(err).Str("to", from.String()).Msg("SSDP response")
			continue
		}
		metrics.RecordSSDP("response")
		a.Log.Debug().Str("to", from.String()).Str("st", st).Msg("SSDP: answered M-SEARCH")
	}
}

func (a *Advertiser) notify(conn net.PacketConn, nts string) {
	for _, msg := range a.notifyMessages(nts) {
		if _, err := conn.WriteTo([]byte(msg), ssdpGroup); err != nil {
			a.Log.Debug().Err(err).Str("nts", nts).Msg("SSDP notify")
			return
		}
	}
	metrics.RecordSSDP(strings.TrimPrefix(nts, "ssdp:"))
}

// notifyMessages returns one NOTIFY per advertised target.
func (a *Advertiser) notifyMessages(nts string) []string {
	id := a.Device.UUID()
	targets := []struct{ nt, usn string }{
		{"upnp:rootdevice", "uuid:" + id + "::upnp:rootdevice"},
		{"uuid:" + id, "uuid:" + id},
		{ssdpDeviceType, "uuid:" + id + "::" + ssdpDeviceType},
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		var b strings.Builder
		b.WriteString("NOTIFY * HTTP/1.1\r\n")
		fmt.Fprintf(&b, "HOST: %s\r\n", ssdpGroup)
		if nts == "ssdp:alive" {
			fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", ssdpMaxAge)
			fmt.Fprintf(&b, "LOCATION: %s\r\n", a.location())
			fmt.Fprintf(&b, "SERVER: %s\r\n", ssdpServer)
		}
		fmt.Fprintf(&b, "NT: %s\r\n", t.nt)
		fmt.Fprintf(&b, "NTS: %s\r\n", nts)
		fmt.Fprintf(&b, "USN: %s\r\n", t.usn)
		b.WriteString("\r\n")
		out = append(out, b.String())
	}
	return out
}

// matchSearch parses an M-SEARCH and reports the ST to answer with.
func (a *Advertiser) matchSearch(pkt []byte) (string, bool) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(pkt)))
	if err != nil || req.Method != "M-SEARCH" {
		return "", false
	}
	if !strings.EqualFold(strings.Trim(req.Header.Get("MAN"), `"`), "ssdp:discover") {
		return "", false
	}
	st := strings.TrimSpace(req.Header.Get("ST"))
	switch {
	case st == "ssdp:all":
		return ssdpDeviceType, true
	case st == "upnp:rootdevice", st == ssdpDeviceType:
		return st, true
	case strings.EqualFold(st, "uuid:"+a.Device.UUID()):
		return st, true
	}
	return "", false
}

func (a *Advertiser) searchResponse(st string) string {
	usn := "uuid:" + a.Device.UUID()
	if !strings.HasPrefix(st, "uuid:") {
		usn += "::" + st
	}
	return fmt.Sprintf("HTTP/1.1 200 OK\r\n"+
		"CACHE-CONTROL: max-age=%d\r\n"+
		"DATE: %s\r\n"+
		"EXT:\r\n"+
		"LOCATION: %s\r\n"+
		"SERVER: %s\r\n"+
		"ST: %s\r\n"+
		"USN: %s\r\n"+
		"\r\n",
		ssdpMaxAge, time.Now().UTC().Format(http.TimeFormat), a.location(), ssdpServer, st, usn)
}
