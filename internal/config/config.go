// Package config loads bridge settings from the environment and an optional
// YAML file. Keys are the environment variable names; in YAML they are
// written in lower case (http_port, max_concurrent_streams, ...).
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/snapetech/hdhrbridge/internal/safeurl"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

const (
	minTailBytes = 64 * tspkt.PacketSize
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPPort int
	HostIP   string
	BaseURL  string
	DataPath string
	DBPath   string

	MaxConcurrentStreams int
	MaxStreamsPerChannel int
	AdmissionWait        time.Duration
	LoadShedThreshold    float64

	TranscoderPath      string
	DeviceID            string
	FriendlyName        string
	SSDPDisabled        bool
	DiscoveryDisabled   bool
	ClientRulesPath     string
	ConnectionLimitByIP bool

	TailBufferBytes    int
	NullBitrate        int64
	SessionMaxLifetime time.Duration
	FirstBytesTimeout  time.Duration
	ProbeTimeout       time.Duration
	StoreRefresh       time.Duration

	LogLevel string

	// BaseURLDerived is true when BaseURL was not configured explicitly.
	BaseURLDerived bool
}

// SetDefaults installs every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("host_ip", "0.0.0.0")
	v.SetDefault("base_url", "")
	v.SetDefault("data_path", "./data")
	v.SetDefault("db_path", "./data/bridge.db")
	v.SetDefault("max_concurrent_streams", 5)
	v.SetDefault("max_streams_per_channel", 0)
	v.SetDefault("admission_wait", "0s")
	v.SetDefault("load_shed_threshold", 0.0)
	v.SetDefault("transcoder_path", "ffmpeg")
	v.SetDefault("device_id", "")
	v.SetDefault("friendly_name", "HDHR Bridge")
	v.SetDefault("ssdp_disabled", false)
	v.SetDefault("hdhr_discovery_disabled", false)
	v.SetDefault("client_rules_path", "")
	v.SetDefault("connection_limit_by_ip", false)
	v.SetDefault("tail_buffer_bytes", "8MiB")
	v.SetDefault("null_bitrate", tspkt.DefaultBitrate)
	v.SetDefault("session_max_lifetime", "12h")
	v.SetDefault("first_bytes_timeout", "30s")
	v.SetDefault("probe_timeout", "10s")
	v.SetDefault("store_refresh", "30s")
	v.SetDefault("log_level", "info")
}

// Load resolves configuration from v: defaults, then the config file set
// with v.SetConfigFile (if any), then the environment. The result is
// validated.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	tail, err := parseBytes(v.GetString("tail_buffer_bytes"))
	if err != nil {
		return nil, fmt.Errorf("TAIL_BUFFER_BYTES: %w", err)
	}
	c := &Config{
		HTTPPort:             v.GetInt("http_port"),
		HostIP:               strings.TrimSpace(v.GetString("host_ip")),
		BaseURL:              strings.TrimRight(strings.TrimSpace(v.GetString("base_url")), "/"),
		DataPath:             v.GetString("data_path"),
		DBPath:               v.GetString("db_path"),
		MaxConcurrentStreams: v.GetInt("max_concurrent_streams"),
		MaxStreamsPerChannel: v.GetInt("max_streams_per_channel"),
		AdmissionWait:        v.GetDuration("admission_wait"),
		LoadShedThreshold:    v.GetFloat64("load_shed_threshold"),
		TranscoderPath:       strings.TrimSpace(v.GetString("transcoder_path")),
		DeviceID:             strings.ToUpper(strings.TrimSpace(v.GetString("device_id"))),
		FriendlyName:         v.GetString("friendly_name"),
		SSDPDisabled:         v.GetBool("ssdp_disabled"),
		DiscoveryDisabled:    v.GetBool("hdhr_discovery_disabled"),
		ClientRulesPath:      v.GetString("client_rules_path"),
		ConnectionLimitByIP:  v.GetBool("connection_limit_by_ip"),
		TailBufferBytes:      min(tail, tspkt.HardCapBytes),
		NullBitrate:          v.GetInt64("null_bitrate"),
		SessionMaxLifetime:   v.GetDuration("session_max_lifetime"),
		FirstBytesTimeout:    v.GetDuration("first_bytes_timeout"),
		ProbeTimeout:         v.GetDuration("probe_timeout"),
		StoreRefresh:         v.GetDuration("store_refresh"),
		LogLevel:             strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
	}
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://%s", net.JoinHostPort(advertiseHost(c.HostIP), strconv.Itoa(c.HTTPPort)))
		c.BaseURLDerived = true
	}
	if c.DeviceID == "" {
		host, _ := os.Hostname()
		c.DeviceID = DeriveDeviceID(host + ":" + strconv.Itoa(c.HTTPPort))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort))
	}
	if c.HostIP != "" && net.ParseIP(c.HostIP) == nil {
		errs = append(errs, fmt.Errorf("HOST_IP %q is not an IP address", c.HostIP))
	}
	if !safeurl.IsHTTPOrHTTPS(c.BaseURL) {
		errs = append(errs, fmt.Errorf("BASE_URL %q is not an absolute http(s) URL", c.BaseURL))
	}
	if c.MaxConcurrentStreams < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_STREAMS must be at least 1, got %d", c.MaxConcurrentStreams))
	}
	if c.MaxStreamsPerChannel < 0 {
		errs = append(errs, fmt.Errorf("MAX_STREAMS_PER_CHANNEL must not be negative"))
	}
	if c.AdmissionWait < 0 {
		errs = append(errs, fmt.Errorf("ADMISSION_WAIT must not be negative"))
	}
	if c.LoadShedThreshold < 0 {
		errs = append(errs, fmt.Errorf("LOAD_SHED_THRESHOLD must not be negative"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if c.TranscoderPath == "" {
		errs = append(errs, errors.New("TRANSCODER_PATH is required"))
	}
	if !isHex8(c.DeviceID) {
		errs = append(errs, fmt.Errorf("DEVICE_ID %q must be 8 hex digits", c.DeviceID))
	}
	if c.TailBufferBytes < minTailBytes {
		errs = append(errs, fmt.Errorf("TAIL_BUFFER_BYTES must be at least %d", minTailBytes))
	}
	if c.NullBitrate <= 0 {
		errs = append(errs, errors.New("NULL_BITRATE must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"SESSION_MAX_LIFETIME": c.SessionMaxLifetime,
		"FIRST_BYTES_TIMEOUT":  c.FirstBytesTimeout,
		"PROBE_TIMEOUT":        c.ProbeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.StoreRefresh < 0 {
		errs = append(errs, errors.New("STORE_REFRESH must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// ListenAddr is the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HostIP, strconv.Itoa(c.HTTPPort))
}

func parseBytes(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int(min(n, uint64(tspkt.HardCapBytes))), nil
}

// advertiseHost picks the address Plex should use when the bind address
// is a wildcard.
func advertiseHost(hostIP string) string {
	ip := net.ParseIP(hostIP)
	if ip != nil && !ip.IsUnspecified() {
		return hostIP
	}
	if lan := DetectLANIP(); lan != "" {
		return lan
	}
	return "127.0.0.1"
}

// DetectLANIP returns the IPv4 address of the interface holding the default
// route, falling back to the first private address found. No packet is
// sent; a UDP "connect" only selects a route.
func DetectLANIP() string {
	if conn, err := net.Dial("udp4", "192.0.2.1:9"); err == nil {
		defer conn.Close()
		if a, ok := conn.LocalAddr().(*net.UDPAddr); ok && !a.IP.IsLoopback() && !a.IP.IsUnspecified() {
			return a.IP.String()
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := n.IP.To4(); ip4 != nil && ip4.IsPrivate() {
			return ip4.String()
		}
	}
	return ""
}

// hdhrChecksum is the nibble lookup used by HDHomeRun device id validation.
var hdhrChecksum = [16]uint32{0xA, 0x5, 0xF, 0x6, 0x7, 0xC, 0x1, 0xB, 0x9, 0x2, 0x8, 0xD, 0x4, 0x3, 0xE, 0x0}

func deviceIDChecksum(id uint32) uint32 {
	var c uint32
	c ^= hdhrChecksum[(id>>28)&0xF]
	c ^= (id >> 24) & 0xF
	c ^= hdhrChecksum[(id>>20)&0xF]
	c ^= (id >> 16) & 0xF
	c ^= hdhrChecksum[(id>>12)&0xF]
	c ^= (id >> 8) & 0xF
	c ^= hdhrChecksum[(id>>4)&0xF]
	c ^= id & 0xF
	return c
}

// ValidDeviceID reports whether id is 8 hex digits with a valid HDHomeRun
// check nibble. Plex ignores devices whose id fails the check.
func ValidDeviceID(id string) bool {
	if !isHex8(id) {
		return false
	}
	n, _ := strconv.ParseUint(id, 16, 32)
	return deviceIDChecksum(uint32(n)) == 0
}

// DeriveDeviceID hashes seed into a stable, valid device id.
func DeriveDeviceID(seed string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	id := h.Sum32() &^ 0xF
	id |= deviceIDChecksum(id)
	return fmt.Sprintf("%08X", id)
}

func isHex8(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := strconv.ParseUint(s, 16, 32)
	return err == nil
}
