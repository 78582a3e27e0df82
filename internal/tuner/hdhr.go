package tuner

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/store"
)

// Fixed HDHomeRun identity. Plex keys its tuner handling off the model and
// firmware names, so these mimic a real two-tuner cable unit.
const (
	Manufacturer           = "Silicondust"
	ModelNumber            = "HDTC-2US"
	FirmwareName           = "hdhomeruntc_atsc"
	DefaultFirmwareVersion = "20200101"
	DefaultFriendlyName    = "HDHR Bridge"
)

// Device is the identity the emulator advertises over HTTP and SSDP.
type Device struct {
	FriendlyName    string
	DeviceID        string // 8 hex digits
	DeviceAuth      string
	FirmwareVersion string
	BaseURL         string // empty: derived from the request Host
}

// UUID is the UPnP UDN. It is derived from DeviceID so it survives restarts.
func (d Device) UUID() string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("hdhrbridge:"+strings.ToLower(d.DeviceID))).String()
}

func (d Device) friendlyName() string {
	if d.FriendlyName == "" {
		return DefaultFriendlyName
	}
	return d.FriendlyName
}

func (d Device) firmwareVersion() string {
	if d.FirmwareVersion == "" {
		return DefaultFirmwareVersion
	}
	return d.FirmwareVersion
}

// baseURL is the advertised base, falling back to the address the client
// used to reach us.
func (d Device) baseURL(r *http.Request) string {
	if d.BaseURL != "" {
		return strings.TrimRight(d.BaseURL, "/")
	}
	if r == nil || r.Host == "" {
		return "http://localhost"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// HDHR serves the HDHomeRun HTTP endpoints Plex reads during discovery and
// channel scans.
type HDHR struct {
	Device Device
	Source store.Source
	Tuners func() int // tuner count reported in discover.json
}

type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

func (h *HDHR) serveDiscover(w http.ResponseWriter, r *http.Request) {
	base := h.Device.baseURL(r)
	tuners := 0
	if h.Tuners != nil {
		tuners = h.Tuners()
	}
	writeJSON(w, http.StatusOK, discoverResponse{
		FriendlyName:    h.Device.friendlyName(),
		Manufacturer:    Manufacturer,
		ModelNumber:     ModelNumber,
		FirmwareName:    FirmwareName,
		FirmwareVersion: h.Device.firmwareVersion(),
		DeviceID:        h.Device.DeviceID,
		DeviceAuth:      h.Device.DeviceAuth,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      tuners,
	})
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
	HD          int    `json:"HD"`
	DRM         int    `json:"DRM"`
}

// lineupBody is shared by lineup.json and lineup.post so the two are
// byte-identical for the same snapshot and Host.
func (h *HDHR) lineupBody(r *http.Request) ([]byte, error) {
	var channels []catalog.Channel
	if snap := h.snapshot(); snap != nil {
		channels = snap.Lineup()
	}
	base := h.Device.baseURL(r)
	out := make([]lineupEntry, 0, len(channels))
	for _, c := range channels {
		out = append(out, lineupEntry{
			GuideNumber: c.Number,
			GuideName:   c.Name,
			URL:         base + "/stream/" + c.ID,
			HD:          1,
		})
	}
	return json.Marshal(out)
}

func (h *HDHR) serveLineup(w http.ResponseWriter, r *http.Request) {
	body, err := h.lineupBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

func (h *HDHR) serveLineupStatus(w http.ResponseWriter, _ *http.Request) {
	st := lineupStatus{ScanPossible: 1, Source: "Cable", SourceList: []string{"Cable"}}
	if h.Source != nil && h.Source.ScanInProgress() {
		st.ScanInProgress = 1
	}
	writeJSON(w, http.StatusOK, st)
}

type deviceXML struct {
	XMLName     xml.Name `xml:"urn:schemas-upnp-org:device-1-0 root"`
	SpecVersion struct {
		Major int `xml:"major"`
		Minor int `xml:"minor"`
	} `xml:"specVersion"`
	URLBase string `xml:"URLBase"`
	Device  struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		ModelNumber  string `xml:"modelNumber"`
		SerialNumber string `xml:"serialNumber"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

func (h *HDHR) serveDeviceXML(w http.ResponseWriter, r *http.Request) {
	var d deviceXML
	d.SpecVersion.Major, d.SpecVersion.Minor = 1, 0
	d.URLBase = h.Device.baseURL(r)
	d.Device.DeviceType = ssdpDeviceType
	d.Device.FriendlyName = h.Device.friendlyName()
	d.Device.Manufacturer = Manufacturer
	d.Device.ModelName = ModelNumber
	d.Device.ModelNumber = ModelNumber
	d.Device.SerialNumber = h.Device.DeviceID
	d.Device.UDN = "uuid:" + h.Device.UUID()
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (h *HDHR) snapshot() *catalog.Snapshot {
	if h.Source == nil {
		return nil
	}
	return h.Source.Snapshot()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
