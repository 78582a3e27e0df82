// Package health checks a running bridge from the outside: its emulator
// endpoints answer, discover.json is sane, and the transcoder starts.
package health

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/snapetech/hdhrbridge/internal/httpclient"
)

const (
	endpointTimeout   = 5 * time.Second
	transcoderTimeout = 5 * time.Second
)

// Result is the outcome of one check.
type Result struct {
	Name     string        `json:"name"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r Result) OK() bool { return r.Err == nil }

// Failed joins the errors of every failed result.
func Failed(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// CheckEndpoints hits the emulator endpoints Plex uses at baseURL.
func CheckEndpoints(ctx context.Context, baseURL string) []Result {
	client := httpclient.WithTimeout(endpointTimeout)
	base := strings.TrimRight(baseURL, "/")
	checks := []struct {
		path  string
		check func([]byte) (string, error)
	}{
		{"/healthz", nil},
		{"/discover.json", checkDiscover},
		{"/lineup.json", checkLineup},
		{"/lineup_status.json", nil},
	}
	out := make([]Result, 0, len(checks))
	for _, c := range checks {
		start := time.Now()
		detail, err := get(ctx, client, base+c.path, c.check)
		out = append(out, result(c.path, detail, err, time.Since(start)))
	}
	return out
}

func get(ctx context.Context, client *http.Client, url string, check func([]byte) (string, error)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if check == nil {
		return "", nil
	}
	return check(body)
}

func checkDiscover(body []byte) (string, error) {
	var d struct {
		DeviceID   string
		TunerCount int
		LineupURL  string
	}
	if err := json.Unmarshal(body, &d); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if d.DeviceID == "" {
		return "", errors.New("DeviceID missing")
	}
	if d.TunerCount < 1 {
		return "", fmt.Errorf("TunerCount %d", d.TunerCount)
	}
	return fmt.Sprintf("device %s, %d tuners", d.DeviceID, d.TunerCount), nil
}

func checkLineup(body []byte) (string, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return fmt.Sprintf("%d channels", len(entries)), nil
}

// CheckTranscoder runs "bin -version" and reports its first output line.
func CheckTranscoder(ctx context.Context, bin string) Result {
	ctx, cancel := context.WithTimeout(ctx, transcoderTimeout)
	defer cancel()
	start := time.Now()
	out, err := exec.CommandContext(ctx, bin, "-version").CombinedOutput()
	var detail string
	if sc := bufio.NewScanner(bytes.NewReader(out)); sc.Scan() {
		detail = sc.Text()
	}
	if err != nil {
		err = fmt.Errorf("%s -version: %w", bin, err)
	}
	return result("transcoder", detail, err, time.Since(start))
}

func result(name, detail string, err error, d time.Duration) Result {
	r := Result{Name: name, Err: err, Detail: detail, Duration: d}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
