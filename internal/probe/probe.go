// Package probe inspects an upstream before a transcoder is pointed at it:
// where it redirects to, whether the redirect changes per request, what kind
// of media it serves and whether it is throttling us.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/httpclient"
	"github.com/snapetech/hdhrbridge/internal/metrics"
	"github.com/snapetech/hdhrbridge/internal/safeurl"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultSniffBytes = 512 << 10
	DefaultUserAgent  = "hdhr-bridge/1.0"

	// Sent once when an upstream refuses our own agent with a bare 403.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; rv:109.0) Gecko/20100101 Firefox/115.0"

	previewBytes = 1024
	op           = "probe"
)

// Options configure a Prober. Zero values select the defaults.
type Options struct {
	Client     *http.Client // must not follow redirects
	Timeout    time.Duration
	SniffBytes int64 // negative disables codec sniffing
	ByIP       bool  // origin keys use the resolved address
	OriginRate rate.Limit
	Log        zerolog.Logger
}

// Prober classifies upstreams. Safe for concurrent use.
type Prober struct {
	client     *http.Client
	timeout    time.Duration
	sniffBytes int64
	byIP       bool
	originRate rate.Limit
	log        zerolog.Logger
	now        func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	targets  map[string]string // last redirect target per URL
	limiters map[string]*rate.Limiter
}

func New(opts Options) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = httpclient.NoRedirect(opts.Timeout)
	}
	if opts.SniffBytes == 0 {
		opts.SniffBytes = DefaultSniffBytes
	}
	if opts.OriginRate == 0 {
		opts.OriginRate = rate.Every(250 * time.Millisecond)
	}
	return &Prober{
		client:     opts.Client,
		timeout:    opts.Timeout,
		sniffBytes: opts.SniffBytes,
		byIP:       opts.ByIP,
		originRate: opts.OriginRate,
		log:        opts.Log,
		now:        time.Now,
		targets:    make(map[string]string),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Probe classifies s. timeout overrides the prober default when positive.
// Concurrent probes of one URL share a single round of requests; each caller
// gets its own copy of the result and may abandon the wait via ctx.
func (p *Prober) Probe(ctx context.Context, s catalog.Stream, timeout time.Duration) (*Descriptor, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	ch := p.group.DoChan(s.URL, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		start := time.Now()
		d, err := p.probe(pctx, s)
		result := "ok"
		if err != nil {
			result = fault.KindOf(err).String()
		}
		metrics.ObserveProbe(result, start)
		return d, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		d := res.Val.(*Descriptor).Clone()
		d.StreamID = s.ID
		return d, nil
	}
}

func (p *Prober) probe(ctx context.Context, s catalog.Stream) (*Descriptor, error) {
	rawURL, hdr := SplitHeaders(s.URL)
	d := &Descriptor{
		StreamID: s.ID,
		URL:      rawURL,
		FinalURL: rawURL,
		Headers:  hdr,
		ProbedAt: p.now(),
	}
	if s.ConnectionLimits {
		d.MaxConnections = 1
		// An idle keep-alive connection would count against the origin's
		// limit once the transcoder connects.
		d.Headers.closeConn = true
	}
	if !safeurl.IsStreamURL(rawURL) {
		return nil, fault.New(fault.UpstreamBadFormat, op, "unsupported stream url scheme")
	}
	key, err := httpclient.OriginKey(ctx, rawURL, p.byIP)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnreachable, op, err)
	}
	d.OriginKey = key

	if k := schemeKind(rawURL); k != "" {
		d.Kind = k
		return d, nil
	}

	if err := p.limiter(key).Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.UpstreamUnreachable, op, err)
	}

	res, err := p.resolve(ctx, rawURL, d.Headers)
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusForbidden && d.Headers.UserAgent == "" && !rateLimitEvidence(res.resp, res.preview, s.ConnectionLimits) {
		alt := d.Headers.clone()
		alt.UserAgent = browserUserAgent
		if res2, err := p.resolve(ctx, rawURL, alt); err == nil && res2.ok() {
			p.log.Debug().Str("stream_id", s.ID).Msg("upstream requires a browser user agent")
			d.Headers = alt
			res = res2
		}
	}
	if err := p.statusError(ctx, res, d.Headers, s.ConnectionLimits); err != nil {
		return nil, err
	}

	d.FinalURL = res.final
	d.Redirects = res.hops
	d.ContentType = res.resp.Header.Get("Content-Type")
	if isHTML(d.ContentType) {
		return nil, fault.New(fault.UpstreamBadFormat, op, "upstream served %s", d.ContentType)
	}
	d.Kind = classifyKind(d.ContentType, d.FinalURL, s.Kind)
	if len(res.hops) > 0 {
		d.Dynamic = p.dynamic(ctx, rawURL, d.Headers, res.final)
	}

	if p.sniffBytes > 0 && !d.ConnectionLimited() && (d.Kind == catalog.KindTS || d.Kind == catalog.KindHTTP) {
		codecs, err := p.sniff(ctx, d)
		if fault.Is(err, fault.UpstreamBadFormat) {
			return nil, err
		}
		if err != nil {
			p.log.Debug().Err(err).Str("stream_id", s.ID).Msg("codec sniff skipped")
		}
		d.Codecs = codecs
	}
	return d, nil
}

type hopResult struct {
	final   string
	hops    []string
	status  int
	resp    *http.Response // body already closed
	preview []byte
}

func (r *hopResult) ok() bool { return r.status >= 200 && r.status < 300 }

// resolve walks the redirect chain by hand, HEAD first, falling back to a
// ranged GET for servers that reject HEAD.
func (p *Prober) resolve(ctx context.Context, rawURL string, h Headers) (*hopResult, error) {
	cur := rawURL
	var hops []string
	for i := 0; ; i++ {
		resp, preview, err := p.request(ctx, http.MethodHead, cur, h)
		if err != nil {
			return nil, fault.Wrap(fault.UpstreamUnreachable, op, err)
		}
		if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
			resp, preview, err = p.request(ctx, http.MethodGet, cur, h)
			if err != nil {
				return nil, fault.Wrap(fault.UpstreamUnreachable, op, err)
			}
		}
		loc := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			return &hopResult{final: cur, hops: hops, status: resp.StatusCode, resp: resp, preview: preview}, nil
		}
		if i >= httpclient.MaxRedirects {
			return nil, fault.Wrap(fault.UpstreamUnreachable, op, httpclient.ErrTooManyRedirects)
		}
		next, err := resolveRef(cur, loc)
		if err != nil {
			return nil, fault.Wrap(fault.UpstreamUnreachable, op, err)
		}
		if !safeurl.IsStreamURL(next) {
			return nil, fault.New(fault.UpstreamBadFormat, op, "redirect to unsupported scheme")
		}
		hops = append(hops, next)
		cur = next
	}
}

// request issues one request and returns the response with its body closed
// plus, for GET, up to previewBytes of body.
func (p *Prober) request(ctx context.Context, method, target string, h Headers) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, nil, err
	}
	applyHeaders(req, h)
	req.Close = h.closeConn
	if method == http.MethodGet {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", previewBytes-1))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	var preview []byte
	if method == http.MethodGet {
		preview, _ = io.ReadAll(io.LimitReader(resp.Body, previewBytes))
	}
	return resp, preview, nil
}

func (p *Prober) statusError(ctx context.Context, res *hopResult, h Headers, connectionLimited bool) error {
	code := res.status
	if res.ok() {
		return nil
	}
	if isRateLimitStatus(code) {
		return p.rateLimited(res, code)
	}
	if code == http.StatusForbidden {
		preview := res.preview
		if preview == nil {
			if _, b, err := p.request(ctx, http.MethodGet, res.final, h); err == nil {
				preview = b
			}
		}
		if rateLimitEvidence(res.resp, preview, connectionLimited) {
			return p.rateLimited(res, code)
		}
	}
	return fault.New(fault.UpstreamUnreachable, op, "upstream status %d", code)
}

func (p *Prober) rateLimited(res *hopResult, code int) error {
	e := fault.New(fault.UpstreamRateLimited, op, "upstream status %d", code)
	if d, ok := httpclient.RetryAfter(res.resp, 10*time.Minute); ok {
		e.RetryAfter = d
	}
	return e
}

// dynamic compares target with the previous probe's target for rawURL. The
// first probe of a URL asks twice.
func (p *Prober) dynamic(ctx context.Context, rawURL string, h Headers, target string) bool {
	p.mu.Lock()
	prev, seen := p.targets[rawURL]
	p.targets[rawURL] = target
	p.mu.Unlock()
	if seen {
		return prev != target
	}
	again, err := p.resolve(ctx, rawURL, h)
	if err != nil {
		return false
	}
	return again.final != target
}

func (p *Prober) sniff(ctx context.Context, d *Descriptor) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.FinalURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, d.Headers)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sniff: status %d", resp.StatusCode)
	}
	head, r, err := peek(resp.Body, 512)
	if err != nil {
		return nil, err
	}
	if looksLikeHTML(head) {
		return nil, fault.New(fault.UpstreamBadFormat, op, "upstream body is html")
	}
	return sniffCodecs(io.LimitReader(r, p.sniffBytes))
}

func (p *Prober) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.originRate, 2)
		p.limiters[key] = l
	}
	return l
}

func applyHeaders(req *http.Request, h Headers) {
	ua := h.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	if h.Referer != "" {
		req.Header.Set("Referer", h.Referer)
	}
	for k, v := range h.Extra {
		req.Header.Set(k, v)
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveRef(base, loc string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", errors.New("bad redirect location")
	}
	return b.ResolveReference(ref).String(), nil
}
