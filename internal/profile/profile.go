// Package profile turns a channel, its stream and the requesting client kind
// into the exact transcoder command line.
package profile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/probe"
)

// Where a template came from.
const (
	SourceStream  = "stream"
	SourceChannel = "channel"
	SourceDefault = "default"
	SourceBuiltin = "builtin"
)

// MPEGTSFlags keep PAT/PMT frequent so Plex's parser locks on quickly after
// a splice.
const MPEGTSFlags = "+resend_headers+pat_pmt_at_frames+initial_discontinuity"

// Builtin is the template used when no profile applies: copy every codec
// into MPEG-TS on stdout.
var Builtin = catalog.Template{
	Args: []string{
		"-i", catalog.URLPlaceholder,
		"-map", "0:v:0?",
		"-map", "0:a?",
		"-c", "copy",
		"-flush_packets", "1",
		"-max_interleave_delta", "0",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-mpegts_flags", MPEGTSFlags,
		"-f", "mpegts",
		"pipe:1",
	},
	ForceMPEGTS: true,
}

// baseFlags are added unless the template sets them itself.
var baseFlags = []struct{ name, value string }{
	{"-nostdin", ""},
	{"-hide_banner", ""},
	{"-loglevel", "error"},
	{"-fflags", "+discardcorrupt+genpts"},
}

// Timeouts are the template overrides; zero means "use the default".
type Timeouts struct {
	Probe      time.Duration
	FirstBytes time.Duration
	Stall      time.Duration
}

// Resolved is one concrete command.
type Resolved struct {
	ProfileID string
	Source    string
	Template  clientkind.Kind // template key actually used
	URL       string
	Args      []string // argv without the binary
	Timeouts  Timeouts
	LockKey   string // origin lock to hold while the runner lives; empty when unlimited
	Dynamic   bool   // re-probe before every runner start
}

// Resolver is stateless apart from its logger.
type Resolver struct {
	log zerolog.Logger
}

func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{log: log}
}

// Template picks the template for kind: stream profile, then channel
// profile, then the default profile, and finally Builtin.
func (r *Resolver) Template(snap *catalog.Snapshot, ch catalog.Channel, s catalog.Stream, kind clientkind.Kind) (catalog.Template, string, string, clientkind.Kind) {
	candidates := []struct {
		id     string
		source string
	}{
		{s.ProfileID, SourceStream},
		{ch.ProfileID, SourceChannel},
	}
	if snap != nil {
		for _, c := range candidates {
			if c.id == "" {
				continue
			}
			p, ok := snap.Profile(c.id)
			if !ok {
				r.log.Warn().Str("profile_id", c.id).Str("level", c.source).Msg("profile not found, falling through")
				continue
			}
			if t, key, ok := pick(p, kind); ok {
				return t, p.ID, c.source, key
			}
		}
		if p, ok := snap.DefaultProfile(); ok {
			if t, key, ok := pick(p, kind); ok {
				return t, p.ID, SourceDefault, key
			}
		}
	}
	return Builtin, "", SourceBuiltin, clientkind.Generic
}

func pick(p *catalog.Profile, kind clientkind.Kind) (catalog.Template, clientkind.Kind, bool) {
	if t, ok := p.Templates[kind]; ok && len(t.Args) > 0 {
		return t, kind, true
	}
	if t, ok := p.Templates[clientkind.Generic]; ok && len(t.Args) > 0 {
		return t, clientkind.Generic, true
	}
	return catalog.Template{}, "", false
}

// Resolve never fails: a malformed template still yields a runnable command
// and the runner reports whatever goes wrong. d may be nil before the first
// probe, in which case the stream URL is used as is.
func (r *Resolver) Resolve(snap *catalog.Snapshot, ch catalog.Channel, s catalog.Stream, kind clientkind.Kind, d *probe.Descriptor) Resolved {
	tmpl, profileID, source, key := r.Template(snap, ch, s, kind)

	url, hdr := probe.SplitHeaders(s.URL)
	streamKind := s.Kind
	limited := s.ConnectionLimits
	var lockKey string
	if d != nil {
		url, hdr, streamKind = d.FinalURL, d.Headers, d.Kind
		limited = limited || d.ConnectionLimited()
		if limited {
			lockKey = d.OriginKey
		}
	}

	out := Resolved{
		ProfileID: profileID,
		Source:    source,
		Template:  key,
		URL:       url,
		Timeouts:  timeoutsOf(tmpl),
		LockKey:   lockKey,
		Dynamic:   d != nil && d.Dynamic,
	}

	input := inputOptions(streamKind, hdr, limited)
	input = append(input, tmpl.PreInput...)
	args := substitute(tmpl.Args, url, tmpl.PostInput)
	if tmpl.ForceCopy {
		args = forceCopy(args)
	}
	if tmpl.ForceMPEGTS {
		args = forceMPEGTS(args)
	}

	argv := make([]string, 0, len(baseFlags)*2+len(input)+len(args))
	for _, f := range baseFlags {
		if hasOption(args, f.name) || hasOption(input, f.name) {
			continue
		}
		argv = append(argv, f.name)
		if f.value != "" {
			argv = append(argv, f.value)
		}
	}
	argv = append(argv, input...)
	argv = append(argv, args...)
	out.Args = argv

	r.log.Debug().
		Str("channel_id", ch.ID).
		Str("stream_id", s.ID).
		Str("client", string(kind)).
		Str("profile_id", profileID).
		Str("source", source).
		Str("template", string(key)).
		Bool("locked", lockKey != "").
		Msg("resolved transcoder command")
	return out
}

func timeoutsOf(t catalog.Template) Timeouts {
	if t.Timeouts == nil {
		return Timeouts{}
	}
	return Timeouts{
		Probe:      time.Duration(t.Timeouts.Probe),
		FirstBytes: time.Duration(t.Timeouts.FirstBytes),
		Stall:      time.Duration(t.Timeouts.Stall),
	}
}

func httpLike(k catalog.StreamKind) bool {
	switch k {
	case catalog.KindHLS, catalog.KindDASH, catalog.KindTS, catalog.KindHTTP, "":
		return true
	}
	return false
}

// inputOptions are the protocol options placed ahead of -i: request
// headers, in-process reconnects and the single-connection discipline.
func inputOptions(kind catalog.StreamKind, h probe.Headers, limited bool) []string {
	if !httpLike(kind) {
		return nil
	}
	var out []string
	ua := h.UserAgent
	if ua == "" && limited {
		ua = probe.DefaultUserAgent
	}
	if ua != "" {
		out = append(out, "-user_agent", ua)
	}
	if h.Referer != "" {
		out = append(out, "-referer", h.Referer)
	}
	extra := make([]string, 0, len(h.Extra)+1)
	for k, v := range h.Extra {
		extra = append(extra, k+": "+v+"\r\n")
	}
	sort.Strings(extra)
	if limited {
		extra = append(extra, "Connection: close\r\n")
	}
	if len(extra) > 0 {
		out = append(out, "-headers", strings.Join(extra, ""))
	}
	if limited {
		out = append(out, "-multiple_requests", "0")
	}

	// Reconnect at EOF makes the HLS demuxer loop on the playlist, so
	// segmented inputs only reconnect on network errors.
	switch kind {
	case catalog.KindHLS, catalog.KindDASH:
		out = append(out,
			"-reconnect", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", "2",
		)
	default:
		out = append(out,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", "2",
		)
	}
	return out
}

// substitute replaces {URL} and places post-input options right after the
// input. Templates without a placeholder get "-i URL" prepended.
func substitute(tmpl []string, url string, post []string) []string {
	out := make([]string, 0, len(tmpl)+len(post)+2)
	found := false
	for _, a := range tmpl {
		if strings.Contains(a, catalog.URLPlaceholder) {
			out = append(out, strings.ReplaceAll(a, catalog.URLPlaceholder, url))
			if !found {
				out = append(out, post...)
			}
			found = true
			continue
		}
		out = append(out, a)
	}
	if !found {
		head := append([]string{"-i", url}, post...)
		out = append(head, out...)
	}
	return out
}

// codecOptions take one value and are dropped by ForceCopy.
var codecOptions = map[string]bool{
	"-c": true, "-codec": true, "-vcodec": true, "-acodec": true, "-scodec": true,
	"-vf": true, "-af": true, "-filter_complex": true, "-filter:v": true, "-filter:a": true,
	"-preset": true, "-tune": true, "-crf": true, "-profile:v": true, "-level:v": true,
	"-x264-params": true, "-x265-params": true, "-pix_fmt": true,
	"-b:v": true, "-b:a": true, "-maxrate": true, "-bufsize": true,
}

func isCodecOption(a string) bool {
	if codecOptions[a] {
		return true
	}
	return strings.HasPrefix(a, "-c:") || strings.HasPrefix(a, "-codec:")
}

func forceCopy(args []string) []string {
	in, outPart, target := split(args)
	kept := make([]string, 0, len(outPart)+2)
	for i := 0; i < len(outPart); i++ {
		if isCodecOption(outPart[i]) {
			i++
			continue
		}
		kept = append(kept, outPart[i])
	}
	kept = append(kept, "-c", "copy")
	return join(in, kept, target)
}

func forceMPEGTS(args []string) []string {
	in, outPart, _ := split(args)
	kept := make([]string, 0, len(outPart)+6)
	hasFlags := false
	for i := 0; i < len(outPart); i++ {
		if outPart[i] == "-f" {
			i++
			continue
		}
		if outPart[i] == "-mpegts_flags" {
			hasFlags = true
		}
		kept = append(kept, outPart[i])
	}
	if !hasFlags {
		kept = append(kept, "-mpegts_flags", MPEGTSFlags)
	}
	kept = append(kept, "-f", "mpegts")
	return join(in, kept, "pipe:1")
}

// split cuts args into the input section (through the last -i value), the
// output options and the output target.
func split(args []string) (in, out []string, target string) {
	last := -1
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-i" {
			last = i + 1
		}
	}
	in = args[:last+1]
	out = args[last+1:]
	if n := len(out); n > 0 && isOutputTarget(out[n-1]) && (n == 1 || !takesValue(out[n-2])) {
		target = out[n-1]
		out = out[:n-1]
	}
	return append([]string(nil), in...), append([]string(nil), out...), target
}

func join(in, out []string, target string) []string {
	res := append(in, out...)
	if target != "" {
		res = append(res, target)
	}
	return res
}

func isOutputTarget(a string) bool {
	if a == "-" {
		return true
	}
	return !strings.HasPrefix(a, "-")
}

// takesValue is true for option names; an output target never follows one
// directly.
func takesValue(a string) bool {
	return strings.HasPrefix(a, "-") && len(a) > 1 && !isNumber(a)
}

func isNumber(a string) bool {
	var f float64
	_, err := fmt.Sscanf(a, "%g", &f)
	return err == nil
}

func hasOption(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}
