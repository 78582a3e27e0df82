package probe

import (
	"bytes"
	"io"
	"sort"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// sniffCodecs reads PAT/PMT from the head of a transport stream and names
// the elementary stream codecs. The caller bounds r.
func sniffCodecs(r io.Reader) ([]string, error) {
	mr := &mpegts.Reader{R: r}
	if err := mr.Initialize(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, track := range mr.Tracks() {
		name := codecName(track.Codec)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func codecName(c mpegts.Codec) string {
	switch c.(type) {
	case *mpegts.CodecH264:
		return "h264"
	case *mpegts.CodecH265:
		return "hevc"
	case *mpegts.CodecMPEG1Video:
		return "mpeg2video"
	case *mpegts.CodecMPEG4Video:
		return "mpeg4"
	case *mpegts.CodecMPEG4Audio:
		return "aac"
	case *mpegts.CodecMPEG1Audio:
		return "mp3"
	case *mpegts.CodecAC3:
		return "ac3"
	case *mpegts.CodecOpus:
		return "opus"
	}
	return "unknown"
}

// peek reads up to n bytes and returns them along with a reader that
// replays them before the rest of r.
func peek(r io.Reader, n int) ([]byte, io.Reader, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	buf = buf[:got]
	return buf, io.MultiReader(bytes.NewReader(buf), r), err
}
