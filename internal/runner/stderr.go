package runner

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// StderrTailBytes is how much transcoder stderr is kept per runner.
const StderrTailBytes = 4 << 10

// tailWriter keeps the last StderrTailBytes written to it and logs each
// complete line at debug level.
type tailWriter struct {
	mu   sync.Mutex
	buf  []byte
	line []byte
	log  zerolog.Logger
}

func newTailWriter(log zerolog.Logger) *tailWriter {
	return &tailWriter{log: log}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - StderrTailBytes; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
	}
	if t.log.GetLevel() <= zerolog.DebugLevel {
		t.line = append(t.line, p...)
		for {
			i := bytes.IndexByte(t.line, '\n')
			if i < 0 {
				break
			}
			if l := bytes.TrimSpace(t.line[:i]); len(l) > 0 {
				t.log.Debug().Str("stderr", string(l)).Msg("transcoder")
			}
			t.line = t.line[i+1:]
		}
		if len(t.line) > StderrTailBytes {
			t.line = t.line[:0]
		}
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
