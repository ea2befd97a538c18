package transport

import (
	"bytes"
	"io"

	"github.com/rs/zerolog"
)

// stderrDrain forwards a subprocess's standard error to the structured log,
// one line at a time. The protocol stream on stdout is never touched.
type stderrDrain struct {
	log zerolog.Logger
	buf bytes.Buffer
}

func newStderrDrain(log zerolog.Logger, server string) io.Writer {
	return &stderrDrain{log: log.With().Str("server", server).Logger()}
}

func (d *stderrDrain) Write(p []byte) (int, error) {
	d.buf.Write(p)
	for {
		line, err := d.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it buffered for the next write.
			d.buf.Reset()
			d.buf.WriteString(line)
			break
		}
		if trimmed := bytes.TrimRight([]byte(line), "\r\n"); len(trimmed) > 0 {
			d.log.Debug().Msg(string(trimmed))
		}
	}
	return len(p), nil
}
