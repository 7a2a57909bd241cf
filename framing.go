package claudeagent

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxBufferSize bounds a single frame when no limit is configured.
const DefaultMaxBufferSize = 1024 * 1024

// lineReader splits a stream into newline-terminated frames while enforcing
// an upper bound on how many bytes may accumulate before a newline.
type lineReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	if limit <= 0 {
		limit = DefaultMaxBufferSize
	}
	return &lineReader{
		r:     bufio.NewReaderSize(r, 64*1024),
		limit: limit,
	}
}

// next returns the next frame without its trailing newline (or "\r\n").
// The returned slice is only valid until the following call.
//
// A final unterminated line at EOF is returned as a frame. If more than
// limit bytes accumulate without a newline, the partial frame is dropped
// and *ErrBufferOverflow is returned; the reader must not be used again.
func (l *lineReader) next() ([]byte, error) {
	l.buf = l.buf[:0]

	for {
		chunk, err := l.r.ReadSlice('\n')

		size := len(l.buf) + len(chunk)
		if err == nil {
			size-- // The terminating newline does not count.
		}
		if size > l.limit {
			l.buf = nil
			return nil, &ErrBufferOverflow{Limit: l.limit}
		}
		l.buf = append(l.buf, chunk...)

		switch {
		case err == nil:
			return trimEOL(l.buf), nil

		case errors.Is(err, bufio.ErrBufferFull):
			continue

		case errors.Is(err, io.EOF):
			if len(l.buf) == 0 {
				return nil, io.EOF
			}
			return trimEOL(l.buf), nil

		default:
			return nil, err
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}
