package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// ErrFrameTooLong reports a line that exceeded the reader's limit. The line
// has been discarded and the reader can keep going.
var ErrFrameTooLong = errors.New("stream frame exceeds size limit")

// DefaultMaxFrameBytes bounds a single newline-delimited frame.
const DefaultMaxFrameBytes = 1 << 20

// FrameReader splits a byte stream into newline-delimited frames. Frames may
// arrive split across any number of reads. Memory is bounded by max: an
// over-long frame is skipped up to its newline instead of buffered.
type FrameReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	size := 4096
	if max < size {
		size = max
	}
	return &FrameReader{r: bufio.NewReaderSize(r, size), max: max}
}

// Next returns the next non-blank frame with surrounding whitespace removed.
// The slice is only valid until the following call. A trailing frame without
// newline is returned before io.EOF.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		f.buf = f.buf[:0]
		tooLong := false

		for {
			chunk, err := f.r.ReadSlice('\n')
			if !tooLong {
				if len(f.buf)+len(bytes.TrimRight(chunk, "\r\n")) > f.max {
					tooLong = true
					f.buf = f.buf[:0]
				} else {
					f.buf = append(f.buf, chunk...)
				}
			}

			if err == bufio.ErrBufferFull {
				continue
			}
			if tooLong {
				if err != nil {
					return nil, err
				}
				return nil, ErrFrameTooLong
			}

			line := bytes.TrimSpace(f.buf)
			if len(line) > 0 {
				return line, nil
			}
			if err != nil {
				return nil, err
			}
			break
		}
	}
}
