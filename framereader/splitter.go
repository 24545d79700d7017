package framereader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Splitter cuts a stream into frames at every occurrence of the delimiter.
// Unlike Reader, which only looks at the tail of its buffer, a Splitter finds
// delimiters anywhere in a read, so several frames arriving in one segment
// come out separately.
type Splitter struct {
	delimiter []byte
	chunk     []byte
	buf       []byte
	discarded int
}

// NewSplitter creates a Splitter. The defaults are the same as for New.
func NewSplitter(delimiter []byte, chunkSize int) *Splitter {
	if len(delimiter) == 0 {
		delimiter = DefaultDelimiter
	}

	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	return &Splitter{
		delimiter: bytes.Clone(delimiter),
		chunk:     make([]byte, chunkSize),
	}
}

// ReadFrames performs one read on r and returns every frame it completed,
// each with its delimiter. Bytes after the last delimiter are kept for the
// next call.
//
// Returns:
//   - The completed frames, possibly none. They are returned even when err
//     is not nil
//   - ErrPeerClosed at end of stream; the unterminated tail is dropped and
//     counted by Discarded
//   - An error wrapping ErrReadFailed on transport failure; a timeout is
//     returned unwrapped and the tail is kept
func (s *Splitter) ReadFrames(r io.Reader) ([][]byte, error) {
	n, err := r.Read(s.chunk)

	var frames [][]byte
	if n > 0 {
		s.buf = append(s.buf, s.chunk[:n]...)
		frames = s.split()
	}

	switch {
	case err == nil && n > 0:
		return frames, nil
	case err == nil, errors.Is(err, io.EOF):
		s.reset()
		return frames, ErrPeerClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return frames, err
	default:
		s.reset()
		return frames, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
}

func (s *Splitter) split() [][]byte {
	var frames [][]byte
	for {
		i := bytes.Index(s.buf, s.delimiter)
		if i < 0 {
			break
		}

		end := i + len(s.delimiter)
		frames = append(frames, bytes.Clone(s.buf[:end]))
		s.buf = s.buf[end:]
	}

	if len(s.buf) == 0 {
		s.buf = nil
	}

	return frames
}

// Pending returns the number of bytes waiting for a delimiter.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

// Discarded returns the number of bytes dropped by the last terminal read.
func (s *Splitter) Discarded() int {
	return s.discarded
}

func (s *Splitter) reset() {
	s.discarded = len(s.buf)
	s.buf = nil
}
