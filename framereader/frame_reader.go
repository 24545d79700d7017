// Package framereader splits a byte stream into frames terminated by a fixed
// delimiter sequence. Frames are returned with the delimiter included; the
// reader never interprets the payload.
package framereader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultChunkSize is the number of bytes requested per Read call.
	DefaultChunkSize = 128
)

var (
	// DefaultDelimiter terminates a frame when none is configured.
	DefaultDelimiter = []byte("\n")

	// ErrPeerClosed is returned when the peer closes the stream before a
	// delimiter terminates the accumulated bytes.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrReadFailed wraps transport errors returned by the underlying reader.
	ErrReadFailed = errors.New("read failed")
)

// Reader accumulates bytes from a stream until the trailing bytes equal the
// delimiter. A Reader keeps its partial buffer across calls when a read times
// out, so one Reader must be used per connection and must not be shared.
type Reader struct {
	delimiter []byte
	chunk     []byte
	buf       []byte
	discarded int
}

// New creates a Reader for the given delimiter and chunk size. An empty
// delimiter falls back to DefaultDelimiter and a chunk size below 1 falls back
// to DefaultChunkSize.
//
// Parameters:
//   - delimiter: The byte sequence that terminates a frame
//   - chunkSize: Maximum number of bytes requested per read
//
// Returns:
//   - A new Reader
func New(delimiter []byte, chunkSize int) *Reader {
	if len(delimiter) == 0 {
		delimiter = DefaultDelimiter
	}

	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	return &Reader{
		delimiter: bytes.Clone(delimiter),
		chunk:     make([]byte, chunkSize),
	}
}

// ReadFrame reads from r until the accumulated buffer ends with the delimiter.
// Only the last len(delimiter) bytes of the whole buffer are compared, so a
// delimiter split across two reads is still recognised.
//
// Parameters:
//   - r: The stream to read from
//
// Returns:
//   - The frame including its delimiter
//   - ErrPeerClosed when a read returns zero bytes or io.EOF before a match
//   - An error wrapping ErrReadFailed on transport failure; a timeout
//     (os.ErrDeadlineExceeded) is returned unwrapped and the partial buffer
//     is kept for the next call
func (fr *Reader) ReadFrame(r io.Reader) ([]byte, error) {
	for {
		n, err := r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
			if bytes.HasSuffix(fr.buf, fr.delimiter) {
				frame := fr.buf
				fr.buf = nil
				return frame, nil
			}
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, err
			}

			fr.reset()
			if errors.Is(err, io.EOF) {
				return nil, ErrPeerClosed
			}

			return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
		}

		if n == 0 {
			fr.reset()
			return nil, ErrPeerClosed
		}
	}
}

// Pending returns the number of bytes accumulated towards the next frame.
func (fr *Reader) Pending() int {
	return len(fr.buf)
}

// Discarded returns the number of partial-frame bytes dropped by the last
// terminal read.
func (fr *Reader) Discarded() int {
	return fr.discarded
}

// Delimiter returns a copy of the configured delimiter.
func (fr *Reader) Delimiter() []byte {
	return bytes.Clone(fr.delimiter)
}

func (fr *Reader) reset() {
	fr.discarded = len(fr.buf)
	fr.buf = nil
}
