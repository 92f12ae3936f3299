// Package splitter implements the MJPEG frame splitter described in
// spec section 4.1: a stateful, pure byte-stream scanner that turns a
// raw FFmpeg MJPEG-over-pipe stream into whole JPEG frames.
package splitter

import "bytes"

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

const (
	// DefaultMaxBufferBytes is the ceiling applied once a SOI has been found
	// but no EOI follows yet (splitter_max_buffer_bytes, default 1 MiB).
	DefaultMaxBufferBytes = 1 << 20

	// trailingKeepBytes bounds search cost on junk input with no SOI at all:
	// only the last KiB is kept when a feed produces no SOI match.
	trailingKeepBytes = 1024

	// minFrameBytes drops implausibly short frames (spec section 4.1).
	minFrameBytes = 100
)

// Splitter accumulates bytes fed from a decoder pipe and yields whole JPEG
// frames delimited by SOI (FF D8) and EOI (FF D9). It is not safe for
// concurrent use; callers serialize Feed/NextFrame on the owning pump.
type Splitter struct {
	buf        []byte
	maxBufSize int
}

// New returns a Splitter with the given buffer ceiling. A zero or negative
// maxBufferBytes falls back to DefaultMaxBufferBytes.
func New(maxBufferBytes int) *Splitter {
	if maxBufferBytes <= 0 {
		maxBufferBytes = DefaultMaxBufferBytes
	}
	return &Splitter{maxBufSize: maxBufferBytes}
}

// Feed appends newly read decoder bytes to the splitter's buffer.
func (s *Splitter) Feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// NextFrame returns the next complete, plausible JPEG frame and removes it
// (and anything before it) from the buffer. The second return value is false
// once no more whole frames are currently available; call NextFrame in a
// loop until it returns (nil, false).
func (s *Splitter) NextFrame() ([]byte, bool) {
	for {
		start := bytes.Index(s.buf, soi)
		if start == -1 {
			// No SOI at all: keep only a trailing window to bound search
			// cost on junk/non-JPEG input.
			if len(s.buf) > trailingKeepBytes {
				s.buf = s.buf[len(s.buf)-trailingKeepBytes:]
			}
			return nil, false
		}

		end := bytes.Index(s.buf[start:], eoi)
		if end == -1 {
			// Have a SOI but no EOI yet. Discard any garbage preceding SOI
			// (it can never become part of a frame) but keep searching
			// forward next call.
			if start > 0 {
				s.buf = s.buf[start:]
			}
			if len(s.buf) > s.maxBufSize {
				// Cap runaway growth: keep only the trailing maxBufSize
				// bytes. This drops the partial frame's SOI; later calls
				// look for a fresh SOI in what remains.
				s.buf = s.buf[len(s.buf)-s.maxBufSize:]
			}
			return nil, false
		}
		end += start + len(eoi) // absolute index, exclusive, past EOI

		frame := s.buf[start:end]
		s.buf = s.buf[end:]

		if len(frame) < minFrameBytes {
			// Implausible frame; drop it and keep scanning the remainder.
			continue
		}

		out := make([]byte, len(frame))
		copy(out, frame)
		return out, true
	}
}

// Reset discards all buffered bytes.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

// Buffered returns the number of bytes currently held, for diagnostics.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
