// Package sessionerr defines the error kinds raised by the stream session
// core (spec section 7: Error Handling Design).
package sessionerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", ErrX) to attach
// context; callers should compare with errors.Is.
var (
	// ErrCatalogMiss means the stream id has no entry in the Stream Catalog.
	ErrCatalogMiss = errors.New("catalog miss")

	// ErrDecoderStartFailure means every transport in the descriptor's
	// preference list failed to start the decoder subprocess.
	ErrDecoderStartFailure = errors.New("decoder start failure")

	// ErrDecoderExit means the decoder process exited mid-stream.
	ErrDecoderExit = errors.New("decoder exit")

	// ErrMalformedStream means the splitter found no SOI/EOI within its
	// buffer bound; the caller should discard and continue.
	ErrMalformedStream = errors.New("malformed stream")

	// ErrSinkPublishFailure means a single frame/status/error publish to the
	// sink failed; it is transient and does not end the session.
	ErrSinkPublishFailure = errors.New("sink publish failure")

	// ErrInternal wraps an unexpected condition inside the pump; logged and
	// swallowed, never terminates the session.
	ErrInternal = errors.New("internal error")
)

// CatalogMiss wraps ErrCatalogMiss with the offending stream id.
func CatalogMiss(streamID string) error {
	return fmt.Errorf("stream %q: %w", streamID, ErrCatalogMiss)
}

// DecoderStartFailure wraps ErrDecoderStartFailure with the list of attempted
// transports and their individual failures.
func DecoderStartFailure(streamID string, attempts map[string]error) error {
	return fmt.Errorf("stream %q: all transports failed %v: %w", streamID, attempts, ErrDecoderStartFailure)
}

// DecoderExit wraps ErrDecoderExit with the underlying process error, if any.
func DecoderExit(streamID string, cause error) error {
	if cause == nil {
		return fmt.Errorf("stream %q: decoder exited: %w", streamID, ErrDecoderExit)
	}
	return fmt.Errorf("stream %q: decoder exited: %v: %w", streamID, cause, ErrDecoderExit)
}

// Internal wraps ErrInternal with the underlying cause for logging.
func Internal(streamID string, cause error) error {
	return fmt.Errorf("stream %q: %v: %w", streamID, cause, ErrInternal)
}
