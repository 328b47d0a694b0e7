package chronq

import "errors"

// Error classification codes for the data plane.
//
// Implementations MAY wrap these with additional context via fmt.Errorf's
// %w. Callers MUST classify errors using errors.Is.
var (
	// ErrPayloadTooLarge: payload is larger than an otherwise-empty segment
	// of the queue's SegmentSize can hold, or than commit_len can encode.
	// Fatal to the caller; no state change.
	ErrPayloadTooLarge = errors.New("chronq: payload too large")

	// ErrQueueFull: a record still does not fit after rolling to a fresh
	// segment. Fatal to the caller.
	ErrQueueFull = errors.New("chronq: queue full")

	// ErrWriterAlreadyActive: another live writer holds writer.lock. Fatal
	// to the caller.
	ErrWriterAlreadyActive = errors.New("chronq: writer already active")

	// ErrUnsupportedVersion: segment or control block version mismatch.
	// Fatal to open.
	ErrUnsupportedVersion = errors.New("chronq: unsupported version")

	// ErrCorruptMetadata: control block or reader meta failed validation.
	// The open that detects it fails; neither a writer nor a reader
	// re-initializes the control block.
	ErrCorruptMetadata = errors.New("chronq: corrupt metadata")

	// ErrCorruptHeader: a committed record's CRC does not match its
	// payload. Reader fails; requires operator action.
	ErrCorruptHeader = errors.New("chronq: corrupt record header")

	// ErrCorruptSequence: observed seq differs from the reader's expected
	// next seq. Same treatment as ErrCorruptHeader.
	ErrCorruptSequence = errors.New("chronq: corrupt sequence")

	// ErrTimedOut classifies a wait timeout. Non-fatal. Subscriber.Wait
	// reports a timeout as (false, nil) and does not return this error.
	ErrTimedOut = errors.New("chronq: wait timed out")

	// ErrClosed is returned by the error-returning methods of a closed
	// Publisher or Subscriber, other than Close.
	ErrClosed = errors.New("chronq: closed")

	// ErrInvalidOptions is returned when Options fails validation.
	ErrInvalidOptions = errors.New("chronq: invalid options")
)
