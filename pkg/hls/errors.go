package hls

import (
	"fmt"

	zerrors "github.com/aminofox/zenlive/pkg/errors"
)

// HLS client error codes (11000-11999), extending the shared error taxonomy
// in pkg/errors with the failure modes specific to playlist refresh,
// segment download, and session merging.
const (
	ErrCodeHLSParseError      zerrors.ErrorCode = 11000
	ErrCodeHLSTransportError  zerrors.ErrorCode = 11001
	ErrCodeHLSSessionEOF      zerrors.ErrorCode = 11002
	ErrCodeHLSAborted         zerrors.ErrorCode = 11003
	ErrCodeHLSKeyFetchFailed  zerrors.ErrorCode = 11004
	ErrCodeHLSBufferFull      zerrors.ErrorCode = 11005
	ErrCodeHLSBufferTimeout   zerrors.ErrorCode = 11006
	ErrCodeHLSVariantNotFound zerrors.ErrorCode = 11007
)

// NewParseError wraps a manifest parsing failure.
func NewParseError(message string, cause error) *zerrors.Error {
	return zerrors.Wrap(ErrCodeHLSParseError, message, cause)
}

// NewTransportError wraps a segment/playlist transport failure.
func NewTransportError(message string, cause error) *zerrors.Error {
	return zerrors.Wrap(ErrCodeHLSTransportError, message, cause)
}

// ErrSessionEOF signals that a session has no more segments to deliver.
var ErrSessionEOF = zerrors.New(ErrCodeHLSSessionEOF, "session reached end of stream")

// ErrAborted signals that an operation was cancelled via its interrupt
// predicate.
var ErrAborted = zerrors.New(ErrCodeHLSAborted, "operation aborted")

// NewKeyFetchError wraps an AES key retrieval failure.
func NewKeyFetchError(keyURL string, cause error) *zerrors.Error {
	return zerrors.Wrap(ErrCodeHLSKeyFetchFailed, fmt.Sprintf("failed to fetch key: %s", keyURL), cause)
}

// ErrBufferFull is returned by a zero-timeout Put against a full buffer.
var ErrBufferFull = zerrors.New(ErrCodeHLSBufferFull, "media object buffer is full")

// ErrBufferTimeout is returned when a bounded Put/Get deadline expires.
var ErrBufferTimeout = zerrors.New(ErrCodeHLSBufferTimeout, "media object buffer operation timed out")

// NewVariantNotFoundError wraps a manual variant-index selection failure.
func NewVariantNotFoundError(index int) *zerrors.Error {
	return zerrors.New(ErrCodeHLSVariantNotFound, fmt.Sprintf("variant index out of range: %d", index))
}
