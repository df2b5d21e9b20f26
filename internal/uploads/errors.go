package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates an unknown upload session id.
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrSessionExpired indicates the session deadline has passed. Expired
	// sessions accept no further chunks and cannot be finalized.
	ErrSessionExpired = errors.New("upload session expired")
	// ErrSessionClosed indicates the session is in a terminal state or has
	// already been finalized.
	ErrSessionClosed = errors.New("upload session closed")
	// ErrNotOwner indicates the caller does not own the session.
	ErrNotOwner = errors.New("caller does not own upload session")
	// ErrChunkOutOfRange indicates a chunk index outside [0, expectedChunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrChecksumMismatch indicates the received chunk bytes do not match the
	// declared checksum. The chunk is discarded and may be re-sent.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	// ErrSizeMismatch indicates the assembled upload does not match the
	// declared total size.
	ErrSizeMismatch = errors.New("assembled size does not match declared size")
	// ErrHashMismatch indicates the assembled upload does not match the
	// declared content hash.
	ErrHashMismatch = errors.New("assembled content hash mismatch")
)

// IncompleteError reports a finalize attempt on a session that is still
// missing chunks. Missing carries the absent indices so the client can
// retransmit exactly those.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunks missing", len(e.Missing))
}
