package lbcf

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Writer methods. Callers should compare with
// errors.Is rather than ==, since wrapped variants may be returned.
var (
	// ErrChunkTooLarge is returned by AppendChunk when the supplied blob
	// exceeds MaxChunkSize. The writer is left unmodified: no chunk-table
	// entry is added and no bytes are written.
	ErrChunkTooLarge = errors.New("lbcf: chunk exceeds maximum chunk size")

	// ErrWriterClosed is returned by any method called after Flush has
	// completed. A Writer is single-use; construct a new one to write
	// another file.
	ErrWriterClosed = errors.New("lbcf: writer already flushed")
)

// CompressionError wraps a failure from the underlying deflate
// compressor. It is fatal: the Writer must not be reused after one is
// returned.
type CompressionError struct {
	Op  string
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("lbcf: %s: compression failed: %v", e.Op, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }
