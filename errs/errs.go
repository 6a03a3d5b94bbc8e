// Package errs defines the sentinel error values used across UnifyCR's
// storage and read-path engine (spec.md §7). Handlers compare against
// these with errors.Is rather than an error-kind enum, since that's the
// idiomatic Go rendition of "error kinds" in a C-derived design.
package errs

import "errors"

var (
	// ErrNoMem is returned when a superblock's pending-extent ring or
	// read-reply region has no room left.
	ErrNoMem = errors.New("unifycr: allocation failure")

	// ErrKV wraps a failure from the underlying KV engine. Batch calls
	// that partially succeed still return this for the overall call,
	// per spec.md §4.3, while preserving whatever was returned.
	ErrKV = errors.New("unifycr: kv store error")

	// ErrBadRequest marks a null or oversized request.
	ErrBadRequest = errors.New("unifycr: bad request")

	// ErrNotFound marks a missing attribute record.
	ErrNotFound = errors.New("unifycr: not found")

	// ErrShortRead marks coverage less than the requested range. This is
	// surfaced per reply header, never as a batch-level error.
	ErrShortRead = errors.New("unifycr: short read")

	// ErrTransport marks an RPC failure or timeout.
	ErrTransport = errors.New("unifycr: transport error")

	// ErrShutdown marks an operation that observed a closed dispatch
	// channel (the Go rendition of exit_flag, see DESIGN.md).
	ErrShutdown = errors.New("unifycr: shutting down")
)
