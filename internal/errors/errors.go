// Package errors provides the error taxonomy shared by the pool, the upstream
// clients and the read path. It lives in its own package to avoid import
// cycles between vfs, pool and the upstream implementations.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions callers are expected to branch on.
var (
	// ErrConnectFailed is returned when a session to an export could not be mounted.
	ErrConnectFailed = errors.New("connect failed")

	// ErrUpstreamIO is returned when an RPC against an already mounted session fails.
	ErrUpstreamIO = errors.New("upstream i/o failed")

	// ErrPoolClosed is returned by Acquire after the pool has been torn down.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrReadOnly is returned by upstreams that cannot accept writes.
	ErrReadOnly = errors.New("upstream is read-only")

	// ErrNotSupported is returned for operations an upstream does not implement.
	ErrNotSupported = errors.New("operation not supported")

	// ErrInvalidURL is returned when a resource identifier cannot be resolved.
	ErrInvalidURL = errors.New("invalid resource url")
)

// ConnectError describes a failed mount of (Server, Export).
type ConnectError struct {
	Server string
	Export string
	cause  error
}

// NewConnectError wraps cause as a connect failure for the given key.
func NewConnectError(server, export string, cause error) error {
	return &ConnectError{Server: server, Export: export, cause: cause}
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("connect %s:%s: %v", e.Server, e.Export, e.cause)
	}
	return fmt.Sprintf("connect %s:%s failed", e.Server, e.Export)
}

// Unwrap returns the underlying cause error for error unwrapping.
func (e *ConnectError) Unwrap() error {
	return e.cause
}

// Is reports ErrConnectFailed as a match so callers can use errors.Is.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailed
}

// UpstreamError describes a failed RPC on a mounted session.
type UpstreamError struct {
	Op    string
	Path  string
	cause error
}

// NewUpstreamError wraps cause as an upstream failure of op on path.
func NewUpstreamError(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &UpstreamError{Op: op, Path: path, cause: cause}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.cause)
}

func (e *UpstreamError) Unwrap() error {
	return e.cause
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamIO
}

// IsConnectFailed checks if an error is a mount/session acquisition failure.
func IsConnectFailed(err error) bool {
	return errors.Is(err, ErrConnectFailed)
}

// IsUpstream checks if an error came from an RPC on a mounted session.
func IsUpstream(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr)
}
