// Package xerrors implements the transport error taxonomy: a small set of
// sentinel conditions every reader/writer/listener goroutine in pkg/transport
// classifies its failures into, plus helpers that translate OS-level errno
// values into that taxonomy.
package xerrors

import (
	"errors"
	"io"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel conditions, per spec §7.
var (
	// ErrClosed means the peer hung up or a local shutdown tore the
	// connection down.
	ErrClosed = errors.New("connection closed")

	// ErrShort means a read got fewer bytes than the frame header
	// promised and then hit EOF: fatal for the in-flight message.
	ErrShort = errors.New("short read")

	// ErrPartial means I/O was interrupted mid-message but may resume
	// on the next poll wakeup; some bytes of the current frame were
	// already consumed.
	ErrPartial = errors.New("partial I/O, resume on next wakeup")

	// ErrEmpty means poll reported readiness but zero bytes moved and
	// no progress occurred on the in-flight message: retry.
	ErrEmpty = errors.New("no progress, retry")

	// ErrUnblocked means a deque/multiqueue consumer was woken by an
	// explicit Unblock call rather than by data arriving.
	ErrUnblocked = errors.New("unblocked")

	// ErrDestroyed means the structure a waiter was blocked on was
	// torn down out from under it.
	ErrDestroyed = errors.New("destroyed")

	// ErrPipeCreate means an internal control pipe could not be
	// created. Nothing in this module returns it: transport.NewRoot
	// creates no pipe and cannot fail.
	ErrPipeCreate = errors.New("pipe creation failed")
)

// TLSError wraps a TLS-library failure (handshake or I/O) per the `Tls(code)`
// taxonomy row. The Reason is one of the verification failure names spec.md
// §4.12 calls for logging (SignerNotFound, Expired, NotYetActivated, ...).
type TLSError struct {
	Reason string
	Err    error
}

func (e *TLSError) Error() string {
	if e.Err != nil {
		return "tls: " + e.Reason + ": " + e.Err.Error()
	}
	return "tls: " + e.Reason
}

func (e *TLSError) Unwrap() error { return e.Err }

// NewTLSError builds a TLSError, wrapping cause with pkg/errors for a
// recoverable stack trace the way the rest of the ambient stack does.
func NewTLSError(reason string, cause error) error {
	if cause != nil {
		cause = pkgerrors.Wrap(cause, reason)
	}
	return &TLSError{Reason: reason, Err: cause}
}

// ClassifyIO maps an OS-level I/O error (or io.EOF) onto the §7 taxonomy.
// consumedBytes reports whether any bytes of the in-flight frame were
// already read/written before err occurred — it decides Partial vs Empty.
func ClassifyIO(err error, consumedBytes bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShort
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPIPE, syscall.ECONNRESET, syscall.ENOTCONN:
			return ErrClosed
		case syscall.EAGAIN:
			if consumedBytes {
				return ErrPartial
			}
			return ErrEmpty
		case syscall.EINTR:
			if consumedBytes {
				return ErrPartial
			}
			return ErrEmpty
		}
	}
	return pkgerrors.Wrap(err, "io error")
}

// IsRetryable reports whether err represents a condition the caller should
// simply poll again for, rather than tear the connection down.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPartial) || errors.Is(err, ErrEmpty)
}

// IsFatal reports whether err requires destroying the owning connection.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrShort) {
		return true
	}
	var tlsErr *TLSError
	return errors.As(err, &tlsErr)
}
