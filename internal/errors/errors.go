// Package errors defines the Copperplate runtime's error taxonomy: a
// structured error carrying an operation name, a high-level code, and an
// optional syscall errno, propagated by value rather than by panicking.
// No operation in this runtime unwinds on error; every call returns one
// of the Codes below (or nil).
package errors

import (
	"fmt"
	"syscall"

	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// Code is the high-level error category at the core boundary (spec §7).
type Code string

const (
	// InvalidHandle: NULL, misaligned, or revoked object handle.
	InvalidHandle Code = "invalid handle"
	// Deleted: object was destroyed while the caller waited.
	Deleted Code = "deleted"
	// TimedOut: absolute deadline reached.
	TimedOut Code = "timed out"
	// Interrupted: wait was broken by flush (user-initiated unblock).
	Interrupted Code = "interrupted"
	// WouldBlock: polling form of a blocking call could not complete immediately.
	WouldBlock Code = "would block"
	// NotPermitted: operation invalid from current context.
	NotPermitted Code = "not permitted"
	// Exists: name clash in a cluster with duplicates disallowed.
	Exists Code = "exists"
	// OutOfMemory: arena exhausted or host refused allocation.
	OutOfMemory Code = "out of memory"
	// Busy: resource is locked and the call form is non-blocking.
	Busy Code = "busy"
	// NotFound: lookup missed, including stale entries silently purged.
	NotFound Code = "not found"
)

// Error is a structured Copperplate error with context and errno mapping.
type Error struct {
	Op    string        // Operation that failed (e.g. "syncobj.pend", "heap.alloc")
	Name  string        // Named object involved, if any (thread name, cluster key)
	Code  Code          // High-level error category
	Errno syscall.Errno // Host errno, 0 if not applicable
	Msg   string        // Human-readable message
	Inner error         // Wrapped cause
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	var ctx string
	switch {
	case e.Op != "" && e.Name != "":
		ctx = fmt.Sprintf("op=%s name=%s", e.Op, e.Name)
	case e.Op != "":
		ctx = fmt.Sprintf("op=%s", e.Op)
	case e.Name != "":
		ctx = fmt.Sprintf("name=%s", e.Name)
	}
	if e.Errno != 0 {
		if ctx != "" {
			ctx += " "
		}
		ctx += fmt.Sprintf("errno=%d", e.Errno)
	}
	if ctx != "" {
		return fmt.Sprintf("copperplate: %s (%s)", msg, ctx)
	}
	return fmt.Sprintf("copperplate: %s", msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Inner }

// Is allows errors.Is(err, Code) to compare error categories directly.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Error implements the error interface on Code itself so that sentinel
// comparisons (errors.Is(err, OutOfMemory)) work without constructing an
// *Error.
func (c Code) Error() string { return string(c) }

// New creates a structured error for the given operation and code.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Named creates a structured error naming the object involved.
func Named(op, name string, code Code, msg string) *Error {
	return &Error{Op: op, Name: name, Code: code, Msg: msg}
}

// FromErrno maps a host errno to a structured error with the right Code.
func FromErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: codeForErrno(errno), Errno: errno, Msg: errno.Error()}
}

// Wrap attaches op context to an inner error, preserving its Code when the
// inner error is already one of ours, and classifying raw syscall errnos.
// Non-structured causes are wrapped with pkg/errors so that %+v retains a
// stack trace back to the host call site.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{Op: op, Name: ce.Name, Code: ce.Code, Errno: ce.Errno, Msg: ce.Msg, Inner: ce.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: codeForErrno(errno), Errno: errno, Msg: errno.Error(), Inner: errno}
	}
	return &Error{Op: op, Code: NotFound, Msg: inner.Error(), Inner: pkgerrors.Wrap(inner, op)}
}

func codeForErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT, syscall.ESRCH:
		return NotFound
	case syscall.EEXIST:
		return Exists
	case syscall.EBUSY:
		return Busy
	case syscall.EINVAL, syscall.EBADF:
		return InvalidHandle
	case syscall.EPERM, syscall.EACCES:
		return NotPermitted
	case syscall.ENOMEM, syscall.ENOSPC:
		return OutOfMemory
	case syscall.ETIMEDOUT:
		return TimedOut
	case syscall.EINTR:
		return Interrupted
	case syscall.EAGAIN:
		return WouldBlock
	case syscall.EIDRM:
		return Deleted
	default:
		return NotFound
	}
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Code == code
	}
	return stderrors.Is(err, code)
}

// IsErrno reports whether err carries the given host errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Errno == errno
	}
	return false
}
