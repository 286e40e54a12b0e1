// Package errors provides domain-specific error types for rvl.
//
// These types carry structured context (operation, address, record tag,
// retryability) that helps callers decide whether a failure ends one
// side of a relay, kills a session, or is worth another attempt.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrBridgeClosed   = errors.New("handshake bridge is closed")
	ErrSessionClosed  = errors.New("session is closed")
	ErrUnknownTag     = errors.New("unknown record tag")
	ErrMalformed      = errors.New("malformed record")
	ErrRecordTooLarge = errors.New("record too large")
	ErrNoWorker       = errors.New("worker did not connect back")
	ErrInvariant      = errors.New("session invariant violated")
	ErrTimeout        = errors.New("operation timed out")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a record that violates the wire format.  It is
// fatal to the session that produced it and to nothing else.
type ProtocolError struct {
	Tag    string // record tag, empty if the tag itself was unreadable
	Offset int64  // byte offset in the stream, -1 if unknown
	Err    error
}

func (e *ProtocolError) Error() string {
	s := "protocol"
	if e.Tag != "" {
		s += fmt.Sprintf(" %q", e.Tag)
	}
	if e.Offset >= 0 {
		s += fmt.Sprintf(" at offset %d", e.Offset)
	}
	return s + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ResourceError reports a local resource the agent could not obtain on a
// session's behalf, such as the callback listener or the worker process.
// Its text is sent back to the controller before the session closes.
type ResourceError struct {
	Op  string // "listen", "spawn", "pipe"
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("cannot %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// Protocol creates a ProtocolError with an unknown offset.
func Protocol(tag string, err error) *ProtocolError {
	return &ProtocolError{Tag: tag, Offset: -1, Err: err}
}

// Protocolf creates a ProtocolError whose cause wraps base with a
// formatted detail message.
func Protocolf(tag string, base error, format string, args ...interface{}) *ProtocolError {
	return Protocol(tag, fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...)))
}

// Resource creates a ResourceError.
func Resource(op string, err error) *ResourceError {
	return &ResourceError{Op: op, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsProtocol reports whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsResource reports whether err is, or wraps, a ResourceError.
func IsResource(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// net.OpError with Temporary() hint
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return true // the agent may not be listening yet
		}
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use rvl/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
