// Package errs defines the closed, small error taxonomy every layer of the
// driver maps its failures into (spec §7). It follows the teacher's plain
// errors.New/fmt.Errorf style: no custom formatting framework, just a
// minimal Kind tag riding along on top of the stdlib's Is/As/Unwrap support
// so callers can branch on failure class without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the ten recognized failure classes. The set is closed:
// adding a new Kind is a deliberate, reviewed change, not something a layer
// should do ad hoc.
type Kind int

const (
	_ Kind = iota
	IOError
	ChkError
	ParamError
	Unsupported
	ProtocolError
	NullError
	PPSFailure
	ROError
	PINError
	BlockedError
)

func (k Kind) String() string {
	switch k {
	case IOError:
		return "io_error"
	case ChkError:
		return "chk_error"
	case ParamError:
		return "param_error"
	case Unsupported:
		return "unsupported"
	case ProtocolError:
		return "protocol_error"
	case NullError:
		return "null_error"
	case PPSFailure:
		return "pps_failure"
	case ROError:
		return "ro_error"
	case PINError:
		return "pin_error"
	case BlockedError:
		return "blocked_error"
	default:
		return "unknown_error"
	}
}

// Error is the error value every layer returns. Op names the operation that
// failed (e.g. "ifd.SetBaud"), Kind classifies it per spec §7, and Err, when
// non-nil, is the underlying cause (a transport error, most commonly).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error classifying an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
