// Package dberror defines the error taxonomy surfaced by the engine.
//
// Every error that crosses a package boundary towards the connection layer is
// an *Error carrying a Kind. Callers classify with errors.Is against the kind
// sentinels (ErrBusy, ErrConstraint, ...) or with KindOf.
package dberror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind int

const (
	KindUnknown    Kind = iota
	KindSyntax          // malformed SQL
	KindSchema          // unknown object, column or pragma; type mismatch
	KindConstraint      // uniqueness or NOT NULL violation
	KindBusy            // write lock contention, retryable
	KindCorruption      // checksum or structural violation
	KindIO              // filesystem failure
	KindClosed          // operation on a closed connection or statement
	KindMisuse          // API used out of order
	KindInterrupt       // statement cancelled by Interrupt
)

var kindNames = map[Kind]string{
	KindUnknown:    "Error",
	KindSyntax:     "SyntaxError",
	KindSchema:     "SchemaError",
	KindConstraint: "ConstraintError",
	KindBusy:       "BusyError",
	KindCorruption: "CorruptionError",
	KindIO:         "IOError",
	KindClosed:     "ClosedError",
	KindMisuse:     "MisuseError",
	KindInterrupt:  "InterruptError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kind sentinels. errors.Is(err, ErrBusy) reports whether err is a busy error.
var (
	ErrSyntax     = &sentinel{KindSyntax}
	ErrSchema     = &sentinel{KindSchema}
	ErrConstraint = &sentinel{KindConstraint}
	ErrBusy       = &sentinel{KindBusy}
	ErrCorruption = &sentinel{KindCorruption}
	ErrIO         = &sentinel{KindIO}
	ErrClosed     = &sentinel{KindClosed}
	ErrMisuse     = &sentinel{KindMisuse}
	ErrInterrupt  = &sentinel{KindInterrupt}
)

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Error is the concrete error type returned by the engine.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "prepare" or "commit".
	Op string
	// SQL is the offending statement text, when known.
	SQL string
	// Constraint names the violated constraint, e.g. "users.email".
	Constraint string
	// Msg is a human readable description.
	Msg string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	b.WriteString(": ")
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	}
	if e.Constraint != "" {
		b.WriteString(" (constraint ")
		b.WriteString(e.Constraint)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	if s, ok := target.(*sentinel); ok {
		return s.kind == e.Kind
	}
	return false
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. An err that is already an *Error keeps its
// kind; only the operation is filled in when missing.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Op == "" {
			cp := *de
			cp.Op = op
			return &cp
		}
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Constraint returns a constraint violation naming the constraint.
func Constraint(name, format string, args ...any) *Error {
	return &Error{Kind: KindConstraint, Constraint: name, Msg: fmt.Sprintf(format, args...)}
}

// WithSQL attaches the statement text to err if it is an *Error without one.
func WithSQL(err error, sql string) error {
	var de *Error
	if err == nil || !errors.As(err, &de) || de.SQL != "" {
		return err
	}
	cp := *de
	cp.SQL = sql
	return &cp
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the transaction and close the
// connection.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindCorruption || k == KindIO
}
