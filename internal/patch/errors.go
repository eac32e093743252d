package patch

import (
	"fmt"
	"strings"
)

// Kind classifies a patch failure. Every Kind is itself an error so callers
// can test with errors.Is(err, patch.ErrSignatureNotFound).
type Kind int

const (
	ErrInvalidSignature Kind = iota + 1
	ErrSignatureNotFound
	ErrOutOfBounds
	ErrMissingValue
	ErrIOFailure
	ErrUndoUnavailable
	// ErrUndoExists is returned by Apply when a descriptor's undo file is
	// still present from an earlier apply that was never undone.
	ErrUndoExists
	// ErrInvalidDescriptor marks a descriptor missing a file, field or
	// valid occurrence.
	ErrInvalidDescriptor
)

var kindNames = map[Kind]string{
	ErrInvalidSignature:  "invalid signature",
	ErrSignatureNotFound: "signature not found",
	ErrOutOfBounds:       "field out of bounds",
	ErrMissingValue:      "missing value",
	ErrIOFailure:         "i/o failure",
	ErrUndoUnavailable:   "undo unavailable",
	ErrUndoExists:        "undo file exists",
	ErrInvalidDescriptor: "invalid descriptor",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string {
	return k.String()
}

// Error is the error type returned by the executor, the field writer and the
// ledger. It carries enough context to tell a wrong game version from a wrong
// install directory.
type Error struct {
	Kind       Kind
	Descriptor string // descriptor identity, e.g. "KOTOR/p1"
	Path       string // file involved, target or undo file
	Requested  int    // occurrence requested (SignatureNotFound)
	Found      int    // matches found (SignatureNotFound)
	Err        error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Descriptor != "" {
		b.WriteString(e.Descriptor)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Kind == ErrSignatureNotFound {
		fmt.Fprintf(&b, ": occurrence %d requested, %d found", e.Requested, e.Found)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the Kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func ioError(descriptor, path string, err error) *Error {
	return &Error{Kind: ErrIOFailure, Descriptor: descriptor, Path: path, Err: err}
}

func undoError(path string, err error) *Error {
	return &Error{Kind: ErrUndoUnavailable, Path: path, Err: err}
}
