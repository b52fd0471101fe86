package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// Location pinpoints an error to a source position recovered from a
// relocation's file_id/line (when applicable) or a raw byte offset
// within an SN object file.
type Location struct {
	Path   string
	File   string
	Line   uint
	Offset int64 // -1 when not meaningful
}

func (l Location) String() string {
	if l.File != "" {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	if l.Offset >= 0 {
		return fmt.Sprintf("%s: offset $%x", l.Path, l.Offset)
	}
	return l.Path
}

// FatalError aborts the run: malformed input, an unresolvable reference,
// a relocation expression with no matching pattern, or an I/O failure.
type FatalError struct {
	Loc Location
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Loc, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatal builds a FatalError at loc whose cause is the formatted
// message, created with github.com/pkg/errors so a stack trace rides
// along with it.
func NewFatal(loc Location, format string, args ...any) *FatalError {
	return &FatalError{Loc: loc, Err: errors.Errorf(format, args...)}
}

// WrapFatal wraps an existing error with a source location.
func WrapFatal(loc Location, err error) *FatalError {
	return &FatalError{Loc: loc, Err: errors.WithStack(err)}
}

// Warning is a non-aborting diagnostic: PC-relative branch out of range,
// cross-segment PC-rel, overflow past a relocation's declared width,
// mismatched duplicate absolute symbol, out-of-bank jsr.
type Warning struct {
	Loc Location
	Msg string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Loc, w.Msg)
}
