package bypass

import (
	"errors"
	"io/fs"

	"github.com/pgaskin/asarbypass/disasm"
	"github.com/pgaskin/asarbypass/funcbounds"
	"github.com/pgaskin/asarbypass/patchlib"
	"github.com/pgaskin/asarbypass/pefile"
)

// Kind is the kind of failure which stopped a patch.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindFormat
	KindDecode
	KindStringNotFound
	KindRvaNotFound
	KindXrefNotFound
	KindSectionNotFound
	KindInvalidFunctionStart
	KindInvalidFunctionEnd
	KindEmptyFunction
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindDecode:
		return "decode"
	case KindStringNotFound:
		return "string not found"
	case KindRvaNotFound:
		return "rva not found"
	case KindXrefNotFound:
		return "xref not found"
	case KindSectionNotFound:
		return "section not found"
	case KindInvalidFunctionStart:
		return "invalid function start"
	case KindInvalidFunctionEnd:
		return "invalid function end"
	case KindEmptyFunction:
		return "empty function"
	default:
		return "unknown"
	}
}

func (k Kind) message() string {
	switch k {
	case KindStringNotFound:
		return "could not find string"
	case KindRvaNotFound:
		return "file offset not found in any section"
	case KindXrefNotFound:
		return "could not find xref to data"
	case KindSectionNotFound:
		return "could not find section containing ref_va"
	case KindInvalidFunctionStart:
		return "function start out of range"
	case KindInvalidFunctionEnd:
		return "function end out of range"
	case KindEmptyFunction:
		return "empty function found"
	default:
		return k.String() + " error"
	}
}

// Error is returned by every function in this package. Err is the
// underlying cause, if any.
type Error struct {
	Kind Kind
	Err  error
}

// Sentinels for use with errors.Is. Any *Error of the same kind matches.
var (
	ErrIO                   = &Error{Kind: KindIO}
	ErrFormat               = &Error{Kind: KindFormat}
	ErrDecode               = &Error{Kind: KindDecode}
	ErrStringNotFound       = &Error{Kind: KindStringNotFound}
	ErrRvaNotFound          = &Error{Kind: KindRvaNotFound}
	ErrXrefNotFound         = &Error{Kind: KindXrefNotFound}
	ErrSectionNotFound      = &Error{Kind: KindSectionNotFound}
	ErrInvalidFunctionStart = &Error{Kind: KindInvalidFunctionStart}
	ErrInvalidFunctionEnd   = &Error{Kind: KindInvalidFunctionEnd}
	ErrEmptyFunction        = &Error{Kind: KindEmptyFunction}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.message()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// KindOf classifies an error returned by this package or any of the
// analysis packages.
func KindOf(err error) Kind {
	var e *Error
	var pe *fs.PathError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, pefile.ErrFormat):
		return KindFormat
	case errors.Is(err, pefile.ErrOffsetNotMapped):
		return KindRvaNotFound
	case errors.Is(err, pefile.ErrSectionNotFound), errors.Is(err, funcbounds.ErrRefOutOfRange):
		return KindSectionNotFound
	case errors.Is(err, patchlib.ErrInvalidStart):
		return KindInvalidFunctionStart
	case errors.Is(err, patchlib.ErrInvalidEnd):
		return KindInvalidFunctionEnd
	case errors.Is(err, patchlib.ErrEmptyRange):
		return KindEmptyFunction
	case disasm.IsFatal(err):
		return KindDecode
	case errors.As(err, &pe):
		return KindIO
	default:
		return KindUnknown
	}
}

// wrap wraps err in an *Error of the appropriate kind.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Err: err}
}
