// Package bypass disables the ASAR integrity check of Electron executables
// by stubbing out ValidateIntegrityOrDie.
//
// The function has no symbol, so it is found through the message it fails
// with: the string is located in the image, then the first instruction
// referencing it, then the bounds of the function containing that
// instruction. The whole function is replaced with `xor eax, eax; ret`.
package bypass

import (
	"fmt"

	"github.com/pgaskin/asarbypass/funcbounds"
	"github.com/pgaskin/asarbypass/patchlib"
	"github.com/pgaskin/asarbypass/xref"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// DefaultString is the message ValidateIntegrityOrDie fails with when the
// integrity block uses an unknown algorithm. It is only referenced by that
// function.
const DefaultString = "Unsupported hashing algorithm in ValidateIntegrityOrDie"

// DefaultPattern returns a pattern for DefaultString.
func DefaultPattern() patchlib.Pattern {
	return patchlib.StringPattern(DefaultString)
}

// Result describes where the function was found.
type Result struct {
	StringOffset int    // file offset of the string
	StringVA     uint64 // virtual address of the string
	RefVA        uint64 // virtual address of the instruction referencing it
	Start        int    // file offset of the function
	End          int    // file offset just past the end of the function
}

// Len returns the size of the function.
func (r Result) Len() int {
	return r.End - r.Start
}

// Locate finds the function referencing pat in buf without modifying it.
func Locate(buf []byte, pat patchlib.Pattern) (Result, error) {
	var r Result

	Log("searching for string %s\n", pat)
	if r.StringOffset = patchlib.FindPattern(buf, pat); r.StringOffset < 0 {
		return r, &Error{Kind: KindStringNotFound, Err: fmt.Errorf("could not find string (%s)", pat)}
	}
	Log("  found at file offset 0x%x\n", r.StringOffset)

	Log("searching for first reference to string\n")
	s, f, err := xref.NewForOffset(buf, uint64(r.StringOffset))
	if err != nil {
		return r, wrap(fmt.Errorf("map string offset: %w", err))
	}
	r.StringVA = s.Target()

	va, ok, err := s.Next()
	if err != nil {
		return r, wrap(fmt.Errorf("scan for xrefs: %w", err))
	}
	if !ok {
		return r, &Error{Kind: KindXrefNotFound, Err: fmt.Errorf("could not find xref to data at va 0x%x", r.StringVA)}
	}
	r.RefVA = va
	Log("  found at va 0x%x\n", r.RefVA)

	Log("recovering function bounds\n")
	fr, err := funcbounds.Recover(f, r.RefVA, buf)
	if err != nil {
		return r, wrap(fmt.Errorf("recover function bounds: %w", err))
	}
	r.Start, r.End = fr.Start, fr.End
	Log("  function at 0x%x-0x%x (0x%x bytes)\n", r.Start, r.End, r.Len())

	return r, nil
}

// PatchPattern stubs out the function referencing pat in buf. If an error
// is returned, buf is not modified.
func PatchPattern(buf []byte, pat patchlib.Pattern) (Result, error) {
	r, err := Locate(buf, pat)
	if err != nil {
		return r, err
	}

	Log("stubbing function\n")
	pt := patchlib.NewPatcher(buf)
	pt.Hook(func(offset int64, find, replace []byte) error {
		Log("  0x%x: % X -> % X\n", offset, head(find), head(replace))
		return nil
	})
	if err := pt.StubFunction(int64(r.Start), int64(r.End)); err != nil {
		return r, wrap(err)
	}
	return r, nil
}

// Patch stubs out ValidateIntegrityOrDie in buf.
func Patch(buf []byte) error {
	_, err := PatchPattern(buf, DefaultPattern())
	return err
}

func head(b []byte) []byte {
	if len(b) > 16 {
		return b[:16]
	}
	return b
}
