// Package funcbounds recovers the extent of the function containing an
// instruction without symbols, using prologue and epilogue patterns.
package funcbounds

import (
	"errors"
	"fmt"

	"github.com/pgaskin/asarbypass/disasm"
	"github.com/pgaskin/asarbypass/pefile"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Window sizes, in bytes.
const (
	PushWindow     = 0x1000  // searched backwards for register saves
	FrameWindow    = 0x400   // searched for a stack allocation or frame setup
	FallbackWindow = 0x2000  // used on either side of the reference when nothing is found
	MaxSize        = 0x20000 // ranges larger than this are replaced by the fallback window
)

// ErrRefOutOfRange is returned when the reference is in a section, but not
// in the part of it present in the file.
var ErrRefOutOfRange = errors.New("reference va not in section raw data")

// Range is a half-open range of file offsets.
type Range struct {
	Start int
	End   int
}

// Len returns the size of the range.
func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Start, r.End)
}

// Code is the section containing a reference. All offsets are file offsets
// into Buf.
type Code struct {
	Buf       []byte
	Dec       disasm.Decoder
	SectStart int
	SectEnd   int // clipped to len(Buf)
	SectVA    uint64
	Ref       int
}

// VA converts a file offset in the section to a virtual address.
func (c Code) VA(off int) uint64 {
	return c.SectVA + uint64(off-c.SectStart)
}

// Offset converts a virtual address in the section to a file offset.
func (c Code) Offset(va uint64) int {
	return c.SectStart + int(va-c.SectVA)
}

// RefVA returns the virtual address of the reference.
func (c Code) RefVA() uint64 {
	return c.VA(c.Ref)
}

// NewCode finds the section containing refVA.
func NewCode(f *pefile.File, refVA uint64, buf []byte) (Code, error) {
	s, err := f.SectionForVA(refVA)
	if err != nil {
		return Code{}, err
	}
	c := Code{
		Buf:       buf,
		Dec:       disasm.Decoder{Mode: f.Mode()},
		SectStart: int(s.Offset),
		SectEnd:   s.RawEnd(len(buf)),
		SectVA:    s.VA(f.ImageBase),
	}
	c.Ref = c.SectStart + int(refVA-c.SectVA)
	if c.Ref >= c.SectEnd {
		return Code{}, fmt.Errorf("%w: 0x%x (section %s, raw data 0x%x-0x%x)", ErrRefOutOfRange, refVA, s.Name, c.SectStart, c.SectEnd)
	}
	return c, nil
}

// Recover returns the range of the function containing the instruction at
// refVA. The range always contains the reference, and is always inside the
// section containing it.
func Recover(f *pefile.File, refVA uint64, buf []byte) (Range, error) {
	c, err := NewCode(f, refVA, buf)
	if err != nil {
		return Range{}, err
	}
	Log("  reference at va 0x%x, file offset 0x%x (section 0x%x-0x%x)\n", refVA, c.Ref, c.SectStart, c.SectEnd)

	var r Range
	if off, ok := PushPrologue(c); ok {
		Log("  start: register saves at 0x%x\n", off)
		r.Start = off
	} else if off, ok := FramePrologue(c); ok {
		Log("  start: frame setup at 0x%x\n", off)
		r.Start = off
	} else {
		r.Start = FallbackStart(c)
		Log("  start: no prologue found, using 0x%x\n", r.Start)
	}

	if off, ok := Epilogue(c, c.Ref); ok {
		Log("  end: return after reference at 0x%x\n", off)
		r.End = off
	} else if off, ok := Epilogue(c, r.Start); ok {
		Log("  end: return after start at 0x%x\n", off)
		r.End = off
	} else {
		r.End = FallbackEnd(c)
		Log("  end: no return found, using 0x%x\n", r.End)
	}

	if r.Len() > MaxSize {
		n := Range{FallbackStart(c), FallbackEnd(c)}
		Log("  function range %s too large (0x%x), shrinking to %s\n", r, r.Len(), n)
		r = n
	}
	return r, nil
}

// PushPrologue looks backwards from the reference for the run of push
// instructions ending just before it (or just before the instruction before
// it), and returns the offset of the first one.
func PushPrologue(c Code) (int, bool) {
	lo, hi := max(c.Ref-PushWindow, c.SectStart), c.Ref
	if lo >= hi {
		return 0, false
	}
	insts := c.Dec.DecodeAll(c.Buf[lo:hi], c.VA(lo))

	refVA, last := c.RefVA(), -1
	for i := len(insts) - 1; i >= 0; i-- {
		if insts[i].Addr < refVA {
			last = i
			break
		}
	}
	if last == -1 {
		return 0, false
	}

	i := last
	for i > 0 && insts[i-1].IsPush() {
		i--
	}
	if !insts[i].IsPush() {
		return 0, false
	}
	return c.Offset(insts[i].Addr), true
}

// FramePrologue looks forward through the bytes shortly before the
// reference for a stack allocation (returning the first of the pushes
// directly before it, if any) or a push followed by a frame pointer setup.
func FramePrologue(c Code) (int, bool) {
	lo, hi := max(c.Ref-FrameWindow, c.SectStart), c.Ref
	if lo >= hi {
		return 0, false
	}
	insts := c.Dec.DecodeAll(c.Buf[lo:hi], c.VA(lo))

	refVA := c.RefVA()
	for i, in := range insts {
		if in.Addr >= refVA {
			break
		}
		if in.IsStackAlloc() {
			j := i
			for j > 0 && insts[j-1].IsPush() {
				j--
			}
			return c.Offset(insts[j].Addr), true
		}
		if in.IsPush() && i+1 < len(insts) && insts[i+1].IsFrameSetup() {
			return c.Offset(in.Addr), true
		}
	}
	return 0, false
}

// FallbackStart returns the offset FallbackWindow bytes before the
// reference, clamped to the section.
func FallbackStart(c Code) int {
	return max(c.Ref-FallbackWindow, c.SectStart)
}

// Epilogue decodes forwards from the offset from to the end of the section,
// and returns the offset just past the first return which ends after the
// reference.
func Epilogue(c Code, from int) (int, bool) {
	if from >= c.SectEnd {
		return 0, false
	}
	insts := c.Dec.DecodeAll(c.Buf[from:c.SectEnd], c.VA(from))
	for i, in := range insts {
		if !in.IsRet() {
			continue
		}
		end := c.Offset(in.End())
		if end <= c.Ref {
			continue
		}
		if i > 0 && insts[i-1].IsPop() {
			j := i - 1
			for j > 0 && insts[j-1].IsPop() {
				j--
			}
			Log("  %d register restores before %s\n", i-j, in)
		}
		return end, true
	}
	return 0, false
}

// FallbackEnd returns the offset FallbackWindow bytes after the reference,
// clamped to the section.
func FallbackEnd(c Code) int {
	return min(c.Ref+FallbackWindow, c.SectEnd)
}
