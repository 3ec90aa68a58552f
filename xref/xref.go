// Package xref finds instructions which reference an address.
package xref

import (
	"fmt"

	"github.com/pgaskin/asarbypass/disasm"
	"github.com/pgaskin/asarbypass/pefile"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Scanner decodes the executable sections of an image one instruction at a
// time, stopping at each instruction which references the target. It is
// forward-only; create a new one to start over.
type Scanner struct {
	buf      []byte
	dec      disasm.Decoder
	is64     bool
	target   uint64
	base     uint64
	sections []pefile.Section

	// cursor
	sect       int // index of the next section to scan
	start, end int // raw data of the current section
	va         uint64
	pos        int // absolute file offset
	done       bool
}

// New creates a Scanner for references to target in the executable sections
// of f. The Scanner does not modify buf.
func New(buf []byte, f *pefile.File, target uint64) *Scanner {
	return &Scanner{
		buf:      buf,
		dec:      disasm.Decoder{Mode: f.Mode()},
		is64:     f.Is64,
		target:   target,
		base:     f.ImageBase,
		sections: f.ExecutableSections(),
	}
}

// NewForOffset parses buf and creates a Scanner for references to the
// virtual address of the file offset off.
func NewForOffset(buf []byte, off uint64) (*Scanner, *pefile.File, error) {
	f, err := pefile.Parse(buf)
	if err != nil {
		return nil, nil, err
	}
	va, err := f.OffsetToVA(off)
	if err != nil {
		return nil, nil, err
	}
	Log("  target: file offset 0x%x -> va 0x%x\n", off, va)
	return New(buf, f, va), f, nil
}

// Target returns the address being searched for.
func (s *Scanner) Target() uint64 {
	return s.target
}

// Next continues scanning, returning the address of the next referencing
// instruction. If there are no more, found is false. An error is only
// returned if the decoder fails outright, and it ends the scan.
func (s *Scanner) Next() (va uint64, found bool, err error) {
	for !s.done {
		if s.pos >= s.end {
			s.nextSection()
			continue
		}
		in, err := s.dec.Decode(s.buf[s.pos:s.end], s.va+uint64(s.pos-s.start))
		if err != nil {
			if disasm.IsFatal(err) {
				s.done = true
				return 0, false, fmt.Errorf("decode at 0x%x: %w", s.pos, err)
			}
			s.pos++
			continue
		}
		s.pos += in.Len
		if in.References(s.target, s.is64) {
			Log("  xref: %s\n", in)
			return in.Addr, true, nil
		}
	}
	return 0, false, nil
}

// All returns the addresses of all remaining references.
func (s *Scanner) All() ([]uint64, error) {
	var vas []uint64
	for {
		va, ok, err := s.Next()
		if err != nil {
			return vas, err
		}
		if !ok {
			return vas, nil
		}
		vas = append(vas, va)
	}
}

func (s *Scanner) nextSection() {
	for s.sect < len(s.sections) {
		sect := s.sections[s.sect]
		s.sect++
		if sect.End() > uint64(len(s.buf)) {
			Log("  skipping section %s: raw data 0x%x-0x%x past end of buf\n", sect.Name, sect.Offset, sect.End())
			continue
		}
		s.start, s.end, s.pos = int(sect.Offset), int(sect.End()), int(sect.Offset)
		s.va = sect.VA(s.base)
		Log("  scanning section %s (0x%x-0x%x)\n", sect.Name, s.start, s.end)
		return
	}
	s.done = true
}

// FindFirst returns the address of the first instruction referencing the
// string at file offset off. If there isn't one, found is false.
func FindFirst(buf []byte, off uint64) (va uint64, found bool, err error) {
	s, _, err := NewForOffset(buf, off)
	if err != nil {
		return 0, false, err
	}
	return s.Next()
}
