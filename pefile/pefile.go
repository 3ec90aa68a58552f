// Package pefile maps between file offsets and virtual addresses in PE images.
package pefile

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Binject/debug/pe"
)

// IMAGE_SCN_MEM_EXECUTE marks a section as executable.
const IMAGE_SCN_MEM_EXECUTE = 0x20000000

var (
	// ErrFormat is returned when the buffer is not a supported PE image.
	ErrFormat = errors.New("invalid pe image")
	// ErrOffsetNotMapped is returned when a file offset is not inside the raw
	// data of any section.
	ErrOffsetNotMapped = errors.New("file offset not found in any section")
	// ErrSectionNotFound is returned when a virtual address is not inside any
	// section.
	ErrSectionNotFound = errors.New("could not find section containing va")
)

// Section describes where a section lives in the file and in memory.
type Section struct {
	Name            string
	VirtualAddress  uint32 // relative to the image base
	VirtualSize     uint32
	Offset          uint32 // PointerToRawData
	Size            uint32 // SizeOfRawData
	Characteristics uint32
}

// File is a parsed PE image. It does not keep a reference to the buffer.
type File struct {
	ImageBase uint64
	Is64      bool
	Sections  []Section
}

// Parse parses the headers of a PE image.
func Parse(buf []byte) (*File, error) {
	p, err := pe.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer p.Close()

	f := &File{}
	switch oh := p.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		f.ImageBase = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		f.ImageBase = oh.ImageBase
		f.Is64 = true
	default:
		return nil, fmt.Errorf("%w: no optional header", ErrFormat)
	}

	for _, s := range p.Sections {
		f.Sections = append(f.Sections, Section{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Offset:          s.Offset,
			Size:            s.Size,
			Characteristics: s.Characteristics,
		})
	}
	return f, nil
}

// Mode returns the x86 decoding mode (32 or 64) for the image.
func (f *File) Mode() int {
	if f.Is64 {
		return 64
	}
	return 32
}

// SectionForOffset returns the first section whose raw data contains off.
func (f *File) SectionForOffset(off uint64) (*Section, error) {
	for i := range f.Sections {
		if f.Sections[i].ContainsOffset(off) {
			return &f.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrOffsetNotMapped, off)
}

// SectionForVA returns the first section whose virtual range contains va.
func (f *File) SectionForVA(va uint64) (*Section, error) {
	for i := range f.Sections {
		if f.Sections[i].ContainsVA(f.ImageBase, va) {
			return &f.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrSectionNotFound, va)
}

// OffsetToVA converts a file offset to an absolute virtual address.
func (f *File) OffsetToVA(off uint64) (uint64, error) {
	s, err := f.SectionForOffset(off)
	if err != nil {
		return 0, err
	}
	return s.VA(f.ImageBase) + (off - uint64(s.Offset)), nil
}

// VAToOffset converts an absolute virtual address to a file offset. The
// result may be past the raw data of the section if va is in the
// uninitialized tail of it.
func (f *File) VAToOffset(va uint64) (uint64, error) {
	s, err := f.SectionForVA(va)
	if err != nil {
		return 0, err
	}
	return uint64(s.Offset) + (va - s.VA(f.ImageBase)), nil
}

// ExecutableSections returns the executable sections in declaration order.
func (f *File) ExecutableSections() []Section {
	var ss []Section
	for _, s := range f.Sections {
		if s.Executable() {
			ss = append(ss, s)
		}
	}
	return ss
}

// Executable returns true if the section is marked executable.
func (s Section) Executable() bool {
	return s.Characteristics&IMAGE_SCN_MEM_EXECUTE != 0
}

// VA returns the absolute virtual address of the start of the section.
func (s Section) VA(imageBase uint64) uint64 {
	return imageBase + uint64(s.VirtualAddress)
}

// End returns the end offset of the raw data of the section.
func (s Section) End() uint64 {
	return uint64(s.Offset) + uint64(s.Size)
}

// ContainsOffset returns true if off is inside the raw data of the section.
func (s Section) ContainsOffset(off uint64) bool {
	return off >= uint64(s.Offset) && off < s.End()
}

// ContainsVA returns true if va is inside the virtual range of the section.
func (s Section) ContainsVA(imageBase, va uint64) bool {
	start := s.VA(imageBase)
	return va >= start && va < start+uint64(s.VirtualSize)
}

// RawEnd returns the end of the raw data of the section, clipped to n (the
// length of the buffer).
func (s Section) RawEnd(n int) int {
	if e := s.End(); e < uint64(n) {
		return int(e)
	}
	return n
}
