// Package petest builds minimal PE images for tests.
package petest

import (
	"encoding/binary"
)

// Section characteristics.
const (
	Text  = 0x60000020 // CNT_CODE | MEM_EXECUTE | MEM_READ
	RData = 0x40000040 // CNT_INITIALIZED_DATA | MEM_READ
	Data  = 0xC0000040 // CNT_INITIALIZED_DATA | MEM_READ | MEM_WRITE
)

const (
	lfanew        = 0x80
	fileAlign     = 0x200
	sectAlign     = 0x1000
	sizeOfHeaders = 0x400
)

// Section is a section to put in an image.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32 // defaults to len(Data)
	Data            []byte
	Characteristics uint32
}

// Image is a built PE image.
type Image struct {
	Bytes   []byte
	Offsets []uint32 // PointerToRawData of each section
}

// Build lays out a PE32 (or PE32+ if is64) image containing the sections.
func Build(is64 bool, imageBase uint64, sections ...Section) Image {
	ohSize := 224
	if is64 {
		ohSize = 240
	}

	var img Image
	raw := uint32(sizeOfHeaders)
	var sizeOfImage uint32
	for _, s := range sections {
		img.Offsets = append(img.Offsets, raw)
		raw += alignUp(uint32(len(s.Data)), fileAlign)
		vs := s.VirtualSize
		if vs == 0 {
			vs = uint32(len(s.Data))
		}
		if e := alignUp(s.VirtualAddress+vs, sectAlign); e > sizeOfImage {
			sizeOfImage = e
		}
	}
	buf := make([]byte, raw)
	le := binary.LittleEndian

	// dos header
	buf[0], buf[1] = 'M', 'Z'
	le.PutUint32(buf[0x3c:], lfanew)

	// signature and coff header
	coff := buf[lfanew:]
	copy(coff, "PE\x00\x00")
	coff = coff[4:]
	if is64 {
		le.PutUint16(coff[0:], 0x8664)
	} else {
		le.PutUint16(coff[0:], 0x14c)
	}
	le.PutUint16(coff[2:], uint16(len(sections)))
	le.PutUint16(coff[16:], uint16(ohSize))
	le.PutUint16(coff[18:], 0x0022)

	// optional header
	oh := coff[20:]
	if is64 {
		le.PutUint16(oh[0:], 0x20b)
		le.PutUint64(oh[24:], imageBase)
	} else {
		le.PutUint16(oh[0:], 0x10b)
		le.PutUint32(oh[28:], uint32(imageBase))
	}
	le.PutUint32(oh[32:], sectAlign)
	le.PutUint32(oh[36:], fileAlign)
	le.PutUint16(oh[48:], 6)
	le.PutUint32(oh[56:], sizeOfImage)
	le.PutUint32(oh[60:], sizeOfHeaders)
	le.PutUint16(oh[68:], 3) // console
	if is64 {
		le.PutUint32(oh[108:], 16)
	} else {
		le.PutUint32(oh[92:], 16)
	}

	// section headers and data
	sh := oh[ohSize:]
	for i, s := range sections {
		h := sh[i*40:]
		copy(h[0:8], s.Name)
		vs := s.VirtualSize
		if vs == 0 {
			vs = uint32(len(s.Data))
		}
		le.PutUint32(h[8:], vs)
		le.PutUint32(h[12:], s.VirtualAddress)
		le.PutUint32(h[16:], alignUp(uint32(len(s.Data)), fileAlign))
		le.PutUint32(h[20:], img.Offsets[i])
		le.PutUint32(h[36:], s.Characteristics)
		copy(buf[img.Offsets[i]:], s.Data)
	}

	img.Bytes = buf
	return img
}

// Concat concatenates byte slices, for writing machine code inline.
func Concat(b ...[]byte) []byte {
	var out []byte
	for _, x := range b {
		out = append(out, x...)
	}
	return out
}

// RIPRel returns the little-endian disp32 for a rip-relative operand of an
// instruction at va with length n referencing target.
func RIPRel(va uint64, n int, target uint64) []byte {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, uint32(int32(int64(target)-int64(va)-int64(n))))
	return d
}

// Imm32 returns a little-endian 32-bit immediate.
func Imm32(v uint32) []byte {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, v)
	return d
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}
