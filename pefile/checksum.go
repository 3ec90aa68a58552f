package pefile

import (
	"encoding/binary"
	"fmt"
)

// ChecksumOffset returns the file offset of the CheckSum field of the optional
// header. It is at the same position in PE32 and PE32+ images.
func ChecksumOffset(buf []byte) (int, error) {
	if len(buf) < 0x40 || buf[0] != 'M' || buf[1] != 'Z' {
		return 0, fmt.Errorf("%w: no dos header", ErrFormat)
	}
	// e_lfanew + Signature(4) + COFF(20) + CheckSum field(64)
	off := int(binary.LittleEndian.Uint32(buf[0x3c:])) + 4 + 20 + 64
	if off < 0 || off+4 > len(buf) {
		return 0, fmt.Errorf("%w: checksum field past end of buf", ErrFormat)
	}
	return off, nil
}

// Checksum computes the PE checksum of buf, skipping the checksum field at
// checksumOffset (-1 to skip nothing).
func Checksum(buf []byte, checksumOffset int) uint32 {
	var sum uint64
	for off := 0; off < len(buf); off += 4 {
		if off == checksumOffset {
			continue
		}
		var dw [4]byte
		copy(dw[:], buf[off:])
		sum += uint64(binary.LittleEndian.Uint32(dw[:]))
		if sum > 0xFFFFFFFF {
			sum = (sum & 0xFFFFFFFF) + (sum >> 32)
		}
	}
	sum = (sum & 0xFFFF) + (sum >> 16)
	sum += sum >> 16
	sum &= 0xFFFF
	return uint32(sum) + uint32(len(buf))
}

// UpdateChecksum recomputes the checksum of the image and stores it in the
// optional header. It returns the old and new values.
func UpdateChecksum(buf []byte) (prev, sum uint32, err error) {
	off, err := ChecksumOffset(buf)
	if err != nil {
		return 0, 0, err
	}
	prev = binary.LittleEndian.Uint32(buf[off:])
	sum = Checksum(buf, off)
	binary.LittleEndian.PutUint32(buf[off:], sum)
	return prev, sum, nil
}
