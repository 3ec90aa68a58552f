package patchlib

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Pattern is a byte sequence to search for. Bytes whose mask entry is false
// match anything.
type Pattern struct {
	b    []byte
	mask []bool
}

// StringPattern creates a Pattern matching the exact bytes of s.
func StringPattern(s string) Pattern {
	return BytesPattern([]byte(s))
}

// BytesPattern creates a Pattern matching the exact bytes of b.
func BytesPattern(b []byte) Pattern {
	p := Pattern{
		b:    make([]byte, len(b)),
		mask: make([]bool, len(b)),
	}
	copy(p.b, b)
	for i := range p.mask {
		p.mask[i] = true
	}
	return p
}

// MaskPattern creates a Pattern from bytes and a mask string where 'x' means
// the byte must match and '?' means it is a wildcard.
func MaskPattern(b []byte, mask string) (Pattern, error) {
	if len(b) != len(mask) {
		return Pattern{}, fmt.Errorf("MaskPattern: mask length %d does not match pattern length %d", len(mask), len(b))
	}
	p := BytesPattern(b)
	for i, c := range mask {
		switch c {
		case 'x', 'X':
		case '?':
			p.mask[i] = false
		default:
			return Pattern{}, fmt.Errorf("MaskPattern: invalid mask character %q at %d", c, i)
		}
	}
	return p, nil
}

// ParsePattern parses a whitespace-separated hex pattern (e.g. "48 8D 05 ?? ??
// ?? ??"). A byte of "?" or "??" is a wildcard.
func ParsePattern(s string) (Pattern, error) {
	var p Pattern
	for _, f := range strings.Fields(s) {
		if f == "?" || f == "??" {
			p.b, p.mask = append(p.b, 0), append(p.mask, false)
			continue
		}
		if len(f) != 2 {
			return Pattern{}, fmt.Errorf("ParsePattern: invalid byte %#v", f)
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return Pattern{}, fmt.Errorf("ParsePattern: invalid byte %#v: %w", f, err)
		}
		p.b, p.mask = append(p.b, b[0]), append(p.mask, true)
	}
	if len(p.b) == 0 {
		return Pattern{}, errors.New("ParsePattern: empty pattern")
	}
	return p, nil
}

// Len returns the length of the pattern in bytes.
func (p Pattern) Len() int {
	return len(p.b)
}

// Exact returns true if the pattern has no wildcards.
func (p Pattern) Exact() bool {
	for _, m := range p.mask {
		if !m {
			return false
		}
	}
	return true
}

// String returns the pattern in the ParsePattern format.
func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.b {
		if i != 0 {
			sb.WriteByte(' ')
		}
		if !p.mask[i] {
			sb.WriteString("??")
			continue
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// matchAt assumes off+len(p.b) <= len(buf).
func (p Pattern) matchAt(buf []byte, off int) bool {
	for i, b := range p.b {
		if p.mask[i] && buf[off+i] != b {
			return false
		}
	}
	return true
}

// FindPattern returns the offset of the first occurrence of p in buf, or -1 if
// it does not occur. An empty pattern never matches.
func FindPattern(buf []byte, p Pattern) int {
	if len(p.b) == 0 || len(p.b) > len(buf) {
		return -1
	}
	if p.Exact() {
		return bytes.Index(buf, p.b)
	}

	// anchor on the first fixed byte to skip ahead quickly
	anchor := -1
	for i, m := range p.mask {
		if m {
			anchor = i
			break
		}
	}
	last := len(buf) - len(p.b)
	if anchor < 0 {
		return 0
	}
	for off := 0; off <= last; {
		i := bytes.IndexByte(buf[off+anchor:last+anchor+1], p.b[anchor])
		if i < 0 {
			return -1
		}
		off += i
		if p.matchAt(buf, off) {
			return off
		}
		off++
	}
	return -1
}
