// Package patchlib provides common functions related to patching binaries.
package patchlib

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrInvalidStart is returned when a patch starts at or past the end of the buffer.
	ErrInvalidStart = errors.New("function start out of range")
	// ErrEmptyRange is returned when a patch range is empty.
	ErrEmptyRange = errors.New("empty function found")
	// ErrInvalidEnd is returned when a patch ends past the end of the buffer.
	ErrInvalidEnd = errors.New("function end out of range")
)

// Patcher applies patches to a byte array. All operations are done starting from cur.
type Patcher struct {
	buf  []byte
	cur  int64
	hook func(offset int64, find, replace []byte) error
}

// NewPatcher creates a new Patcher. The buffer is modified in place.
func NewPatcher(in []byte) *Patcher {
	return &Patcher{in, 0, nil}
}

// GetBytes returns the current content of the Patcher.
func (p *Patcher) GetBytes() []byte {
	return p.buf
}

// GetCur gets the current base address.
func (p *Patcher) GetCur() int64 {
	return p.cur
}

// ResetBaseAddress moves cur to 0.
func (p *Patcher) ResetBaseAddress() {
	p.cur = 0
}

// Hook sets a hook to be called right before every change. If it returns an
// error, it will be passed on. If nil (the default), the hook will be removed.
// The find and replace arguments MUST NOT be modified by the hook.
func (p *Patcher) Hook(fn func(offset int64, find, replace []byte) error) {
	p.hook = fn
}

// BaseAddress moves cur to an offset. The offset starts at 0.
func (p *Patcher) BaseAddress(offset int64) error {
	if offset < 0 {
		return errors.New("BaseAddress: offset less than 0")
	}
	if offset >= int64(len(p.buf)) {
		return errors.New("BaseAddress: offset greater than length of buf")
	}
	p.cur = offset
	return nil
}

// FindPattern moves cur to the first occurrence of a pattern.
func (p *Patcher) FindPattern(pat Pattern) error {
	if pat.Len() > len(p.buf) {
		return errors.New("FindPattern: length of pattern greater than buf")
	}
	i := FindPattern(p.buf, pat)
	if i < 0 {
		return errors.New("FindPattern: could not find pattern")
	}
	p.cur = int64(i)
	return nil
}

// FindBaseAddressString moves cur to the offset of a string.
func (p *Patcher) FindBaseAddressString(find string) error {
	if err := p.FindPattern(StringPattern(find)); err != nil {
		return fmt.Errorf("FindBaseAddressString: %w", err)
	}
	return nil
}

// ReplaceBytes replaces a sequence of bytes at cur+offset with another of the
// same length.
func (p *Patcher) ReplaceBytes(offset int64, find, replace []byte) error {
	if len(find) != len(replace) {
		return errors.New("ReplaceBytes: length mismatch in byte replacement")
	}
	at := p.cur + offset
	if at < 0 || at+int64(len(find)) > int64(len(p.buf)) {
		return errors.New("ReplaceBytes: replaced value past end of buf")
	}
	if !bytes.HasPrefix(p.buf[at:], find) {
		return errors.New("ReplaceBytes: could not find specified bytes at offset")
	}
	return p.write(at, replace)
}

// StubFunction overwrites the absolute range [start, end) with a stub which
// returns zero, followed by NOPs. See StubPatch.
func (p *Patcher) StubFunction(start, end int64) error {
	repl, err := stubBytes(len(p.buf), start, end)
	if err != nil {
		return fmt.Errorf("StubFunction: %w", err)
	}
	return p.write(start, repl)
}

func (p *Patcher) write(at int64, replace []byte) error {
	if p.hook != nil {
		find := make([]byte, len(replace))
		copy(find, p.buf[at:])
		if err := p.hook(at, find, replace); err != nil {
			return fmt.Errorf("hook returned error: %w", err)
		}
	}
	copy(p.buf[at:], replace)
	return nil
}

// StubPatch overwrites buf[start:end] with `xor eax, eax; ret` (truncated if
// the range is shorter than that) and fills the rest of the range with NOPs.
// The resulting function unconditionally returns zero.
func StubPatch(buf []byte, start, end int) error {
	repl, err := stubBytes(len(buf), int64(start), int64(end))
	if err != nil {
		return err
	}
	copy(buf[start:], repl)
	return nil
}

func stubBytes(n int, start, end int64) ([]byte, error) {
	if start < 0 || start >= int64(n) {
		return nil, fmt.Errorf("%w: 0x%x (buf is 0x%x bytes)", ErrInvalidStart, start, n)
	}
	if end <= start {
		return nil, fmt.Errorf("%w: 0x%x-0x%x", ErrEmptyRange, start, end)
	}
	if end > int64(n) {
		return nil, fmt.Errorf("%w: 0x%x (buf is 0x%x bytes)", ErrInvalidEnd, end, n)
	}
	return AsmStub(int(end - start)), nil
}
