// Package disasm decodes x86 and x86-64 instructions for the analysis passes.
package disasm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is a decoded instruction at a virtual address.
type Inst struct {
	x86asm.Inst
	Addr uint64
}

// End returns the address just past the instruction.
func (i Inst) End() uint64 {
	return i.Addr + uint64(i.Len)
}

// Text returns the instruction in Intel syntax.
func (i Inst) Text() string {
	return x86asm.IntelSyntax(i.Inst, i.Addr, nil)
}

func (i Inst) String() string {
	return fmt.Sprintf("%#x: %s", i.Addr, i.Text())
}

// Decoder decodes instructions for a mode (32 or 64).
type Decoder struct {
	Mode int
}

// Decode decodes a single instruction at the start of code, which is located
// at va.
func (d Decoder) Decode(code []byte, va uint64) (Inst, error) {
	in, err := x86asm.Decode(code, d.Mode)
	if err != nil {
		return Inst{}, err
	}
	return Inst{Inst: in, Addr: va}, nil
}

// DecodeAll decodes instructions sequentially from code, stopping at the
// first one which can't be decoded. The instructions before the failure are
// returned.
func (d Decoder) DecodeAll(code []byte, va uint64) []Inst {
	var insts []Inst
	for off := 0; off < len(code); {
		in, err := d.Decode(code[off:], va+uint64(off))
		if err != nil {
			break
		}
		insts = append(insts, in)
		off += in.Len
	}
	return insts
}

// IsFatal returns true if err means the decoder itself can't work (as
// opposed to there just not being a valid instruction at the position).
func IsFatal(err error) bool {
	return errors.Is(err, x86asm.ErrInvalidMode)
}

// IsPush returns true for any push instruction.
func (i Inst) IsPush() bool {
	switch i.Op {
	case x86asm.PUSH, x86asm.PUSHA, x86asm.PUSHAD, x86asm.PUSHF, x86asm.PUSHFD, x86asm.PUSHFQ:
		return true
	}
	return false
}

// IsPop returns true for any pop instruction.
func (i Inst) IsPop() bool {
	switch i.Op {
	case x86asm.POP, x86asm.POPA, x86asm.POPAD, x86asm.POPF, x86asm.POPFD, x86asm.POPFQ:
		return true
	}
	return false
}

// IsRet returns true for a near return.
func (i Inst) IsRet() bool {
	return i.Op == x86asm.RET
}

// IsStackAlloc returns true for sub rsp, x (or sub esp, x).
func (i Inst) IsStackAlloc() bool {
	return i.Op == x86asm.SUB && (i.Args[0] == x86asm.RSP || i.Args[0] == x86asm.ESP)
}

// IsFrameSetup returns true for mov rbp, rsp (or mov ebp, esp).
func (i Inst) IsFrameSetup() bool {
	if i.Op != x86asm.MOV {
		return false
	}
	return (i.Args[0] == x86asm.RBP && i.Args[1] == x86asm.RSP) ||
		(i.Args[0] == x86asm.EBP && i.Args[1] == x86asm.ESP)
}

// References returns true if an operand of the instruction resolves to
// target. Rip-relative memory operands are resolved against the end of the
// instruction, immediates are compared directly (truncated to 32 bits unless
// is64), and branch targets are resolved to absolute addresses.
func (i Inst) References(target uint64, is64 bool) bool {
	for _, a := range i.Args {
		if a == nil {
			break
		}
		var v uint64
		switch a := a.(type) {
		case x86asm.Mem:
			if a.Base != x86asm.RIP {
				continue
			}
			v = i.End() + uint64(a.Disp)
		case x86asm.Imm:
			v = uint64(a)
		case x86asm.Rel:
			v = i.End() + uint64(int64(a))
		default:
			continue
		}
		if !is64 {
			v = uint64(uint32(v))
		}
		if v == target {
			return true
		}
	}
	return false
}
