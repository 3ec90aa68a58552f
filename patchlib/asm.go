package patchlib

// note: these are x86 encodings, valid in both 32-bit and 64-bit mode

// NOP is the single-byte x86 NOP (xchg eax, eax).
const NOP byte = 0x90

// XorEaxEax is `xor eax, eax` (31 /r, modrm 11 000 000). In 64-bit mode, this
// zero-extends into rax.
var XorEaxEax = []byte{0x31, 0xC0}

// Ret is a near return.
var Ret = []byte{0xC3}

// AsmReturnZero assembles `xor eax, eax; ret`, which makes a function return 0
// (or false, or S_OK) under every x86 calling convention.
func AsmReturnZero() []byte {
	return append(append([]byte{}, XorEaxEax...), Ret...)
}

// AsmNOP returns n single-byte NOPs.
func AsmNOP(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = NOP
	}
	return b
}

// AsmStub returns n bytes consisting of AsmReturnZero followed by NOPs. If n is
// smaller than the stub, the stub is truncated.
func AsmStub(n int) []byte {
	if n <= 0 {
		return nil
	}
	b := AsmNOP(n)
	copy(b, AsmReturnZero())
	return b
}
