package funcbounds

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/pgaskin/asarbypass/disasm"
	"github.com/pgaskin/asarbypass/internal/petest"
	"github.com/pgaskin/asarbypass/pefile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pushRbx   = []byte{0x53}
	pushRbp   = []byte{0x55}
	pushRdi   = []byte{0x57}
	pushR12   = []byte{0x41, 0x54}
	popRbx    = []byte{0x5B}
	popRdi    = []byte{0x5F}
	popR12    = []byte{0x41, 0x5C}
	movRbpRsp = []byte{0x48, 0x89, 0xE5}
	movRaxRcx = []byte{0x48, 0x89, 0xC8}
	subRsp    = []byte{0x48, 0x83, 0xEC, 0x28}
	addRsp    = []byte{0x48, 0x83, 0xC4, 0x28}
	xorEcxEcx = []byte{0x31, 0xC9}
	ret       = []byte{0xC3}
	int3      = []byte{0xCC}
)

func nops(n int) []byte {
	return bytes.Repeat([]byte{0x90}, n)
}

// code makes a Code for a section starting at file offset 0 and va 0x1000.
func code(ref int, b ...[]byte) Code {
	buf := petest.Concat(b...)
	return Code{
		Buf:       buf,
		Dec:       disasm.Decoder{Mode: 64},
		SectStart: 0,
		SectEnd:   len(buf),
		SectVA:    0x1000,
		Ref:       ref,
	}
}

func TestPushPrologue(t *testing.T) {
	for _, c := range []struct {
		Name  string
		Code  Code
		Start int
		OK    bool
	}{
		{"PushesThenSub", code(9, ret, pushRbx, pushRdi, pushR12, subRsp, ret), 1, true},
		{"PushesOnly", code(4, int3, int3, pushRbx, pushRdi, ret), 2, true},
		{"SinglePushBeforeRef", code(1, pushRbx, ret), 0, true},
		{"SubOnly", code(4, subRsp, ret), 0, false},
		{"FrameSetup", code(8, pushRbp, movRbpRsp, subRsp, ret), 0, false},
		{"NoneBefore", code(0, pushRbx, ret), 0, false},
	} {
		t.Run(c.Name, func(t *testing.T) {
			start, ok := PushPrologue(c.Code)
			assert.Equal(t, c.OK, ok)
			if c.OK {
				assert.Equal(t, c.Start, start)
			}
		})
	}
}

func TestPushPrologueWindow(t *testing.T) {
	// the pushes are further back than the window
	c := code(PushWindow+2, pushRbx, subRsp, nops(PushWindow-3), ret)
	_, ok := PushPrologue(c)
	assert.False(t, ok)

	// clipped to the section start
	c = code(3, int3, pushRbx, pushRdi, ret)
	c.SectStart, c.SectVA = 1, 0x1001
	start, ok := PushPrologue(c)
	assert.True(t, ok)
	assert.Equal(t, 1, start)
}

func TestFramePrologue(t *testing.T) {
	for _, c := range []struct {
		Name  string
		Code  Code
		Start int
		OK    bool
	}{
		{"StackAllocAfterPush", code(8, pushRbx, subRsp, movRaxRcx, ret), 0, true},
		{"StackAllocAfterPushes", code(11, int3, pushRbx, pushR12, subRsp, movRaxRcx, ret), 1, true},
		{"StackAllocOnly", code(7, subRsp, movRaxRcx, ret), 0, true},
		{"FrameSetup", code(8, int3, pushRbp, movRbpRsp, movRaxRcx, ret), 1, true},
		{"FrameSetupAfterRef", code(1, int3, pushRbp, movRbpRsp, ret), 0, false},
		{"Nothing", code(5, int3, movRaxRcx, int3, ret), 0, false},
	} {
		t.Run(c.Name, func(t *testing.T) {
			start, ok := FramePrologue(c.Code)
			assert.Equal(t, c.OK, ok)
			if c.OK {
				assert.Equal(t, c.Start, start)
			}
		})
	}
}

func TestFallbackStart(t *testing.T) {
	c := code(0x3000, nops(0x3100))
	assert.Equal(t, 0x1000, FallbackStart(c))

	c.Ref = 0x100
	assert.Equal(t, 0, FallbackStart(c))

	c.SectStart = 0x80
	assert.Equal(t, 0x80, FallbackStart(c))
}

func TestEpilogue(t *testing.T) {
	for _, c := range []struct {
		Name string
		Code Code
		From int
		End  int
		OK   bool
	}{
		{"Ret", code(0, xorEcxEcx, ret, int3), 0, 3, true},
		{"PopsRet", code(0, addRsp, popR12, popRdi, popRbx, ret, int3), 0, 9, true},
		{"FirstRet", code(0, xorEcxEcx, ret, popRbx, ret), 0, 3, true},
		{"FromStartSkipsEarlierRet", code(3, pushRbx, ret, int3, xorEcxEcx, popRbx, ret), 0, 7, true},
		{"RetAtRef", code(2, int3, int3, ret), 2, 3, true},
		{"NoRet", code(0, nops(16)), 0, 0, false},
		{"StopsAtInvalid", code(0, xorEcxEcx, []byte{0x48, 0x8D}), 0, 0, false},
		{"FromEnd", code(0, ret), 1, 0, false},
	} {
		t.Run(c.Name, func(t *testing.T) {
			end, ok := Epilogue(c.Code, c.From)
			assert.Equal(t, c.OK, ok)
			if c.OK {
				assert.Equal(t, c.End, end)
			}
		})
	}
}

func TestFallbackEnd(t *testing.T) {
	c := code(0x100, nops(0x3000))
	assert.Equal(t, 0x2100, FallbackEnd(c))

	c.Ref = 0x2000
	assert.Equal(t, 0x3000, FallbackEnd(c))
}

const base = 0x140000000

func textImage(text []byte) (*pefile.File, petest.Image) {
	img := petest.Build(true, base,
		petest.Section{Name: ".text", VirtualAddress: 0x1000, Data: text, Characteristics: petest.Text},
		petest.Section{Name: ".rdata", VirtualAddress: 0x1000 + uint32(len(text)+0xFFF)&^0xFFF, VirtualSize: 0x2000, Data: make([]byte, 0x10), Characteristics: petest.RData},
	)
	f, err := pefile.Parse(img.Bytes)
	if err != nil {
		panic(err)
	}
	return f, img
}

func TestRecover(t *testing.T) {
	lea := []byte{0x48, 0x8D, 0x05, 0x00, 0x00, 0x00, 0x00}
	text := petest.Concat(
		pushRbx, pushRdi, pushR12, subRsp, // 0
		lea,                               // 8
		movRaxRcx, xorEcxEcx,              // 15
		addRsp, popR12, popRdi, popRbx,    // 20
		ret,                               // 28
		int3, int3,
	)
	f, img := textImage(text)
	off := int(img.Offsets[0])

	r, err := Recover(f, base+0x1000+8, img.Bytes)
	require.NoError(t, err)
	assert.Equal(t, Range{off, off + 29}, r)
	assert.Equal(t, 29, r.Len())
}

func TestRecoverFramePrologue(t *testing.T) {
	text := petest.Concat(
		ret, int3,                  // 0
		pushRbp, movRbpRsp, subRsp, // 2
		movRaxRcx,                  // 10
		ret,                        // 13
	)
	f, img := textImage(text)
	off := int(img.Offsets[0])

	r, err := Recover(f, base+0x1000+10, img.Bytes)
	require.NoError(t, err)
	assert.Equal(t, Range{off + 2, off + 14}, r)
}

func TestRecoverEndFromStart(t *testing.T) {
	text := petest.Concat(
		[]byte{0xB8, 0x11, 0x22, 0x48, 0xB8}, // mov eax, 0xb8482211
		ret,                                  // 5
	)
	f, img := textImage(text)
	off := int(img.Offsets[0])
	buf := img.Bytes[:off+len(text)]

	// from the reference, the ret is swallowed by a truncated mov rax, imm64
	c, err := NewCode(f, base+0x1000+3, buf)
	require.NoError(t, err)
	assert.Equal(t, off+6, c.SectEnd)

	_, ok := Epilogue(c, c.Ref)
	assert.False(t, ok)

	end, ok := Epilogue(c, off)
	assert.True(t, ok)
	assert.Equal(t, off+6, end)

	r, err := Recover(f, base+0x1000+3, buf)
	require.NoError(t, err)
	assert.Equal(t, Range{off, off + 6}, r)
}

func TestRecoverFallback(t *testing.T) {
	f, img := textImage(nops(0x6000))
	off := int(img.Offsets[0])

	r, err := Recover(f, base+0x1000+0x3000, img.Bytes)
	require.NoError(t, err)
	assert.Equal(t, Range{off + 0x1000, off + 0x5000}, r)

	r, err = Recover(f, base+0x1000+0x10, img.Bytes)
	require.NoError(t, err)
	assert.Equal(t, Range{off, off + 0x2010}, r)

	r, err = Recover(f, base+0x1000+0x5FF0, img.Bytes)
	require.NoError(t, err)
	assert.Equal(t, Range{off + 0x3FF0, off + 0x6000}, r)
}

func TestRecoverCap(t *testing.T) {
	text := petest.Concat(nops(0x100), pushRbx, nops(0x30000), ret)
	f, img := textImage(text)
	off := int(img.Offsets[0])

	var logged bool
	Log = func(format string, a ...interface{}) {
		if format == "  function range %s too large (0x%x), shrinking to %s\n" {
			logged = true
		}
	}
	defer func() { Log = func(format string, a ...interface{}) {} }()

	r, err := Recover(f, base+0x1000+0x101, img.Bytes)
	require.NoError(t, err)
	assert.True(t, logged)
	assert.Equal(t, Range{off, off + 0x101 + FallbackWindow}, r)
	assert.LessOrEqual(t, r.Len(), MaxSize)
}

func TestRecoverErrors(t *testing.T) {
	f, img := textImage(nops(0x10))

	_, err := Recover(f, base, img.Bytes)
	assert.True(t, errors.Is(err, pefile.ErrSectionNotFound), "header va: %v", err)

	// .rdata has a larger virtual size than raw size
	_, err = Recover(f, base+uint64(f.Sections[1].VirtualAddress)+0x1000, img.Bytes)
	assert.True(t, errors.Is(err, ErrRefOutOfRange), "va past raw data: %v", err)

	// raw data truncated in the buffer
	_, err = Recover(f, base+0x1000+0x8, img.Bytes[:img.Offsets[0]+4])
	assert.True(t, errors.Is(err, ErrRefOutOfRange), "truncated buffer: %v", err)
}

func TestRecoverBounds(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, size := range []int{0x40, 0x1000, 0x5000} {
		text := make([]byte, size)
		r.Read(text)
		for i := 0; i < 4; i++ {
			// sprinkle some prologues and epilogues in
			copy(text[r.Intn(size-8):], petest.Concat(pushRbx, pushRdi, subRsp))
			copy(text[r.Intn(size-8):], petest.Concat(popRdi, popRbx, ret))
		}
		f, img := textImage(text)
		s := f.Sections[0]
		sectStart, sectEnd := int(s.Offset), s.RawEnd(len(img.Bytes))

		refs := []int{0, 1, size / 2, size - 1}
		for i := 0; i < 32; i++ {
			refs = append(refs, r.Intn(size))
		}
		for _, ref := range refs {
			rg, err := Recover(f, base+0x1000+uint64(ref), img.Bytes)
			require.NoError(t, err, "ref 0x%x", ref)

			refOff := sectStart + ref
			assert.LessOrEqual(t, rg.Start, refOff, "ref 0x%x: start", ref)
			assert.Greater(t, rg.End, refOff, "ref 0x%x: end", ref)
			assert.Greater(t, rg.Len(), 0, "ref 0x%x: len", ref)
			assert.LessOrEqual(t, rg.Len(), MaxSize, "ref 0x%x: len", ref)
			assert.GreaterOrEqual(t, rg.Start, sectStart, "ref 0x%x: section start", ref)
			assert.LessOrEqual(t, rg.End, sectEnd, "ref 0x%x: section end", ref)
		}
	}
}
