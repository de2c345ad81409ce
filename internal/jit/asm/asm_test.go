package asm

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestEncoding 测试单条指令编码
func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"mov r12, rax", func(a *Assembler) { a.MovRegReg(R12, RAX) }, []byte{0x49, 0x89, 0xC4}},
		{"mov r11, imm64", func(a *Assembler) { a.MovRegImm64(R11, 0x1122334455667788) },
			[]byte{0x49, 0xBB, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{"mov rdi, -1", func(a *Assembler) { a.MovRegImm32(RDI, -1) }, []byte{0x48, 0xC7, 0xC7, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"mov rsi, [rbp+16]", func(a *Assembler) { a.MovRegMem(RSI, RBP, 16) }, []byte{0x48, 0x8B, 0x75, 0x10}},
		{"mov [rbp+0], r12", func(a *Assembler) { a.MovMemReg(RBP, 0, R12) }, []byte{0x4C, 0x89, 0x65, 0x00}},
		{"mov rax, [rsp+8]", func(a *Assembler) { a.MovRegMem(RAX, RSP, 8) }, []byte{0x48, 0x8B, 0x44, 0x24, 0x08}},
		{"cmp r12, 6", func(a *Assembler) { a.CmpRegImm32(R12, 6) }, []byte{0x49, 0x83, 0xFC, 0x06}},
		{"call r11", func(a *Assembler) { a.CallReg(R11) }, []byte{0x41, 0xFF, 0xD3}},
		{"push r11", func(a *Assembler) { a.Push(R11) }, []byte{0x41, 0x53}},
		{"add rsp, 8", func(a *Assembler) { a.AddRegImm32(RSP, 8) }, []byte{0x48, 0x83, 0xC4, 0x08}},
		{"sub rsp, 8", func(a *Assembler) { a.SubRegImm32(RSP, 8) }, []byte{0x48, 0x83, 0xEC, 0x08}},
		{"ret", func(a *Assembler) { a.Ret() }, []byte{0xC3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			tt.emit(a)
			got := a.Finalize()
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
		})
	}
}

// TestMovRegImmPicksShortForm 测试立即数长度选择
func TestMovRegImmPicksShortForm(t *testing.T) {
	a := New()
	a.MovRegImm(R12, 0x0A)
	if a.Len() != 7 {
		t.Errorf("small immediate: expected 7 bytes, got %d", a.Len())
	}

	a = New()
	a.MovRegImm(R12, 0xFFFF000000000005)
	if a.Len() != 10 {
		t.Errorf("tagged int immediate: expected 10 bytes, got %d", a.Len())
	}
}

// TestDecodeRoundTrip 测试解码器与汇编器一致
func TestDecodeRoundTrip(t *testing.T) {
	a := New()
	a.MovRegReg(RDI, GlueReg)
	a.MovRegMem(RDX, FrameReg, VRegSlot(3))
	a.MovMemReg(FrameReg, VRegSlot(200), AccReg)
	a.MovRegImm32(RCX, -7)
	a.MovRegImm64(R11, 0xDEADBEEF00)
	a.CmpRegReg(AccReg, R11)
	a.CallReg(R11)
	a.Ret()

	insts, err := Decode(a.Finalize())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var got []string
	for _, in := range insts {
		got = append(got, in.String())
	}
	want := []string{
		"mov rdi, r13",
		"mov rdx, [rbp+24]",
		"mov [rbp+1600], r12",
		"mov rcx, 0xfffffffffffffff9",
		"mov r11, 0xdeadbeef00",
		"cmp r12, r11",
		"call r11",
		"ret",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded stream mismatch (-want +got):\n%s", diff)
	}
}

// TestDecodeRejectsUnknown 测试未知指令
func TestDecodeRejectsUnknown(t *testing.T) {
	if _, err := Decode([]byte{0x90}); err == nil {
		t.Error("expected error for nop (not emitted by assembler)")
	}
	if _, err := Decode([]byte{0x49, 0xBB, 0x01}); err == nil {
		t.Error("expected error for truncated imm64")
	}
}

// TestForwardAndBackwardLabels 测试标签回填
func TestForwardAndBackwardLabels(t *testing.T) {
	a := New()
	fwd := a.NewLabel()
	a.Jump(fwd) // 0..5
	a.Ret()     // 5
	a.Bind(fwd) // 6

	back := a.NewLabel()
	a.Bind(back) // 6
	a.Jnz(back)  // 6..12
	a.Jz(fwd)    // 12..18

	if fwd.Pos() != 6 || back.Pos() != 6 {
		t.Fatalf("label positions: fwd=%d back=%d", fwd.Pos(), back.Pos())
	}

	insts, err := Decode(a.Finalize())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(insts) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(insts))
	}
	if insts[0].Op != MJmp || insts[0].Target != 6 {
		t.Errorf("forward jmp: got %v", insts[0])
	}
	if insts[2].Op != MJcc || insts[2].Cond != CondNE || insts[2].Target != 6 {
		t.Errorf("backward jnz: got %v", insts[2])
	}
	if insts[3].Op != MJcc || insts[3].Cond != CondE || insts[3].Target != 6 {
		t.Errorf("jz to bound label: got %v", insts[3])
	}
}

func expectPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		if msg, _ := r.(string); !strings.Contains(msg, substr) {
			t.Fatalf("panic %v does not contain %q", r, substr)
		}
	}()
	fn()
}

// TestLabelBoundTwice 测试重复绑定
func TestLabelBoundTwice(t *testing.T) {
	a := New()
	l := a.NewLabel()
	a.Bind(l)
	expectPanic(t, "bound twice", func() { a.Bind(l) })
}

// TestFinalizeUnboundLabel 测试未绑定标签
func TestFinalizeUnboundLabel(t *testing.T) {
	a := New()
	l := a.NewLabel()
	a.Jump(l)
	expectPanic(t, "unbound label", func() { a.Finalize() })

	// 从未被引用的标签不要求绑定
	a = New()
	a.NewLabel()
	a.Ret()
	if code := a.Finalize(); len(code) != 1 {
		t.Errorf("expected 1 byte, got %d", len(code))
	}
}

// TestCallBuiltin 测试桩调用序列与重定位
func TestCallBuiltin(t *testing.T) {
	const addr = 0x7f0012345678

	a := New()
	a.CallBuiltin("BaselineAdd2Imm8V8", addr, S(SpecialGlue), S(SpecialSP), I(5), V(2), S(SpecialAcc))
	a.SaveResultIntoAcc()
	code := a.Finalize()

	insts, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var got []string
	for _, in := range insts {
		got = append(got, in.String())
	}
	want := []string{
		"mov rdi, r13",
		"mov rsi, rbp",
		"mov rdx, 0x5",
		"mov rcx, [rbp+16]",
		"mov r8, r12",
		"mov r11, 0x7f0012345678",
		"call r11",
		"mov r12, rax",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}

	relocs := a.Relocs()
	if len(relocs) != 1 {
		t.Fatalf("expected 1 reloc, got %d", len(relocs))
	}
	r := relocs[0]
	if r.Kind != RelocStubAddr || r.Symbol != "BaselineAdd2Imm8V8" || r.Target != addr {
		t.Errorf("unexpected reloc %+v", r)
	}
	if v := binary.LittleEndian.Uint64(code[r.Offset:]); v != addr {
		t.Errorf("reloc offset does not point at stub address: %#x", v)
	}
}

// TestCallBuiltinStackArgs 测试超过 6 个参数时的压栈与对齐
func TestCallBuiltinStackArgs(t *testing.T) {
	a := New()
	a.CallBuiltin("stub", 0x1000,
		S(SpecialGlue), S(SpecialSP), S(SpecialAcc), S(SpecialFunc), S(SpecialThis), S(SpecialNewTarget), I(9))

	insts, err := Decode(a.Finalize())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var got []string
	for _, in := range insts {
		got = append(got, in.String())
	}
	want := []string{
		"sub rsp, 0x8",
		"mov r11, 0x9",
		"push r11",
		"mov rdi, r13",
		"mov rsi, rbp",
		"mov rdx, r12",
		"mov rcx, [rbp-8]",
		"mov r8, [rbp-24]",
		"mov r9, [rbp-16]",
		"mov r11, 0x1000",
		"call r11",
		"add rsp, 0x10",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
}
