package bytecode

import (
	"math"
	"strings"
	"testing"
)

// TestOpcodeTable 测试每个操作码都有名称与格式
func TestOpcodeTable(t *testing.T) {
	for op := OpCode(0); op < opCount; op++ {
		if opInfos[op].name == "" {
			t.Errorf("opcode %d has no name", op)
		}
		if op.Size() < 1 {
			t.Errorf("%s has size %d", op, op.Size())
		}
	}
	if OpCode(0xFF).IsValid() || OpCode(0xFF).Size() != 1 {
		t.Error("undefined opcode should be invalid and occupy one byte")
	}
}

// TestInstructionSizes 测试指令长度
func TestInstructionSizes(t *testing.T) {
	tests := []struct {
		op   OpCode
		size int
	}{
		{OpLdUndefined, 1},
		{OpLdaiImm32, 5},
		{OpFldaiImm64, 9},
		{OpMovV4V4, 2},
		{OpMovV16V16, 5},
		{OpAdd2Imm8V8, 3},
		{OpCallArgs2Imm8V8V8, 4},
		{OpStObjByName, 5},
		{OpJmpImm8, 2},
		{OpJeqzImm16, 3},
		{OpJnezImm32, 5},
		{OpDefineFunc, 5},
	}
	for _, tt := range tests {
		if got := tt.op.Size(); got != tt.size {
			t.Errorf("%s: size %d, want %d", tt.op, got, tt.size)
		}
	}
}

// TestJumpOffsetSignExtension 测试按声明宽度符号扩展
func TestJumpOffsetSignExtension(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"imm8 negative", []byte{byte(OpJmpImm8), 0xFE}, -2},
		{"imm8 positive", []byte{byte(OpJeqzImm8), 0x7F}, 127},
		{"imm16 negative", []byte{byte(OpJnezImm16), 0x00, 0x80}, math.MinInt16},
		{"imm32 negative", []byte{byte(OpJmpImm32), 0xFF, 0xFF, 0xFF, 0xFF}, -1},
	}
	for _, tt := range tests {
		got, ok := JumpOffset(tt.code)
		if !ok || got != tt.want {
			t.Errorf("%s: got %d (%v), want %d", tt.name, got, ok, tt.want)
		}
	}

	if _, ok := JumpOffset([]byte{byte(OpNop)}); ok {
		t.Error("non-jump should not report an offset")
	}
	if _, ok := JumpOffset([]byte{byte(OpJmpImm16), 0x01}); ok {
		t.Error("truncated jump should not report an offset")
	}
}

// TestBuilder 测试操作数编码与跳转回填
func TestBuilder(t *testing.T) {
	m, err := NewBuilder().
		Mark("top").
		Ldai(-1).
		Emit(OpMovV4V4, 3, 5).
		Jump(OpJeqzImm8, "end").
		Jump(OpJmpImm16, "top").
		Mark("end").
		Emit(OpReturn).
		Build("f", 1, 6)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []byte{
		byte(OpLdaiImm32), 0xFF, 0xFF, 0xFF, 0xFF,
		byte(OpMovV4V4), 0x53,
		byte(OpJeqzImm8), 0x05,
		byte(OpJmpImm16), 0xF7, 0xFF,
		byte(OpReturn),
	}
	if string(m.Code) != string(want) {
		t.Errorf("code = % x\nwant   % x", m.Code, want)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// TestBuilderErrors 测试构建错误
func TestBuilderErrors(t *testing.T) {
	if _, err := NewBuilder().Jump(OpJmpImm8, "missing").Build("f", 0, 0); err == nil {
		t.Error("expected undefined label error")
	}
	if _, err := NewBuilder().Emit(OpAdd2Imm8V8, 1).Build("f", 0, 0); err == nil {
		t.Error("expected operand count error")
	}
	if _, err := NewBuilder().Jump(OpNop, "x").Build("f", 0, 0); err == nil {
		t.Error("expected non-jump error")
	}

	b := NewBuilder().Jump(OpJmpImm8, "far")
	for i := 0; i < 200; i++ {
		b.Emit(OpNop)
	}
	if _, err := b.Mark("far").Build("f", 0, 0); err == nil {
		t.Error("expected imm8 range error")
	}
}

// TestValidate 测试方法切分检查
func TestValidate(t *testing.T) {
	if err := NewMethod("bad", []byte{0xFE}, 0, 0).Validate(); err == nil {
		t.Error("expected invalid opcode error")
	}
	if err := NewMethod("trunc", []byte{byte(OpLdaiImm32), 1, 2}, 0, 0).Validate(); err == nil {
		t.Error("expected truncation error")
	}
}

// TestDisassemble 测试反汇编输出
func TestDisassemble(t *testing.T) {
	m := NewBuilder().
		Ldai(5).
		Emit(OpAdd2Imm8V8, 0, 2).
		Mark("l").
		Jump(OpJnezImm8, "l").
		Emit(OpReturn).
		MustBuild("add", 0, 3)

	out := m.Disassemble()
	for _, want := range []string{"=== add ===", "LDAI_IMM32", "ADD2_IMM8_V8", "0, v2", "JNEZ_IMM8", "-> 8", "RETURN"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

// TestTaggedValues 测试标记值编码
func TestTaggedValues(t *testing.T) {
	if ValueFalse != 0x06 || ValueTrue != 0x07 || ValueNull != 0x02 || ValueUndefined != 0x0A || ValueHole != 0x05 {
		t.Error("special value constants changed")
	}
	v := TaggedInt(-5)
	if !IsTaggedInt(v) || UntagInt(v) != -5 {
		t.Errorf("TaggedInt round trip: %#x", v)
	}
	if IsTaggedInt(TaggedDouble(1.5)) {
		t.Error("double must not look like an int")
	}
	if TaggedBool(true) != ValueTrue || TaggedBool(false) != ValueFalse {
		t.Error("TaggedBool")
	}
}
