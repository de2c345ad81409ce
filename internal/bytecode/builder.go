package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Builder 字节码构建器
//
// 用于装配测试方法和运行时生成的小型方法，负责：
//   - 按格式编码操作数（小端序）
//   - 通过标签回填跳转偏移（偏移相对于跳转指令起始位置）
type Builder struct {
	code   []byte
	labels map[string]int
	fixups []jumpFixup
	err    error
}

// jumpFixup 待回填的跳转
type jumpFixup struct {
	at    int // 跳转指令起始偏移
	op    OpCode
	label string
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{
		code:   make([]byte, 0, 64),
		labels: make(map[string]int),
	}
}

// Offset 返回当前写入偏移
func (b *Builder) Offset() int {
	return len(b.code)
}

// Emit 写入一条指令，operands 按操作码格式依次编码
func (b *Builder) Emit(op OpCode, operands ...int64) *Builder {
	if b.err != nil {
		return b
	}
	if !op.IsValid() {
		b.err = fmt.Errorf("emit: invalid opcode %d", op)
		return b
	}

	want := operandCount(op.Format())
	if len(operands) != want {
		b.err = fmt.Errorf("emit %s: want %d operands, got %d", op, want, len(operands))
		return b
	}

	b.code = append(b.code, byte(op))
	switch op.Format() {
	case FmtNone:
	case FmtImm8, FmtV8:
		b.code = append(b.code, byte(operands[0]))
	case FmtImm16, FmtId16:
		b.code = binary.LittleEndian.AppendUint16(b.code, uint16(operands[0]))
	case FmtImm32:
		b.code = binary.LittleEndian.AppendUint32(b.code, uint32(operands[0]))
	case FmtImm64:
		b.code = binary.LittleEndian.AppendUint64(b.code, uint64(operands[0]))
	case FmtV4V4, FmtImm4Imm4:
		b.code = append(b.code, byte(operands[0]&0xf)|byte(operands[1]&0xf)<<4)
	case FmtV8V8, FmtImm8V8:
		b.code = append(b.code, byte(operands[0]), byte(operands[1]))
	case FmtV16V16:
		b.code = binary.LittleEndian.AppendUint16(b.code, uint16(operands[0]))
		b.code = binary.LittleEndian.AppendUint16(b.code, uint16(operands[1]))
	case FmtImm8V8V8:
		b.code = append(b.code, byte(operands[0]), byte(operands[1]), byte(operands[2]))
	case FmtImm8Id16:
		b.code = append(b.code, byte(operands[0]))
		b.code = binary.LittleEndian.AppendUint16(b.code, uint16(operands[1]))
	case FmtImm8Id16V8, FmtImm8Id16Imm8:
		b.code = append(b.code, byte(operands[0]))
		b.code = binary.LittleEndian.AppendUint16(b.code, uint16(operands[1]))
		b.code = append(b.code, byte(operands[2]))
	}
	return b
}

// Ldai 写入 LDAI_IMM32
func (b *Builder) Ldai(v int32) *Builder {
	return b.Emit(OpLdaiImm32, int64(v))
}

// Fldai 写入 FLDAI_IMM64
func (b *Builder) Fldai(v float64) *Builder {
	return b.Emit(OpFldaiImm64, int64(math.Float64bits(v)))
}

// Mark 在当前位置定义标签
func (b *Builder) Mark(label string) *Builder {
	if b.err != nil {
		return b
	}
	if _, ok := b.labels[label]; ok {
		b.err = fmt.Errorf("label %q defined twice", label)
		return b
	}
	b.labels[label] = len(b.code)
	return b
}

// Jump 写入跳转指令，目标由标签决定（可前向引用）
func (b *Builder) Jump(op OpCode, label string) *Builder {
	if b.err != nil {
		return b
	}
	if !op.IsJump() {
		b.err = fmt.Errorf("jump: %s is not a jump", op)
		return b
	}
	b.fixups = append(b.fixups, jumpFixup{at: len(b.code), op: op, label: label})
	return b.Emit(op, 0)
}

// Build 回填跳转并生成方法
func (b *Builder) Build(name string, numArgs, numVRegs int) (*Method, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		delta := int64(target - f.at)
		switch f.op.Format() {
		case FmtImm8:
			if delta < math.MinInt8 || delta > math.MaxInt8 {
				return nil, fmt.Errorf("%s to %q: offset %d out of imm8 range", f.op, f.label, delta)
			}
			b.code[f.at+1] = byte(int8(delta))
		case FmtImm16:
			if delta < math.MinInt16 || delta > math.MaxInt16 {
				return nil, fmt.Errorf("%s to %q: offset %d out of imm16 range", f.op, f.label, delta)
			}
			binary.LittleEndian.PutUint16(b.code[f.at+1:], uint16(int16(delta)))
		case FmtImm32:
			binary.LittleEndian.PutUint32(b.code[f.at+1:], uint32(int32(delta)))
		}
	}
	return NewMethod(name, b.code, numArgs, numVRegs), nil
}

// MustBuild 同 Build，出错时 panic（测试用）
func (b *Builder) MustBuild(name string, numArgs, numVRegs int) *Method {
	m, err := b.Build(name, numArgs, numVRegs)
	if err != nil {
		panic(err)
	}
	return m
}

func operandCount(f Format) int {
	switch f {
	case FmtNone:
		return 0
	case FmtImm8, FmtImm16, FmtImm32, FmtImm64, FmtV8, FmtId16:
		return 1
	case FmtV4V4, FmtV8V8, FmtV16V16, FmtImm4Imm4, FmtImm8V8, FmtImm8Id16:
		return 2
	case FmtImm8V8V8, FmtImm8Id16V8, FmtImm8Id16Imm8:
		return 3
	}
	return 0
}
